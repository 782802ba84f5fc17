package gwconfig

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ConfigStore reads and writes ProviderConfig records, the server port, and
// the bearer token. All methods are synchronous; callers invoke them from a
// dedicated goroutine or worker pool rather than an event-loop hot path, per
// spec.md §5.
type ConfigStore interface {
	Load(ctx context.Context) (*ProvidersConfig, error)
	Save(ctx context.Context, cfg *ProvidersConfig) error
	RegisterObserver(o Observer)
}

// Store is a YAML-file-backed ConfigStore that hot-reloads on external
// edits via fsnotify, in the manner of the teacher's viper+fsnotify config
// wiring.
type Store struct {
	path string

	mu        sync.RWMutex
	observers []Observer

	viper   *viper.Viper
	watcher *fsnotify.Watcher
}

// NewStore creates a Store rooted at path. If the file does not yet exist
// it is created with an empty provider list.
func NewStore(path string) (*Store, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		empty := &ProvidersConfig{Providers: []ProviderConfig{}}
		if err := writeYAML(path, empty); err != nil {
			return nil, fmt.Errorf("gwconfig: initializing %s: %w", path, err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("gwconfig: reading %s: %w", path, err)
	}

	s := &Store{path: path, viper: v}
	return s, nil
}

// Load decodes the current on-disk configuration.
func (s *Store) Load(ctx context.Context) (*ProvidersConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("gwconfig: reloading %s: %w", s.path, err)
	}
	var cfg ProvidersConfig
	if err := s.viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("gwconfig: decoding %s: %w", s.path, err)
	}
	return &cfg, nil
}

// Save persists cfg to disk, replacing the previous contents.
func (s *Store) Save(ctx context.Context, cfg *ProvidersConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeYAML(s.path, cfg); err != nil {
		return err
	}
	return s.viper.ReadInConfig()
}

// RegisterObserver adds o to the set notified by Watch on every detected
// change. Matches the teacher's RegisterObserver/Notify shape
// (internal/config/mcpservers.go), spawning one goroutine per observer so a
// slow observer never blocks the watcher or its peers.
func (s *Store) RegisterObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

func (s *Store) notify(cfg *ProvidersConfig) {
	s.mu.RLock()
	observers := make([]Observer, len(s.observers))
	copy(observers, s.observers)
	s.mu.RUnlock()

	for _, o := range observers {
		go o.OnConfigChange(cfg)
	}
}

// Watch begins watching the backing file for external edits, reloading and
// notifying observers on change. It returns once the watcher is installed;
// the watch loop itself runs in a background goroutine until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("gwconfig: creating watcher: %w", err)
	}
	if err := w.Add(s.path); err != nil {
		w.Close()
		return fmt.Errorf("gwconfig: watching %s: %w", s.path, err)
	}
	s.watcher = w

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := s.Load(ctx)
				if err != nil {
					continue
				}
				s.notify(cfg)
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

func writeYAML(path string, cfg *ProvidersConfig) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("gwconfig: marshaling config: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return fmt.Errorf("gwconfig: writing %s: %w", path, err)
	}
	return nil
}
