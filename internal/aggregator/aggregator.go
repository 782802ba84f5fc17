package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/kagenti/mcp-gateway/internal/gwconfig"
	"github.com/kagenti/mcp-gateway/internal/policy"
	"github.com/kagenti/mcp-gateway/internal/upstream/httpsse"
	"github.com/kagenti/mcp-gateway/internal/upstream/subprocess"
)

// Aggregator owns the provider config table, the cache table keyed by
// service id, the name->id index, the subprocess supervisor, and the
// per-provider HTTP clients. See spec.md §4.4.
type Aggregator struct {
	log      *slog.Logger
	resolver policy.EnvResolver

	mu         sync.RWMutex
	configs    map[string]gwconfig.ProviderConfig
	nameToID   map[string]string
	caches     map[string]*ServiceCache
	transports map[string]Transport
}

// New creates an empty Aggregator. LoadProviders must be called before
// Warmup.
func New(resolver policy.EnvResolver, log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{
		log:        log,
		resolver:   resolver,
		configs:    make(map[string]gwconfig.ProviderConfig),
		nameToID:   make(map[string]string),
		caches:     make(map[string]*ServiceCache),
		transports: make(map[string]Transport),
	}
}

// LoadProviders replaces the provider config table, rejecting a set that
// declares two providers under the same name (the aggregator's analogue of
// the teacher's prefix-conflict rejection, since aggregated names are
// always service-name-prefixed and a name collision would be silently
// ambiguous downstream).
func (a *Aggregator) LoadProviders(configs []gwconfig.ProviderConfig) error {
	nameToID := make(map[string]string, len(configs))
	byID := make(map[string]gwconfig.ProviderConfig, len(configs))
	for _, c := range configs {
		if existing, ok := nameToID[c.Name]; ok && existing != c.ID {
			return fmt.Errorf("aggregator: duplicate provider name %q (ids %s and %s)", c.Name, existing, c.ID)
		}
		nameToID[c.Name] = c.ID
		byID[c.ID] = c
	}

	a.mu.Lock()
	a.configs = byID
	a.nameToID = nameToID
	a.mu.Unlock()
	return nil
}

// UpdateService loads or replaces a single provider declaration, for the
// explicit "update_service" path named in spec.md §3. Like Warmup and
// RefreshService, it is a cache-table writer: once the config table is
// updated, it performs the same initialize/list sequence and swap-in as a
// refresh, so the new or edited provider's tools/resources/prompts show up
// immediately rather than after the next full restart. A disabled provider
// has its cache entry and transport torn down instead, matching
// RemoveService.
func (a *Aggregator) UpdateService(ctx context.Context, cfg gwconfig.ProviderConfig) error {
	a.mu.Lock()
	if existing, ok := a.nameToID[cfg.Name]; ok && existing != cfg.ID {
		a.mu.Unlock()
		return fmt.Errorf("aggregator: duplicate provider name %q (ids %s and %s)", cfg.Name, existing, cfg.ID)
	}
	a.configs[cfg.ID] = cfg
	a.nameToID[cfg.Name] = cfg.ID
	if !cfg.Enabled {
		delete(a.caches, cfg.ID)
		if t, ok := a.transports[cfg.ID]; ok {
			closeTransport(t)
			delete(a.transports, cfg.ID)
		}
	}
	a.mu.Unlock()

	if !cfg.Enabled {
		return nil
	}
	return a.RefreshService(ctx, cfg.ID)
}

// RemoveService drops a provider's config, cache, and transport.
func (a *Aggregator) RemoveService(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cfg, ok := a.configs[id]; ok {
		delete(a.nameToID, cfg.Name)
	}
	delete(a.configs, id)
	delete(a.caches, id)
	if t, ok := a.transports[id]; ok {
		closeTransport(t)
		delete(a.transports, id)
	}
}

// Close stops every subprocess-backed transport, per spec.md §4.9's "shut
// down C4 (which calls stop_all on C2)".
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range a.transports {
		closeTransport(t)
	}
	a.transports = make(map[string]Transport)
}

func closeTransport(t Transport) {
	if p, ok := t.(*subprocess.Process); ok {
		_ = p.Stop()
	}
}

// transportFor lazily builds the transport for a provider's declared kind.
func (a *Aggregator) transportFor(cfg gwconfig.ProviderConfig, env []string) (Transport, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if t, ok := a.transports[cfg.ID]; ok {
		return t, nil
	}

	var t Transport
	switch cfg.Transport {
	case gwconfig.TransportStdio:
		t = subprocess.New(cfg.Name, cfg.Command, cfg.Args, env, a.log)
	case gwconfig.TransportHTTP:
		t = httpsse.New(cfg.Name, cfg.URL, cfg.Headers, &http.Client{Timeout: 0})
	default:
		return nil, fmt.Errorf("aggregator: unknown transport %q for provider %q", cfg.Transport, cfg.Name)
	}
	a.transports[cfg.ID] = t
	return t, nil
}

// publish atomically replaces a service's cache entry. Readers always see
// either the pre- or post-refresh snapshot, never a mix, per spec.md §4.4.
func (a *Aggregator) publish(sc *ServiceCache) {
	a.mu.Lock()
	a.caches[sc.ServiceID] = sc
	a.mu.Unlock()
}

// configureBackoff builds the warmup retry backoff, env-overridable exactly
// like the teacher's ConfigureBackOff.
func configureBackoff() wait.Backoff {
	baseDelay := 5 * time.Second
	if v := os.Getenv("MCP_GATEWAY_WARMUP_RETRY_BASE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			baseDelay = d
		}
	}
	maxDelay := 5 * time.Minute
	if v := os.Getenv("MCP_GATEWAY_WARMUP_RETRY_MAX_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			maxDelay = d
		}
	}
	maxRetries := 3
	if v := os.Getenv("MCP_GATEWAY_WARMUP_RETRY_MAX_ATTEMPTS"); v != "" {
		if r, err := strconv.Atoi(v); err == nil && r > 0 {
			maxRetries = r
		}
	}
	return wait.Backoff{Duration: baseDelay, Factor: 2.0, Steps: maxRetries, Cap: maxDelay}
}

// resolveEnv resolves every $VAR-referenced entry in cfg.Env against the
// configured EnvResolver, dropping entries it cannot fill, per spec.md
// §4.4 step 1.
func (a *Aggregator) resolveEnv(ctx context.Context, cfg gwconfig.ProviderConfig) []string {
	out := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		if strings.HasPrefix(v, "$") {
			if a.resolver == nil {
				continue
			}
			resolved, ok := a.resolver.Resolve(ctx, strings.TrimPrefix(v, "$"))
			if !ok {
				continue
			}
			v = resolved
		}
		out = append(out, k+"="+v)
	}
	return out
}

// serviceIDForName resolves a provider name to its id.
func (a *Aggregator) serviceIDForName(name string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	id, ok := a.nameToID[name]
	return id, ok
}

func (a *Aggregator) configFor(id string) (gwconfig.ProviderConfig, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	c, ok := a.configs[id]
	return c, ok
}

func (a *Aggregator) cacheFor(id string) (*ServiceCache, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	c, ok := a.caches[id]
	return c, ok
}

func (a *Aggregator) allConfigs() []gwconfig.ProviderConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]gwconfig.ProviderConfig, 0, len(a.configs))
	for _, c := range a.configs {
		out = append(out, c)
	}
	return out
}

func (a *Aggregator) allCaches() []*ServiceCache {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*ServiceCache, 0, len(a.caches))
	for _, c := range a.caches {
		out = append(out, c)
	}
	return out
}
