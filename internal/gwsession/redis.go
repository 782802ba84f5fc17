package gwsession

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisMirror optionally backs Store with Redis so sessions are visible
// across a multi-process deployment and survive a single process's restart.
// This reuses the teacher's WithConnectionString option shape
// (internal/session/cache.go), generalized from the teacher's exclusive
// inmemory-xor-extClient choice to a read/write-through layer in front of
// Store's local map: every mutator writes here, and Get falls back to
// loading and locally caching a session this process never created, so a
// second process sharing the connection string observes the first
// process's session state instead of only ever writing to a side channel.
type redisMirror struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    *slog.Logger
}

// WithConnectionString enables a Redis mirror of session state, dialed
// lazily on first use.
func WithConnectionString(url string) Option {
	return func(s *Store) {
		opts, err := redis.ParseURL(url)
		if err != nil {
			slog.Default().Error("gwsession: invalid redis connection string, mirror disabled", "error", err)
			return
		}
		s.mirror = &redisMirror{
			client: redis.NewClient(opts),
			prefix: "mcp-gateway:session:",
			ttl:    2 * DefaultInactivityThreshold,
			log:    slog.Default(),
		}
	}
}

func (m *redisMirror) save(ctx context.Context, sess *Session) {
	if m == nil {
		return
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return
	}
	if err := m.client.Set(ctx, m.prefix+sess.ID, data, m.ttl).Err(); err != nil {
		m.log.Warn("gwsession: redis mirror save failed", "session", sess.ID, "error", err)
	}
}

func (m *redisMirror) delete(ctx context.Context, id string) {
	if m == nil {
		return
	}
	if err := m.client.Del(ctx, m.prefix+id).Err(); err != nil {
		m.log.Warn("gwsession: redis mirror delete failed", "session", id, "error", err)
	}
}

// load reads a session back from Redis, the read half of the mirror: a
// second process sharing the same connection string hydrates a session it
// never created locally from here, matching the teacher's Cache.GetSession
// branch (internal/session/cache.go) rather than only ever writing.
func (m *redisMirror) load(ctx context.Context, id string) (*Session, bool) {
	if m == nil {
		return nil, false
	}
	data, err := m.client.Get(ctx, m.prefix+id).Bytes()
	if err != nil {
		return nil, false
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		m.log.Warn("gwsession: redis mirror load failed to decode", "session", id, "error", err)
		return nil, false
	}
	return &sess, true
}

// Close releases the Redis client, if a mirror is configured.
func (s *Store) Close() error {
	if s.mirror == nil {
		return nil
	}
	return s.mirror.client.Close()
}
