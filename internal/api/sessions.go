package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/samcharles93/wick/internal/handle"
	"github.com/samcharles93/wick/internal/logger"
	"github.com/samcharles93/wick/internal/metrics"
	"github.com/samcharles93/wick/internal/runtime"
)

const (
	DefaultSessionTTL  = 10 * time.Minute
	DefaultMaxSessions = 64
)

type sessionCache = ttlcache.Cache[string, runtime.ContextHandle]
type sessionItem = ttlcache.Item[string, runtime.ContextHandle]

// sessionStore maps client session ids to contexts on the server model.
// Expired or displaced sessions free their context.
type sessionStore struct {
	mu          sync.Mutex
	cache       *sessionCache
	unsubscribe func()
	stopOnce    sync.Once

	mgr     *runtime.Manager
	model   runtime.ModelHandle
	nCtx    int
	metrics *metrics.Metrics
	log     logger.Logger
}

func newSessionStore(mgr *runtime.Manager, mh runtime.ModelHandle, nCtx int, ttl time.Duration, capacity uint64, m *metrics.Metrics, log logger.Logger) *sessionStore {
	c := ttlcache.New[string, runtime.ContextHandle](
		ttlcache.WithTTL[string, runtime.ContextHandle](ttl),
		ttlcache.WithCapacity[string, runtime.ContextHandle](capacity),
	)
	s := &sessionStore{
		cache:   c,
		mgr:     mgr,
		model:   mh,
		nCtx:    nCtx,
		metrics: m,
		log:     log,
	}
	s.unsubscribe = c.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *sessionItem) {
		// Explicit deletes release synchronously in drop.
		if reason == ttlcache.EvictionReasonDeleted {
			return
		}
		s.release(item.Key(), item.Value(), evictionName(reason))
	})
	go c.Start()
	return s
}

func evictionName(r ttlcache.EvictionReason) string {
	switch r {
	case ttlcache.EvictionReasonExpired:
		return "expired"
	case ttlcache.EvictionReasonCapacityReached:
		return "capacity"
	default:
		return "deleted"
	}
}

// acquire returns the context for id, creating it on first use. A hit
// extends the session's lifetime.
func (s *sessionStore) acquire(id string) (runtime.ContextHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item := s.cache.Get(id); item != nil {
		return item.Value(), nil
	}
	// An expired entry that has not been swept would be overwritten by Set
	// without an eviction event.
	s.cache.DeleteExpired()

	ch, err := s.mgr.CreateContext(s.model, s.nCtx)
	if err != nil {
		return 0, err
	}
	s.cache.Set(id, ch, ttlcache.DefaultTTL)
	s.metrics.SessionsActive.Inc()
	s.log.Debug("session opened", "session", id, "context", handle.Handle(ch).String())
	return ch, nil
}

// drop frees the session's context. It reports whether the session existed.
func (s *sessionStore) drop(id string) bool {
	s.mu.Lock()
	item, ok := s.cache.GetAndDelete(id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.release(id, item.Value(), "deleted")
	return true
}

func (s *sessionStore) release(id string, ch runtime.ContextHandle, reason string) {
	s.metrics.SessionsActive.Dec()
	if err := s.mgr.FreeContext(ch); err != nil && !errors.Is(err, handle.ErrStale) {
		s.log.Warn("free session context", "session", id, "error", err)
		return
	}
	s.log.Debug("session closed", "session", id, "reason", reason)
}

func (s *sessionStore) len() int {
	return s.cache.Len()
}

func (s *sessionStore) close() {
	s.stopOnce.Do(func() {
		s.unsubscribe()
		s.cache.Stop()

		s.mu.Lock()
		items := s.cache.Items()
		s.cache.DeleteAll()
		s.mu.Unlock()

		for id, item := range items {
			s.release(id, item.Value(), "shutdown")
		}
	})
}
