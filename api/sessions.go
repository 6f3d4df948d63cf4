package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/fabfab/docbase-rag/rag"
)

// sessionStore keeps one orchestrator per conversation. Idle sessions expire
// after the TTL and their index is closed.
type sessionStore struct {
	cache *cache.Cache
}

func newSessionStore(ttl time.Duration, logger *zap.Logger) *sessionStore {
	expiration, cleanup := ttl, ttl/2
	if ttl <= 0 {
		expiration, cleanup = cache.NoExpiration, 0
	}

	c := cache.New(expiration, cleanup)
	c.OnEvicted(func(id string, value any) {
		orch, ok := value.(*rag.Orchestrator)
		if !ok {
			return
		}
		if err := orch.Close(); err != nil {
			logger.Warn("close expired session", zap.String("session", id), zap.Error(err))
		}
		logger.Info("session ended", zap.String("session", id))
	})
	return &sessionStore{cache: c}
}

func (s *sessionStore) add(orch *rag.Orchestrator) string {
	id := uuid.NewString()
	s.cache.Set(id, orch, cache.DefaultExpiration)
	return id
}

// get returns the session and extends its lifetime.
func (s *sessionStore) get(id string) (*rag.Orchestrator, bool) {
	value, found := s.cache.Get(id)
	if !found {
		return nil, false
	}
	orch := value.(*rag.Orchestrator)
	s.cache.Set(id, orch, cache.DefaultExpiration)
	return orch, true
}

func (s *sessionStore) remove(id string) bool {
	if _, found := s.cache.Get(id); !found {
		return false
	}
	s.cache.Delete(id)
	return true
}

// activeOn counts sessions other than except whose active base is name.
func (s *sessionStore) activeOn(name, except string) int {
	n := 0
	for id, item := range s.cache.Items() {
		if id == except {
			continue
		}
		if orch, ok := item.Object.(*rag.Orchestrator); ok && orch.CurrentBase() == name {
			n++
		}
	}
	return n
}

func (s *sessionStore) closeAll() {
	for id := range s.cache.Items() {
		s.cache.Delete(id)
	}
}
