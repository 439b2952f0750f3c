package server

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "feedsync_sse_sessions",
	Help: "Synchronization sessions currently streamed to SSE clients",
})

// Sessions tracks running synchronization sessions so they can be cancelled
// by key from another request
type Sessions struct {
	sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewSessions() *Sessions {
	return &Sessions{
		cancels: make(map[string]context.CancelFunc),
	}
}

// Add registers the cancel func of a session
func (s *Sessions) Add(key string, cancel context.CancelFunc) {
	s.Lock()
	defer s.Unlock()
	s.cancels[key] = cancel
	activeSessions.Set(float64(len(s.cancels)))
	log.WithFields(log.Fields{
		"key":   key,
		"count": len(s.cancels),
	}).Info("Adding sync session")
}

// Remove cancels the session and forgets it. It reports whether the key was known.
func (s *Sessions) Remove(key string) bool {
	s.Lock()
	defer s.Unlock()

	cancel, ok := s.cancels[key]
	if !ok {
		return false
	}
	cancel()
	delete(s.cancels, key)
	activeSessions.Set(float64(len(s.cancels)))

	log.WithFields(log.Fields{
		"key":   key,
		"count": len(s.cancels),
	}).Info("Removed sync session")
	return true
}

func (s *Sessions) Count() int {
	s.Lock()
	defer s.Unlock()
	return len(s.cancels)
}

// Shutdown cancels every running session
func (s *Sessions) Shutdown() {
	log.Info("Cancelling sync sessions")
	s.Lock()
	defer s.Unlock()
	for key, cancel := range s.cancels {
		cancel()
		delete(s.cancels, key)
	}
	activeSessions.Set(0)
}
