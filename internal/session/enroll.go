package session

import (
	"sync"
	"time"
)

// EnrollResult reports the state of an enrollment burst after a submission.
type EnrollResult struct {
	Ready bool
	Count int
	Batch []string
}

// EnrollHub buffers exactly batchSize images per employee before the
// batch is handed to the embedding service. The buffer is cleared on
// drain regardless of whether the downstream call succeeds; a retried
// enrollment simply starts a new burst.
type EnrollHub struct {
	batchSize int

	mu       sync.Mutex
	sessions map[string]*enrollSession
}

type enrollSession struct {
	mu         sync.Mutex
	images     []string
	lastUpdate time.Time
}

// NewEnrollHub creates a hub collecting batchSize images per employee.
func NewEnrollHub(batchSize int) *EnrollHub {
	if batchSize <= 0 {
		batchSize = 5
	}
	return &EnrollHub{
		batchSize: batchSize,
		sessions:  make(map[string]*enrollSession),
	}
}

// Submit adds an image to the employee's enrollment burst and drains it
// once full.
func (h *EnrollHub) Submit(employeeID, image string) EnrollResult {
	s := h.session(employeeID)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.images = append(s.images, image)
	s.lastUpdate = time.Now()

	if len(s.images) < h.batchSize {
		return EnrollResult{Ready: false, Count: len(s.images)}
	}

	batch := s.images
	s.images = nil
	return EnrollResult{Ready: true, Count: len(batch), Batch: batch}
}

func (h *EnrollHub) session(key string) *enrollSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[key]
	if !ok {
		s = &enrollSession{}
		h.sessions[key] = s
	}
	return s
}

// Sweep evicts enrollment sessions idle for longer than maxIdle.
func (h *EnrollHub) Sweep(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	h.mu.Lock()
	defer h.mu.Unlock()
	evicted := 0
	for key, s := range h.sessions {
		s.mu.Lock()
		idle := s.lastUpdate.Before(cutoff)
		s.mu.Unlock()
		if idle {
			delete(h.sessions, key)
			evicted++
		}
	}
	return evicted
}
