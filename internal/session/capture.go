// Package session holds the transient per-device and per-employee image
// buffers used while a capture or enrollment burst is in progress. State
// lives in process memory only: it is cleared on restart and idle keys
// are evicted by a background sweep.
package session

import (
	"context"
	"sync"
	"time"
)

// CaptureResult reports the state of a device burst after a submission.
type CaptureResult struct {
	Ready bool
	Count int
	Batch []string
	When  time.Time
}

// CaptureHub buffers live capture bursts per device key. A burst becomes
// ready once BurstSize images accumulate within the staleness window;
// offline submissions bypass buffering entirely.
type CaptureHub struct {
	burstSize int
	staleness time.Duration

	mu       sync.Mutex
	sessions map[string]*captureSession
}

type captureSession struct {
	mu         sync.Mutex
	images     []string
	lastUpdate time.Time
}

// NewCaptureHub creates a hub with the given burst size and staleness window.
func NewCaptureHub(burstSize int, staleness time.Duration) *CaptureHub {
	if burstSize <= 0 {
		burstSize = 3
	}
	if staleness <= 0 {
		staleness = 5 * time.Second
	}
	return &CaptureHub{
		burstSize: burstSize,
		staleness: staleness,
		sessions:  make(map[string]*captureSession),
	}
}

// Submit adds an image to the device's burst, or passes it straight
// through as a one-image batch when offline is set. captureAt is the
// device-supplied timestamp; the zero value means "now".
func (h *CaptureHub) Submit(deviceKey, image string, captureAt time.Time, offline bool) CaptureResult {
	now := time.Now()
	when := captureAt
	if when.IsZero() {
		when = now
	}

	if offline {
		// Late-uploaded data the device recorded earlier: already a
		// complete observation, no burst to assemble.
		return CaptureResult{Ready: true, Count: 1, Batch: []string{image}, When: when}
	}

	s := h.session(deviceKey)
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastUpdate) > h.staleness {
		// A stale partial burst never mixes with a fresh one.
		s.images = s.images[:0]
	}
	if image != "" {
		s.images = append(s.images, image)
		s.lastUpdate = now
	}

	if len(s.images) < h.burstSize {
		return CaptureResult{Ready: false, Count: len(s.images), When: when}
	}

	batch := s.images
	s.images = nil
	return CaptureResult{Ready: true, Count: len(batch), Batch: batch, When: when}
}

func (h *CaptureHub) session(key string) *captureSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[key]
	if !ok {
		s = &captureSession{}
		h.sessions[key] = s
	}
	return s
}

// Sweep evicts sessions idle for longer than maxIdle so abandoned device
// keys do not accumulate forever.
func (h *CaptureHub) Sweep(maxIdle time.Duration) int {
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

// Run sweeps periodically until ctx is cancelled.
func (h *CaptureHub) Run(ctx context.Context, interval, maxIdle time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			h.Sweep(maxIdle)
		case <-ctx.Done():
			return
		}
	}
}
