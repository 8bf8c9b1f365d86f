package server

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/upnode/upnode-go/pkg/transport"
)

// Roster tracks the live handles of a listener and when they were added.
type Roster struct {
	mu      sync.Mutex
	handles map[*transport.Handle]time.Time
}

// NewRoster creates an empty roster.
func NewRoster() *Roster {
	return &Roster{
		handles: make(map[*transport.Handle]time.Time),
	}
}

// Add registers a handle with the current time. It reports false if the
// handle was already present.
func (r *Roster) Add(h *transport.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[h]; ok {
		return false
	}
	r.handles[h] = time.Now()
	return true
}

// Remove deregisters a handle. Only the first call for a handle reports
// true; later calls are no-ops.
func (r *Roster) Remove(h *transport.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[h]; !ok {
		return false
	}
	delete(r.handles, h)
	return true
}

// Handles returns a snapshot of the tracked handles.
func (r *Roster) Handles() []*transport.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*transport.Handle, 0, len(r.handles))
	for h := range r.handles {
		out = append(out, h)
	}
	return out
}

// Since returns when h was added, and false if it is not tracked.
func (r *Roster) Since(h *transport.Handle) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.handles[h]
	return t, ok
}

// DestroyAll destroys every tracked handle and returns how many there were.
// Handles leave the roster as their connections finish.
func (r *Roster) DestroyAll() int {
	handles := r.Handles()
	for _, h := range handles {
		h.Destroy()
	}
	return len(handles)
}

// EndAll closes every tracked handle gracefully, telling each peer before
// its stream closes. It returns how many there were and the joined errors.
func (r *Roster) EndAll() (int, error) {
	handles := r.Handles()
	var errs []error
	for _, h := range handles {
		if err := h.End(); err != nil {
			errs = append(errs, fmt.Errorf("end %s: %w", h.ID(), err))
		}
	}
	return len(handles), errors.Join(errs...)
}

// Len returns the number of tracked handles.
func (r *Roster) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
