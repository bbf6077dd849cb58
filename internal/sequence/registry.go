package sequence

import (
	"context"
	"sort"
	"sync"
)

// Registry tracks which sequences are executing in this process and which
// are paused. Pause only takes effect at quiz boundaries.
type Registry struct {
	mu     sync.Mutex
	active map[string]context.CancelFunc
	paused map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{active: map[string]context.CancelFunc{}, paused: map[string]struct{}{}}
}

// Begin claims id for one run. It returns false if id is already running.
func (r *Registry) Begin(id string, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[id]; ok {
		return false
	}
	r.active[id] = cancel
	return true
}

func (r *Registry) End(id string) {
	r.mu.Lock()
	delete(r.active, id)
	delete(r.paused, id)
	r.mu.Unlock()
}

func (r *Registry) Pause(id string) {
	r.mu.Lock()
	r.paused[id] = struct{}{}
	r.mu.Unlock()
}

// Resume reports whether id was paused.
func (r *Registry) Resume(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.paused[id]
	delete(r.paused, id)
	return ok
}

func (r *Registry) IsPaused(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.paused[id]
	return ok
}

// Cancel stops a running sequence at its next boundary. It reports
// whether id was running.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	cancel, ok := r.active[id]
	delete(r.paused, id)
	r.mu.Unlock()
	if ok && cancel != nil {
		cancel()
	}
	return ok
}

func (r *Registry) IsActive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[id]
	return ok
}

// Active lists running sequence ids, sorted.
func (r *Registry) Active() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.active))
	for id := range r.active {
		out = append(out, id)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}
