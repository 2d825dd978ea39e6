package session

import (
	"context"
	"sort"
	"sync"

	"github.com/loqalabs/loqa-interpreter/internal/protocol"
)

// Status describes one live connection for /status.
type Status struct {
	ConnectionID string                `json:"connection_id"`
	SessionID    string                `json:"session_id,omitempty"`
	State        string                `json:"state"`
	Mode         protocol.Mode         `json:"mode"`
	Voice        string                `json:"voice"`
	Speed        float64               `json:"speed"`
	Active       int                   `json:"active"`
	Metrics      *protocol.MetricsData `json:"metrics,omitempty"`
}

type Handle struct {
	Cancel func()
	Status func() Status
}

// Registry tracks live connections so the runtime can report on them and
// cancel them at shutdown.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*trackedConn
	wg    sync.WaitGroup
}

type trackedConn struct {
	handle Handle
	once   sync.Once
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*trackedConn)}
}

func (r *Registry) Register(id string, h Handle) (unregister func()) {
	if r == nil {
		return func() {}
	}

	entry := &trackedConn{handle: h}

	r.mu.Lock()
	old := r.conns[id]
	r.conns[id] = entry
	r.wg.Add(1)
	r.mu.Unlock()

	if old != nil {
		r.unregister(id, old)
	}
	return func() { r.unregister(id, entry) }
}

func (r *Registry) unregister(id string, entry *trackedConn) {
	entry.once.Do(func() {
		r.mu.Lock()
		if r.conns[id] == entry {
			delete(r.conns, id)
		}
		r.mu.Unlock()
		r.wg.Done()
	})
}

func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Statuses returns a snapshot of every live connection ordered by id.
func (r *Registry) Statuses() []Status {
	if r == nil {
		return nil
	}
	var fns []func() Status
	r.mu.Lock()
	for _, entry := range r.conns {
		if entry.handle.Status != nil {
			fns = append(fns, entry.handle.Status)
		}
	}
	r.mu.Unlock()

	out := make([]Status, 0, len(fns))
	for _, fn := range fns {
		out = append(out, fn())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out
}

func (r *Registry) CancelAll() (canceled int) {
	if r == nil {
		return 0
	}
	var cancels []func()
	r.mu.Lock()
	for _, entry := range r.conns {
		if entry.handle.Cancel != nil {
			cancels = append(cancels, entry.handle.Cancel)
		}
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered connection has unregistered or ctx ends.
func (r *Registry) Wait(ctx context.Context) bool {
	if r == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
