package device

import (
	"fmt"
	"sync"

	"github.com/cortex-x/go-nfc-motor-bridge/internal/domain"
)

// Registry enforces at most one open handle per channel identifier
// (reader name or serial port name).
type Registry struct {
	mu   sync.Mutex
	open map[string]*Handle
}

func NewRegistry() *Registry {
	return &Registry{open: make(map[string]*Handle)}
}

// Handle is an exclusive claim on one channel. Close releases it and is
// always safe, including on a nil handle.
type Handle struct {
	id       string
	registry *Registry
	closer   func() error
	once     sync.Once
	closed   bool
	mu       sync.Mutex
}

// Claim returns a handle for id, failing with domain.ErrAlreadyClaimed if one
// is already open. closer runs once when the handle is closed and may be nil.
func (r *Registry) Claim(id string, closer func() error) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.open[id]; ok {
		return nil, fmt.Errorf("%s: %w", id, domain.ErrAlreadyClaimed)
	}
	h := &Handle{id: id, registry: r, closer: closer}
	r.open[id] = h
	return h, nil
}

func (r *Registry) IsOpen(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.open[id]
	return ok
}

func (r *Registry) release(h *Handle) {
	r.mu.Lock()
	if cur, ok := r.open[h.id]; ok && cur == h {
		delete(r.open, h.id)
	}
	r.mu.Unlock()
}

func (h *Handle) ID() string {
	if h == nil {
		return ""
	}
	return h.id
}

func (h *Handle) IsOpen() bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed
}

func (h *Handle) Close() error {
	if h == nil {
		return nil
	}
	var err error
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		if h.closer != nil {
			err = h.closer()
		}
		if h.registry != nil {
			h.registry.release(h)
		}
	})
	return err
}
