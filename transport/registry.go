package transport

import (
	"slices"
	"strings"
	"sync"
)

// Registry maps protocol families to the sender serving them.
type Registry struct {
	mu      sync.RWMutex
	senders map[Protocol]Sender
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{senders: make(map[Protocol]Sender)}
}

// Register adds s under its protocol, replacing an earlier sender.
func (r *Registry) Register(s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[s.Protocol()] = s
}

// Get returns the sender for p.
func (r *Registry) Get(p Protocol) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[p]
	return s, ok
}

// Has reports whether a sender serves p.
func (r *Registry) Has(p Protocol) bool {
	_, ok := r.Get(p)
	return ok
}

// Protocols returns the registered families in sorted order.
func (r *Registry) Protocols() []Protocol {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]Protocol, 0, len(r.senders))
	for p := range r.senders {
		names = append(names, p)
	}
	slices.Sort(names)
	return names
}

// Features lists the feature sets of registered senders that describe one.
func (r *Registry) Features() []Features {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Features
	for _, s := range r.senders {
		if fp, ok := s.(FeaturesProvider); ok {
			out = append(out, fp.Features())
		}
	}
	slices.SortFunc(out, func(a, b Features) int { return strings.Compare(a.Name, b.Name) })
	return out
}
