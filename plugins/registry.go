package plugins

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry holds the plugin factories available on this host.
type Registry struct {
	mu        sync.RWMutex
	factories []Factory
	byName    map[string]int
}

// NewRegistry creates a registry from factories.
func NewRegistry(factories ...Factory) (*Registry, error) {
	r := &Registry{byName: make(map[string]int)}
	for _, factory := range factories {
		if err := r.Register(factory); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a factory; names must be unique.
func (r *Registry) Register(factory Factory) error {
	if factory.Name == "" {
		return errors.New("plugin name is required")
	}
	if factory.New == nil {
		return fmt.Errorf("plugin %q has no constructor", factory.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[factory.Name]; exists {
		return fmt.Errorf("plugin %q already registered", factory.Name)
	}
	r.byName[factory.Name] = len(r.factories)
	r.factories = append(r.factories, factory)
	return nil
}

// Factories returns the registered factories in registration order.
func (r *Registry) Factories() []Factory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Factory(nil), r.factories...)
}

// Capabilities returns the union of declared capabilities, sorted, for the
// local identity packet.
func (r *Registry) Capabilities() (incoming, outgoing []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	in := make(map[string]struct{})
	out := make(map[string]struct{})
	for _, factory := range r.factories {
		for _, capability := range factory.Incoming {
			in[capability] = struct{}{}
		}
		for _, capability := range factory.Outgoing {
			out[capability] = struct{}{}
		}
	}
	return sortedKeys(in), sortedKeys(out)
}

// Negotiate selects the factories usable with a peer and the negotiated
// capability set.
//
// A factory is selected when it consumes something the peer produces or
// produces something the peer consumes. A peer announcing no capabilities at
// all predates capability negotiation and gets every plugin.
func (r *Registry) Negotiate(peerIncoming, peerOutgoing []string) ([]Factory, []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	legacy := len(peerIncoming) == 0 && len(peerOutgoing) == 0
	peerIn := toSet(peerIncoming)
	peerOut := toSet(peerOutgoing)

	var selected []Factory
	negotiated := make(map[string]struct{})
	for _, factory := range r.factories {
		matched := legacy
		for _, capability := range factory.Incoming {
			if _, ok := peerOut[capability]; ok || legacy {
				negotiated[capability] = struct{}{}
				matched = true
			}
		}
		for _, capability := range factory.Outgoing {
			if _, ok := peerIn[capability]; ok || legacy {
				negotiated[capability] = struct{}{}
				matched = true
			}
		}
		if matched {
			selected = append(selected, factory)
		}
	}
	return selected, sortedKeys(negotiated)
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, value := range values {
		out[value] = struct{}{}
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
