package provider

import (
	"fmt"
)

// Registry holds the configured provider clients and the default cascade
// order. It is built once at process start and passed by reference; there is
// no package-level provider state.
type Registry struct {
	clients map[string]Client
	order   []string
}

// NewRegistry builds a registry. Order names providers in default cascade
// priority; every name must correspond to a registered client.
func NewRegistry(order []string, clients ...Client) (*Registry, error) {
	r := &Registry{
		clients: make(map[string]Client, len(clients)),
		order:   order,
	}
	for _, c := range clients {
		r.clients[c.Name()] = c
	}
	for _, name := range order {
		if _, ok := r.clients[name]; !ok {
			return nil, fmt.Errorf("cascade order names unknown provider %q", name)
		}
	}
	return r, nil
}

// Get returns the client for a provider name.
func (r *Registry) Get(name string) (Client, bool) {
	c, ok := r.clients[name]
	return c, ok
}

// Names returns every registered provider name in default cascade order.
func (r *Registry) Names() []string {
	return r.order
}

// DefaultCandidates expands the default cascade order against one country
// selector.
func (r *Registry) DefaultCandidates(country string) []Candidate {
	candidates := make([]Candidate, 0, len(r.order))
	for _, name := range r.order {
		candidates = append(candidates, Candidate{Provider: name, Country: country})
	}
	return candidates
}
