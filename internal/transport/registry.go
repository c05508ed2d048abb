package transport

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// Registry holds every registered transport and resolves the active and
// selected one from the live options.
type Registry struct {
	mu         sync.RWMutex
	transports map[string]Transport
	order      []string

	options  OptionsSource
	fallback string
}

// NewRegistry creates an empty registry. fallback names the transport that
// becomes active while the selected one is not configured and ready; it may
// be empty.
func NewRegistry(options OptionsSource, fallback string) *Registry {
	return &Registry{
		transports: make(map[string]Transport),
		options:    options,
		fallback:   fallback,
	}
}

// Register adds t to the registry.
func (r *Registry) Register(t Transport) error {
	if t == nil {
		return errors.New("transport: nil transport")
	}
	slug := t.Slug()
	if slug == "" {
		return errors.New("transport: empty slug")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.transports[slug]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSlug, slug)
	}
	r.transports[slug] = t
	r.order = append(r.order, slug)
	return nil
}

// Lookup returns the transport registered under slug.
func (r *Registry) Lookup(slug string) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[slug]
	return t, ok
}

// Transports returns every transport in registration order.
func (r *Registry) Transports() []Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Transport, 0, len(r.order))
	for _, slug := range r.order {
		out = append(out, r.transports[slug])
	}
	return out
}

// Selected returns the transport named in the options, or nil when the
// option is unset or names an unknown slug.
func (r *Registry) Selected() Transport {
	slug := r.options.Get().TransportType
	if slug == "" {
		return nil
	}
	t, _ := r.Lookup(slug)
	return t
}

// Active returns the transport that will carry mail. It is the selected
// transport, or the fallback while the selected one is not configured and
// ready.
func (r *Registry) Active() (Transport, error) {
	slug := r.options.Get().TransportType
	t, ok := r.Lookup(slug)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not registered", ErrNoActiveTransport, slug)
	}
	if t.IsConfiguredAndReady() || r.fallback == "" || r.fallback == slug {
		return t, nil
	}
	if fb, ok := r.Lookup(r.fallback); ok {
		return fb, nil
	}
	return t, nil
}

// PublicTransportURI renders protocol://host:port for t. Endpoint-less
// transports render as the bare protocol. Credentials never appear.
func (r *Registry) PublicTransportURI(t Transport) string {
	host := t.Hostname()
	if host == "" {
		return t.Protocol()
	}
	if port := t.Port(); port > 0 {
		host += ":" + strconv.Itoa(port)
	}
	return t.Protocol() + "://" + host
}

// CollectBids asks every transport to bid for host:port and returns the bids
// ordered by priority, highest first. Ties keep registration order.
func (r *Registry) CollectBids(host string, port int, authOverride string) []Bid {
	transports := r.Transports()
	bids := make([]Bid, 0, len(transports))
	for _, t := range transports {
		bids = append(bids, t.ConfigurationBid(host, port, authOverride))
	}
	sort.SliceStable(bids, func(i, j int) bool {
		return bids[i].Priority > bids[j].Priority
	})
	return bids
}
