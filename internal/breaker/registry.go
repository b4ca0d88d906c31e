package breaker

import (
	"sync"

	"github.com/rs/zerolog"
)

// Registry holds one breaker per named dependency. It is constructed at
// startup and injected into every component that makes outbound calls, so
// all callers of a dependency share the same breaker state.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	defaults Config
	log      zerolog.Logger
}

// NewRegistry creates a registry whose Get calls lazily construct breakers
// with the supplied default config.
func NewRegistry(defaults Config, logger zerolog.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
		log:      logger,
	}
}

// Get returns the breaker for the named dependency, creating it with the
// registry defaults on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.defaults, r.log)
	r.breakers[name] = b
	return b
}

// Register installs a breaker with non-default config. Replaces any breaker
// previously created under the same name.
func (r *Registry) Register(b *Breaker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers[b.Name()] = b
}

// Snapshots returns the state of every registered breaker.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.GetState())
	}
	return out
}
