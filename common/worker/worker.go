package worker

import (
	"context"
	"fmt"

	"github.com/medialens/tweet-harvest-service/common/messaging"
)

// Worker is one routable worker implementation. Handle is invoked by
// the hosting process loop for every envelope whose leading destination
// names the worker class; replies and follow-up messages go out through
// emit. Handle must return quickly — long-running jobs run on their own
// goroutine and report back through emitted envelopes.
type Worker interface {
	Name() string
	Handle(ctx context.Context, env messaging.Envelope, emit messaging.Dispatch) error
}

// Factory returns the worker for one process slot. The crawl and DB
// worker factories build a new instance per process so the busy flag is
// never shared; collaborators they pass in, such as the crawl workers'
// Correlator, are shared, and the gateway factory returns the same
// gateway every time.
type Factory func() (Worker, error)

// Registry maps worker class names to factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty worker registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under the class name. Registering the same
// name twice is a programming error.
func (r *Registry) Register(name string, factory Factory) error {
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("worker class %q already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// Lookup returns the factory for a class name.
func (r *Registry) Lookup(name string) (Factory, bool) {
	f, ok := r.factories[name]
	return f, ok
}

// Names lists the registered class names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}
