package subscriber

import (
	"fmt"
	"sync"
)

// Subscription pairs a handler with its subscription spec inside a service
type Subscription struct {
	Name    string
	Spec    SubscriptionSpec
	Handler Handler
}

// Service is a group of subscriptions registered together. Implementations
// usually return a static table.
type Service interface {
	Name() string
	Subscriptions() []Subscription
}

// SubscriberBinding is a registered handler together with its spec. Bindings
// are immutable once registered.
type SubscriberBinding struct {
	Service string
	Name    string
	Spec    SubscriptionSpec
	Handler Handler
}

// ID returns "service.name"
func (b SubscriberBinding) ID() string {
	return b.Service + "." + b.Name
}

// Registry collects subscriber bindings grouped by owning service. Services
// keep the order in which they were first seen and bindings keep their
// registration order within a service.
type Registry struct {
	mu       sync.RWMutex
	services []string
	bindings map[string][]SubscriberBinding
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		bindings: make(map[string][]SubscriberBinding),
	}
}

// Register adds a handler for the given spec under service/name
func (r *Registry) Register(service, name string, spec SubscriptionSpec, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("%w: %s.%s", ErrNilHandler, service, name)
	}
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("register %s.%s: %w", service, name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, seen := r.bindings[service]
	for _, b := range existing {
		if b.Name == name {
			return fmt.Errorf("%w: %s.%s", ErrDuplicateSubscriber, service, name)
		}
	}
	if !seen {
		r.services = append(r.services, service)
	}

	r.bindings[service] = append(existing, SubscriberBinding{
		Service: service,
		Name:    name,
		Spec:    spec.clone(),
		Handler: handler,
	})
	return nil
}

// RegisterFunc is Register for plain functions
func (r *Registry) RegisterFunc(service, name string, spec SubscriptionSpec, fn HandlerFunc) error {
	if fn == nil {
		return fmt.Errorf("%w: %s.%s", ErrNilHandler, service, name)
	}
	return r.Register(service, name, spec, fn)
}

// RegisterService registers every subscription of a service. Registration
// stops at the first invalid subscription; earlier ones stay registered.
func (r *Registry) RegisterService(svc Service) error {
	for _, sub := range svc.Subscriptions() {
		if err := r.Register(svc.Name(), sub.Name, sub.Spec, sub.Handler); err != nil {
			return err
		}
	}
	return nil
}

// Subscribers returns all bindings, grouped by service
func (r *Registry) Subscribers() []SubscriberBinding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []SubscriberBinding
	for _, service := range r.services {
		out = append(out, r.bindings[service]...)
	}
	return out
}

// Services returns the registered service names in registration order
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.services...)
}

// Len returns the number of registered bindings
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, b := range r.bindings {
		n += len(b)
	}
	return n
}
