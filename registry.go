package ctrlstack

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Controller is anything exposing classified methods. Hand-written controllers
// embed Base; App builds them from free functions; RemoteController mirrors
// another controller over HTTP. Adapters treat all three the same way.
type Controller interface {
	Registry() *Registry
}

// Registry is an ordered table of method descriptors, indexed by name.
// The zero value is ready to use.
type Registry struct {
	mu      sync.RWMutex
	methods []*Method
	index   map[string]int
	strict  bool
	logger  *slog.Logger
}

// RegistryOption configures a Registry created with NewRegistry.
type RegistryOption func(*Registry)

// StrictNames makes Add reject names that are already registered.
func StrictNames() RegistryOption {
	return func(r *Registry) {
		r.strict = true
	}
}

// RegistryLogger sets the logger that reports replaced registrations.
func RegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers methods in order. Either all of them are registered or, on
// error, none are. Registering an existing name replaces the earlier
// descriptor in place, unless the registry is strict.
func (r *Registry) Add(methods ...*Method) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch := make(map[string]bool, len(methods))
	for _, m := range methods {
		if err := validateMethod(m); err != nil {
			return err
		}
		if r.strict {
			if _, exists := r.index[m.Name]; exists || batch[m.Name] {
				return newError(CodeValidation, "register", "method %q is already registered", m.Name)
			}
		}
		batch[m.Name] = true
	}

	if r.index == nil {
		r.index = make(map[string]int)
	}
	for _, m := range methods {
		if i, exists := r.index[m.Name]; exists {
			r.log().Debug("replacing registered method",
				"method", m.Name, "old_group", r.methods[i].Group, "new_group", m.Group)
			r.methods[i] = m
			continue
		}
		r.index[m.Name] = len(r.methods)
		r.methods = append(r.methods, m)
	}
	return nil
}

// MustAdd is like Add but panics on error.
func (r *Registry) MustAdd(methods ...*Method) {
	if err := r.Add(methods...); err != nil {
		panic(err)
	}
}

func validateMethod(m *Method) error {
	switch {
	case m == nil:
		return newError(CodeValidation, "register", "method is nil")
	case !m.Kind.Valid():
		return newError(CodeValidation, "register", "method %q has invalid kind %s", m.Name, m.Kind)
	case m.Group == "":
		return newError(CodeValidation, "register", "method %q has no group", m.Name)
	case m.Name == "":
		return newError(CodeValidation, "register", "method has no name")
	case m.invoke == nil:
		return newError(CodeValidation, "register", "method %q was not created by Classify", m.Name)
	}
	return nil
}

func (r *Registry) log() *slog.Logger {
	if r.logger != nil {
		return r.logger
	}
	return slog.Default()
}

// Filter selects methods in MethodNames and Methods.
type Filter func(*Method) bool

// ByKind keeps methods of kind k.
func ByKind(k Kind) Filter {
	return func(m *Method) bool { return m.Kind == k }
}

// ByGroup keeps methods in group g.
func ByGroup(g string) Filter {
	return func(m *Method) bool { return m.Group == g }
}

// Methods returns the descriptors matching every filter, in registration order.
func (r *Registry) Methods(filters ...Filter) []*Method {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Method
next:
	for _, m := range r.methods {
		for _, f := range filters {
			if !f(m) {
				continue next
			}
		}
		out = append(out, m)
	}
	return out
}

// MethodNames returns the names of the methods matching every filter, in
// registration order.
func (r *Registry) MethodNames(filters ...Filter) []string {
	methods := r.Methods(filters...)
	names := make([]string, 0, len(methods))
	for _, m := range methods {
		names = append(names, m.Name)
	}
	return names
}

// Groups returns one group per registered method, in registration order.
// Duplicates are kept.
func (r *Registry) Groups() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	groups := make([]string, 0, len(r.methods))
	for _, m := range r.methods {
		groups = append(groups, m.Group)
	}
	return groups
}

// Lookup returns the method registered under name.
func (r *Registry) Lookup(name string) (*Method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.index[name]
	if !ok {
		return nil, false
	}
	return r.methods[i], true
}

// Len returns the number of registered methods.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.methods)
}

// Base gives hand-written controllers their registry. Embed it and register
// methods in the constructor, in declaration order:
//
//	type FooController struct{ ctrlstack.Base }
//
//	func NewFooController() *FooController {
//		c := &FooController{}
//		c.Registry().MustAdd(
//			ctrlstack.MustClassify(ctrlstack.Command, ctrlstack.CommandGroup, c.Bar),
//			ctrlstack.MustClassify(ctrlstack.Query, ctrlstack.QueryGroup, c.Baz, ctrlstack.WithArgs("x")),
//		)
//		return c
//	}
type Base struct {
	registry Registry
}

// Registry implements Controller.
func (b *Base) Registry() *Registry {
	return &b.registry
}

// ListGroups returns one group per method of c, in discovery order.
func ListGroups(c Controller) []string {
	return c.Registry().Groups()
}

// ListMethods returns the method names of c matching every filter.
func ListMethods(c Controller, filters ...Filter) []string {
	return c.Registry().MethodNames(filters...)
}

// Call invokes the method name of c with positional arguments.
func Call(ctx context.Context, c Controller, name string, args ...any) (any, error) {
	m, ok := c.Registry().Lookup(name)
	if !ok {
		return nil, newError(CodeNotFound, "call", "method %q is not registered", name)
	}
	return m.Call(ctx, c, args...)
}

// CallNamed invokes the method name of c with named arguments.
func CallNamed(ctx context.Context, c Controller, name string, args map[string]any) (any, error) {
	m, ok := c.Registry().Lookup(name)
	if !ok {
		return nil, newError(CodeNotFound, "call", "method %q is not registered", name)
	}
	return m.CallNamed(ctx, c, args)
}

// CallAs is Call with the result asserted to T.
func CallAs[T any](ctx context.Context, c Controller, name string, args ...any) (T, error) {
	var zero T
	res, err := Call(ctx, c, name, args...)
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, fmt.Errorf("method %q returned %T, not %T", name, res, zero)
	}
	return v, nil
}
