package ctrlstack

import (
	"context"
	"reflect"
	"runtime"
	"strings"
	"unicode"
)

// Method describes one classified, registered function. Adapters build their
// routes, subcommands and tools from it.
type Method struct {
	Kind        Kind
	Group       string
	Name        string
	Description string
	Signature   Signature
	PassSelf    bool

	invoke invoker
}

// invoker performs the actual call. Local methods call the function; methods
// mirrored by a RemoteController perform an HTTP request instead.
type invoker func(ctx context.Context, self Controller, m *Method, args []reflect.Value) (any, error)

func localInvoke(ctx context.Context, self Controller, m *Method, args []reflect.Value) (any, error) {
	return m.Signature.call(ctx, self, args)
}

// Classify validates fn and its classification and returns its descriptor.
// Nothing is registered anywhere; pass the result to Registry.Add.
func Classify(kind Kind, group string, fn any, opts ...MethodOption) (*Method, error) {
	if !kind.Valid() {
		return nil, newError(CodeValidation, "classify", "method kind must be Command or Query, got %s", kind)
	}
	if strings.TrimSpace(group) == "" {
		return nil, newError(CodeValidation, "classify", "group must be a non-empty string")
	}
	if strings.ContainsAny(group, "/ \t\n") {
		return nil, newError(CodeValidation, "classify", "group %q must not contain slashes or whitespace", group)
	}

	cfg := &methodConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	sig, err := Project(fn, cfg.params...)
	if err != nil {
		return nil, err
	}
	if len(cfg.argNames) > len(sig.Params) {
		return nil, newError(CodeValidation, "classify", "%d argument names given for %d parameters", len(cfg.argNames), len(sig.Params))
	}
	for i, name := range cfg.argNames {
		sig.Params[i].Name = name
	}
	sig.ReturnDescription = cfg.returnDesc

	switch {
	case sig.Receiver != nil && !cfg.passSelf:
		return nil, newError(CodeValidation, "classify", "receiver parameter %s requires WithPassSelf", sig.Receiver)
	case sig.Receiver == nil && cfg.passSelf:
		return nil, newError(CodeValidation, "classify", "WithPassSelf requires a leading receiver parameter")
	}

	name := cfg.name
	if name == "" {
		name = funcName(fn)
	}
	if name == "" || strings.ContainsAny(name, "/ \t\n") {
		return nil, newError(CodeValidation, "classify", "invalid method name %q", name)
	}

	return &Method{
		Kind:        kind,
		Group:       group,
		Name:        name,
		Description: cfg.desc,
		Signature:   sig,
		PassSelf:    cfg.passSelf,
		invoke:      localInvoke,
	}, nil
}

// MustClassify is like Classify but panics on error.
func MustClassify(kind Kind, group string, fn any, opts ...MethodOption) *Method {
	m, err := Classify(kind, group, fn, opts...)
	if err != nil {
		panic(err)
	}
	return m
}

// CommandMethod classifies fn as a Command in the "cmd" group.
func CommandMethod(fn any, opts ...MethodOption) (*Method, error) {
	return Classify(Command, CommandGroup, fn, opts...)
}

// QueryMethod classifies fn as a Query in the "query" group.
func QueryMethod(fn any, opts ...MethodOption) (*Method, error) {
	return Classify(Query, QueryGroup, fn, opts...)
}

// Params returns the projected parameters.
func (m *Method) Params() []Parameter {
	return m.Signature.Params
}

// ReturnType returns the declared result type, or nil when there is none.
func (m *Method) ReturnType() reflect.Type {
	return m.Signature.Returns
}

// IsAsync reports whether the function delivers its result through a Result channel.
func (m *Method) IsAsync() bool {
	return m.Signature.Async
}

// Route returns the HTTP path of the method.
func (m *Method) Route(groupPrefix bool) string {
	if groupPrefix && m.Group != "" {
		return "/" + m.Group + "/" + m.Name
	}
	return "/" + m.Name
}

// CommandName returns the CLI subcommand name of the method.
func (m *Method) CommandName() string {
	return strings.ReplaceAll(m.Name, "_", "-")
}

// Call invokes the method with positional arguments converted to the declared
// parameter types. Omitted trailing arguments take their defaults.
func (m *Method) Call(ctx context.Context, self Controller, args ...any) (any, error) {
	values, err := bindPositional(m.Signature.Params, args)
	if err != nil {
		return nil, err
	}
	return m.invokeValues(ctx, self, values)
}

// CallNamed invokes the method with named arguments.
func (m *Method) CallNamed(ctx context.Context, self Controller, args map[string]any) (any, error) {
	values, err := bindNamed(m.Signature.Params, args)
	if err != nil {
		return nil, err
	}
	return m.invokeValues(ctx, self, values)
}

func (m *Method) invokeValues(ctx context.Context, self Controller, args []reflect.Value) (any, error) {
	ctx, span := startMethodSpan(ctx, m)
	result, err := m.invoke(ctx, self, m, args)
	endMethodSpan(span, err)
	return result, err
}

// funcName extracts a snake_case name from a function value.
func funcName(fn any) string {
	f := runtime.FuncForPC(reflect.ValueOf(fn).Pointer())
	if f == nil {
		return ""
	}
	// e.g. "main.Add", "main.(*FooController).Baz-fm"
	full := f.Name()
	name := full[strings.LastIndex(full, ".")+1:]
	name = strings.TrimSuffix(name, "-fm")
	return toSnakeCase(name)
}

func toSnakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
