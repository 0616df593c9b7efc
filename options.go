package ctrlstack

import "log/slog"

// ParamDef defines a parameter with its name, description and optional default.
type ParamDef struct {
	Name string
	Desc string

	hasDefault   bool
	defaultValue any
}

// Param creates a new required ParamDef.
func Param(name, desc string) ParamDef {
	return ParamDef{
		Name: name,
		Desc: desc,
	}
}

// OptionalParam creates a ParamDef with a default value. The default must be
// convertible to the parameter's declared type; a nil default means the zero value.
// Optional parameters become --flags in the CLI and may be omitted over HTTP.
func OptionalParam(name, desc string, def any) ParamDef {
	return ParamDef{
		Name:         name,
		Desc:         desc,
		hasDefault:   true,
		defaultValue: def,
	}
}

// MethodOption is a functional option for configuring a classified method.
// It is used with Classify, App.Register and the Bind helpers.
type MethodOption func(*methodConfig)

type methodConfig struct {
	name       string
	desc       string
	params     []ParamDef
	argNames   []string
	returnDesc string
	passSelf   bool
}

// WithName overrides the exposed method name, which otherwise is the
// function's own name in snake_case.
func WithName(name string) MethodOption {
	return func(c *methodConfig) {
		c.name = name
	}
}

// WithDescription sets the human-readable description used in CLI help,
// OpenAPI documents and MCP tool listings.
func WithDescription(desc string) MethodOption {
	return func(c *methodConfig) {
		c.desc = desc
	}
}

// WithParams associates names, descriptions and defaults with function parameters, in order.
func WithParams(params ...ParamDef) MethodOption {
	return func(c *methodConfig) {
		c.params = params
	}
}

// WithArgs specifies custom names for function arguments.
//
// Example:
//
//	app.RegisterQuery(Add, ctrlstack.WithArgs("x", "y"))
func WithArgs(names ...string) MethodOption {
	return func(c *methodConfig) {
		c.argNames = names
	}
}

// WithReturns specifies the description for the function return value.
func WithReturns(desc string) MethodOption {
	return func(c *methodConfig) {
		c.returnDesc = desc
	}
}

// WithPassSelf forwards the controller instance to the function as its leading
// receiver parameter. Functions declaring such a parameter must be registered
// with this option; it never appears in the projected signature.
func WithPassSelf() MethodOption {
	return func(c *methodConfig) {
		c.passSelf = true
	}
}

// Option is a functional option for configuring the App during initialization.
// It is used with the NewApp function to customize the App instance.
type Option func(*App)

// WithAppName sets the application name.
func WithAppName(name string) Option {
	return func(a *App) {
		a.config.Name = name
	}
}

// WithStrictNames makes the app's registry reject a second registration under
// an existing name instead of replacing the first one.
func WithStrictNames() Option {
	return func(a *App) {
		a.strict = true
	}
}

// WithLogger sets the logger used by the app and the adapters it builds.
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) {
		a.logger = logger
	}
}
