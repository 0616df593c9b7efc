package ctrlstack

import (
	"context"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"
)

// App builds a controller from free functions registered at runtime.
// It owns exactly one registry; every AppController it hands out is backed by
// that registry, so instances are stateless and interchangeable.
//
// Registration mirrors a decorator: the Bind helpers install a function and
// return it unchanged so the application can keep calling and testing it directly.
//
//	var app = ctrlstack.NewApp(ctrlstack.Config{Name: "calc", Version: "1.0.0"})
//
//	var Add = ctrlstack.BindQuery(app, func(x, y int) int { return x + y },
//		ctrlstack.WithName("add"), ctrlstack.WithArgs("x", "y"))
type App struct {
	config   Config
	registry *Registry
	strict   bool
	logger   *slog.Logger
}

// NewApp creates a new application with the given configuration and options.
func NewApp(cfg Config, opts ...Option) *App {
	app := &App{config: cfg}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		app.logger = slog.Default()
	}

	regOpts := []RegistryOption{RegistryLogger(app.logger)}
	if app.strict {
		regOpts = append(regOpts, StrictNames())
	}
	app.registry = NewRegistry(regOpts...)
	return app
}

// Config returns the application configuration.
func (a *App) Config() Config {
	return a.config
}

// Register classifies fn and installs it on the app's controller under its
// own name or the one given with WithName. Invalid registrations install nothing.
func (a *App) Register(kind Kind, group string, fn any, opts ...MethodOption) error {
	m, err := Classify(kind, group, fn, opts...)
	if err != nil {
		return err
	}
	if slices.Contains(appSubcommands, m.CommandName()) {
		return newError(CodeValidation, "register",
			"method name %q is reserved for the built-in %q subcommand", m.Name, m.CommandName())
	}
	return a.registry.Add(m)
}

// appSubcommands are the subcommands Command adds next to the method ones.
var appSubcommands = []string{"serve", "mcp", "cgi", "openapi", "help", "completion"}

// RegisterCommand registers fn as a Command in the "cmd" group.
func (a *App) RegisterCommand(fn any, opts ...MethodOption) error {
	return a.Register(Command, CommandGroup, fn, opts...)
}

// RegisterQuery registers fn as a Query in the "query" group.
func (a *App) RegisterQuery(fn any, opts ...MethodOption) error {
	return a.Register(Query, QueryGroup, fn, opts...)
}

// Bind registers fn on app and returns fn unchanged.
// Panics if the registration is invalid, since it happens at setup time.
func Bind[F any](app *App, kind Kind, group string, fn F, opts ...MethodOption) F {
	if err := app.Register(kind, group, fn, opts...); err != nil {
		panic(err)
	}
	return fn
}

// BindCommand is Bind with kind Command and group "cmd".
func BindCommand[F any](app *App, fn F, opts ...MethodOption) F {
	return Bind(app, Command, CommandGroup, fn, opts...)
}

// BindQuery is Bind with kind Query and group "query".
func BindQuery[F any](app *App, fn F, opts ...MethodOption) F {
	return Bind(app, Query, QueryGroup, fn, opts...)
}

// Controller returns a fresh controller instance backed by the app's registry.
func (a *App) Controller() *AppController {
	return &AppController{registry: a.registry}
}

// NewServer builds the HTTP server adapter for the app's controller.
func (a *App) NewServer(opts ...ServerOption) (*Server, error) {
	base := []ServerOption{WithServerConfig(a.config), WithServerLogger(a.logger)}
	return NewServer(a.Controller(), append(base, opts...)...)
}

// NewCLI builds the CLI adapter for the app's controller.
func (a *App) NewCLI(opts ...CLIOption) *cobra.Command {
	base := []CLIOption{WithCLIConfig(a.config)}
	return NewCLI(a.Controller(), append(base, opts...)...)
}

// Command builds the full root command: one subcommand per registered method
// plus the serve, mcp, cgi and openapi subcommands.
func (a *App) Command() *cobra.Command {
	root := a.NewCLI()
	root.AddCommand(a.buildServeCmd())
	root.AddCommand(a.buildMcpCmd())
	root.AddCommand(a.buildCgiCmd())
	root.AddCommand(a.buildOpenAPICmd())
	return root
}

// Run executes the application.
//
// Capabilities:
//   - one subcommand per registered method, calling it in-process
//   - **serve**: starts the Web API server
//   - **mcp**: runs as a Model Context Protocol server (stdio)
//   - **cgi**: serves a single request in CGI mode
//   - **openapi**: prints the OpenAPI document
func (a *App) Run() error {
	return a.Command().Execute()
}

// AppController is the controller synthesized by an App.
type AppController struct {
	registry *Registry
}

// Registry implements Controller.
func (c *AppController) Registry() *Registry {
	return c.registry
}

// Call invokes the method name with positional arguments, as a bound method would.
func (c *AppController) Call(ctx context.Context, name string, args ...any) (any, error) {
	return Call(ctx, c, name, args...)
}

// CallNamed invokes the method name with named arguments.
func (c *AppController) CallNamed(ctx context.Context, name string, args map[string]any) (any, error) {
	return CallNamed(ctx, c, name, args)
}
