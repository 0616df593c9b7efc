/*
Package ctrlstack exposes plain Go functions through a local controller, a generated CLI,
a generated HTTP API and an equivalent HTTP client, from a single registration.

Every function is classified as a Command (state-changing, POST) or a Query (read-only, GET)
and placed in a group, which prefixes its route. Adapters walk the registry and derive their
routes, subcommands and argument schemas from each function's projected signature.

# Key Features

  - **Classification**: Classify, CommandMethod and QueryMethod build method descriptors;
    a Registry keeps them in registration order.
  - **Dynamic controllers**: App installs free functions on a synthesized controller and
    returns them unchanged, so they remain directly callable and testable.
  - **Adapters**: NewServer (HTTP), NewCLI (cobra), NewRemoteController (HTTP client),
    NewRemoteCLI (CLI over HTTP, optionally managing a local server) and NewMCPServer.
  - **Async methods**: functions returning <-chan Result[T] are awaited by every adapter.

# Usage

Hand-written controllers embed Base and register their methods in the constructor:

	type FooController struct{ ctrlstack.Base }

	func (c *FooController) Bar(ctx context.Context) error { return nil }

	func (c *FooController) Baz(x int) string { return fmt.Sprintf("baz %d", x) }

	func NewFooController() *FooController {
		c := &FooController{}
		c.Registry().MustAdd(
			ctrlstack.MustClassify(ctrlstack.Command, ctrlstack.CommandGroup, c.Bar),
			ctrlstack.MustClassify(ctrlstack.Query, ctrlstack.QueryGroup, c.Baz, ctrlstack.WithArgs("x")),
		)
		return c
	}

Free functions are registered on an App:

	app := ctrlstack.NewApp(ctrlstack.Config{Name: "foo", Version: "1.0.0"})
	baz := ctrlstack.BindQuery(app, Baz, ctrlstack.WithArgs("x"))
	app.Run()

Running the application:

	$ foo baz 5                  # call in-process
	$ foo serve --port 8080      # GET /query/baz?x=5
	$ foo mcp                    # MCP server over stdio
*/
package ctrlstack
