package ctrlstack

import (
	"fmt"
	"net/http"
)

// Config holds the application configuration.
// It defines the metadata for the application, such as its name and version,
// which are used in CLI help messages, MCP implementation info and OpenAPI documents.
type Config struct {
	// Name is the name of the application.
	Name string
	// Version is the version of the application.
	Version string
}

// Kind classifies a controller method as state-changing or read-only.
type Kind int

const (
	// Command methods change state and are exposed as POST.
	Command Kind = iota + 1
	// Query methods are read-only and are exposed as GET.
	Query
)

// Default groups used by CommandMethod/QueryMethod and the App shortcuts.
const (
	CommandGroup = "cmd"
	QueryGroup   = "query"
)

// Valid reports whether k is one of Command or Query.
func (k Kind) Valid() bool {
	return k == Command || k == Query
}

func (k Kind) String() string {
	switch k {
	case Command:
		return "command"
	case Query:
		return "query"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// HTTPMethod returns the HTTP verb the server and remote adapters use for k.
func (k Kind) HTTPMethod() (string, error) {
	switch k {
	case Command:
		return http.MethodPost, nil
	case Query:
		return http.MethodGet, nil
	default:
		return "", newError(CodeConfiguration, "http method", "unsupported method kind %s", k)
	}
}

// Result carries the outcome of an asynchronous method. A function whose only
// non-error result is <-chan Result[T] is registered as asynchronous, and every
// adapter awaits the channel before producing a response.
type Result[T any] struct {
	Value T
	Err   error
}

func (r Result[T]) unwrap() (any, error) {
	return r.Value, r.Err
}

// resultValue is implemented by every Result[T] instantiation.
type resultValue interface {
	unwrap() (any, error)
}

// Async runs fn in a new goroutine and returns a channel that yields its
// outcome exactly once.
func Async[T any](fn func() (T, error)) <-chan Result[T] {
	ch := make(chan Result[T], 1)
	go func() {
		v, err := fn()
		ch <- Result[T]{Value: v, Err: err}
	}()
	return ch
}
