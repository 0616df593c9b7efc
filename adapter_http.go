package ctrlstack

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// APIKeyHeader carries the pre-shared key when an allow-list is configured.
const APIKeyHeader = "X-API-Key"

// RequestIDHeader is echoed on every response; one is generated when absent.
const RequestIDHeader = "X-Request-ID"

const openAPIPath = "/openapi.json"

// Route is one HTTP operation exposed by a Server.
type Route struct {
	Method string
	Path   string
	Target *Method
}

// Server exposes a controller over HTTP: GET /{group}/{name} for queries and
// POST /{group}/{name} for commands.
type Server struct {
	controller  Controller
	config      Config
	groupPrefix bool
	authEnabled bool
	apiKeys     [][]byte
	logger      *slog.Logger

	mux    *http.ServeMux
	routes []Route
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithGroupPrefix controls whether routes are prefixed with the method group.
// Enabled by default.
func WithGroupPrefix(enabled bool) ServerOption {
	return func(s *Server) {
		s.groupPrefix = enabled
	}
}

// WithAPIKeys enables the allow-list: every operation then requires one of
// keys in the X-API-Key header. An empty list rejects every request.
func WithAPIKeys(keys ...string) ServerOption {
	return func(s *Server) {
		s.authEnabled = true
		s.apiKeys = s.apiKeys[:0]
		for _, k := range keys {
			s.apiKeys = append(s.apiKeys, []byte(k))
		}
	}
}

// WithServerLogger sets the request logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithServerConfig sets the name and version reported by the OpenAPI document.
func WithServerConfig(cfg Config) ServerOption {
	return func(s *Server) {
		s.config = cfg
	}
}

// NewServer builds one route per method of c. A method whose kind has no HTTP
// verb is a configuration error reported here, never at request time.
func NewServer(c Controller, opts ...ServerOption) (*Server, error) {
	s := &Server{
		controller:  c,
		groupPrefix: true,
		logger:      slog.Default(),
		mux:         http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	reg := c.Registry()
	for _, name := range reg.MethodNames() {
		m, ok := reg.Lookup(name)
		if !ok {
			continue
		}
		verb, err := m.Kind.HTTPMethod()
		if err != nil {
			return nil, wrapError(CodeConfiguration, "new server", err, "method %q", m.Name)
		}
		path := m.Route(s.groupPrefix)
		if path == openAPIPath {
			return nil, newError(CodeConfiguration, "new server", "method %q collides with %s", m.Name, openAPIPath)
		}
		s.mux.HandleFunc(verb+" "+path, s.methodHandler(m))
		s.routes = append(s.routes, Route{Method: verb, Path: path, Target: m})
	}

	s.mux.HandleFunc("GET "+openAPIPath, s.serveOpenAPI)
	return s, nil
}

// Routes returns the exposed operations in registration order.
func (s *Server) Routes() []Route {
	return append([]Route(nil), s.routes...)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := r.Header.Get(RequestIDHeader)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	w.Header().Set(RequestIDHeader, reqID)
	w.Header().Set("Server", serverHeader(s.config, FrameworkBuildInfo()))

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		s.logger.Info("request",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	}()

	if r.URL.Path != openAPIPath && !s.authorized(r) {
		writeJSONError(rec, "Invalid or missing API Key", http.StatusUnauthorized)
		return
	}
	s.mux.ServeHTTP(rec, r)
}

func (s *Server) authorized(r *http.Request) bool {
	if !s.authEnabled {
		return true
	}
	got := []byte(r.Header.Get(APIKeyHeader))
	if len(got) == 0 {
		return false
	}
	ok := false
	for _, k := range s.apiKeys {
		if subtle.ConstantTimeCompare(got, k) == 1 {
			ok = true
		}
	}
	return ok
}

func (s *Server) methodHandler(m *Method) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		args, err := decodeHTTPArgs(r, m)
		if err != nil {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}

		result, err := m.invokeValues(r.Context(), s.controller, args)
		if err != nil {
			s.logger.Warn("method failed", "method", m.Name, "group", m.Group, "error", err)
			writeJSONError(w, err.Error(), errorStatus(err))
			return
		}

		if err := writeJSONResult(w, result); err != nil {
			s.logger.Error("failed to write response", "method", m.Name, "error", err)
		}
	}
}

// decodeHTTPArgs binds query parameters and JSON body fields to the projected
// parameters. Body fields win over query parameters of the same name.
func decodeHTTPArgs(r *http.Request, m *Method) ([]reflect.Value, error) {
	query := r.URL.Query()

	var body map[string]json.RawMessage
	if r.Method != http.MethodGet && r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("Invalid JSON body")
		}
	}

	params := m.Signature.Params
	values := make([]reflect.Value, len(params))
	for i, p := range params {
		if raw, ok := body[p.Name]; ok {
			v, err := decodeJSONField(raw, p.Type)
			if err != nil {
				return nil, fmt.Errorf("argument %q: %w", p.Name, err)
			}
			values[i] = v
			continue
		}
		if vals, ok := query[p.Name]; ok {
			v, err := decodeQueryValue(vals, p.Type)
			if err != nil {
				return nil, fmt.Errorf("argument %q: %w", p.Name, err)
			}
			values[i] = v
			continue
		}
		v, err := defaultFor(p)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

func decodeJSONField(raw json.RawMessage, t reflect.Type) (reflect.Value, error) {
	p := reflect.New(t)
	err := json.Unmarshal(raw, p.Interface())
	if err == nil {
		return p.Elem(), nil
	}
	// Scalars sent as JSON strings, e.g. {"x": "10"}.
	var s string
	if isScalar(t) && json.Unmarshal(raw, &s) == nil {
		return convertStringToType(s, t)
	}
	return reflect.Value{}, err
}

// decodeQueryValue parses query values. Structured types are JSON text;
// slices of scalars may also be given as repeated keys.
func decodeQueryValue(vals []string, t reflect.Type) (reflect.Value, error) {
	if t.Kind() == reflect.Slice && isScalar(t.Elem()) &&
		(len(vals) > 1 || !strings.HasPrefix(strings.TrimSpace(vals[0]), "[")) {
		out := reflect.MakeSlice(t, 0, len(vals))
		for _, s := range vals {
			v, err := convertStringToType(s, t.Elem())
			if err != nil {
				return reflect.Value{}, err
			}
			out = reflect.Append(out, v)
		}
		return out, nil
	}
	return convertStringToType(vals[0], t)
}

// encodeQueryValue is the inverse of decodeQueryValue used by RemoteController.
func encodeQueryValue(v reflect.Value) (string, bool, error) {
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return "", false, nil
		}
		v = v.Elem()
	}
	if isScalar(v.Type()) {
		return fmt.Sprint(v.Interface()), true, nil
	}
	b, err := json.Marshal(v.Interface())
	if err != nil {
		return "", false, err
	}
	return string(b), true, nil
}

// Serve listens on addr and serves until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("serving", "addr", ln.Addr().String(), "routes", len(s.routes),
			"framework", FrameworkBuildInfo().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (a *App) buildServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Web API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			port, _ := cmd.Flags().GetInt("port")
			host, _ := cmd.Flags().GetString("host")
			keys, _ := cmd.Flags().GetStringSlice("api-key")
			noPrefix, _ := cmd.Flags().GetBool("no-group-prefix")

			opts := []ServerOption{WithGroupPrefix(!noPrefix)}
			if len(keys) > 0 {
				opts = append(opts, WithAPIKeys(keys...))
			}
			srv, err := a.NewServer(opts...)
			if err != nil {
				return err
			}

			addr := net.JoinHostPort(host, fmt.Sprint(port))
			fmt.Fprintf(cmd.OutOrStdout(), "Serving on %s\n", addr)
			return srv.Serve(cmd.Context(), addr)
		},
	}
	cmd.Flags().Int("port", 8080, "Port to listen on")
	cmd.Flags().String("host", "", "Host to bind")
	cmd.Flags().StringSlice("api-key", nil, "Allowed API keys (enables X-API-Key checks)")
	cmd.Flags().Bool("no-group-prefix", false, "Serve routes as /{name} instead of /{group}/{name}")
	return cmd
}

// serverURL formats the base URL of a server on the loopback interface.
func serverURL(port int) string {
	return (&url.URL{Scheme: "http", Host: net.JoinHostPort("localhost", fmt.Sprint(port))}).String()
}
