package ctrlstack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"sync"
	"time"
)

// RemoteController mirrors another controller's methods and performs each call
// over HTTP against a Server built from that controller. It is a Controller
// itself, so NewCLI(remote) yields a CLI that talks to the server.
type RemoteController struct {
	registry    *Registry
	client      *http.Client
	groupPrefix bool

	mu     sync.RWMutex
	url    string
	apiKey string
}

// RemoteOption configures a RemoteController.
type RemoteOption func(*RemoteController)

// WithHTTPClient sets the client used for outbound calls.
func WithHTTPClient(client *http.Client) RemoteOption {
	return func(rc *RemoteController) {
		rc.client = client
	}
}

// WithRemoteGroupPrefix must match the server's WithGroupPrefix setting.
func WithRemoteGroupPrefix(enabled bool) RemoteOption {
	return func(rc *RemoteController) {
		rc.groupPrefix = enabled
	}
}

// NewRemoteController mirrors the methods of base. An empty apiKey sends no
// X-API-Key header.
func NewRemoteController(base Controller, baseURL, apiKey string, opts ...RemoteOption) *RemoteController {
	rc := &RemoteController{
		registry:    NewRegistry(),
		client:      &http.Client{Timeout: 60 * time.Second},
		groupPrefix: true,
		url:         baseURL,
		apiKey:      apiKey,
	}
	for _, opt := range opts {
		opt(rc)
	}

	for _, m := range base.Registry().Methods() {
		mirror := *m
		mirror.invoke = rc.invokeRemote
		rc.registry.MustAdd(&mirror)
	}
	return rc
}

// Registry implements Controller.
func (rc *RemoteController) Registry() *Registry {
	return rc.registry
}

// URL returns the current base URL.
func (rc *RemoteController) URL() string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.url
}

// SetURL changes the base URL, e.g. once a local server's port is known.
func (rc *RemoteController) SetURL(u string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.url = u
}

// SetAPIKey changes the key sent in the X-API-Key header.
func (rc *RemoteController) SetAPIKey(key string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.apiKey = key
}

func (rc *RemoteController) target() (string, string) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.url, rc.apiKey
}

// Call invokes the remote method name with positional arguments.
func (rc *RemoteController) Call(ctx context.Context, name string, args ...any) (any, error) {
	return Call(ctx, rc, name, args...)
}

func (rc *RemoteController) invokeRemote(ctx context.Context, _ Controller, m *Method, args []reflect.Value) (any, error) {
	verb, err := m.Kind.HTTPMethod()
	if err != nil {
		return nil, err
	}
	baseURL, apiKey := rc.target()
	endpoint, err := url.JoinPath(strings.TrimRight(baseURL, "/"), m.Route(rc.groupPrefix))
	if err != nil {
		return nil, wrapError(CodeConfiguration, m.Name, err, "invalid base URL %q", baseURL)
	}

	var body io.Reader
	if verb == http.MethodGet {
		q := url.Values{}
		for i, p := range m.Signature.Params {
			s, ok, err := encodeQueryValue(args[i])
			if err != nil {
				return nil, wrapError(CodeInvalidArgument, m.Name, err, "argument %q", p.Name)
			}
			if ok {
				q.Set(p.Name, s)
			}
		}
		if len(q) > 0 {
			endpoint += "?" + q.Encode()
		}
	} else {
		fields := make(map[string]any, len(m.Signature.Params))
		for i, p := range m.Signature.Params {
			fields[p.Name] = args[i].Interface()
		}
		b, err := json.Marshal(fields)
		if err != nil {
			return nil, wrapError(CodeInvalidArgument, m.Name, err, "encode request body")
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, verb, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set(APIKeyHeader, apiKey)
	}

	resp, err := rc.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return nil, &Error{
			Code:    statusToCode(resp.StatusCode),
			Op:      fmt.Sprintf("%s %s", verb, m.Route(rc.groupPrefix)),
			Message: fmt.Sprintf("status %d: %s", resp.StatusCode, msg),
		}
	}

	if m.Signature.Returns == nil {
		return nil, nil
	}
	out := reflect.New(m.Signature.Returns)
	if err := json.Unmarshal(data, out.Interface()); err != nil {
		return nil, wrapError(CodeInternal, m.Name, err, "decode response as %s", m.Signature.Returns)
	}
	return out.Elem().Interface(), nil
}
