// Package gateway turns inbound HTTP requests into extension invocations and
// carries out the resolution: forwarding to an upstream or answering
// directly.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mrhapile/crossroads/runtime"
)

// DefaultMaxBodyBytes bounds the inbound body buffered for an invocation.
const DefaultMaxBodyBytes = 10 << 20

// Invoker runs the active extension. *runtime.Runtime satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, req *runtime.Request) (runtime.Resolution, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, req *runtime.Request) (runtime.Resolution, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, req *runtime.Request) (runtime.Resolution, error) {
	return f(ctx, req)
}

// Gateway is the HTTP front of the proxy runtime.
type Gateway struct {
	invoker    Invoker
	dispatcher Dispatcher
	upstream   *url.URL
	maxBody    int64
	logger     zerolog.Logger
}

// Option configures New.
type Option func(*Gateway)

// WithDispatcher replaces the default HTTP dispatcher.
func WithDispatcher(d Dispatcher) Option {
	return func(g *Gateway) { g.dispatcher = d }
}

// WithDefaultUpstream sets the base that origin-form targets ("/path") are
// resolved against. Without it such forwards fail with 502.
func WithDefaultUpstream(u *url.URL) Option {
	return func(g *Gateway) { g.upstream = u }
}

// WithMaxBodyBytes overrides DefaultMaxBodyBytes.
func WithMaxBodyBytes(n int64) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.maxBody = n
		}
	}
}

// WithLogger sets the gateway logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// New creates a gateway that resolves every request through invoker.
func New(invoker Invoker, opts ...Option) *Gateway {
	g := &Gateway{
		invoker: invoker,
		maxBody: DefaultMaxBodyBytes,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.dispatcher == nil {
		g.dispatcher = NewHTTPDispatcher(0)
	}
	return g
}

// ServeHTTP implements http.Handler.
//
// Request lifecycle:
// 1. Buffer the body and convert the request to a runtime.Request
// 2. Invoke the active extension
// 3. Respond: write the extension's status and body
// 4. Forward: dispatch the (possibly rewritten) request upstream and relay
//    the upstream response
//
// A failed invocation is answered with 500 and never forwarded.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	logger := g.logger.With().
		Str("invocation_id", uuid.NewString()).
		Str("method", r.Method).
		Str("uri", r.RequestURI).
		Logger()

	req, status, err := g.convert(w, r)
	if err != nil {
		logger.Debug().Err(err).Msg("rejected inbound request")
		http.Error(w, err.Error(), status)
		return
	}

	res, err := g.invoker.Invoke(r.Context(), req)
	if err != nil {
		logger.Warn().Err(err).Dur("elapsed", time.Since(start)).Msg("invocation failed")
		http.Error(w, fmt.Sprintf("Internal Server Error: %v", err), http.StatusInternalServerError)
		return
	}

	switch res.Kind {
	case runtime.Respond:
		g.respond(w, res, logger)
	case runtime.Forward:
		g.forward(r.Context(), w, res.Request, logger)
	default:
		http.Error(w, fmt.Sprintf("Internal Server Error: unknown resolution %v", res.Kind),
			http.StatusInternalServerError)
		return
	}
	logger.Debug().
		Str("resolution", res.Kind.String()).
		Dur("elapsed", time.Since(start)).
		Msg("request resolved")
}

func (g *Gateway) convert(w http.ResponseWriter, r *http.Request) (*runtime.Request, int, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, http.StatusRequestEntityTooLarge, fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, http.StatusBadRequest, fmt.Errorf("failed to read request body: %w", err)
	}

	uri := r.RequestURI
	if uri == "" {
		uri = r.URL.RequestURI()
	}
	req, err := runtime.NewRequest(r.Method, uri)
	if err != nil {
		return nil, http.StatusBadRequest, err
	}
	if len(body) > 0 {
		req.Body = body
	}

	// net/http moves Host out of the header map
	if r.Host != "" {
		if err := req.AddHeader("host", r.Host); err != nil {
			return nil, http.StatusBadRequest, err
		}
	}
	// header map order is random; sorted names keep invocations reproducible
	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, value := range r.Header[name] {
			if err := req.AddHeader(name, value); err != nil {
				return nil, http.StatusBadRequest, err
			}
		}
	}
	return req, 0, nil
}

func (g *Gateway) respond(w http.ResponseWriter, res runtime.Resolution, logger zerolog.Logger) {
	status := int(res.StatusCode)
	// net/http treats 1xx as informational and follows it with an implicit
	// 200, so those cannot be a final answer either
	if status < 200 || status > 999 {
		logger.Warn().Int("status", status).Msg("extension returned an invalid status code")
		http.Error(w, fmt.Sprintf("Internal Server Error: invalid status code %d", status),
			http.StatusInternalServerError)
		return
	}
	if res.HasBody {
		w.Header().Set("Content-Length", fmt.Sprint(len(res.Body)))
	}
	w.WriteHeader(status)
	if res.HasBody {
		if _, err := w.Write(res.Body); err != nil {
			logger.Debug().Err(err).Msg("failed to write response body")
		}
	}
}

func (g *Gateway) forward(ctx context.Context, w http.ResponseWriter, req *runtime.Request, logger zerolog.Logger) {
	target, err := g.resolve(req.URI())
	if err != nil {
		logger.Warn().Err(err).Msg("cannot forward request")
		http.Error(w, fmt.Sprintf("Failed to connect to destination: %v", err), http.StatusBadGateway)
		return
	}

	resp, err := g.dispatcher.Dispatch(ctx, req, target)
	if err != nil {
		logger.Warn().Err(err).Str("target", target.Redacted()).Msg("upstream request failed")
		http.Error(w, fmt.Sprintf("Failed to connect to destination: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	for name, values := range resp.Header {
		if isHopByHop(name) {
			continue
		}
		for _, v := range values {
			header.Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.Debug().Err(err).Msg("failed to relay upstream body")
	}
}

// resolve maps a request target to an upstream URL. Absolute targets are
// used as they are; origin-form targets are joined onto the default
// upstream.
func (g *Gateway) resolve(uri string) (*url.URL, error) {
	if strings.HasPrefix(uri, "/") {
		if g.upstream == nil {
			return nil, fmt.Errorf("no upstream configured for %s", uri)
		}
		ref, err := url.ParseRequestURI(uri)
		if err != nil {
			return nil, err
		}
		u := *g.upstream
		u.Path = joinPath(g.upstream.Path, ref.Path)
		u.RawPath = ""
		u.RawQuery = ref.RawQuery
		return &u, nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported target %s", uri)
	}
	return u, nil
}

func joinPath(base, p string) string {
	switch {
	case base == "" || base == "/":
		return p
	case strings.HasSuffix(base, "/"):
		return base + strings.TrimPrefix(p, "/")
	default:
		return base + p
	}
}
