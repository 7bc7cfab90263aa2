package gateway

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/mrhapile/crossroads/runtime"
)

// Dispatcher sends a forwarded request to its upstream.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *runtime.Request, target *url.URL) (*http.Response, error)
}

// HTTPDispatcher dispatches over a pooled go-cleanhttp client.
type HTTPDispatcher struct {
	client *http.Client
}

// NewHTTPDispatcher creates a dispatcher. A zero timeout leaves requests
// bounded only by the inbound request context.
func NewHTTPDispatcher(timeout time.Duration) *HTTPDispatcher {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = timeout
	// redirects belong to the downstream client
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &HTTPDispatcher{client: client}
}

// Dispatch implements Dispatcher. The host header, if any, becomes the
// outbound Host; hop-by-hop headers are dropped.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, req *runtime.Request, target *url.URL) (*http.Response, error) {
	out, err := http.NewRequestWithContext(ctx, req.Method, target.String(), bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	for _, h := range req.Headers() {
		switch {
		case h.Name == "host":
			out.Host = h.Value
		case h.Name == "content-length", isHopByHop(h.Name):
		default:
			out.Header.Add(h.Name, h.Value)
		}
	}
	return d.client.Do(out)
}

var hopByHop = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"proxy-connection":    true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

func isHopByHop(name string) bool {
	return hopByHop[strings.ToLower(name)]
}
