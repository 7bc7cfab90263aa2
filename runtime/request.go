package runtime

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Header is one header field. Names are stored lower-cased.
type Header struct {
	Name  string
	Value string
}

// Request is the host-owned view of an inbound HTTP request. The guest never
// sees this value; it reads and mutates it through capability calls
// resolved against its execution context.
//
// A Request belongs to one invocation at a time and is not safe for
// concurrent mutation.
type Request struct {
	Method string
	Body   []byte

	uri     string
	headers []Header
}

// NewRequest creates a request with a validated URI.
func NewRequest(method, uri string) (*Request, error) {
	if err := validateURI(uri); err != nil {
		return nil, fmt.Errorf("invalid request uri %q: %w", uri, err)
	}
	return &Request{Method: method, uri: uri}, nil
}

// URI returns the current request target.
func (r *Request) URI() string {
	return r.uri
}

// SetURI replaces the request target. On a parse failure the existing URI is
// kept and a CapabilityError is returned.
func (r *Request) SetURI(uri string) error {
	if err := validateURI(uri); err != nil {
		return &CapabilityError{
			Code: ABIErrorInvalidURI,
			Msg:  fmt.Sprintf("could not create uri %s: %v", uri, err),
		}
	}
	r.uri = uri
	return nil
}

// Headers returns a snapshot of the header list in insertion order.
func (r *Request) Headers() []Header {
	out := make([]Header, len(r.headers))
	copy(out, r.headers)
	return out
}

// Header returns the first value for name.
func (r *Request) Header(name string) (string, bool) {
	name = strings.ToLower(name)
	for _, h := range r.headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

// Values returns every value for name in insertion order.
func (r *Request) Values(name string) []string {
	name = strings.ToLower(name)
	var out []string
	for _, h := range r.headers {
		if h.Name == name {
			out = append(out, h.Value)
		}
	}
	return out
}

// AddHeader appends a header without replacing existing values. The gateway
// uses it to carry repeated inbound headers over verbatim.
func (r *Request) AddHeader(name, value string) error {
	if err := validateHeader(name, value); err != nil {
		return err
	}
	r.headers = append(r.headers, Header{Name: strings.ToLower(name), Value: value})
	return nil
}

// SetHeader validates and stores name: value. An existing header with the
// same name keeps its position and takes the new value; any further
// duplicates are dropped, so the name appears exactly once afterwards.
func (r *Request) SetHeader(name, value string) error {
	if err := validateHeader(name, value); err != nil {
		return err
	}
	name = strings.ToLower(name)

	replaced := false
	kept := r.headers[:0]
	for _, h := range r.headers {
		if h.Name != name {
			kept = append(kept, h)
			continue
		}
		if !replaced {
			kept = append(kept, Header{Name: name, Value: value})
			replaced = true
		}
	}
	if !replaced {
		kept = append(kept, Header{Name: name, Value: value})
	}
	r.headers = kept
	return nil
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	c := &Request{Method: r.Method, uri: r.uri}
	c.headers = r.Headers()
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return c
}

func validateHeader(name, value string) error {
	if !httpguts.ValidHeaderFieldName(name) {
		return &CapabilityError{
			Code: ABIErrorInvalidHeaderName,
			Msg:  fmt.Sprintf("invalid header name %q", name),
		}
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		return &CapabilityError{
			Code: ABIErrorInvalidHeaderValue,
			Msg:  fmt.Sprintf("invalid value for header %q", name),
		}
	}
	return nil
}

// validateURI accepts the request-target forms of RFC 9112: origin-form
// ("/path?q"), absolute-form ("http://host/path"), authority-form
// ("host" or "host:port") and asterisk-form ("*").
//
// Every byte must belong to the RFC 3986 character set and every "%" must
// start a valid escape. net/url on its own lets through "<", "{", the
// backslash and non-ASCII bytes.
func validateURI(uri string) error {
	if uri == "" {
		return errors.New("empty uri")
	}
	for i := 0; i < len(uri); i++ {
		c := uri[i]
		if c == '%' {
			if i+2 >= len(uri) || !isHex(uri[i+1]) || !isHex(uri[i+2]) {
				return fmt.Errorf("invalid percent escape at offset %d", i)
			}
			continue
		}
		if !isURIChar(c) {
			return fmt.Errorf("invalid character %q at offset %d", c, i)
		}
	}
	if uri == "*" {
		return nil
	}
	if strings.HasPrefix(uri, "/") {
		if strings.HasPrefix(uri, "//") {
			return errors.New("origin-form target must not start with //")
		}
		_, err := url.ParseRequestURI(uri)
		return err
	}
	if strings.Contains(uri, "://") {
		u, err := url.Parse(uri)
		if err != nil {
			return err
		}
		if u.Scheme == "" || u.Host == "" {
			return errors.New("absolute uri requires scheme and host")
		}
		return nil
	}
	u, err := url.Parse("//" + uri)
	if err != nil {
		return err
	}
	if u.Host == "" || u.User != nil || u.Path != "" || u.RawQuery != "" || u.Fragment != "" {
		return errors.New("not a valid request target")
	}
	return nil
}

// isURIChar reports whether c is an RFC 3986 unreserved, gen-delims or
// sub-delims character. "%" is handled by the caller.
func isURIChar(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("-._~:/?#[]@!$&'()*+,;=", c) >= 0
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}
