package runtime

import (
	"context"
	"sync"
	"sync/atomic"
)

// Handle is an opaque reference to a host request, meaningful only inside
// the execution context that issued it.
type Handle uint64

// handles are drawn from one process-wide sequence so that a handle issued
// by one context can never collide with a live handle of another.
var handleSeq atomic.Uint64

// maxStdio bounds how much guest stdout/stderr is retained per invocation.
const maxStdio = 4096

// ExecutionContext is the isolated state of one invocation. It bridges host
// requests into the sandbox through a handle table and owns the stdio stubs
// handed to the guest instance. A context is created for a single
// invocation and released when it ends; it is never shared.
//
// The guest ABI currently addresses a single implicit "current" request.
// Capabilities resolve it through Current, so moving to guest-visible
// handles only touches this type.
type ExecutionContext struct {
	mu       sync.Mutex
	requests map[Handle]*Request
	current  Handle
	lastErr  string
	released bool

	stdout stdioBuffer
	stderr stdioBuffer
}

// NewExecutionContext returns an empty context.
func NewExecutionContext() *ExecutionContext {
	return &ExecutionContext{
		requests: make(map[Handle]*Request),
		stdout:   stdioBuffer{max: maxStdio},
		stderr:   stdioBuffer{max: maxStdio},
	}
}

// Bind adds req to the handle table and makes it the current request.
func (c *ExecutionContext) Bind(req *Request) Handle {
	h := Handle(handleSeq.Add(1))
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return h
	}
	c.requests[h] = req
	c.current = h
	return h
}

// Lookup resolves h to its request.
func (c *ExecutionContext) Lookup(h Handle) (*Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.requests[h]
	if !ok {
		return nil, ErrInvalidHandle
	}
	return req, nil
}

// Current returns the request bound as current.
func (c *ExecutionContext) Current() (*Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.requests[c.current]
	if !ok {
		return nil, ErrNoRequestBound
	}
	return req, nil
}

// Take removes h from the table and returns its request. Used to move the
// (possibly mutated) request out of the context on Forward.
func (c *ExecutionContext) Take(h Handle) (*Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.requests[h]
	if !ok {
		return nil, ErrInvalidHandle
	}
	delete(c.requests, h)
	if c.current == h {
		c.current = 0
	}
	return req, nil
}

// Release revokes every handle. Further lookups fail.
func (c *ExecutionContext) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = true
	c.current = 0
	for h := range c.requests {
		delete(c.requests, h)
	}
}

func (c *ExecutionContext) setLastError(err error) {
	c.mu.Lock()
	c.lastErr = err.Error()
	c.mu.Unlock()
}

// LastError is the message of the most recent capability error, if any.
func (c *ExecutionContext) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Stdout returns what the guest wrote to its stdout, truncated.
func (c *ExecutionContext) Stdout() string { return c.stdout.String() }

// Stderr returns what the guest wrote to its stderr, truncated.
func (c *ExecutionContext) Stderr() string { return c.stderr.String() }

type contextKey struct{}

func withExecutionContext(ctx context.Context, ec *ExecutionContext) context.Context {
	return context.WithValue(ctx, contextKey{}, ec)
}

func executionContextFrom(ctx context.Context) *ExecutionContext {
	ec, _ := ctx.Value(contextKey{}).(*ExecutionContext)
	return ec
}

// stdioBuffer keeps the first max bytes written and silently drops the rest.
type stdioBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *stdioBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - len(b.buf); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		b.buf = append(b.buf, p[:room]...)
	}
	return len(p), nil
}

func (b *stdioBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
