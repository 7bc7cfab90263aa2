package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero/api"
)

// Invocation outcomes reported to an Observer.
const (
	OutcomeForward = "forward"
	OutcomeRespond = "respond"
	OutcomeFault   = "fault"
)

// Observer receives runtime events. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveInvocation(outcome string, duration time.Duration)
	ObserveSwap(generation uint64)
	ObserveCompileFailure()
}

type nopObserver struct{}

func (nopObserver) ObserveInvocation(string, time.Duration) {}
func (nopObserver) ObserveSwap(uint64)                      {}
func (nopObserver) ObserveCompileFailure()                  {}

// Runtime drives invocations against the active extension and replaces it
// while traffic is being served.
type Runtime struct {
	engine   *Engine
	slot     Slot
	logger   zerolog.Logger
	observer Observer
}

type runtimeConfig struct {
	logger   zerolog.Logger
	observer Observer
	initial  []byte
}

// Option configures NewRuntime.
type Option func(*runtimeConfig)

// WithLogger sets the runtime logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *runtimeConfig) { c.logger = logger }
}

// WithObserver registers an Observer for invocation and swap events.
func WithObserver(o Observer) Option {
	return func(c *runtimeConfig) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithInitialExtension installs binary instead of the built-in default
// extension at construction.
func WithInitialExtension(binary []byte) Option {
	return func(c *runtimeConfig) { c.initial = binary }
}

// NewRuntime creates a runtime whose slot already holds an extension, so
// Invoke never observes an empty slot until Close.
func NewRuntime(ctx context.Context, engine *Engine, opts ...Option) (*Runtime, error) {
	if engine == nil {
		return nil, errors.New("runtime requires an engine")
	}
	cfg := runtimeConfig{
		logger:   zerolog.Nop(),
		observer: nopObserver{},
		initial:  defaultExtension,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	r := &Runtime{
		engine:   engine,
		logger:   cfg.logger,
		observer: cfg.observer,
	}
	if err := r.Replace(ctx, cfg.initial); err != nil {
		return nil, fmt.Errorf("failed to install initial extension: %w", err)
	}
	return r, nil
}

// Invoke runs the active extension against req and returns its resolution.
//
// Each call gets its own ExecutionContext and its own instance of the
// borrowed module; nothing is shared with concurrent invocations. The
// module borrowed at the start is used to completion even if Replace runs
// meanwhile.
//
// Cancelling ctx does not interrupt a running extension; only its values are
// visible to the guest.
//
// Any failure while instantiating, running or decoding the result is
// returned as a *Fault, and the zero Resolution is returned with it. A
// faulted invocation never yields Forward.
func (r *Runtime) Invoke(ctx context.Context, req *Request) (res Resolution, err error) {
	start := time.Now()
	defer func() {
		outcome := OutcomeFault
		if err == nil {
			outcome = OutcomeForward
			if res.Kind == Respond {
				outcome = OutcomeRespond
			}
		}
		r.observer.ObserveInvocation(outcome, time.Since(start))
	}()

	if req == nil {
		return Resolution{}, &Fault{Op: OpInstantiate, Err: ErrNoRequestBound}
	}

	// Step 1: Borrow the active module; a swap from here on does not affect us
	borrow, err := r.slot.Read()
	if err != nil {
		return Resolution{}, &Fault{Op: OpBorrow, Err: err}
	}
	defer borrow.Release()

	// Step 2: Bind the request to a fresh execution context
	ec := NewExecutionContext()
	defer ec.Release()
	h := ec.Bind(req)

	// Step 3: Run the guest, detached from the caller's cancellation
	res, err = r.execute(context.WithoutCancel(ctx), borrow.Module(), ec, h)

	// Step 4: Surface guest stdio and faults
	if out := ec.Stdout(); out != "" {
		r.logger.Debug().Uint64("generation", borrow.Generation()).Str("stream", "stdout").Msg(out)
	}
	if out := ec.Stderr(); out != "" {
		r.logger.Debug().Uint64("generation", borrow.Generation()).Str("stream", "stderr").Msg(out)
	}
	if err != nil {
		r.logger.Warn().Err(err).
			Uint64("generation", borrow.Generation()).
			Str("digest", borrow.Module().Digest()).
			Msg("extension invocation faulted")
		return Resolution{}, err
	}
	return res, nil
}

func (r *Runtime) execute(ctx context.Context, m *Module, ec *ExecutionContext, h Handle) (res Resolution, err error) {
	defer func() {
		if p := recover(); p != nil {
			res, err = Resolution{}, &Fault{Op: OpCall, Err: fmt.Errorf("host panic: %v", p)}
		}
	}()

	// Step 1: Instantiate with capabilities bound to ec
	ctx = withExecutionContext(ctx, ec)
	mod, err := r.engine.instantiate(ctx, m, ec)
	if err != nil {
		return Resolution{}, &Fault{Op: OpInstantiate, Err: err}
	}
	defer func() { _ = mod.Close(ctx) }()

	// Step 2: Call handle
	results, err := mod.ExportedFunction(ExportHandle).Call(ctx)
	if err != nil {
		return Resolution{}, &Fault{Op: OpCall, Err: err}
	}
	if len(results) == 0 {
		return Resolution{}, &Fault{Op: OpResolve, Err: errors.New("handle did not return a value")}
	}

	// Step 3: Decode the resolution record from guest memory
	rec, body, err := readRecord(mod.Memory(), uint32(api.DecodeI32(results[0])))
	if err != nil {
		return Resolution{}, &Fault{Op: OpResolve, Err: err}
	}

	// Step 4: Forward hands back the (possibly rewritten) request
	if rec.kind == ResolutionForward {
		req, err := ec.Take(h)
		if err != nil {
			return Resolution{}, &Fault{Op: OpResolve, Err: err}
		}
		return Resolution{Kind: Forward, Request: req}, nil
	}
	return Resolution{
		Kind:       Respond,
		StatusCode: uint16(rec.status),
		Body:       body,
		HasBody:    rec.hasBody == 1,
	}, nil
}

// Replace compiles binary and, only if that succeeds, makes it the active
// extension. On failure the active extension is untouched and the
// *CompileError is returned.
func (r *Runtime) Replace(ctx context.Context, binary []byte) error {
	m, err := r.engine.Compile(ctx, binary)
	if err != nil {
		r.observer.ObserveCompileFailure()
		r.logger.Warn().Err(err).Msg("rejected extension")
		return err
	}
	generation := r.slot.Swap(m)
	r.observer.ObserveSwap(generation)
	r.logger.Info().
		Uint64("generation", generation).
		Str("digest", m.Digest()).
		Str("abi_version", m.ABIVersion().String()).
		Msg("activated extension")
	return nil
}

// ReplaceFile reads an extension from disk and activates it.
func (r *Runtime) ReplaceFile(ctx context.Context, path string) error {
	binary, err := ReadExtension(path)
	if err != nil {
		return err
	}
	return r.Replace(ctx, binary)
}

// Reset reinstalls the built-in default extension.
func (r *Runtime) Reset(ctx context.Context) error {
	return r.Replace(ctx, defaultExtension)
}

// Validate compiles binary and discards the result. The active extension is
// not affected either way.
func (r *Runtime) Validate(ctx context.Context, binary []byte) (ModuleInfo, error) {
	m, err := r.engine.Compile(ctx, binary)
	if err != nil {
		return ModuleInfo{}, err
	}
	defer func() { _ = m.Close(ctx) }()
	return infoOf(m, 0), nil
}

// Active describes the extension currently in the slot.
func (r *Runtime) Active() (ModuleInfo, error) {
	return r.slot.Info()
}

// Close empties the slot. In-flight invocations finish on the module they
// borrowed; later calls to Invoke fault with ErrNoActiveModule. The engine
// is owned by the caller and is not closed.
func (r *Runtime) Close() {
	r.slot.Close()
}
