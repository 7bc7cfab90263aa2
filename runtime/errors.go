package runtime

import (
	"errors"
	"fmt"
)

var (
	// ErrNoActiveModule is returned when the slot has never been filled or
	// the runtime was closed.
	ErrNoActiveModule = errors.New("no active extension module")

	// ErrInvalidHandle is returned when a handle is unknown to the context it
	// is presented to: never issued there, already released, or issued by a
	// different context.
	ErrInvalidHandle = errors.New("invalid request handle")

	// ErrNoRequestBound is returned when a capability runs without a current
	// request.
	ErrNoRequestBound = errors.New("no request bound to execution context")
)

// CompileError reports why a candidate extension was rejected. It never
// affects the active module.
type CompileError struct {
	Reason string
	Err    error
}

func (e *CompileError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("compile extension: %s: %v", e.Reason, e.Err)
	}
	return "compile extension: " + e.Reason
}

func (e *CompileError) Unwrap() error { return e.Err }

// Fault operations.
const (
	OpBorrow      = "borrow"
	OpInstantiate = "instantiate"
	OpCall        = "call"
	OpResolve     = "resolve"
)

// Fault aborts exactly one invocation. A faulted invocation never yields a
// Forward resolution; callers substitute a 5xx response.
type Fault struct {
	Op  string
	Err error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("extension fault during %s: %v", f.Op, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// CapabilityError is handed back to the guest as a negative status code when
// it passes invalid input to a capability. It does not end the invocation.
type CapabilityError struct {
	Code int32
	Msg  string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s: %s", abiErrorString(e.Code), e.Msg)
}

// IsCompileError reports whether err (or anything it wraps) is a CompileError.
func IsCompileError(err error) bool {
	var ce *CompileError
	return errors.As(err, &ce)
}

// IsFault reports whether err (or anything it wraps) is a Fault.
func IsFault(err error) bool {
	var f *Fault
	return errors.As(err, &f)
}
