package result

import (
	"context"
	"errors"
	"fmt"
)

// Code classifies a failed Result. The set is closed; callers switch on these
// values programmatically, so they must stay stable across releases.
type Code string

const (
	CodeValidationFailed    Code = "ValidationFailed"
	CodeHandlerFailed       Code = "HandlerFailed"
	CodePipelineFailed      Code = "PipelineFailed"
	CodePersistenceFailed   Code = "PersistenceFailed"
	CodeLockFailed          Code = "LockFailed"
	CodeTransportFailed     Code = "TransportFailed"
	CodeSerializationFailed Code = "SerializationFailed"
	CodeTimeout             Code = "Timeout"
	CodeCancelled           Code = "Cancelled"
	CodeInternalError       Code = "InternalError"
)

// Retryable reports whether a failure with this code is worth retrying.
func (c Code) Retryable() bool {
	switch c {
	case CodeLockFailed, CodePersistenceFailed, CodeTransportFailed, CodeTimeout:
		return true
	}
	return false
}

// Result is the tagged outcome of a mediator dispatch. A Result is either ok
// (Value is meaningful) or failed (Code, Message, Retryable, Cause describe
// the failure). Metadata carries structured context either way.
type Result[R any] struct {
	OK        bool
	Value     R
	Code      Code
	Message   string
	Retryable bool
	Cause     error
	Metadata  map[string]string
}

// Ok builds a successful Result carrying value.
func Ok[R any](value R) Result[R] {
	return Result[R]{OK: true, Value: value}
}

// Fail builds a failed Result. Retryability is derived from the code.
func Fail[R any](code Code, message string) Result[R] {
	return Result[R]{
		OK:        false,
		Code:      code,
		Message:   message,
		Retryable: code.Retryable(),
	}
}

// Failf builds a failed Result with a formatted message.
func Failf[R any](code Code, format string, args ...any) Result[R] {
	return Fail[R](code, fmt.Sprintf(format, args...))
}

// FailErr builds a failed Result from an underlying error, preserving it as
// the Cause. Context cancellation and deadline errors are reclassified to
// Cancelled and Timeout regardless of the requested code.
func FailErr[R any](code Code, err error) Result[R] {
	switch {
	case errors.Is(err, context.Canceled):
		code = CodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		code = CodeTimeout
	}
	r := Fail[R](code, errText(err))
	r.Cause = err
	return r
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// WithMeta returns a copy of the Result with key set in its metadata. The
// receiver's map is not shared with the copy.
func (r Result[R]) WithMeta(key, value string) Result[R] {
	meta := make(map[string]string, len(r.Metadata)+1)
	for k, v := range r.Metadata {
		meta[k] = v
	}
	meta[key] = value
	r.Metadata = meta
	return r
}

// Meta reads a metadata key, tolerating a nil map.
func (r Result[R]) Meta(key string) string {
	return r.Metadata[key]
}

// Err converts a failed Result back into an error for call sites that speak
// plain Go errors. Returns nil for ok Results.
func (r Result[R]) Err() error {
	if r.OK {
		return nil
	}
	if r.Cause != nil {
		return fmt.Errorf("%s: %s: %w", r.Code, r.Message, r.Cause)
	}
	return fmt.Errorf("%s: %s", r.Code, r.Message)
}

// Erase drops the response type so a Result can travel through the untyped
// pipeline. Ok values are boxed as any.
func Erase[R any](r Result[R]) Result[any] {
	out := Result[any]{
		OK:        r.OK,
		Code:      r.Code,
		Message:   r.Message,
		Retryable: r.Retryable,
		Cause:     r.Cause,
		Metadata:  r.Metadata,
	}
	if r.OK {
		out.Value = r.Value
	}
	return out
}

// Restore re-types an erased Result at the pipeline boundary. A failed input
// passes through with the failure intact; an ok input whose boxed value is
// not R (or nil) yields the zero R, which is how idempotent short-circuits
// report success without a replayed payload.
func Restore[R any](r Result[any]) Result[R] {
	out := Result[R]{
		OK:        r.OK,
		Code:      r.Code,
		Message:   r.Message,
		Retryable: r.Retryable,
		Cause:     r.Cause,
		Metadata:  r.Metadata,
	}
	if r.OK {
		if v, ok := r.Value.(R); ok {
			out.Value = v
		}
	}
	return out
}
