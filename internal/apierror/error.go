// Package apierror implements the control plane's error taxonomy: a small
// fixed set of kinds that every component returns instead of ad hoc
// wrapped strings, so the CSI boundary can translate them into real gRPC
// status codes.
package apierror

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code is one of the kinds from the propagation policy. It is not a
// textual error itself — always wrap it in an *Error via New/Wrap.
type Code string

const (
	InvalidArgument    Code = "invalid_argument"
	AlreadyExists      Code = "already_exists"
	NotFound           Code = "not_found"
	ResourceExhausted  Code = "resource_exhausted"
	FailedPrecondition Code = "failed_precondition"
	Unavailable        Code = "unavailable"
	Internal           Code = "internal"
	Unimplemented      Code = "unimplemented"
)

// Error carries a Code, a human message, and an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error around an existing error, preserving it for
// errors.Is/errors.As.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err carries the given Code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf extracts the Code from err, defaulting to Internal for errors
// that never went through this package.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// GRPCStatus lets status.FromError / status.Convert recognize *Error
// values directly, and is also used explicitly by the CSI surface.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(grpcCode(e.Code), e.Error())
}

func grpcCode(c Code) codes.Code {
	switch c {
	case InvalidArgument:
		return codes.InvalidArgument
	case AlreadyExists:
		return codes.AlreadyExists
	case NotFound:
		return codes.NotFound
	case ResourceExhausted:
		return codes.ResourceExhausted
	case FailedPrecondition:
		return codes.FailedPrecondition
	case Unavailable:
		return codes.Unavailable
	case Unimplemented:
		return codes.Unimplemented
	default:
		return codes.Internal
	}
}

// ToGRPCError converts any error into a gRPC status error, mapping
// *Error values via their Code and defaulting everything else to
// Internal.
func ToGRPCError(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e.GRPCStatus().Err()
	}
	return status.New(codes.Internal, err.Error()).Err()
}
