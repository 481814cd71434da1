// ABOUTME: Typed auth failures shared by the gRPC and HTTP transport adapters
// ABOUTME: Each Kind maps to one gRPC code and one HTTP status

package auth

import (
	"errors"
	"net/http"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorDomain is reported in the ErrorInfo detail attached to gRPC statuses.
const ErrorDomain = "harbor-gateway"

// Kind classifies an auth failure.
type Kind string

const (
	KindInvalidCredentials  Kind = "InvalidCredentials"
	KindAccountDisabled     Kind = "AccountDisabled"
	KindTokenExpired        Kind = "TokenExpired"
	KindInvalidToken        Kind = "InvalidToken"
	KindMissingToken        Kind = "MissingToken"
	KindInsufficientScope   Kind = "InsufficientScope"
	KindPrincipalNotFound   Kind = "PrincipalNotFound"
	KindLookupTimeout       Kind = "LookupTimeout"
	KindInvalidPath         Kind = "InvalidPath"
	KindUpstreamUnavailable Kind = "UpstreamUnavailable"
	KindInternal            Kind = "InternalError"
)

// Sentinels for errors.Is. Any *Error with the same Kind matches.
var (
	ErrInvalidCredentials  = &Error{Kind: KindInvalidCredentials, Message: "Invalid id or secret"}
	ErrAccountDisabled     = &Error{Kind: KindAccountDisabled, Message: "User account disabled"}
	ErrTokenExpired        = &Error{Kind: KindTokenExpired, Message: "Token expired"}
	ErrInvalidToken        = &Error{Kind: KindInvalidToken, Message: "Invalid token"}
	ErrMissingToken        = &Error{Kind: KindMissingToken, Message: "Missing token"}
	ErrInsufficientScope   = &Error{Kind: KindInsufficientScope, Message: "Insufficient scope"}
	ErrPrincipalNotFound   = &Error{Kind: KindPrincipalNotFound, Message: "User not found"}
	ErrLookupTimeout       = &Error{Kind: KindLookupTimeout, Message: "Authentication timed out"}
	ErrInvalidPath         = &Error{Kind: KindInvalidPath, Message: "Invalid request path"}
	ErrUpstreamUnavailable = &Error{Kind: KindUpstreamUnavailable, Message: "upstream unavailable"}
	ErrInternal            = &Error{Kind: KindInternal, Message: "Internal error"}
)

// Error is an auth failure. Message is safe to show to callers; Err holds
// the underlying cause for logs only.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// NewError builds an Error of the given kind.
func NewError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// with returns a copy of a sentinel carrying cause.
func (e *Error) with(cause error) *Error {
	return &Error{Kind: e.Kind, Message: e.Message, Err: cause}
}

// withMessage returns a copy of a sentinel with a different public message.
func (e *Error) withMessage(msg string) *Error {
	return &Error{Kind: e.Kind, Message: msg, Err: e.Err}
}

// Code returns the gRPC status code for the error kind.
func (e *Error) Code() codes.Code {
	switch e.Kind {
	case KindInvalidCredentials, KindTokenExpired, KindInvalidToken,
		KindMissingToken, KindPrincipalNotFound, KindLookupTimeout:
		return codes.Unauthenticated
	case KindAccountDisabled, KindInsufficientScope:
		return codes.PermissionDenied
	case KindInvalidPath:
		return codes.InvalidArgument
	default:
		return codes.Internal
	}
}

// GRPCStatus makes Error usable with status.FromError / status.Code.
func (e *Error) GRPCStatus() *status.Status {
	st := status.New(e.Code(), e.Message)
	detailed, err := st.WithDetails(&errdetails.ErrorInfo{
		Reason: string(e.Kind),
		Domain: ErrorDomain,
	})
	if err != nil {
		return st
	}
	return detailed
}

// HTTPStatus returns the HTTP status code for the error kind.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidCredentials, KindTokenExpired, KindInvalidToken,
		KindMissingToken, KindAccountDisabled, KindLookupTimeout:
		return http.StatusUnauthorized
	case KindPrincipalNotFound:
		return http.StatusNotFound
	case KindInsufficientScope:
		return http.StatusForbidden
	case KindInvalidPath:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// AsError converts any error into an *Error, treating unknown errors as
// internal failures.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return ErrInternal.with(err)
}

// KindOf returns the Kind of err, or "" if err is nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return AsError(err).Kind
}

// ReasonFromStatus extracts the ErrorInfo reason attached to a gRPC status.
func ReasonFromStatus(st *status.Status) Kind {
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok && info.GetDomain() == ErrorDomain {
			return Kind(info.GetReason())
		}
	}
	return ""
}
