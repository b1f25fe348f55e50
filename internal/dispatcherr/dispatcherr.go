// Package dispatcherr defines the error kinds the dispatcher and admin
// surface raise, each carrying the HTTP status it maps to.
package dispatcherr

import "net/http"

// Kind identifies one of the dispatcher's well-known failure modes.
type Kind int

const (
	// AuthMissing means no bearer token was presented.
	AuthMissing Kind = iota
	// AuthInvalid means the token did not resolve to any group.
	AuthInvalid
	// RouteUnknown means the path is not one of the supported inference routes.
	RouteUnknown
	// BadPayload means the request body was missing or not valid JSON, or
	// lacked the required "model" field.
	BadPayload
	// NoCompatibleBackend means no backend hosts the requested model for
	// the caller's group and is currently usable.
	NoCompatibleBackend
	// NoCapacity means compatible backends exist but none has fresh load
	// data to rank by.
	NoCapacity
	// UpstreamTransport means the outbound request to the chosen backend
	// failed at the transport level.
	UpstreamTransport
	// ConfigLoad means a configuration or secrets file failed to parse or
	// validate.
	ConfigLoad
)

// Error wraps a Kind with a human-readable message.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// HTTPStatus maps a Kind to the status code a handler should respond with.
// ConfigLoad maps to 500 for the /reload handler; startup-time config load
// failures are fatal and never reach this path.
func (k Kind) HTTPStatus() int {
	switch k {
	case AuthMissing:
		return http.StatusUnauthorized
	case AuthInvalid:
		return http.StatusForbidden
	case RouteUnknown:
		return http.StatusNotFound
	case BadPayload:
		return http.StatusBadRequest
	case NoCompatibleBackend, NoCapacity:
		return http.StatusServiceUnavailable
	case UpstreamTransport:
		return http.StatusBadGateway
	case ConfigLoad:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
