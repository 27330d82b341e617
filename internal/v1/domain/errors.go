package domain

import "errors"

// Typed error kinds raised at component boundaries. The gateway and the
// admin API map these to stable machine-readable codes; business
// conditions are always returned, never panicked.
var (
	ErrAuthRequired = errors.New("authentication required")
	ErrAuthInvalid  = errors.New("invalid credentials")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("operation not applicable in current state")
	ErrConflict     = errors.New("conflict")
	ErrRoomLocked   = errors.New("room is locked")
	ErrRateLimited  = errors.New("rate limited")
)

// Code translates an error into a stable machine-readable code for wire
// frames and HTTP responses. Unrecognized errors map to INTERNAL.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrAuthRequired):
		return "AUTH_REQUIRED"
	case errors.Is(err, ErrAuthInvalid):
		return "AUTH_INVALID"
	case errors.Is(err, ErrForbidden):
		return "FORBIDDEN"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrInvalidState):
		return "INVALID_STATE"
	case errors.Is(err, ErrConflict):
		return "CONFLICT"
	case errors.Is(err, ErrRoomLocked):
		return "ROOM_LOCKED"
	case errors.Is(err, ErrRateLimited):
		return "RATE_LIMITED"
	default:
		return "INTERNAL"
	}
}

// HTTPStatus maps an error kind to an HTTP status code for the admin API.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrAuthRequired), errors.Is(err, ErrAuthInvalid):
		return 401
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrRoomLocked):
		return 403
	case errors.Is(err, ErrNotFound):
		return 404
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrConflict):
		return 409
	case errors.Is(err, ErrRateLimited):
		return 429
	default:
		return 500
	}
}
