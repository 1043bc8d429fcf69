package exword

import "errors"

// StatusCode is the driver-level result of a device command, replacing
// the original implementation's raw OBEX response code with the taxonomy
// spec.md §6 defines: SUCCESS, FORBIDDEN, NOT_FOUND, INTERNAL, NO_MEM,
// OTHER.
type StatusCode int

// Status codes. INTERNAL is sticky: once returned, the owning
// *obex.Session has moved to StatePoisoned and every later call on this
// Device will also return INTERNAL until Reconnect.
const (
	StatusSuccess StatusCode = iota
	StatusForbidden
	StatusNotFound
	StatusInternal
	StatusNoMem
	StatusOther
)

func (c StatusCode) String() string {
	switch c {
	case StatusSuccess:
		return "success"
	case StatusForbidden:
		return "forbidden"
	case StatusNotFound:
		return "not found"
	case StatusInternal:
		return "internal error"
	case StatusNoMem:
		return "no memory"
	default:
		return "other error"
	}
}

// Error wraps a StatusCode with the command that produced it, mirroring
// obex_to_exword_error's mapping from raw OBEX response codes to the
// EXWORD_ERROR_* taxonomy in the original implementation.
type Error struct {
	Op   string
	Code StatusCode
}

func (e *Error) Error() string {
	return e.Op + ": " + e.Code.String()
}

// ErrNotConnected is a sentinel for a device that has not completed
// Connect. The Device command methods do not return it: they report a
// not-connected session as an *Error with Code StatusNotFound.
var ErrNotConnected = errors.New("exword: not connected")
