package ffa

import "errors"

// ErrOperationDenied is the Go-side sentinel backing FF-A's DENIED status
// code, returned to callers via errors.Is/errors.As so internal/vm's
// dispatcher can translate it into an FFA_ERROR response without string
// matching.
var ErrOperationDenied = errors.New("ffa: denied")

func errAsDenied() error { return ErrOperationDenied }

// CodeFor maps a Go error from this package to the FF-A error code its
// SMC response should carry in w2. Unrecognized errors map to
// ErrNotSupported, matching spec.md §4.6's "unknown function forwarded...
// else NOT_SUPPORTED" default.
func CodeFor(err error) ErrorCode {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrOperationDenied):
		return ErrDenied
	default:
		return ErrNotSupported
	}
}
