package backend

import (
	"errors"
	"fmt"
)

// Error taxonomy. Only ErrUnavailable (and unclassified errors) trigger
// fallback to the next-ranked backend; everything else is terminal and
// surfaces to the caller wrapped with the backend that produced it.
var (
	// ErrUnavailable means the backend is unreachable or timed out.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrPermissionDenied means the caller lacks rights on this backend.
	// Never retried across backends: a fallback success could mask a
	// security-relevant state as if the secret had simply moved.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound means no record exists for the identity on this backend.
	ErrNotFound = errors.New("secret not found")

	// ErrCorrupted means stored data exists but cannot be read back
	// (bad decrypt, truncated blob). Distinct from ErrNotFound and terminal:
	// cascading could silently return a stale value from another backend.
	ErrCorrupted = errors.New("stored data corrupted")

	// ErrRevoked means the identity exists but was force-invalidated and
	// no replacement value has been stored. Distinct from ErrNotFound so
	// callers do not mistake "revoked" for "never existed".
	ErrRevoked = errors.New("secret revoked, no replacement")
)

// Fallback reports whether the error should trigger a cascade to the
// next-ranked backend. Unavailable and unclassified errors cascade;
// the rest of the taxonomy is terminal.
func Fallback(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) {
		return true
	}
	return !errors.Is(err, ErrPermissionDenied) &&
		!errors.Is(err, ErrNotFound) &&
		!errors.Is(err, ErrCorrupted) &&
		!errors.Is(err, ErrRevoked)
}

// AllBackendsFailedError is the aggregate terminal failure returned when
// every ranked backend was tried without success. It embeds the last
// concrete error for diagnosis.
type AllBackendsFailedError struct {
	Attempted []Kind
	Last      error
}

func (e *AllBackendsFailedError) Error() string {
	return fmt.Sprintf("all %d backends failed, last error: %v", len(e.Attempted), e.Last)
}

func (e *AllBackendsFailedError) Unwrap() error { return e.Last }
