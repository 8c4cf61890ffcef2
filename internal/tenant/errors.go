package tenant

import "errors"

// Error taxonomy shared by every layer. Wrap with fmt.Errorf("...: %w", err)
// and test with errors.Is.
var (
	// ErrDenied is an authorization failure. Never retried automatically.
	ErrDenied = errors.New("access denied")
	// ErrNotFound is a normal result: the addressed item does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable is a transient infrastructure failure; retry with backoff.
	ErrUnavailable = errors.New("unavailable")
	// ErrConflict means an optimistic version check failed; re-read and retry.
	ErrConflict = errors.New("version conflict")
	// ErrCorrupt means a ledger or event invariant was violated. Fatal for
	// the affected tenant until an operator intervenes.
	ErrCorrupt = errors.New("invariant violated")
)

// Retryable reports whether err is worth retrying by the caller.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrConflict)
}
