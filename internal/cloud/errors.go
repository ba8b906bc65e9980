package cloud

import "errors"

// Error taxonomy for the MyHarvia API. Auth failures are terminal for the
// owning flow and must surface for re-authentication; connection failures
// are retryable.
var (
	ErrAuth       = errors.New("myharvia: authentication failed")
	ErrConnection = errors.New("myharvia: connection failed")
)

// IsAuthError reports whether err is (or wraps) an authentication failure.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuth)
}

// IsConnectionError reports whether err is (or wraps) a connectivity failure.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnection)
}
