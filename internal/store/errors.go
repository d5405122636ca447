package store

import (
	"errors"

	badger "github.com/dgraph-io/badger/v4"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Sentinel errors for store operations.
var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid store configuration")

	// ErrTransient marks a fault worth retrying (connection reset, index
	// rebuild in progress, write conflict). Implementations wrap it
	// around backend-specific transient failures.
	ErrTransient = errors.New("transient store fault")

	// ErrUnavailable is surfaced when bounded retries are exhausted.
	// Callers degrade rather than block: learning is best-effort.
	ErrUnavailable = errors.New("store unavailable after retries")
)

// IsTransient reports whether an error is worth retrying. Wrapped
// ErrTransient, Badger write conflicts and retryable gRPC codes qualify;
// validation failures, constraint violations and not-found do not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, badger.ErrConflict) {
		return true
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
			return true
		}
	}
	return false
}
