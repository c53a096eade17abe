// Package errors defines the design-level error taxonomy every
// component in the scaling engine recovers from locally (spec.md §7).
// Only Fatal ever escapes a component.
package errors

import "errors"

// Sentinel kinds. Wrap a cause with fmt.Errorf("...: %w", ErrX) and
// recover it downstream with errors.Is/errors.As, matching the
// teacher's %w-wrapping idiom throughout pkg/deploy and pkg/autoscaler.
var (
	// ErrConfig marks an annotation parse failure or malformed workload
	// reference. Logged at warn, the service is skipped until the next
	// watch event. Never fatal.
	ErrConfig = errors.New("config error")

	// ErrTransientAPI marks a network blip against the cluster API or
	// the consensus store. Callers log it and treat the operation as
	// failed; none of them retries it with backoff. The operation runs
	// again only on the next idle-detector tick or packet event.
	ErrTransientAPI = errors.New("transient api error")

	// ErrNotFound marks a workload or autoscaler that vanished mid
	// operation. Treated as success for delete, abandoned for scale.
	ErrNotFound = errors.New("not found")

	// ErrStateConflict marks a consensus-store CAS failure. Not an
	// error in isolation; the caller re-reads and proceeds.
	ErrStateConflict = errors.New("state conflict")

	// ErrTimeout marks an API call that exceeded its deadline. Logged,
	// the operation is considered failed but not fatal.
	ErrTimeout = errors.New("timeout")
)

// Is reports whether err wraps target, a thin re-export so callers don't
// need a second import for the common case.
func Is(err, target error) bool { return errors.Is(err, target) }
