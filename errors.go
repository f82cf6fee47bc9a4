package anchor

import "errors"

var (
	// ErrBadRequest is returned for validation failures: empty input,
	// unknown enum value, or a budget below the minimum window cap.
	ErrBadRequest = errors.New("anchor: bad request")

	// ErrNotFound is returned when an id lookup misses.
	ErrNotFound = errors.New("anchor: not found")

	// ErrStore is returned when the underlying storage rejects a transaction.
	ErrStore = errors.New("anchor: store failure")

	// ErrTimeout is returned by Chat when the generator deadline expires. An
	// expired search deadline is not an error: the hits gathered so far are
	// returned with Partial set.
	ErrTimeout = errors.New("anchor: deadline exceeded")

	// ErrGenerator is returned when the external model fails. Only the
	// scribe and chat paths surface this.
	ErrGenerator = errors.New("anchor: generator failed")

	// ErrFatal indicates an unusable store. New returns it when the store
	// cannot be opened, verified or migrated. Failures of later writes are
	// reported as ErrStore; the engine does not switch to refusing writes.
	ErrFatal = errors.New("anchor: store unusable")
)

// Kind maps an error to its short kind name for single-line user-visible
// rendering ("<kind>: <detail>"). Unrecognized errors map to "Internal".
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrBadRequest):
		return "BadRequest"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrTimeout):
		return "TimeoutError"
	case errors.Is(err, ErrGenerator):
		return "GeneratorError"
	case errors.Is(err, ErrFatal):
		return "Fatal"
	case errors.Is(err, ErrStore):
		return "StoreError"
	default:
		return "Internal"
	}
}
