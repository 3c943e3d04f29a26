package kir

import "github.com/pkg/errors"

// Compile-time error taxonomy. Every lowering failure wraps one of these
// sentinels with the offending buffer or loop identity, so callers can
// classify with errors.Is. Compilation aborts on the first error; no
// partial artifacts are emitted.
var (
	// ErrScope reports a buffer allocated in a disallowed memory scope.
	ErrScope = errors.New("scope error")
	// ErrShape reports mismatched shapes or strides between communicating
	// statements.
	ErrShape = errors.New("shape error")
	// ErrDependency reports a consumer scheduled before its producer, or a
	// reference to an unscheduled buffer slot.
	ErrDependency = errors.New("dependency error")
	// ErrLayout reports a layout hint that is not a bijection over the
	// buffer's index domain.
	ErrLayout = errors.New("layout error")
	// ErrCoverage reports a parallel binding that does not exactly
	// partition the iteration space.
	ErrCoverage = errors.New("coverage error")
)
