// Provides common fabric error definitions.
package fabric_errors

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// No live master/slave binding for the identity.
	ErrUnknownIdentity = errors.New("fabric: unknown identity")
	// A diff arrived out of sequence; the mirror needs a full resync.
	ErrOutOfOrderVersion = errors.New("fabric: out of order version")
	// Layout index out of range. Canvases fall back to "no layout" instead.
	ErrInvalidLayoutIndex = errors.New("fabric: invalid layout index")
	// Programming error: wrong role, wrong state, wrong thread.
	ErrStateViolation = errors.New("fabric: state violation")

	ErrBadDiff     = errors.New("fabric: malformed diff")
	ErrNeedsResync = errors.New("fabric: mirror awaits a baseline")
)

// Violation reports a programming error. Debug builds (-tags fabricdebug)
// panic; release builds return a wrapped ErrStateViolation so the caller can
// refuse the operation and leave state untouched.
func Violation(format string, args ...any) error {
	err := errors.Wrap(ErrStateViolation, fmt.Sprintf(format, args...))
	if assertions {
		panic(err)
	}
	return err
}
