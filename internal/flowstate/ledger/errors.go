package ledger

import "errors"

// Error kinds returned by ledger operations. Per spec §7 these are kinds,
// not type names — sentinel errors wrapped with context at each call site
// and unwrapped with errors.Is by callers, the same idiom as the teacher's
// ErrInvalidRunTransition/IsNotFound predicates.
var (
	// ErrNotFound is returned when a task or run id does not exist.
	ErrNotFound = errors.New("ledger: not found")

	// ErrPreconditionFailed is returned when a phase gate is unmet (e.g.
	// enqueuing a build without approved spec and plan).
	ErrPreconditionFailed = errors.New("ledger: precondition failed")

	// ErrInvalidTransition is returned when a caller attempts a state
	// transition that conflicts with the run's current status (wrong
	// owner, already terminal, conflicting re-complete).
	ErrInvalidTransition = errors.New("ledger: invalid transition")

	// ErrNoRunAvailable is returned by Claim when no eligible queued run
	// exists. Callers treat it as the "204-equivalent empty result" from
	// spec §4.2, not as a failure.
	ErrNoRunAvailable = errors.New("ledger: no run available")
)

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsPreconditionFailed reports whether err is or wraps ErrPreconditionFailed.
func IsPreconditionFailed(err error) bool { return errors.Is(err, ErrPreconditionFailed) }

// IsInvalidTransition reports whether err is or wraps ErrInvalidTransition.
func IsInvalidTransition(err error) bool { return errors.Is(err, ErrInvalidTransition) }

// IsNoRunAvailable reports whether err is or wraps ErrNoRunAvailable.
func IsNoRunAvailable(err error) bool { return errors.Is(err, ErrNoRunAvailable) }
