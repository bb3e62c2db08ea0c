// Package fault defines the runtime's error taxonomy.
//
// Every condition the runtime can report carries a Kind. Fatal kinds abort a
// run and leave the lifecycle record in the Aborted state; the remaining kinds
// are logged as warnings and execution continues.
package fault

import (
	"errors"
	"fmt"
	"strconv"
)

// Kind identifies a condition in the taxonomy.
type Kind string

const (
	ContractMalformed       Kind = "CONTRACT_MALFORMED"
	BindingAbsent           Kind = "BINDING_ABSENT"
	PayloadValidationFailed Kind = "PAYLOAD_VALIDATION_FAILED"
	PolicyViolation         Kind = "POLICY_VIOLATION"
	VersionMismatch         Kind = "VERSION_MISMATCH"
	CapabilityUnavailable   Kind = "CAPABILITY_UNAVAILABLE"
	DriftWarning            Kind = "DRIFT_WARNING"
	MissingFile             Kind = "MISSING_FILE"
	Internal                Kind = "INTERNAL"
)

// IsFatal reports whether a condition of kind k aborts the run when raised.
// PolicyViolation is only raised as an error under fail-closed mode.
func IsFatal(k Kind) bool {
	switch k {
	case ContractMalformed, PayloadValidationFailed, PolicyViolation, CapabilityUnavailable, MissingFile, Internal:
		return true
	default:
		return false
	}
}

// Error is a classified runtime error.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. The detail defaults to err's message.
func Wrap(kind Kind, err error, detail string) *Error {
	if detail == "" && err != nil {
		detail = err.Error()
	}
	return &Error{Kind: kind, Detail: detail, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil && e.Err.Error() != e.Detail {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// Line renders the single machine-parsable line emitted for fatal conditions.
func (e *Error) Line() string {
	return fmt.Sprintf("uma.fault kind=%s detail=%s", e.Kind, strconv.Quote(e.Detail))
}

// KindOf returns the Kind of the first classified error in err's chain, or
// Internal when err is not classified. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Line renders err as a fault line, classifying unknown errors as Internal.
func Line(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Line()
	}
	return Wrap(Internal, err, "").Line()
}

// Process exit codes.
const (
	ExitOK                    = 0
	ExitInternal              = 1
	ExitValidationFailed      = 2
	ExitContractMalformed     = 3
	ExitPolicyViolation       = 4
	ExitMissingFile           = 5
	ExitCapabilityUnavailable = 6
)

// ExitCode maps err to a process exit code.
func ExitCode(err error) int {
	switch KindOf(err) {
	case "":
		return ExitOK
	case PayloadValidationFailed:
		return ExitValidationFailed
	case ContractMalformed:
		return ExitContractMalformed
	case PolicyViolation:
		return ExitPolicyViolation
	case MissingFile:
		return ExitMissingFile
	case CapabilityUnavailable:
		return ExitCapabilityUnavailable
	default:
		return ExitInternal
	}
}
