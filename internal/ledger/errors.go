package ledger

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Every error returned by the core wraps exactly one of
// these so the transport layer can map it with errors.Is.
var (
	// ErrValidation is returned for malformed or missing input.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when an entity is absent or belongs to another
	// organization. The two cases are deliberately indistinguishable.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write would violate an invariant.
	ErrConflict = errors.New("conflict")

	// ErrVerification is returned when an inbound event fails authentication.
	ErrVerification = errors.New("external verification failed")

	// ErrInternalInconsistency is returned when data that must exist does not,
	// e.g. a webhook referencing an unknown payment.
	ErrInternalInconsistency = errors.New("internal inconsistency")
)

// Machine-readable error codes surfaced to API clients.
const (
	CodePropertyAlreadyLeased = "PROPERTY_ALREADY_LEASED"
	CodeDuplicateTransaction  = "DUPLICATE_TRANSACTION"
	CodeApplicationLeased     = "APPLICATION_ALREADY_LEASED"
	CodeApplicationMismatch   = "APPLICATION_MISMATCH"
	CodeNotFoundOrNotPending  = "NOT_FOUND_OR_NOT_PENDING"
	CodeNotFound              = "NOT_FOUND"
	CodeValidation            = "VALIDATION_ERROR"
	CodeUnknownPayment        = "UNKNOWN_PAYMENT"
	CodeMetadataMismatch      = "PAYMENT_METADATA_MISMATCH"
	CodeInvalidSignature      = "INVALID_SIGNATURE"
	CodeRevertFailed          = "APPROVAL_REVERT_FAILED"
)

// Error carries a machine-readable code alongside one of the sentinel kinds.
type Error struct {
	Kind    error
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Kind }

// Conflictf builds an ErrConflict with the given code.
func Conflictf(code, format string, args ...any) error {
	return &Error{Kind: ErrConflict, Code: code, Message: fmt.Sprintf(format, args...)}
}

// NotFoundf builds an ErrNotFound with the given code.
func NotFoundf(code, format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Invalidf builds an ErrValidation.
func Invalidf(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// Inconsistentf builds an ErrInternalInconsistency.
func Inconsistentf(code, format string, args ...any) error {
	return &Error{Kind: ErrInternalInconsistency, Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ErrPropertyAlreadyLeased is the conflict reported when a property already
// has an active lease.
func ErrPropertyAlreadyLeased(propertyID string) error {
	return Conflictf(CodePropertyAlreadyLeased, "property %s already has an active lease", propertyID)
}

// ErrApplicationAlreadyLeased is the conflict reported when an application
// already produced a lease.
func ErrApplicationAlreadyLeased(applicationID string) error {
	return Conflictf(CodeApplicationLeased, "application %s already has a lease", applicationID)
}
