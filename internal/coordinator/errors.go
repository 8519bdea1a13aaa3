package coordinator

import "errors"

// Kind classifies coordinator failures for callers that map them to transport codes.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindConflict
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "validation"
	default:
		return "internal"
	}
}

// Error is a terminal, reportable failure of a coordinator operation.
type Error struct {
	Kind Kind
	// Reason is a stable machine-readable label, also used as a metric label.
	Reason string
	msg    string
}

func (e *Error) Error() string { return e.msg }

func newError(kind Kind, reason, msg string) *Error {
	return &Error{Kind: kind, Reason: reason, msg: msg}
}

var (
	ErrJobNotFound        = newError(KindNotFound, "job_not_found", "Job does not exist")
	ErrTicketNotFound     = newError(KindNotFound, "ticket_not_found", "Ticket does not exist")
	ErrSubmissionNotFound = newError(KindNotFound, "submission_not_found", "Submission does not exist")

	ErrJobExists         = newError(KindConflict, "job_exists", "Job already exists")
	ErrNoEligibleSegment = newError(KindConflict, "no_eligible_segment", "No tickets to make")

	ErrTokenMismatch       = newError(KindValidation, "token_mismatch", "Ticket token mismatch")
	ErrSegmentMismatch     = newError(KindValidation, "segment_mismatch", "Incorrect seedindex")
	ErrWrongResultCount    = newError(KindValidation, "wrong_result_count", "Incorrect result count")
	ErrMalformedResults    = newError(KindValidation, "malformed_results", "Result lengths do not cover the segment")
	ErrEmptyResult         = newError(KindValidation, "empty_result", "Empty result")
	ErrTooFast             = newError(KindValidation, "too_fast", "Ticket returned too quickly")
	ErrImplausibleDuration = newError(KindValidation, "implausible_duration", "Invalid compute duration received")
	ErrInvalidJob          = newError(KindValidation, "invalid_job", "Invalid job definition")
	ErrInvalidStatus       = newError(KindValidation, "invalid_status", "Invalid submission status")
)

// KindOf reports the kind of err, KindInternal when it is not a coordinator error.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// ReasonOf reports the stable reason label of err.
func ReasonOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return "internal"
}
