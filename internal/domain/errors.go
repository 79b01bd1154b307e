package domain

import "errors"

var (
	ErrStreamNotFound   = errors.New("stream not found")
	ErrAttendeeNotFound = errors.New("attendee not found")
	ErrConflict         = errors.New("concurrent modification")
	ErrInvalidInput     = errors.New("invalid input")
)

// Rejections are expected, user-facing outcomes of a join or lifecycle request.
// They are returned synchronously and never retried.
var (
	ErrStreamUnavailable         = errors.New("stream is not open for attendance")
	ErrAlreadyRequested          = errors.New("join request already pending")
	ErrAlreadyApproved           = errors.New("already approved for this stream")
	ErrCannotJoinWithoutApproval = errors.New("stream cannot be joined without approval")
	ErrRequestDisapproved        = errors.New("join request was disapproved by the organizer")
	ErrInvalidTransition         = errors.New("invalid state transition")
	ErrNotOrganizer              = errors.New("only the organizer can review join requests")
)

// IsRejection reports whether err is one of the expected rejection outcomes.
func IsRejection(err error) bool {
	return errors.Is(err, ErrStreamUnavailable) ||
		errors.Is(err, ErrAlreadyRequested) ||
		errors.Is(err, ErrAlreadyApproved) ||
		errors.Is(err, ErrCannotJoinWithoutApproval) ||
		errors.Is(err, ErrRequestDisapproved) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrNotOrganizer)
}

// IsNotFound reports whether err is a lookup miss.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrStreamNotFound) || errors.Is(err, ErrAttendeeNotFound)
}
