package message

import "errors"

var (
	// ErrNotFound is returned when a message id is unknown to the store.
	ErrNotFound = errors.New("message not found")

	// ErrInvalidMessage is returned when a message fails validation.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrInvalidSchedule is returned when a scheduled time is not in the future.
	ErrInvalidSchedule = errors.New("scheduled time must be in the future")

	// ErrInvalidStateForCancel is returned when cancel is issued outside
	// the Scheduled or Uploading states.
	ErrInvalidStateForCancel = errors.New("message cannot be cancelled in its current state")

	// ErrInvalidStateForRetry is returned when retry is issued on a
	// message that is not Failed.
	ErrInvalidStateForRetry = errors.New("message is not in a retryable state")

	// ErrRetryCeilingReached is returned when a retry is requested for a
	// message that has exhausted its retry budget.
	ErrRetryCeilingReached = errors.New("retry ceiling reached")

	// ErrIllegalTransition is returned by the store when a save would move
	// a message backward in the state machine.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrUploadCancelled is returned by the uploader when cancellation is
	// observed between chunks. It maps to the Cancelled state, not to the
	// retry path.
	ErrUploadCancelled = errors.New("upload cancelled")
)

// DeliveryError represents a delivery failure with classification
type DeliveryError struct {
	Temporary bool
	Message   string
}

func (e *DeliveryError) Error() string {
	return e.Message
}

// IsTemporary checks if a delivery failure is worth retrying. Errors that
// carry no classification are assumed temporary.
func IsTemporary(err error) bool {
	if errors.Is(err, ErrUploadCancelled) {
		return false
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true
}
