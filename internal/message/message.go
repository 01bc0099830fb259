package message

import (
	"fmt"
	"time"
)

// Status represents the delivery status of a message
type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusUploading Status = "uploading"
	StatusSending   Status = "sending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// transitions is the set of allowed status moves. A status not present
// here is terminal.
var transitions = map[Status][]Status{
	StatusDraft:     {StatusScheduled, StatusUploading, StatusSending},
	StatusScheduled: {StatusUploading, StatusSending, StatusCancelled},
	StatusUploading: {StatusSending, StatusFailed, StatusCancelled},
	StatusSending:   {StatusDelivered, StatusFailed},
	StatusFailed:    {StatusUploading, StatusSending, StatusFailed},
}

// CanTransition reports whether a message may move from one status to another.
// Saving a message with an unchanged status is always allowed and is not a
// transition.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status admits no further transitions.
// Failed is terminal only once the retry ceiling is reached, which depends
// on the message, so it is not reported here.
func IsTerminal(s Status) bool {
	return s == StatusDelivered || s == StatusCancelled
}

// Attachment describes a local file to be uploaded alongside a message.
// Size is the declared size; chunking is planned against it before the
// upload starts.
type Attachment struct {
	FileName    string `json:"file_name"`
	LocalPath   string `json:"local_path"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

// Message is the unit of delivery. Identity and content are immutable
// after creation; the delivery metadata below them is owned by the
// orchestrator.
type Message struct {
	ID         string      `json:"id"`
	Author     string      `json:"author"`
	Recipients []string    `json:"recipients"`
	Subject    string      `json:"subject,omitempty"`
	Body       string      `json:"body"`
	Attachment *Attachment `json:"attachment,omitempty"`

	Status           Status    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	ScheduledAt      time.Time `json:"scheduled_at,omitempty"`
	RetryCount       int       `json:"retry_count"`
	LastRetryAt      time.Time `json:"last_retry_at,omitempty"`
	NextRetryAt      time.Time `json:"next_retry_at,omitempty"`
	FailureReason    string    `json:"failure_reason,omitempty"`
	DeliveredAt      time.Time `json:"delivered_at,omitempty"`
	CancelledAt      time.Time `json:"cancelled_at,omitempty"`
	AttachmentRemote string    `json:"attachment_remote,omitempty"`
	TriggerToken     string    `json:"trigger_token,omitempty"`
	NotifyOnDelivery bool      `json:"notify_on_delivery"`
}

// Validate checks the parts of a message the caller is responsible for.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidMessage)
	}
	if len(m.Recipients) == 0 {
		return fmt.Errorf("%w: no recipients", ErrInvalidMessage)
	}
	for _, r := range m.Recipients {
		if r == "" {
			return fmt.Errorf("%w: empty recipient address", ErrInvalidMessage)
		}
	}
	if m.Attachment != nil && m.Attachment.Size <= 0 {
		return fmt.Errorf("%w: attachment size must be positive, got %d", ErrInvalidMessage, m.Attachment.Size)
	}
	return nil
}

// Stats counts messages per status
type Stats struct {
	Draft     int64 `json:"draft"`
	Scheduled int64 `json:"scheduled"`
	Uploading int64 `json:"uploading"`
	Sending   int64 `json:"sending"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
	Total     int64 `json:"total"`
}

// ListFilter represents filter options for listing messages
type ListFilter struct {
	Status Status
	Author string
	Limit  int
	Offset int
}
