package message

import (
	"errors"
	"fmt"
	"testing"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusDraft, StatusScheduled, true},
		{StatusDraft, StatusUploading, true},
		{StatusDraft, StatusSending, true},
		{StatusDraft, StatusDelivered, false},
		{StatusScheduled, StatusUploading, true},
		{StatusScheduled, StatusSending, true},
		{StatusScheduled, StatusCancelled, true},
		{StatusScheduled, StatusDelivered, false},
		{StatusUploading, StatusSending, true},
		{StatusUploading, StatusFailed, true},
		{StatusUploading, StatusCancelled, true},
		{StatusUploading, StatusDelivered, false},
		{StatusSending, StatusDelivered, true},
		{StatusSending, StatusFailed, true},
		{StatusSending, StatusCancelled, false},
		{StatusFailed, StatusSending, true},
		{StatusFailed, StatusUploading, true},
		{StatusFailed, StatusFailed, true},
		{StatusFailed, StatusCancelled, false},
		{StatusDelivered, StatusSending, false},
		{StatusDelivered, StatusFailed, false},
		{StatusCancelled, StatusSending, false},
		{StatusCancelled, StatusScheduled, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_to_%s", tt.from, tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestIsTerminal(t *testing.T) {
	if !IsTerminal(StatusDelivered) {
		t.Error("delivered should be terminal")
	}
	if !IsTerminal(StatusCancelled) {
		t.Error("cancelled should be terminal")
	}
	if IsTerminal(StatusFailed) {
		t.Error("failed is only terminal at the retry ceiling")
	}
	if IsTerminal(StatusDraft) {
		t.Error("draft should not be terminal")
	}
}

func TestValidate(t *testing.T) {
	valid := &Message{
		ID:         "m1",
		Author:     "alice",
		Recipients: []string{"bob"},
		Body:       "hello",
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}

	tests := []struct {
		name string
		msg  *Message
	}{
		{"missing id", &Message{Recipients: []string{"bob"}}},
		{"no recipients", &Message{ID: "m1"}},
		{"empty recipient", &Message{ID: "m1", Recipients: []string{""}}},
		{"zero attachment size", &Message{ID: "m1", Recipients: []string{"bob"}, Attachment: &Attachment{Size: 0}}},
		{"negative attachment size", &Message{ID: "m1", Recipients: []string{"bob"}, Attachment: &Attachment{Size: -5}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if !errors.Is(err, ErrInvalidMessage) {
				t.Errorf("Validate() = %v, want ErrInvalidMessage", err)
			}
		})
	}
}

func TestIsTemporary(t *testing.T) {
	if !IsTemporary(errors.New("connection reset")) {
		t.Error("unclassified errors should be treated as temporary")
	}
	if !IsTemporary(&DeliveryError{Temporary: true, Message: "timeout"}) {
		t.Error("temporary delivery error misclassified")
	}
	if IsTemporary(&DeliveryError{Temporary: false, Message: "recipient rejected"}) {
		t.Error("structural delivery error misclassified")
	}
	if IsTemporary(fmt.Errorf("attempt: %w", &DeliveryError{Temporary: false, Message: "policy violation"})) {
		t.Error("wrapped structural error misclassified")
	}
	if IsTemporary(ErrUploadCancelled) {
		t.Error("cancellation must never be retried")
	}
}
