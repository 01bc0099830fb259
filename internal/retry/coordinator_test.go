package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/sifapp/sifd/internal/message"
)

func TestOnFailure(t *testing.T) {
	c := New(Config{})
	transient := &message.DeliveryError{Temporary: true, Message: "timeout"}
	structural := &message.DeliveryError{Temporary: false, Message: "recipient rejected"}

	tests := []struct {
		name       string
		retryCount int
		cause      error
		wantRetry  bool
		wantAfter  time.Duration
	}{
		{"first transient failure", 1, transient, true, 30 * time.Second},
		{"second transient failure", 2, transient, true, 60 * time.Second},
		{"ceiling reached", 3, transient, false, 0},
		{"beyond ceiling", 4, transient, false, 0},
		{"structural never retried", 0, structural, false, 0},
		{"structural under ceiling", 1, structural, false, 0},
		{"unclassified treated as transient", 1, errors.New("boom"), true, 30 * time.Second},
		{"cancellation never retried", 0, message.ErrUploadCancelled, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &message.Message{ID: "m1", RetryCount: tt.retryCount}
			dec := c.OnFailure(msg, tt.cause)
			if dec.Retry != tt.wantRetry {
				t.Errorf("OnFailure() retry = %v, want %v", dec.Retry, tt.wantRetry)
			}
			if tt.wantRetry && dec.After != tt.wantAfter {
				t.Errorf("OnFailure() after = %v, want %v", dec.After, tt.wantAfter)
			}
		})
	}
}

func TestBackoffSequence(t *testing.T) {
	c := New(Config{BaseDelay: 30 * time.Second})

	want := []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}
	for i, w := range want {
		if got := c.backoff(i + 1); got != w {
			t.Errorf("backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestBackoffCap(t *testing.T) {
	c := New(Config{BaseDelay: 30 * time.Second, MaxDelay: time.Minute})
	if got := c.backoff(5); got != time.Minute {
		t.Errorf("backoff(5) = %v, want capped at 1m", got)
	}
}

func TestConfigDefaults(t *testing.T) {
	c := New(Config{})
	if c.MaxRetries() != 3 {
		t.Errorf("MaxRetries() = %d, want 3", c.MaxRetries())
	}
}
