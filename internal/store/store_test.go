package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sifapp/sifd/internal/message"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testMessage(id string, status message.Status) *message.Message {
	return &message.Message{
		ID:         id,
		Author:     "alice",
		Recipients: []string{"bob"},
		Body:       "hello",
		Status:     status,
		CreatedAt:  time.Now(),
	}
}

func TestSaveAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := testMessage("m1", message.StatusDraft)
	if err := s.Save(ctx, msg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := s.Get(ctx, "m1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ID != "m1" || got.Author != "alice" || got.Status != message.StatusDraft {
		t.Errorf("Get() = %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("Save() did not set UpdatedAt")
	}

	_, err = s.Get(ctx, "nonexistent")
	if !errors.Is(err, message.ErrNotFound) {
		t.Errorf("Get(nonexistent) error = %v, want ErrNotFound", err)
	}
}

func TestSaveEnforcesStateMachine(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := testMessage("m1", message.StatusDraft)
	if err := s.Save(ctx, msg); err != nil {
		t.Fatal(err)
	}

	// Forward moves succeed.
	for _, status := range []message.Status{
		message.StatusSending, message.StatusDelivered,
	} {
		msg.Status = status
		if err := s.Save(ctx, msg); err != nil {
			t.Fatalf("Save(%s) error = %v", status, err)
		}
	}

	// Backward move from Delivered is rejected.
	msg.Status = message.StatusSending
	err := s.Save(ctx, msg)
	if !errors.Is(err, message.ErrIllegalTransition) {
		t.Fatalf("Save(delivered->sending) error = %v, want ErrIllegalTransition", err)
	}

	// The stored record must be untouched by the rejected save.
	got, err := s.Get(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != message.StatusDelivered {
		t.Errorf("status after rejected save = %s, want delivered", got.Status)
	}
}

func TestSaveSameStatusIsMetadataUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := testMessage("m1", message.StatusFailed)
	msg.RetryCount = 1
	if err := s.Save(ctx, msg); err != nil {
		t.Fatal(err)
	}

	msg.RetryCount = 2
	msg.FailureReason = "timeout"
	if err := s.Save(ctx, msg); err != nil {
		t.Fatalf("same-status Save() error = %v", err)
	}

	got, _ := s.Get(ctx, "m1")
	if got.RetryCount != 2 || got.FailureReason != "timeout" {
		t.Errorf("metadata update lost: %+v", got)
	}
}

func TestUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := testMessage("m1", message.StatusScheduled)
	msg.ScheduledAt = time.Now().Add(time.Hour)
	if err := s.Save(ctx, msg); err != nil {
		t.Fatal(err)
	}

	updated, err := s.Update(ctx, "m1", func(m *message.Message) error {
		m.Status = message.StatusCancelled
		m.CancelledAt = time.Now()
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Status != message.StatusCancelled {
		t.Errorf("Update() status = %s, want cancelled", updated.Status)
	}

	// The scheduled index entry is removed with the transition.
	scheduled, _ := s.Scheduled(ctx)
	if len(scheduled) != 0 {
		t.Errorf("Scheduled() after cancel via Update = %v, want empty", scheduled)
	}

	// fn errors abort the write and come back unchanged.
	sentinel := errors.New("not in a cancellable state")
	_, err = s.Update(ctx, "m1", func(m *message.Message) error {
		m.FailureReason = "should not persist"
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Update() error = %v, want sentinel", err)
	}
	got, _ := s.Get(ctx, "m1")
	if got.FailureReason != "" {
		t.Error("aborted Update leaked a write")
	}

	// Illegal transitions produced by fn are rejected.
	_, err = s.Update(ctx, "m1", func(m *message.Message) error {
		m.Status = message.StatusSending
		return nil
	})
	if !errors.Is(err, message.ErrIllegalTransition) {
		t.Fatalf("Update(cancelled->sending) error = %v, want ErrIllegalTransition", err)
	}

	_, err = s.Update(ctx, "missing", func(m *message.Message) error { return nil })
	if !errors.Is(err, message.ErrNotFound) {
		t.Errorf("Update(missing) error = %v, want ErrNotFound", err)
	}
}

func TestScheduledIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	later := time.Now().Add(2 * time.Hour)
	earlier := time.Now().Add(time.Hour)

	m1 := testMessage("m1", message.StatusScheduled)
	m1.ScheduledAt = later
	m2 := testMessage("m2", message.StatusScheduled)
	m2.ScheduledAt = earlier

	if err := s.Save(ctx, m1); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, m2); err != nil {
		t.Fatal(err)
	}

	scheduled, err := s.Scheduled(ctx)
	if err != nil {
		t.Fatalf("Scheduled() error = %v", err)
	}
	if len(scheduled) != 2 {
		t.Fatalf("Scheduled() returned %d messages, want 2", len(scheduled))
	}
	if scheduled[0].ID != "m2" || scheduled[1].ID != "m1" {
		t.Errorf("Scheduled() order = %s, %s; want m2, m1", scheduled[0].ID, scheduled[1].ID)
	}

	// Cancelling removes the message from the index.
	m2.Status = message.StatusCancelled
	m2.CancelledAt = time.Now()
	if err := s.Save(ctx, m2); err != nil {
		t.Fatal(err)
	}

	scheduled, _ = s.Scheduled(ctx)
	if len(scheduled) != 1 || scheduled[0].ID != "m1" {
		t.Errorf("Scheduled() after cancel = %v, want only m1", scheduled)
	}
}

func TestListAndStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, testMessage("m1", message.StatusDraft)); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, testMessage("m2", message.StatusDelivered)); err != nil {
		t.Fatal(err)
	}
	m3 := testMessage("m3", message.StatusDelivered)
	m3.Author = "carol"
	if err := s.Save(ctx, m3); err != nil {
		t.Fatal(err)
	}

	delivered, err := s.List(ctx, message.ListFilter{Status: message.StatusDelivered})
	if err != nil {
		t.Fatal(err)
	}
	if len(delivered) != 2 {
		t.Errorf("List(delivered) = %d messages, want 2", len(delivered))
	}

	byAuthor, err := s.List(ctx, message.ListFilter{Author: "carol"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byAuthor) != 1 || byAuthor[0].ID != "m3" {
		t.Errorf("List(author=carol) = %v", byAuthor)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 3 || stats.Delivered != 2 || stats.Draft != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
}

func TestCleanupTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := testMessage("old-delivered", message.StatusDelivered)
	if err := s.Save(ctx, old); err != nil {
		t.Fatal(err)
	}
	// Terminal Failed at the ceiling.
	failed := testMessage("old-failed", message.StatusFailed)
	failed.RetryCount = 3
	if err := s.Save(ctx, failed); err != nil {
		t.Fatal(err)
	}
	// Failed under the ceiling is still retryable and must survive.
	retryable := testMessage("retryable", message.StatusFailed)
	retryable.RetryCount = 1
	if err := s.Save(ctx, retryable); err != nil {
		t.Fatal(err)
	}

	// Everything was just saved, so a 1h retention deletes nothing.
	deleted, err := s.CleanupTerminal(ctx, time.Hour, 3)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 0 {
		t.Errorf("CleanupTerminal(1h) deleted %d, want 0", deleted)
	}

	// A tiny retention window sweeps the terminal ones.
	time.Sleep(10 * time.Millisecond)
	deleted, err = s.CleanupTerminal(ctx, time.Millisecond, 3)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 2 {
		t.Errorf("CleanupTerminal() deleted %d, want 2", deleted)
	}

	if _, err := s.Get(ctx, "retryable"); err != nil {
		t.Errorf("retryable message was deleted: %v", err)
	}
	if _, err := s.Get(ctx, "old-delivered"); !errors.Is(err, message.ErrNotFound) {
		t.Errorf("old-delivered survived cleanup: %v", err)
	}
}
