package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/sifapp/sifd/internal/message"
)

var (
	bucketMessages  = []byte("messages")
	bucketScheduled = []byte("scheduled")
)

// BoltStore is the durable delivery-state store backed by BoltDB. It is
// the single source of truth for a message's status; Save enforces the
// status state machine so a stale writer cannot move a message backward.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the store at the given path
func NewBoltStore(path string) (*BoltStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketMessages, bucketScheduled} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Save writes a message. The write is atomic per message: a concurrent Get
// observes either the previous or the new record, never a partial one.
// A save whose status moves backward in the state table fails with
// ErrIllegalTransition and leaves the stored record untouched.
func (s *BoltStore) Save(ctx context.Context, msg *message.Message) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		msgBucket := tx.Bucket(bucketMessages)

		var prev *message.Message
		if data := msgBucket.Get([]byte(msg.ID)); data != nil {
			prev = &message.Message{}
			if err := json.Unmarshal(data, prev); err != nil {
				return fmt.Errorf("failed to decode stored message: %w", err)
			}
		}

		if prev != nil && prev.Status != msg.Status && !message.CanTransition(prev.Status, msg.Status) {
			return fmt.Errorf("%w: %s -> %s (message %s)",
				message.ErrIllegalTransition, prev.Status, msg.Status, msg.ID)
		}

		msg.UpdatedAt = time.Now()

		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := msgBucket.Put([]byte(msg.ID), data); err != nil {
			return fmt.Errorf("failed to store message: %w", err)
		}

		// Keep the scheduled-time index in step with the record.
		schedBucket := tx.Bucket(bucketScheduled)
		if prev != nil && prev.Status == message.StatusScheduled {
			if err := schedBucket.Delete(makeIndexKey(prev.ScheduledAt, prev.ID)); err != nil {
				return err
			}
		}
		if msg.Status == message.StatusScheduled {
			if err := schedBucket.Put(makeIndexKey(msg.ScheduledAt, msg.ID), []byte(msg.ID)); err != nil {
				return fmt.Errorf("failed to index scheduled message: %w", err)
			}
		}

		return nil
	})
}

// Update applies fn to the stored message inside a single transaction,
// so a concurrent writer cannot slip in between the read and the write.
// fn errors are returned unchanged; the state machine is enforced the
// same way Save enforces it. Returns the updated message.
func (s *BoltStore) Update(ctx context.Context, id string, fn func(*message.Message) error) (*message.Message, error) {
	var updated *message.Message

	err := s.db.Update(func(tx *bolt.Tx) error {
		msgBucket := tx.Bucket(bucketMessages)

		data := msgBucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", message.ErrNotFound, id)
		}

		prev := &message.Message{}
		if err := json.Unmarshal(data, prev); err != nil {
			return fmt.Errorf("failed to decode stored message: %w", err)
		}

		msg := &message.Message{}
		if err := json.Unmarshal(data, msg); err != nil {
			return fmt.Errorf("failed to decode stored message: %w", err)
		}

		if err := fn(msg); err != nil {
			return err
		}

		if prev.Status != msg.Status && !message.CanTransition(prev.Status, msg.Status) {
			return fmt.Errorf("%w: %s -> %s (message %s)",
				message.ErrIllegalTransition, prev.Status, msg.Status, msg.ID)
		}

		msg.UpdatedAt = time.Now()

		out, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := msgBucket.Put([]byte(id), out); err != nil {
			return fmt.Errorf("failed to store message: %w", err)
		}

		schedBucket := tx.Bucket(bucketScheduled)
		if prev.Status == message.StatusScheduled {
			if err := schedBucket.Delete(makeIndexKey(prev.ScheduledAt, prev.ID)); err != nil {
				return err
			}
		}
		if msg.Status == message.StatusScheduled {
			if err := schedBucket.Put(makeIndexKey(msg.ScheduledAt, msg.ID), []byte(msg.ID)); err != nil {
				return fmt.Errorf("failed to index scheduled message: %w", err)
			}
		}

		updated = msg
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// Get retrieves a message by ID
func (s *BoltStore) Get(ctx context.Context, id string) (*message.Message, error) {
	var msg *message.Message

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMessages).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", message.ErrNotFound, id)
		}
		msg = &message.Message{}
		return json.Unmarshal(data, msg)
	})

	return msg, err
}

// Delete removes a message and its index entries
func (s *BoltStore) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		msgBucket := tx.Bucket(bucketMessages)

		if data := msgBucket.Get([]byte(id)); data != nil {
			var msg message.Message
			if err := json.Unmarshal(data, &msg); err == nil && msg.Status == message.StatusScheduled {
				tx.Bucket(bucketScheduled).Delete(makeIndexKey(msg.ScheduledAt, msg.ID))
			}
		}

		return msgBucket.Delete([]byte(id))
	})
}

// List returns messages matching the filter
func (s *BoltStore) List(ctx context.Context, filter message.ListFilter) ([]*message.Message, error) {
	var messages []*message.Message

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMessages).Cursor()

		count := 0
		skipped := 0

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var msg message.Message
			if err := json.Unmarshal(v, &msg); err != nil {
				continue
			}

			if filter.Status != "" && msg.Status != filter.Status {
				continue
			}
			if filter.Author != "" && msg.Author != filter.Author {
				continue
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}

			messages = append(messages, &msg)
			count++

			if filter.Limit > 0 && count >= filter.Limit {
				break
			}
		}

		return nil
	})

	return messages, err
}

// Scheduled returns messages in the Scheduled state ordered by their
// scheduled time, used to re-arm deferred triggers at startup.
func (s *BoltStore) Scheduled(ctx context.Context) ([]*message.Message, error) {
	var messages []*message.Message

	err := s.db.View(func(tx *bolt.Tx) error {
		schedBucket := tx.Bucket(bucketScheduled)
		msgBucket := tx.Bucket(bucketMessages)

		c := schedBucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			data := msgBucket.Get(v)
			if data == nil {
				continue
			}
			var msg message.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Status != message.StatusScheduled {
				continue
			}
			messages = append(messages, &msg)
		}
		return nil
	})

	return messages, err
}

// Stats returns message counts per status
func (s *BoltStore) Stats(ctx context.Context) (*message.Stats, error) {
	stats := &message.Stats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMessages).Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var msg message.Message
			if err := json.Unmarshal(v, &msg); err != nil {
				continue
			}

			stats.Total++
			switch msg.Status {
			case message.StatusDraft:
				stats.Draft++
			case message.StatusScheduled:
				stats.Scheduled++
			case message.StatusUploading:
				stats.Uploading++
			case message.StatusSending:
				stats.Sending++
			case message.StatusDelivered:
				stats.Delivered++
			case message.StatusFailed:
				stats.Failed++
			case message.StatusCancelled:
				stats.Cancelled++
			}
		}

		return nil
	})

	return stats, err
}

// CleanupTerminal deletes terminal messages (Delivered, Cancelled, or
// Failed with no pending retry) older than maxAge. Returns the number of
// messages deleted.
func (s *BoltStore) CleanupTerminal(ctx context.Context, maxAge time.Duration, maxRetries int) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-maxAge)
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMessages).Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var msg message.Message
			if err := json.Unmarshal(v, &msg); err != nil {
				continue
			}

			terminal := message.IsTerminal(msg.Status) ||
				(msg.Status == message.StatusFailed && msg.RetryCount >= maxRetries)
			if !terminal || msg.UpdatedAt.After(cutoff) {
				continue
			}

			if err := c.Delete(); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})

	return deleted, err
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB so other components (the blob sink)
// can share the same file.
func (s *BoltStore) DB() *bolt.DB {
	return s.db
}

// makeIndexKey creates a sortable key from timestamp and ID
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(time.RFC3339Nano) + ":" + id)
}
