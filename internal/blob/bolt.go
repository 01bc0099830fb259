package blob

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketBlobs     = []byte("blobs")
	bucketChunks    = []byte("chunks")
	bucketManifests = []byte("manifests")
)

// BoltSink stores blobs in BoltDB, sharing the database file with the
// delivery-state store. It is the bundled sink; cloud object stores plug
// in behind the same interface.
type BoltSink struct {
	db *bolt.DB
}

// NewBoltSink creates a blob sink on an already-open database
func NewBoltSink(db *bolt.DB) (*BoltSink, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketBlobs, bucketChunks, bucketManifests} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &BoltSink{db: db}, nil
}

// PutSingle stores a small payload in one shot
func (s *BoltSink) PutSingle(ctx context.Context, data []byte) (Locator, error) {
	return s.put(bucketBlobs, "blob", data)
}

// PutChunk stores one chunk of a large payload
func (s *BoltSink) PutChunk(ctx context.Context, data []byte) (Locator, error) {
	return s.put(bucketChunks, "chunk", data)
}

func (s *BoltSink) put(bucket []byte, kind string, data []byte) (Locator, error) {
	key := uuid.New().String()
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
	if err != nil {
		return "", fmt.Errorf("failed to store %s: %w", kind, err)
	}
	return Locator(kind + ":" + key), nil
}

// PutManifest stores the manifest referencing uploaded chunks
func (s *BoltSink) PutManifest(ctx context.Context, m *Manifest) (Locator, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal manifest: %w", err)
	}

	key := uuid.New().String()
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketManifests).Put([]byte(key), data)
	})
	if err != nil {
		return "", fmt.Errorf("failed to store manifest: %w", err)
	}
	return Locator("manifest:" + key), nil
}

// GetManifest retrieves a previously stored manifest by its locator
func (s *BoltSink) GetManifest(ctx context.Context, loc Locator) (*Manifest, error) {
	key, ok := strings.CutPrefix(string(loc), "manifest:")
	if !ok {
		return nil, fmt.Errorf("not a manifest locator: %s", loc)
	}

	var m *Manifest
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketManifests).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("manifest not found: %s", loc)
		}
		m = &Manifest{}
		return json.Unmarshal(data, m)
	})
	return m, err
}
