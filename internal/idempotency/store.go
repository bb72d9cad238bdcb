// Package idempotency replays stored responses for requests that carry an
// Idempotency-Key header. Entries live in a BoltDB file.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"
)

const bucketName = "responses"

var (
	// ErrNotFound is returned when no live entry exists for a key.
	ErrNotFound = errors.New("idempotency: key not found")
	// ErrKeyReused is returned when a key is presented with a different
	// request than the one it was first used for.
	ErrKeyReused = errors.New("idempotency: key reused with a different request")
)

// Entry is a stored response.
type Entry struct {
	Fingerprint string    `json:"fingerprint"`
	StatusCode  int       `json:"status_code"`
	ContentType string    `json:"content_type"`
	Body        []byte    `json:"body"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store wraps a BoltDB database of responses keyed by idempotency key.
type Store struct {
	db  *bolt.DB
	ttl time.Duration
	now func() time.Time
}

// Open opens (or creates) the database at path. Entries older than ttl
// are treated as absent.
func Open(path string, ttl time.Duration) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open idempotency db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &Store{db: db, ttl: ttl, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Fingerprint identifies a request by method, path and body.
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the live entry for key. It fails with ErrKeyReused if the
// entry was stored for a different fingerprint.
func (s *Store) Get(key, fingerprint string) (*Entry, error) {
	var e Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketName)).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &e)
	})
	if err != nil {
		return nil, err
	}
	if s.expired(&e) {
		return nil, ErrNotFound
	}
	if e.Fingerprint != fingerprint {
		return nil, ErrKeyReused
	}
	return &e, nil
}

// Put stores e under key unless a live entry already exists, in which case
// the stored entry is returned unchanged.
//
// Returns (existing, false, nil) when a live entry already existed.
// Returns (e, true, nil) when e was stored.
func (s *Store) Put(key string, e *Entry) (*Entry, bool, error) {
	var result Entry
	created := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if v := b.Get([]byte(key)); v != nil {
			var existing Entry
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if !s.expired(&existing) {
				result = existing
				return nil
			}
		}

		if e.CreatedAt.IsZero() {
			e.CreatedAt = s.now().UTC()
		}
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		result = *e
		created = true
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return nil, false, err
	}
	return &result, created, nil
}

// Prune deletes expired entries and returns how many were removed.
func (s *Store) Prune() (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil || s.expired(&e) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		// keys cannot be deleted while iterating
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

func (s *Store) expired(e *Entry) bool {
	return s.ttl > 0 && s.now().Sub(e.CreatedAt) > s.ttl
}
