package idempotency

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketResponses = []byte("responses")

var (
	// ErrInFlight is returned when another request holds the key.
	ErrInFlight = errors.New("idempotency: request in flight")
	// ErrKeyReused is returned when a key is replayed with a different body.
	ErrKeyReused = errors.New("idempotency: key reused with a different request")
)

// Record is the cached response for an idempotency key. A record without a
// status code is a reservation held by the request that is still running.
type Record struct {
	RequestHash string    `json:"requestHash"`
	StatusCode  int       `json:"statusCode,omitempty"`
	Body        []byte    `json:"body,omitempty"`
	StoredAt    time.Time `json:"storedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Complete reports whether the record holds a finished response.
func (r Record) Complete() bool {
	return r.StatusCode != 0
}

// Store persists mutation responses keyed by caller-supplied idempotency keys.
type Store struct {
	db *bolt.DB
}

// Open initialises (and migrates) the Bolt-backed store at path.
func Open(path string, options *bolt.Options) (*Store, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("idempotency: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketResponses)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Reserve claims key for a request whose body hashes to requestHash. A
// completed record for the same request is returned for replay with found
// set. Expired records are replaced.
func (s *Store) Reserve(key, requestHash string, now time.Time, ttl time.Duration) (Record, bool, error) {
	var (
		record Record
		found  bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketResponses)
		if raw := bucket.Get([]byte(key)); raw != nil {
			var existing Record
			if err := json.Unmarshal(raw, &existing); err != nil {
				return err
			}
			if !now.After(existing.ExpiresAt) {
				if existing.RequestHash != requestHash {
					return ErrKeyReused
				}
				if !existing.Complete() {
					return ErrInFlight
				}
				record, found = existing, true
				return nil
			}
		}
		payload, err := json.Marshal(Record{RequestHash: requestHash, StoredAt: now, ExpiresAt: now.Add(ttl)})
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), payload)
	})
	if err != nil {
		return Record{}, false, err
	}
	return record, found, nil
}

// Complete stores the final response for a reserved key.
func (s *Store) Complete(key string, record Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		payload, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketResponses).Put([]byte(key), payload)
	})
}

// Release drops a reservation so the request can be retried.
func (s *Store) Release(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResponses).Delete([]byte(key))
	})
}

// Prune deletes every record that expired before now and reports how many
// were removed.
func (s *Store) Prune(now time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketResponses)
		var expired [][]byte
		if err := bucket.ForEach(func(k, v []byte) error {
			var record Record
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			if now.After(record.ExpiresAt) {
				expired = append(expired, bytes.Clone(k))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range expired {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})
	return removed, err
}
