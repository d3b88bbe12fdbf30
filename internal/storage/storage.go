// Package storage is the bridge's local bbolt database. It holds the update
// records, a capped inbox of emitted notifications and small metadata
// values such as the last sweep time.
package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/panelsync/panelsync/internal/apperr"
	"github.com/panelsync/panelsync/internal/notify"
	"github.com/panelsync/panelsync/internal/updates"
)

var (
	UpdatesBucket       = []byte("updates")
	NotificationsBucket = []byte("notifications")
	MetadataBucket      = []byte("metadata")
)

const DefaultInboxLimit = 500

type Storage struct {
	db         *bolt.DB
	inboxLimit int
}

func New(path string) (*Storage, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{UpdatesBucket, NotificationsBucket, MetadataBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Storage{db: db, inboxLimit: DefaultInboxLimit}, nil
}

// SetInboxLimit caps how many notifications are retained. Oldest entries
// are dropped first.
func (s *Storage) SetInboxLimit(n int) {
	if n > 0 {
		s.inboxLimit = n
	}
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// Publish clears is_available on every stored update and inserts rec in the
// same transaction, so readers never observe two available records.
func (s *Storage) Publish(_ context.Context, rec updates.Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(UpdatesBucket)

		err := bucket.ForEach(func(k, v []byte) error {
			var existing updates.Record
			if err := json.Unmarshal(v, &existing); err != nil {
				return fmt.Errorf("failed to unmarshal update %s: %w", k, err)
			}
			if !existing.IsAvailable {
				return nil
			}
			existing.IsAvailable = false
			data, err := json.Marshal(existing)
			if err != nil {
				return fmt.Errorf("failed to marshal update: %w", err)
			}
			return bucket.Put(k, data)
		})
		if err != nil {
			return err
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal update: %w", err)
		}
		return bucket.Put([]byte(rec.ID), data)
	})
}

func (s *Storage) Records(_ context.Context) ([]updates.Record, error) {
	var records []updates.Record

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(UpdatesBucket).ForEach(func(k, v []byte) error {
			var rec updates.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal update %s: %w", k, err)
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Storage) Apply(_ context.Context, id string, at time.Time) (updates.Record, error) {
	var rec updates.Record

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(UpdatesBucket)
		data := bucket.Get([]byte(id))
		if data == nil {
			return apperr.NotFound("storage.Apply", "update "+id)
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal update %s: %w", id, err)
		}
		if rec.AppliedAt != nil {
			return nil
		}

		rec.AppliedAt = &at
		rec.IsAvailable = false
		out, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal update: %w", err)
		}
		return bucket.Put([]byte(id), out)
	})
	if err != nil {
		return updates.Record{}, err
	}
	return rec, nil
}

// Deliver appends n to the inbox, trimming the oldest entries past the
// limit.
func (s *Storage) Deliver(_ context.Context, n notify.Notification) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(NotificationsBucket)

		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}
		data, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("failed to marshal notification: %w", err)
		}
		if err := bucket.Put(sequenceKey(seq), data); err != nil {
			return err
		}

		var keys [][]byte
		cursor := bucket.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		if len(keys) <= s.inboxLimit {
			return nil
		}
		for _, k := range keys[:len(keys)-s.inboxLimit] {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Notifications returns up to limit notifications, newest first. A limit
// of zero or less returns everything retained.
func (s *Storage) Notifications(limit int) ([]notify.Notification, error) {
	var out []notify.Notification

	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(NotificationsBucket).Cursor()
		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var n notify.Notification
			if err := json.Unmarshal(v, &n); err != nil {
				continue
			}
			out = append(out, n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Storage) SetMetadata(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		return bucket.Put([]byte(key), []byte(value))
	})
}

func (s *Storage) GetMetadata(key string) (string, error) {
	var value string

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		data := bucket.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("metadata key not found: %s", key)
		}
		value = string(data)
		return nil
	})

	return value, err
}

func sequenceKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}
