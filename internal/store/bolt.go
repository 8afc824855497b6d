package store

import (
	"fmt"

	"go.etcd.io/bbolt"
)

// Bolt is a Store persisted in a single bucket of a BoltDB file.
type Bolt struct {
	db     *bbolt.DB
	bucket []byte
}

// OpenBolt opens or creates the database at path and ensures the bucket exists.
func OpenBolt(path, bucket string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}

	name := []byte(bucket)
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Bolt{db: db, bucket: name}, nil
}

func (s *Bolt) Store(key, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Put(key, value)
	})
}

func (s *Bolt) Retrieve(key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(s.bucket).Get(key)
		if v == nil {
			return ErrNotFound
		}
		// values are only valid for the life of the transaction
		value = append([]byte(nil), v...)
		return nil
	})
	return value, err
}

func (s *Bolt) Delete(key []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Delete(key)
	})
}

func (s *Bolt) Range(fn func(key, value []byte) bool) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(s.bucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if !fn(append([]byte(nil), k...), append([]byte(nil), v...)) {
				return nil
			}
		}
		return nil
	})
}

func (s *Bolt) Count() (count int) {
	err := s.db.View(func(tx *bbolt.Tx) error {
		count = tx.Bucket(s.bucket).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0
	}
	return count
}

func (s *Bolt) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}
