package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketTracked = []byte("tracked")
	bucketMeta    = []byte("meta")
	keyUpstream   = []byte("upstream")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketTracked, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveTracked(t *Tracked) error {
	if t.EntityID == "" {
		return fmt.Errorf("save tracked: empty entity id")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketTracked, []byte(t.EntityID), t)
	})
}

func (s *BoltStore) GetTracked(entityID string) (*Tracked, error) {
	var t Tracked
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketTracked, []byte(entityID), &t)
	})
	if err != nil {
		return nil, fmt.Errorf("tracked %s: %w", entityID, err)
	}
	return &t, nil
}

func (s *BoltStore) DeleteTracked(entityID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTracked)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketTracked)
		}
		return b.Delete([]byte(entityID))
	})
}

// ListTracked returns entries ordered by entity id.
func (s *BoltStore) ListTracked() ([]*Tracked, error) {
	var list []*Tracked
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTracked)
		if b == nil {
			return nil
		}
		list = make([]*Tracked, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var t Tracked
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			list = append(list, &t)
			return nil
		})
	})
	return list, err
}

func (s *BoltStore) UpdateTracked(entityID string, fn func(t *Tracked) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var t Tracked
		if err := getJSON(tx, bucketTracked, []byte(entityID), &t); err != nil {
			return fmt.Errorf("tracked %s: %w", entityID, err)
		}
		if err := fn(&t); err != nil {
			return err
		}
		// The key is the entity id; fn must not move the entry.
		t.EntityID = entityID
		return putJSON(tx, bucketTracked, []byte(entityID), &t)
	})
}

func (s *BoltStore) SaveUpstream(info *Upstream) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketMeta, keyUpstream, info)
	})
}

func (s *BoltStore) GetUpstream() (*Upstream, error) {
	var info Upstream
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketMeta, keyUpstream, &info)
	})
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}
	return &info, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func putJSON(tx *bolt.Tx, bucket, key []byte, v any) error {
	b := tx.Bucket(bucket)
	if b == nil {
		return fmt.Errorf("bucket %q not found", bucket)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func getJSON(tx *bolt.Tx, bucket, key []byte, v any) error {
	b := tx.Bucket(bucket)
	if b == nil {
		return fmt.Errorf("bucket %q not found", bucket)
	}
	data := b.Get(key)
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}
