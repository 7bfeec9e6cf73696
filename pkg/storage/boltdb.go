package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/beamline/qserver/pkg/types"
	"github.com/cenkalti/backoff/v4"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketPlanQueue   = []byte("plan_queue")
	bucketPlanHistory = []byte("plan_history")
	bucketMeta        = []byte("meta")

	keyRunningItem = []byte("running_item")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store. Opening is retried with
// exponential backoff: a manager instance shutting down may still hold the
// file lock.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "qserver.db")

	var db *bolt.DB
	open := func() error {
		var err error
		db, err = bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
		return err
	}
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	if err := backoff.Retry(open, bo); err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err := db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketPlanQueue,
			bucketPlanHistory,
			bucketMeta,
		}
		for _, bucket := range buckets {
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

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// itemKey encodes a queue position as a fixed-width big-endian key so the
// bucket cursor iterates in queue order.
func itemKey(i int) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(i))
	return k
}

// QueueItems returns the persisted plan queue in order
func (s *BoltStore) QueueItems() ([]types.Item, error) {
	var items []types.Item
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPlanQueue)
		return b.ForEach(func(k, v []byte) error {
			var item types.Item
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			items = append(items, item)
			return nil
		})
	})
	return items, err
}

// ReplaceQueue rewrites the whole persisted queue in a single transaction.
// Queue mutations are arbitrary (insert at position, move, replace), so the
// list is rewritten rather than patched.
func (s *BoltStore) ReplaceQueue(items []types.Item) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketPlanQueue); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketPlanQueue)
		if err != nil {
			return err
		}
		for i, item := range items {
			data, err := json.Marshal(item)
			if err != nil {
				return err
			}
			if err := b.Put(itemKey(i), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// HistoryItems returns the persisted plan history in order
func (s *BoltStore) HistoryItems() ([]types.Item, error) {
	var items []types.Item
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPlanHistory)
		return b.ForEach(func(k, v []byte) error {
			var item types.Item
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}
			items = append(items, item)
			return nil
		})
	})
	return items, err
}

// AppendHistory appends one entry to the plan history
func (s *BoltStore) AppendHistory(item types.Item) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPlanHistory)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(item)
		if err != nil {
			return err
		}
		return b.Put(itemKey(int(seq)), data)
	})
}

// ClearHistory removes all history entries
func (s *BoltStore) ClearHistory() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketPlanHistory); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketPlanHistory)
		return err
	})
}

// RunningItem returns the item in the running slot, or nil if the slot is empty
func (s *BoltStore) RunningItem() (*types.Item, error) {
	var item *types.Item
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		data := b.Get(keyRunningItem)
		if data == nil {
			return nil
		}
		item = &types.Item{}
		return json.Unmarshal(data, item)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// SetRunningItem stores the item occupying the running slot
func (s *BoltStore) SetRunningItem(item types.Item) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		data, err := json.Marshal(item)
		if err != nil {
			return err
		}
		return b.Put(keyRunningItem, data)
	})
}

// ClearRunningItem empties the running slot
func (s *BoltStore) ClearRunningItem() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		return b.Delete(keyRunningItem)
	})
}

// Wipe removes all persisted state. Test hook.
func (s *BoltStore) Wipe() error {
	if err := s.ReplaceQueue(nil); err != nil {
		return err
	}
	if err := s.ClearHistory(); err != nil {
		return err
	}
	return s.ClearRunningItem()
}
