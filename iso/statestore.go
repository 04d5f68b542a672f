package iso

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var mountsBucket = []byte("mounts")

// MountRecord is the durable record of an active mount. Records outlive the
// process so a restarted agent can find and release stale loop devices.
type MountRecord struct {
	ImageID    string    `json:"image_id"`
	ImagePath  string    `json:"image_path"`
	LoopDevice string    `json:"loop_device"`
	Target     string    `json:"target"`
	MountedAt  time.Time `json:"mounted_at"`
}

// StateStore persists mount records in a bolt database under the data dir.
type StateStore struct {
	db *bolt.DB
}

func OpenStateStore(path string) (*StateStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening mount state store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(mountsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &StateStore{db: db}, nil
}

func (s *StateStore) Close() error { return s.db.Close() }

func (s *StateStore) Put(rec MountRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(mountsBucket).Put([]byte(rec.ImageID), data)
	})
}

func (s *StateStore) Delete(imageID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(mountsBucket).Delete([]byte(imageID))
	})
}

func (s *StateStore) List() ([]MountRecord, error) {
	var records []MountRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(mountsBucket).ForEach(func(k, v []byte) error {
			var rec MountRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt mount record %s: %w", k, err)
			}
			records = append(records, rec)
			return nil
		})
	})
	return records, err
}
