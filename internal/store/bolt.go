package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"hue-connector/internal/device"
)

var (
	bucketDevices = []byte("devices")
	bucketMeta    = []byte("meta")
	keyPollState  = []byte("poll_state")
)

// BoltStore implements Store using BoltDB. Devices are stored as JSON keyed
// by their bridge unique id.
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
		for _, b := range [][]byte{bucketDevices, bucketMeta} {
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

func (s *BoltStore) put(bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, data)
	})
}

func (s *BoltStore) get(bucket, key []byte, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get(key)
		if data == nil {
			return fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) SaveDevice(dev device.Snapshot) error {
	if dev.ID == "" {
		return fmt.Errorf("save device: empty id")
	}
	return s.put(bucketDevices, []byte(dev.ID), dev)
}

func (s *BoltStore) GetDevice(id string) (device.Snapshot, error) {
	var dev device.Snapshot
	if err := s.get(bucketDevices, []byte(id), &dev); err != nil {
		return device.Snapshot{}, err
	}
	return dev, nil
}

func (s *BoltStore) DeleteDevice(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).Delete([]byte(id))
	})
}

func (s *BoltStore) ListDevices() ([]device.Snapshot, error) {
	var devices []device.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		devices = make([]device.Snapshot, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var dev device.Snapshot
			if err := json.Unmarshal(v, &dev); err != nil {
				return fmt.Errorf("device %s: %w", k, err)
			}
			devices = append(devices, dev)
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) SavePollState(state PollState) error {
	return s.put(bucketMeta, keyPollState, state)
}

func (s *BoltStore) GetPollState() (PollState, error) {
	var st PollState
	if err := s.get(bucketMeta, keyPollState, &st); err != nil {
		return PollState{}, err
	}
	return st, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
