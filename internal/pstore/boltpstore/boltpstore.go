// Package boltpstore is a BoltDB-backed pstore.Store for local, dev, and
// test use. A real deployment points internal/pstore's interface at the
// orchestrator's CR store instead; this is the reference implementation
// exercised by this module's own tests.
package boltpstore

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/poseidon/internal/pstore"
)

var (
	bucketPools     = []byte("pools")
	bucketVolumes   = []byte("volumes")
	bucketUnhealthy = []byte("unhealthy_replicas")
)

// Store implements pstore.Store with one bucket per kind in a single
// BoltDB file.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the store's database file under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "poseidon.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open persistent store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketPools, bucketVolumes, bucketUnhealthy} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func poolKey(nodeName, name string) []byte { return []byte(nodeName + "/" + name) }

func (s *Store) SavePoolStatus(ctx context.Context, status pstore.PoolStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPools)
		data, err := json.Marshal(status)
		if err != nil {
			return err
		}
		return b.Put(poolKey(status.NodeName, status.Name), data)
	})
}

func (s *Store) SaveVolumeStatus(ctx context.Context, status pstore.VolumeStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVolumes)
		data, err := json.Marshal(status)
		if err != nil {
			return err
		}
		return b.Put([]byte(status.UUID), data)
	})
}

// MarkUnhealthyReplica records replicaUUID as unhealthy for volumeUUID,
// consulted by the FSA's initial-nexus-children filter. Nothing in the
// volume or node layer calls it; only this package's tests do. It is not
// part of
// the pstore.Store interface since it is a write specific to this
// implementation's bookkeeping rather than a CR mirror.
func (s *Store) MarkUnhealthyReplica(volumeUUID, replicaUUID string, unhealthy bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUnhealthy)
		key := []byte(volumeUUID)
		set := map[string]bool{}
		if data := b.Get(key); data != nil {
			if err := json.Unmarshal(data, &set); err != nil {
				return err
			}
		}
		if unhealthy {
			set[replicaUUID] = true
		} else {
			delete(set, replicaUUID)
		}
		data, err := json.Marshal(set)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *Store) UnhealthyReplicas(ctx context.Context, volumeUUID string) (map[string]bool, error) {
	out := map[string]bool{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUnhealthy)
		data := b.Get([]byte(volumeUUID))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &out)
	})
	return out, err
}

func (s *Store) Close() error { return s.db.Close() }
