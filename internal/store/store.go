// Package store persists a cache of the repository index and the
// notification audit log, so a reconnecting client can ask for
// notifications it missed. The daemon writes the index cache but does not
// read it back at startup; it re-scans every repository instead.
package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/npk-runtime/npkd/internal/manifest"
	"github.com/npk-runtime/npkd/internal/runtime"
)

var (
	bucketRepositories  = []byte("repositories")
	bucketNotifications = []byte("notifications")
)

// Store is a bbolt-backed cache of the repository index plus a bounded,
// sequence-numbered history of emitted notifications.
type Store struct {
	db          *bolt.DB
	historySize int
}

// record is the on-disk shape of one repository entry: on-disk path plus
// the parsed manifest.
type record struct {
	RepositoryID string             `json:"repository_id"`
	Path         string             `json:"path"`
	Manifest     *manifest.Manifest `json:"manifest"`
}

// notificationRecord is one audit-log entry.
type notificationRecord struct {
	Sequence uint64                   `json:"sequence"`
	Kind     runtime.NotificationKind `json:"kind"`
	Identity manifest.Identity        `json:"identity"`
	Exit     *runtime.ExitStatus      `json:"exit,omitempty"`
}

// Open opens (creating if absent) the bbolt database at dataDir/npkd.db,
// bounding the notification history to historySize entries.
func Open(dataDir string, historySize int) (*Store, error) {
	dbPath := filepath.Join(dataDir, "npkd.db")
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketRepositories, bucketNotifications} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	if historySize <= 0 {
		historySize = 10000
	}
	return &Store{db: db, historySize: historySize}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// PutContainer upserts the cached index entry for identity.
func (s *Store) PutContainer(repoID string, identity manifest.Identity, path string, m *manifest.Manifest) error {
	rec := record{RepositoryID: repoID, Path: path, Manifest: m}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRepositories).Put([]byte(identity.String()), data)
	})
}

// DeleteContainer removes the cached index entry for identity.
func (s *Store) DeleteContainer(identity manifest.Identity) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRepositories).Delete([]byte(identity.String()))
	})
}

// CachedEntry is one entry read back from the index cache.
type CachedEntry struct {
	Identity     manifest.Identity
	RepositoryID string
	Path         string
	Manifest     *manifest.Manifest
}

// ListContainers returns every cached index entry. The daemon does not
// call it at startup.
func (s *Store) ListContainers() ([]CachedEntry, error) {
	var out []CachedEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRepositories).ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode cached entry %q: %w", k, err)
			}
			out = append(out, CachedEntry{
				Identity:     rec.Manifest.Container,
				RepositoryID: rec.RepositoryID,
				Path:         rec.Path,
				Manifest:     rec.Manifest,
			})
			return nil
		})
	})
	return out, err
}

// AppendNotification records n in the audit log, trimming the oldest
// entries once the bounded history size is exceeded.
func (s *Store) AppendNotification(n runtime.Notification) error {
	rec := notificationRecord{Sequence: n.Sequence, Kind: n.Kind, Identity: n.Identity, Exit: n.Exit}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNotifications)
		key := seqKey(n.Sequence)
		if err := b.Put(key, data); err != nil {
			return err
		}
		return s.trim(b)
	})
}

// trim deletes the oldest entries past s.historySize. Must run inside the
// same update transaction as the append that may have exceeded the bound.
func (s *Store) trim(b *bolt.Bucket) error {
	c := b.Cursor()
	count := 0
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		count++
	}
	excess := count - s.historySize
	for i := 0; i < excess; i++ {
		if k, _ := c.First(); k == nil {
			break
		}
		if err := c.Delete(); err != nil {
			return err
		}
	}
	return nil
}

// Since returns every notification recorded with sequence > since, in
// ascending order, for a reconnecting client to replay before switching
// to live broadcast.
func (s *Store) Since(since uint64) ([]runtime.Notification, error) {
	var out []runtime.Notification
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNotifications)
		c := b.Cursor()
		for k, v := c.Seek(seqKey(since + 1)); k != nil; k, v = c.Next() {
			var rec notificationRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode notification %q: %w", k, err)
			}
			out = append(out, runtime.Notification{
				Sequence: rec.Sequence, Kind: rec.Kind, Identity: rec.Identity, Exit: rec.Exit,
			})
		}
		return nil
	})
	return out, err
}

func seqKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}
