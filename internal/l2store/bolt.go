package l2store

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/coderisk/cachecore/internal/errs"
	"github.com/coderisk/cachecore/internal/identity"
	bolt "go.etcd.io/bbolt"
)

// nodesBucket is the default tree holding node revisions; its name
// passes the same allowlist sanitization every other tree name does.
var nodesBucket = []byte(sanitizeTreeName("nodes"))

var treeNameDisallowed = regexp.MustCompile(`[^A-Za-z0-9_]`)

// sanitizeTreeName replaces everything but letters, digits, and
// underscores in a tree name with an underscore and prefixes the
// result with "tree_", matching the durable store's
// allowlisted-character table-naming rule.
func sanitizeTreeName(name string) string {
	return "tree_" + treeNameDisallowed.ReplaceAllString(name, "_")
}

// BoltStore implements Store as a single bbolt file, for embedded or
// single-process deployments that want a pure key-value tree surface
// rather than a relational one.
type BoltStore struct {
	db   *bolt.DB
	path string
}

// NewBoltStore opens (creating if necessary) a bbolt-backed store.
func NewBoltStore(path string) (*BoltStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrapf(err, errs.ConfigError, "create database directory %s", dir)
	}

	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errs.Wrap(err, errs.Unavailable, "open bbolt store")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(nodesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errs.Wrap(err, errs.InternalError, "create nodes bucket")
	}

	return &BoltStore{db: db, path: path}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

type boltRecord struct {
	Key       identity.NodeKey           `json:"key"`
	Info      identity.CallHierarchyInfo `json:"info"`
	Language  string                     `json:"language"`
	IndexedAt time.Time                  `json:"indexed_at"`
}

func boltKeyBytes(key identity.NodeKey) []byte {
	return []byte(key.String())
}

func (s *BoltStore) Get(ctx context.Context, key identity.NodeKey) (*StoredNode, error) {
	var rec *boltRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(nodesBucket).Get(boltKeyBytes(key))
		if raw == nil {
			return nil
		}
		var r boltRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		rec = &r
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(err, errs.Unavailable, "get node")
	}
	if rec == nil {
		return nil, errs.Newf(errs.NotFound, "no stored node for %s", key)
	}
	return &StoredNode{Key: rec.Key, Info: rec.Info, Language: rec.Language, IndexedAt: rec.IndexedAt}, nil
}

func (s *BoltStore) Insert(ctx context.Context, key identity.NodeKey, info identity.CallHierarchyInfo, language string) error {
	rec := boltRecord{Key: key, Info: info, Language: language, IndexedAt: time.Now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return errs.Wrap(err, errs.InternalError, "marshal node record")
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(nodesBucket).Put(boltKeyBytes(key), data)
	})
	if err != nil {
		return errs.Wrap(err, errs.Conflict, "insert node")
	}
	return nil
}

func (s *BoltStore) Remove(ctx context.Context, key identity.NodeKey) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(nodesBucket).Delete(boltKeyBytes(key))
	})
	if err != nil {
		return errs.Wrap(err, errs.Conflict, "remove node")
	}
	return nil
}

func (s *BoltStore) GetByFile(ctx context.Context, file string) ([]StoredNode, error) {
	prefix := []byte(file + ":")
	var out []StoredNode

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(nodesBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var r boltRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, StoredNode{Key: r.Key, Info: r.Info, Language: r.Language, IndexedAt: r.IndexedAt})
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(err, errs.Unavailable, "get nodes by file")
	}
	return out, nil
}

func (s *BoltStore) IterNodes(ctx context.Context) ([]StoredNode, error) {
	var out []StoredNode
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(nodesBucket).ForEach(func(k, v []byte) error {
			var r boltRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, StoredNode{Key: r.Key, Info: r.Info, Language: r.Language, IndexedAt: r.IndexedAt})
			return nil
		})
	})
	if err != nil {
		return nil, errs.Wrap(err, errs.Unavailable, "iterate nodes")
	}
	return out, nil
}

func (s *BoltStore) Clear(ctx context.Context) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(nodesBucket); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket(nodesBucket)
		return err
	})
	if err != nil {
		return errs.Wrap(err, errs.Conflict, "clear nodes")
	}
	return nil
}

func (s *BoltStore) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	files := make(map[string]struct{})

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(nodesBucket).ForEach(func(k, v []byte) error {
			stats.TotalNodes++
			var r boltRecord
			if err := json.Unmarshal(v, &r); err == nil {
				files[r.Key.File] = struct{}{}
			}
			return nil
		})
	})
	if err != nil {
		return Stats{}, errs.Wrap(err, errs.Unavailable, "get stats")
	}
	stats.TotalFiles = len(files)

	if info, err := os.Stat(s.path); err == nil {
		stats.DiskSizeBytes = info.Size()
		stats.TotalSizeBytes = info.Size()
	}
	return stats, nil
}
