// Package prefs implements the small key-value store the Delta Performer
// uses to persist resume state across restarts (spec.md §4.2, §6.3):
// payload_index, next_operation_index, next_data_offset, the cached
// manifest, and the running SHA-256 context.
package prefs

import (
	"os"
	"path"

	"github.com/bmatsuo/lmdb-go/lmdb"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// StoreName is the LMDB data file name, adapted from the teacher's
// DBStoreName convention (store/dbstore.go).
const StoreName = "payloadcore-prefs"

// ErrNotInitialized is returned by any operation on a Store whose
// underlying environment failed to open.
var ErrNotInitialized = errors.New("prefs: store not initialized")

// Store is a flat key-value store backed by a single LMDB file, grounded
// on the teacher's store.DBStore (store/dbstore.go) and generalized with
// typed accessors for the specific keys spec.md §6.3 names.
type Store struct {
	env *lmdb.Env
}

// Open creates or opens the LMDB-backed prefs file inside dirpath.
func Open(dirpath string) (*Store, error) {
	env, err := lmdb.NewEnv()
	if err != nil {
		return nil, errors.Wrap(err, "prefs: failed to create LMDB environment")
	}

	if err := env.Open(path.Join(dirpath, StoreName), lmdb.NoSubdir, 0600); err != nil {
		return nil, errors.Wrap(err, "prefs: failed to open LMDB environment")
	}

	return &Store{env: env}, nil
}

func (s *Store) Close() error {
	if s.env == nil {
		return nil
	}
	if err := s.env.Close(); err != nil {
		return errors.Wrap(err, "prefs: failed to close store")
	}
	s.env = nil
	return nil
}

// Get returns the raw bytes for key, or os.ErrNotExist if absent.
func (s *Store) Get(key string) ([]byte, error) {
	if s.env == nil {
		return nil, ErrNotInitialized
	}

	var out []byte
	err := s.env.View(func(txn *lmdb.Txn) error {
		dbi, err := txn.OpenRoot(0)
		if err != nil {
			return err
		}
		data, err := txn.Get(dbi, []byte(key))
		if err != nil {
			return err
		}
		out = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		if lmdb.IsNotFound(err) {
			return nil, os.ErrNotExist
		}
		return nil, errors.Wrapf(err, "prefs: failed to read key %q", key)
	}
	return out, nil
}

// Set writes key to value, overwriting any previous value.
func (s *Store) Set(key string, value []byte) error {
	if s.env == nil {
		return ErrNotInitialized
	}

	err := s.env.Update(func(txn *lmdb.Txn) error {
		dbi, err := txn.OpenRoot(0)
		if err != nil {
			return err
		}
		return txn.Put(dbi, []byte(key), value, 0)
	})
	if err != nil {
		return errors.Wrapf(err, "prefs: failed to write key %q", key)
	}
	return nil
}

// Delete removes key. It is not an error if the key does not exist.
func (s *Store) Delete(key string) error {
	if s.env == nil {
		return ErrNotInitialized
	}

	err := s.env.Update(func(txn *lmdb.Txn) error {
		dbi, err := txn.OpenRoot(0)
		if err != nil {
			return err
		}
		if err := txn.Del(dbi, []byte(key), nil); err != nil {
			if lmdbErr, ok := err.(*lmdb.OpError); ok && lmdbErr.Errno == lmdb.NotFound {
				return nil
			}
			return err
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "prefs: failed to delete key %q", key)
	}
	return nil
}

// Wipe removes every resume-state key, used when ResetUpdate (dpc) or a
// failed verification discards the in-progress update (spec.md §4.1, §4.2).
func (s *Store) Wipe() error {
	for _, key := range resumeKeys {
		if err := s.Delete(key); err != nil {
			log.Warnf("prefs: failed to wipe key %q: %v", key, err)
			return err
		}
	}
	return nil
}
