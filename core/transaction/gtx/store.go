package gtx

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/pkg/errors"
)

// ErrStoreLocked is returned when another process holds the store directory.
var ErrStoreLocked = errors.New("gtx store directory is locked by another process")

const (
	lockFileName = "LOCK"
	dbFileName   = "gtx.db"
)

// Store is the bolt-backed stable store of the GID sequence and records. It
// holds an exclusive lock on its directory while open.
type Store struct {
	*raftboltdb.BoltStore
	lock *flock.Flock
}

// Open locks dir and opens the store inside it, creating both if needed.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create gtx dir %s", dir)
	}
	lock := flock.New(filepath.Join(dir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to lock gtx dir %s", dir)
	}
	if !locked {
		return nil, errors.Wrap(ErrStoreLocked, dir)
	}
	bolt, err := raftboltdb.NewBoltStore(filepath.Join(dir, dbFileName))
	if err != nil {
		_ = lock.Unlock()
		return nil, errors.Wrapf(err, "failed to open gtx store in %s", dir)
	}
	return &Store{BoltStore: bolt, lock: lock}, nil
}

// Close closes the database and releases the directory lock.
func (s *Store) Close() error {
	err := s.BoltStore.Close()
	if uerr := s.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}
