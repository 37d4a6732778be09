package store

import (
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// PebbleBackend is the default Backend, an embedded Pebble LSM engine.
// Grounded on github.com/luxfi/database's use of cockroachdb/pebble
// (an indirect dependency of the teacher module); spec.md §1 treats the
// relational database as an external collaborator, so this is one
// concrete, swappable implementation rather than the only one.
type PebbleBackend struct {
	db *pebble.DB
}

// OpenPebble opens (or creates) a Pebble database at dir.
func OpenPebble(dir string) (*PebbleBackend, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleBackend{db: db}, nil
}

// OpenPebbleMem opens an in-memory Pebble database, used by tests and
// by short-lived preview communities that need no persistence.
func OpenPebbleMem() (*PebbleBackend, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, err
	}
	return &PebbleBackend{db: db}, nil
}

func (b *PebbleBackend) Get(key []byte) ([]byte, bool, error) {
	v, closer, err := b.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	out := append([]byte(nil), v...)
	_ = closer.Close()
	return out, true, nil
}

func (b *PebbleBackend) Set(key, value []byte) error {
	return b.db.Set(key, value, pebble.NoSync)
}

func (b *PebbleBackend) Delete(key []byte) error {
	return b.db.Delete(key, pebble.NoSync)
}

func (b *PebbleBackend) Iterate(lowerBound, upperBound []byte, fn func(key, value []byte) bool) error {
	iter, err := b.db.NewIter(&pebble.IterOptions{LowerBound: lowerBound, UpperBound: upperBound})
	if err != nil {
		return err
	}
	defer iter.Close()
	for valid := iter.First(); valid; valid = iter.Next() {
		if !fn(iter.Key(), iter.Value()) {
			break
		}
	}
	return iter.Error()
}

func (b *PebbleBackend) Commit() error {
	return b.db.Flush()
}

func (b *PebbleBackend) Close() error {
	return b.db.Close()
}
