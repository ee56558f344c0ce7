package odb

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/pp0001/libgit2/pkg/object"
)

// badgerKeyPrefix namespaces object records so the backend can share a DB
// with other keyspaces.
var badgerKeyPrefix = []byte("odb!")

// BadgerBackend stores objects in a Badger key-value database. Values carry
// one type byte followed by the raw payload; the key is the prefixed binary
// id. Demonstrates that the capability set fits storage that is neither
// loose files nor packs.
type BadgerBackend struct {
	db     *badger.DB
	format object.Format
}

// NewBadgerBackend wraps an open Badger database. The caller owns the DB's
// lifecycle.
func NewBadgerBackend(db *badger.DB, f object.Format) *BadgerBackend {
	return &BadgerBackend{db: db, format: f}
}

func (b *BadgerBackend) key(id object.ID) []byte {
	return append(append([]byte(nil), badgerKeyPrefix...), id.Bytes()...)
}

// Exists reports whether the database holds id.
func (b *BadgerBackend) Exists(id object.ID) bool {
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(b.key(id))
		return err
	})
	return err == nil
}

// ReadHeader returns the stored type and payload size. Badger materializes
// the value either way, so this shares the Read path.
func (b *BadgerBackend) ReadHeader(id object.ID) (object.Type, int64, error) {
	o, err := b.Read(id)
	if err != nil {
		return object.TypeNone, 0, err
	}
	return o.Type, o.Size(), nil
}

// Read fetches and decodes the object record.
func (b *BadgerBackend) Read(id object.ID) (*object.Object, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.key(id))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("badger %s: %w", id, ErrNotFound)
		}
		return nil, wrapIO("badger read "+id.String(), err)
	}
	if len(value) < 1 {
		return nil, fmt.Errorf("badger %s: empty record: %w", id, ErrCorruptObject)
	}
	t := object.Type(value[0])
	if !t.Valid() {
		return nil, fmt.Errorf("badger %s: record type %d: %w", id, value[0], ErrCorruptObject)
	}
	return &object.Object{ID: id, Type: t, Data: value[1:]}, nil
}

// Write stores the object if absent.
func (b *BadgerBackend) Write(t object.Type, data []byte) (object.ID, error) {
	if !t.Valid() {
		return object.ID{}, fmt.Errorf("badger write: type %s not storable", t)
	}
	id := object.HashObject(b.format, t, data)

	value := make([]byte, 0, 1+len(data))
	value = append(value, byte(t))
	value = append(value, data...)

	err := b.db.Update(func(txn *badger.Txn) error {
		key := b.key(id)
		if _, err := txn.Get(key); err == nil {
			return nil // idempotent
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, value)
	})
	if err != nil {
		return object.ID{}, wrapIO("badger write "+id.String(), err)
	}
	return id, nil
}

// ForEach iterates the object keyspace in key order.
func (b *BadgerBackend) ForEach(fn Visitor) error {
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = badgerKeyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			raw := it.Item().KeyCopy(nil)
			id, err := object.NewID(raw[len(badgerKeyPrefix):])
			if err != nil {
				continue
			}
			if err := fn(id); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, ErrStop) {
		return nil
	}
	return err
}
