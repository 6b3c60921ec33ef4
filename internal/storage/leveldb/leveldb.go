// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ProbeChain is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ProbeChain. If not, see <http://www.gnu.org/licenses/>.

// Package leveldb backs storage.KeyValueStore with goleveldb.
package leveldb

import (
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	ldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/scarletdme/qmvm/internal/storage"
	"github.com/scarletdme/qmvm/internal/xlog"
)

// Database is a goleveldb-backed KeyValueStore.
type Database struct {
	db *leveldb.DB
	fn string
}

// New opens (creating if absent) a leveldb database at file.
func New(file string) (*Database, error) {
	db, err := leveldb.OpenFile(file, nil)
	if _, corrupted := err.(*errors.ErrCorrupted); corrupted {
		db, err = leveldb.RecoverFile(file, nil)
	}
	if err != nil {
		return nil, err
	}
	xlog.Info("opened leveldb store", "path", file)
	return &Database{db: db, fn: file}, nil
}

// NewMemory opens an in-memory database, used by the tests.
func NewMemory() *Database {
	db, _ := leveldb.Open(ldbstorage.NewMemStorage(), nil)
	return &Database{db: db}
}

func (d *Database) Has(key []byte) (bool, error) {
	return d.db.Has(key, nil)
}

func (d *Database) Get(key []byte) ([]byte, error) {
	v, err := d.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, storage.ErrNotFound
	}
	return v, err
}

func (d *Database) Put(key, value []byte) error {
	return d.db.Put(key, value, nil)
}

func (d *Database) Delete(key []byte) error {
	return d.db.Delete(key, nil)
}

func (d *Database) NewBatch() storage.Batch {
	return &batch{db: d.db, b: new(leveldb.Batch)}
}

func (d *Database) NewIterator(prefix []byte, start []byte) storage.Iterator {
	return &iterator{it: d.db.NewIterator(bytesPrefixRange(prefix, start), nil)}
}

func (d *Database) Close() error {
	return d.db.Close()
}

// bytesPrefixRange returns a key range covering all keys with the given
// prefix, starting at prefix+start.
func bytesPrefixRange(prefix, start []byte) *util.Range {
	r := util.BytesPrefix(prefix)
	r.Start = append(r.Start, start...)
	return r
}

type batch struct {
	db   *leveldb.DB
	b    *leveldb.Batch
	size int
}

func (b *batch) Put(key, value []byte) error {
	b.b.Put(key, value)
	b.size += len(key) + len(value)
	return nil
}

func (b *batch) Delete(key []byte) error {
	b.b.Delete(key)
	b.size += len(key)
	return nil
}

func (b *batch) ValueSize() int { return b.size }

func (b *batch) Write() error {
	return b.db.Write(b.b, nil)
}

func (b *batch) Reset() {
	b.b.Reset()
	b.size = 0
}

type iterator struct {
	it ldbIterator
}

// ldbIterator matches goleveldb's iterator surface so the wrapper stays
// testable without a live DB.
type ldbIterator interface {
	Next() bool
	Error() error
	Key() []byte
	Value() []byte
	Release()
}

func (i *iterator) Next() bool    { return i.it.Next() }
func (i *iterator) Error() error  { return i.it.Error() }
func (i *iterator) Key() []byte   { return i.it.Key() }
func (i *iterator) Value() []byte { return i.it.Value() }
func (i *iterator) Release()      { i.it.Release() }
