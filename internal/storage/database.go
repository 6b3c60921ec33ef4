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

// Package storage implements the dynamic-hash record store and its
// integration surface with the VM and lock manager. Group pages persist
// in a KeyValueStore; the narrow interface keeps the goleveldb backing
// (storage/leveldb) swappable for an in-memory store in tests.
package storage

import "errors"

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("storage: not found")

// KeyValueReader wraps the Has and Get method of a backing data store.
type KeyValueReader interface {
	Has(key []byte) (bool, error)
	Get(key []byte) ([]byte, error)
}

// KeyValueWriter wraps the Put and Delete methods of a backing data store.
type KeyValueWriter interface {
	Put(key, value []byte) error
	Delete(key []byte) error
}

// Batch is a write-only accumulator that commits atomically on Write.
type Batch interface {
	KeyValueWriter
	ValueSize() int
	Write() error
	Reset()
}

// Iterator walks a key range in ascending key order.
type Iterator interface {
	Next() bool
	Error() error
	Key() []byte
	Value() []byte
	Release()
}

// KeyValueStore is the full backing-store contract the DH engine needs.
type KeyValueStore interface {
	KeyValueReader
	KeyValueWriter
	NewBatch() Batch
	NewIterator(prefix []byte, start []byte) Iterator
	Close() error
}
