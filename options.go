// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package oahash

// option provide an interface to do work on Table while it is being created.
type option[K comparable, V any] interface {
	apply(t *Table[K, V])
}

type hashOption[K comparable, V any] struct {
	hash hashFn[K]
}

func (op hashOption[K, V]) apply(t *Table[K, V]) {
	t.hash = op.hash
}

// withHash replaces the default hasher. Tests use it to construct degenerate
// probe chains; callers always get the default strategy.
func withHash[K comparable, V any](hash func(key *K) uint64) option[K, V] {
	return hashOption[K, V]{hash}
}

type maxCapacityOption[K comparable, V any] struct {
	maxCapacity int
}

func (op maxCapacityOption[K, V]) apply(t *Table[K, V]) {
	t.maxCapacity = op.maxCapacity
}

// withMaxCapacity lowers the capacity at which growth gives up so tests can
// reach it. maxCapacity must be a power of 2 no smaller than the initial
// capacity.
func withMaxCapacity[K comparable, V any](maxCapacity int) option[K, V] {
	if maxCapacity < initialCapacity || maxCapacity&(maxCapacity-1) != 0 {
		panic("oahash: max capacity must be a power of 2 >= initial capacity")
	}
	return maxCapacityOption[K, V]{maxCapacity}
}

// Allocator specifies an interface for allocating and releasing memory used
// by a Table. The default allocator utilizes Go's builtin make() and allows
// the GC to reclaim memory.
//
// If the allocator is manually managing memory and requires that slots be
// freed then Table.Close must be called in order to ensure FreeSlots is
// called for the final slice.
type Allocator[K comparable, V any] interface {
	// AllocSlots should return a slice equivalent to make([]Slot[K,V], n).
	AllocSlots(n int) []Slot[K, V]

	// FreeSlots can optional release the memory associated with the supplied
	// slice that is guaranteed to have been allocated by AllocSlots.
	FreeSlots(v []Slot[K, V])
}

type defaultAllocator[K comparable, V any] struct{}

func (defaultAllocator[K, V]) AllocSlots(n int) []Slot[K, V] {
	return make([]Slot[K, V], n)
}

func (defaultAllocator[K, V]) FreeSlots(v []Slot[K, V]) {
}

type allocatorOption[K comparable, V any] struct {
	allocator Allocator[K, V]
}

func (op allocatorOption[K, V]) apply(t *Table[K, V]) {
	t.allocator = op.allocator
}

// WithAllocator is an option for specify the Allocator to use for a
// Table[K,V].
func WithAllocator[K comparable, V any](allocator Allocator[K, V]) option[K, V] {
	return allocatorOption[K, V]{allocator}
}
