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

// Package oahash is an open-addressing hash table using linear probing. See
// https://en.wikipedia.org/wiki/Open_addressing and
// https://en.wikipedia.org/wiki/Linear_probing.
//
// # Layout
//
// A Table stores every entry directly in a single slice of slots whose length
// (the capacity) is always a power of 2. The capacity starts at 64 and doubles
// whenever the fraction of live entries exceeds 3/5. A key's home slot is
// hash(key)&(capacity-1), which is hash(key) mod capacity because the
// capacity is a power of 2.
//
// # Probing
//
// Lookups start at the home slot and step forward one slot at a time,
// wrapping at the end of the slice, until either a full slot holding the key
// or an empty slot is found. The empty slot terminates the probe: if the key
// were present, insertion would have placed it no later than that slot. The
// table always keeps at least one empty slot so that every probe terminates.
//
// # Deletion
//
// Clearing a slot to empty would terminate probes for keys which were placed
// beyond it on the same run of occupied slots, making them unreachable.
// Deletion instead leaves a tombstone (slotDeleted) which lookups step over
// and insertions reuse. A tombstone carries no key or value. If the slot after
// the deleted one is empty, no probe can pass through the deleted slot to
// reach a later key, so the slot is cleared to empty instead and any
// tombstones immediately preceding it are reclaimed as well.
//
// Tombstones do not count towards the load factor that triggers growth. To
// keep probe sequences short, and to guarantee an empty slot exists, the
// table is rehashed at its current size when live entries plus tombstones
// exceed the same 3/5 threshold. The table never shrinks.
package oahash

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/pkg/errors"
)

const (
	debug = false

	initialCapacity = 64

	// The maximum load factor is 3/5. Represent as a fraction to allow
	// integer math.
	loadFactorNum = 3
	loadFactorDen = 5

	// maxCapacity is the largest power of 2 representable by an int.
	maxCapacity = 1 << (bits.UintSize - 2)
)

// ErrCapacityExhausted is the panic value (wrapped with a stack trace) raised
// when a Table must grow but is already at its maximum capacity.
var ErrCapacityExhausted = errors.New("oahash: reached max capacity")

// slotState records whether a slot is empty, holds a live entry, or is a
// tombstone.
type slotState uint8

const (
	slotEmpty slotState = iota
	slotFull
	slotDeleted
)

func (s slotState) String() string {
	switch s {
	case slotEmpty:
		return "empty"
	case slotFull:
		return "full"
	case slotDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("slotState(%d)", uint8(s))
	}
}

// Slot holds a key and value.
type Slot[K comparable, V any] struct {
	key   K
	value V
	state slotState
}

// Table is an unordered map from keys to values with Insert, Search and
// Delete operations. Collisions are resolved by linear probing over a single
// power-of-2 sized slice of slots. Every key type is hashed with the same
// fixed strategy, derived from the key's kind when the Table is created.
//
// A Table is NOT goroutine-safe.
type Table[K comparable, V any] struct {
	hash hashFn[K]
	// The allocator to use for the slots slice.
	allocator Allocator[K, V]
	slots     []Slot[K, V]
	// mask is len(slots)-1, used to compute i%len(slots) with a bitwise &.
	mask uintptr
	// The number of full slots (i.e. the number of elements in the table).
	used int
	// The number of tombstones.
	deleted int
	// maxCapacity bounds growth. It is always a power of 2.
	maxCapacity int
}

// New constructs a new Table with an initial capacity of 64 slots.
func New[K comparable, V any](options ...option[K, V]) *Table[K, V] {
	t := &Table[K, V]{
		hash:        defaultHasher[K](),
		allocator:   defaultAllocator[K, V]{},
		maxCapacity: maxCapacity,
	}

	for _, op := range options {
		op.apply(t)
	}

	t.resize(initialCapacity)
	return t
}

// Close releases the backing slots to the configured allocator. It is
// unnecessary to close a table using the default allocator. It is invalid to
// use a Table after it has been closed, though Close itself is idempotent.
func (t *Table[K, V]) Close() {
	if t.slots != nil {
		t.allocator.FreeSlots(t.slots)
		t.slots = nil
		t.mask = 0
		t.used = 0
		t.deleted = 0
	}
}

// Insert inserts an entry into the table, overwriting the existing value if
// an entry with the same key is already present.
func (t *Table[K, V]) Insert(key K, value V) {
	// Growth is decided before the insertion itself, even when the insertion
	// turns out to be an overwrite.
	if t.overLoaded(t.used) {
		t.extend()
	} else if t.overLoaded(t.used + t.deleted) {
		if debug {
			fmt.Printf("insert: rehash to drop %d tombstones\n", t.deleted)
		}
		t.resize(len(t.slots))
	}

	// Insert is find composed with claiming the first free slot. A single
	// pass remembers the first tombstone seen and keeps scanning until the
	// key or an empty slot is found.
	h := t.hash(&key)
	seq := makeProbeSeq(h, t.mask)
	if debug {
		fmt.Printf("insert(%v): %s\n", key, seq)
	}

	free := -1
	for ; ; seq = seq.next() {
		s := &t.slots[seq.offset]
		switch s.state {
		case slotFull:
			if s.key == key {
				if debug {
					fmt.Printf("insert(updating): index=%d key=%v\n", seq.offset, key)
				}
				s.value = value
				t.checkInvariants()
				return
			}
		case slotDeleted:
			if free < 0 {
				free = int(seq.offset)
			}
		case slotEmpty:
			if free < 0 {
				free = int(seq.offset)
			}
			if t.slots[free].state == slotDeleted {
				t.deleted--
			}
			if debug {
				fmt.Printf("insert(inserting): index=%d used=%d\n", free, t.used+1)
			}
			t.slots[free] = Slot[K, V]{key: key, value: value, state: slotFull}
			t.used++
			t.checkInvariants()
			return
		}
	}
}

// Search retrieves the value for the specified key, returning ok=false if
// the key is not present.
func (t *Table[K, V]) Search(key K) (value V, ok bool) {
	if i, found := t.find(key); found {
		return t.slots[i].value, true
	}
	return value, false
}

// Delete deletes the entry corresponding to the specified key from the
// table. It is a noop to delete a non-existent key.
func (t *Table[K, V]) Delete(key K) {
	i, ok := t.find(key)
	if !ok {
		if debug {
			fmt.Printf("delete(%v): not found\n", key)
		}
		return
	}

	t.used--
	if next := (i + 1) & t.mask; t.slots[next].state == slotEmpty {
		// Nothing was ever placed beyond slot i on this run, so no probe
		// needs to step over it.
		t.slots[i] = Slot[K, V]{}
		for j := (i - 1) & t.mask; t.slots[j].state == slotDeleted; j = (j - 1) & t.mask {
			t.slots[j].state = slotEmpty
			t.deleted--
		}
		if debug {
			fmt.Printf("delete(%v): index=%d emptied used=%d deleted=%d\n", key, i, t.used, t.deleted)
		}
	} else {
		t.slots[i] = Slot[K, V]{state: slotDeleted}
		t.deleted++
		if debug {
			fmt.Printf("delete(%v): index=%d tombstoned used=%d deleted=%d\n", key, i, t.used, t.deleted)
		}
	}
	t.checkInvariants()
}

// Clear deletes all entries from the table, leaving its capacity unchanged.
func (t *Table[K, V]) Clear() {
	clear(t.slots)
	t.used = 0
	t.deleted = 0
	t.checkInvariants()
}

// Len returns the number of entries in the table.
func (t *Table[K, V]) Len() int {
	return t.used
}

// capacity returns the number of slots in the table.
func (t *Table[K, V]) capacity() int {
	return len(t.slots)
}

// find returns the index of the full slot holding key.
func (t *Table[K, V]) find(key K) (uintptr, bool) {
	h := t.hash(&key)
	seq := makeProbeSeq(h, t.mask)
	if debug {
		fmt.Printf("find(%v): %s\n", key, seq)
	}

	for ; ; seq = seq.next() {
		s := &t.slots[seq.offset]
		switch s.state {
		case slotEmpty:
			return 0, false
		case slotFull:
			if s.key == key {
				return seq.offset, true
			}
		}
		// Tombstones never match; keep probing.
	}
}

// overLoaded reports whether n occupied slots exceed the maximum load factor
// for the current capacity.
func (t *Table[K, V]) overLoaded(n int) bool {
	return uint64(n)*loadFactorDen > uint64(len(t.slots))*loadFactorNum
}

// extend doubles the capacity of the table, saturating at maxCapacity. It
// panics if the table is already at maxCapacity.
func (t *Table[K, V]) extend() {
	capacity := len(t.slots)
	if capacity >= t.maxCapacity {
		panic(errors.WithStack(ErrCapacityExhausted))
	}
	t.resize(nextCapacity(capacity, t.maxCapacity))
}

// nextCapacity returns twice capacity, saturating at limit rather than
// overflowing.
func nextCapacity(capacity, limit int) int {
	if capacity > limit>>1 {
		return limit
	}
	return capacity << 1
}

// resize allocates a new slots slice of newCapacity and reinserts each live
// entry of the old slice into it, discarding tombstones. The old slice is
// released to the allocator.
func (t *Table[K, V]) resize(newCapacity int) {
	oldSlots := t.slots
	t.slots = t.allocator.AllocSlots(newCapacity)
	t.mask = uintptr(newCapacity - 1)
	t.used = 0
	t.deleted = 0

	if debug {
		fmt.Printf("resize: capacity=%d->%d\n", len(oldSlots), newCapacity)
	}

	for i := range oldSlots {
		s := &oldSlots[i]
		if s.state != slotFull {
			continue
		}
		t.uncheckedInsert(s.key, s.value)
	}

	if oldSlots != nil {
		t.allocator.FreeSlots(oldSlots)
	}

	t.checkInvariants()
}

// uncheckedInsert inserts an entry known not to be in the table into the
// first empty or deleted slot of its probe sequence.
func (t *Table[K, V]) uncheckedInsert(key K, value V) {
	h := t.hash(&key)
	for seq := makeProbeSeq(h, t.mask); ; seq = seq.next() {
		s := &t.slots[seq.offset]
		if s.state == slotFull {
			continue
		}
		if s.state == slotDeleted {
			t.deleted--
		}
		*s = Slot[K, V]{key: key, value: value, state: slotFull}
		t.used++
		return
	}
}

func (t *Table[K, V]) checkInvariants() {
	if invariants {
		capacity := len(t.slots)
		if capacity == 0 || capacity&(capacity-1) != 0 {
			panic(fmt.Sprintf("invariant failed: capacity %d is not a power of 2", capacity))
		}
		if t.mask != uintptr(capacity-1) {
			panic(fmt.Sprintf("invariant failed: mask %d does not match capacity %d", t.mask, capacity))
		}

		// For every full slot, verify find lands on that same slot. This
		// checks both that the key is reachable and that it is not shadowed
		// by a duplicate earlier in its probe sequence.
		var used, deleted, empty int
		for i := range t.slots {
			s := &t.slots[i]
			switch s.state {
			case slotEmpty:
				empty++
			case slotDeleted:
				deleted++
			case slotFull:
				j, ok := t.find(s.key)
				if !ok {
					panic(fmt.Sprintf("invariant failed: slot(%d): %v not found [hash=%016x]\n%s",
						i, s.key, t.hash(&s.key), t.debugString()))
				}
				if j != uintptr(i) {
					panic(fmt.Sprintf("invariant failed: slot(%d): %v found at slot(%d)\n%s",
						i, s.key, j, t.debugString()))
				}
				used++
			default:
				panic(fmt.Sprintf("invariant failed: slot(%d): unexpected %s", i, s.state))
			}
		}

		if used != t.used {
			panic(fmt.Sprintf("invariant failed: found %d used slots, but used count is %d\n%s",
				used, t.used, t.debugString()))
		}
		if deleted != t.deleted {
			panic(fmt.Sprintf("invariant failed: found %d deleted slots, but deleted count is %d\n%s",
				deleted, t.deleted, t.debugString()))
		}
		if empty == 0 {
			panic(fmt.Sprintf("invariant failed: no empty slots\n%s", t.debugString()))
		}
	}
}

func (t *Table[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  used=%d  deleted=%d\n", len(t.slots), t.used, t.deleted)
	for i := range t.slots {
		switch s := &t.slots[i]; s.state {
		case slotFull:
			fmt.Fprintf(&buf, "  %4d: %v [home=%d]\n", i, s.key, uintptr(t.hash(&s.key))&t.mask)
		default:
			fmt.Fprintf(&buf, "  %4d: %s\n", i, s.state)
		}
	}
	return buf.String()
}

// probeSeq maintains the state for a linear probe sequence. The sequence
// starts at the home slot hash&mask and visits each following slot in turn,
// wrapping at mask+1:
//
//	p(i) := (hash + i) (mod mask+1)
//
// Because the sequence steps by 1 it visits every slot exactly once in
// mask+1 steps.
type probeSeq struct {
	mask   uintptr
	offset uintptr
	index  uintptr
}

func makeProbeSeq(hash uint64, mask uintptr) probeSeq {
	return probeSeq{
		mask:   mask,
		offset: uintptr(hash) & mask,
		index:  0,
	}
}

func (s probeSeq) next() probeSeq {
	s.index++
	s.offset = (s.offset + 1) & s.mask
	return s
}

func (s probeSeq) String() string {
	return fmt.Sprintf("mask=%d offset=%d index=%d", s.mask, s.offset, s.index)
}
