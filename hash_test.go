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

import (
	"math"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/require"
)

// checkHasher verifies that each pair of equal keys hashes identically, and
// that hashing is deterministic across hasher instances.
func checkHasher[K comparable](t *testing.T, pairs [][2]K) {
	t.Helper()
	h1, h2 := defaultHasher[K](), defaultHasher[K]()
	for _, p := range pairs {
		a, b := p[0], p[1]
		require.True(t, a == b, "%#v != %#v", a, b)
		require.Equal(t, h1(&a), h1(&b), "%#v", a)
		require.Equal(t, h1(&a), h2(&a), "%#v", a)
	}
}

func TestDefaultHasherEqualKeys(t *testing.T) {
	negZero := math.Copysign(0, -1)

	t.Run("string", func(t *testing.T) {
		checkHasher(t, [][2]string{{"", ""}, {"abc", "ab" + "c"}})
		h := defaultHasher[string]()
		k := "hello"
		require.Equal(t, xxhash.Sum64String("hello"), h(&k))
	})

	t.Run("int", func(t *testing.T) {
		checkHasher(t, [][2]int{{0, 0}, {-1, -1}, {math.MaxInt, math.MaxInt}})
		checkHasher(t, [][2]uint8{{0, 0}, {255, 255}})
		checkHasher(t, [][2]bool{{true, true}, {false, false}})
	})

	t.Run("named", func(t *testing.T) {
		type celsius float64
		checkHasher(t, [][2]celsius{{celsius(negZero), 0}, {1.5, 1.5}})
	})

	t.Run("float", func(t *testing.T) {
		checkHasher(t, [][2]float64{{negZero, 0}, {math.Inf(1), math.Inf(1)}})
		checkHasher(t, [][2]float32{{float32(negZero), 0}, {1.25, 1.25}})
		checkHasher(t, [][2]complex128{{complex(negZero, negZero), 0}})
		checkHasher(t, [][2]complex64{{complex(float32(negZero), 1), complex(0, 1)}})
	})

	t.Run("pointer", func(t *testing.T) {
		x, y := new(int), new(int)
		checkHasher(t, [][2]*int{{x, x}, {nil, nil}})
		h := defaultHasher[*int]()
		require.NotEqual(t, h(&x), h(&y))
	})

	t.Run("struct", func(t *testing.T) {
		type key struct {
			name string
			f    float64
			p    *int
			_    int
		}
		x := new(int)
		checkHasher(t, [][2]key{
			{{name: "a", f: negZero, p: x}, {name: "a", f: 0, p: x}},
			{{}, {}},
		})
	})

	t.Run("array", func(t *testing.T) {
		checkHasher(t, [][2][3]float64{{{negZero, 1, 2}, {0, 1, 2}}})
	})

	t.Run("interface", func(t *testing.T) {
		x := new(int)
		checkHasher(t, [][2]any{
			{nil, nil},
			{1, 1},
			{negZero, 0.0},
			{"a", "a"},
			{x, x},
			{struct{ a any }{1}, struct{ a any }{1}},
		})
	})
}

func TestDefaultHasherDistinguishesKeys(t *testing.T) {
	h := defaultHasher[int]()
	seen := make(map[uint64]bool)
	for i := 0; i < 1000; i++ {
		seen[h(&i)] = true
	}
	require.EqualValues(t, 1000, len(seen))

	// Interface keys with equal renderings but different dynamic types are
	// distinct keys and should hash differently.
	ha := defaultHasher[any]()
	a, b := any(int32(1)), any(int64(1))
	require.NotEqual(t, ha(&a), ha(&b))
}

func TestDefaultHasherPointerKeyIgnoresPointee(t *testing.T) {
	h := defaultHasher[any]()
	type node struct{ v int }
	n := &node{v: 1}
	k := any(n)
	before := h(&k)
	n.v = 2
	require.Equal(t, before, h(&k))
}

func TestDefaultHasherUncomparable(t *testing.T) {
	h := defaultHasher[any]()
	k := any([]int{1})
	require.Panics(t, func() { h(&k) })
}
