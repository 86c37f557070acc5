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
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// hashFn computes the hash of a key. It must return equal hashes for keys
// which compare equal with ==.
type hashFn[K comparable] func(key *K) uint64

// defaultHasher returns the hash function used for keys of type K. The
// function is selected once from K's kind so that the per-call cost is a
// single xxhash invocation. The hash is unseeded: equal keys hash identically
// across tables and across runs.
//
// Keys are hashed as follows:
//   - strings hash their bytes.
//   - fixed-size scalars (bools, integers, pointers, channels) hash their
//     in-memory representation.
//   - floats and complex numbers hash their bits after folding -0 into +0,
//     since the two compare equal.
//   - arrays, structs and interfaces hash their components recursively.
func defaultHasher[K comparable]() hashFn[K] {
	var k K
	switch typ := reflect.TypeOf(&k).Elem(); typ.Kind() {
	case reflect.String:
		return func(key *K) uint64 {
			return xxhash.Sum64String(*(*string)(unsafe.Pointer(key)))
		}

	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Uintptr, reflect.Pointer, reflect.UnsafePointer, reflect.Chan:
		size := typ.Size()
		return func(key *K) uint64 {
			return xxhash.Sum64(unsafe.Slice((*byte)(unsafe.Pointer(key)), size))
		}

	case reflect.Float32:
		return func(key *K) uint64 {
			return hashUint64(uint64(math.Float32bits(normFloat32(*(*float32)(unsafe.Pointer(key))))))
		}

	case reflect.Float64:
		return func(key *K) uint64 {
			return hashUint64(math.Float64bits(normFloat64(*(*float64)(unsafe.Pointer(key)))))
		}

	case reflect.Complex64:
		return func(key *K) uint64 {
			c := *(*complex64)(unsafe.Pointer(key))
			var buf [8]byte
			binary.LittleEndian.PutUint32(buf[0:4], math.Float32bits(normFloat32(real(c))))
			binary.LittleEndian.PutUint32(buf[4:8], math.Float32bits(normFloat32(imag(c))))
			return xxhash.Sum64(buf[:])
		}

	case reflect.Complex128:
		return func(key *K) uint64 {
			c := *(*complex128)(unsafe.Pointer(key))
			var buf [16]byte
			binary.LittleEndian.PutUint64(buf[0:8], math.Float64bits(normFloat64(real(c))))
			binary.LittleEndian.PutUint64(buf[8:16], math.Float64bits(normFloat64(imag(c))))
			return xxhash.Sum64(buf[:])
		}

	default:
		return func(key *K) uint64 {
			d := xxhash.New()
			hashValue(d, reflect.ValueOf(key).Elem())
			return d.Sum64()
		}
	}
}

// hashValue feeds the comparable value v into d, visiting the same parts ==
// compares: struct fields, array elements, and the dynamic type and value of
// interfaces. Pointers and channels contribute their address.
func hashValue(d *xxhash.Digest, v reflect.Value) {
	var buf [16]byte
	switch v.Kind() {
	case reflect.String:
		_, _ = d.WriteString(v.String())
		return
	case reflect.Bool:
		if v.Bool() {
			buf[0] = 1
		}
		_, _ = d.Write(buf[:1])
		return
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		binary.LittleEndian.PutUint64(buf[:8], uint64(v.Int()))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		binary.LittleEndian.PutUint64(buf[:8], v.Uint())
	case reflect.Pointer, reflect.UnsafePointer, reflect.Chan:
		binary.LittleEndian.PutUint64(buf[:8], uint64(v.Pointer()))
	case reflect.Float32, reflect.Float64:
		binary.LittleEndian.PutUint64(buf[:8], math.Float64bits(normFloat64(v.Float())))
	case reflect.Complex64, reflect.Complex128:
		c := v.Complex()
		binary.LittleEndian.PutUint64(buf[0:8], math.Float64bits(normFloat64(real(c))))
		binary.LittleEndian.PutUint64(buf[8:16], math.Float64bits(normFloat64(imag(c))))
		_, _ = d.Write(buf[:16])
		return
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			hashValue(d, v.Index(i))
		}
		return
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			// == ignores blank fields.
			if v.Type().Field(i).Name == "_" {
				continue
			}
			hashValue(d, v.Field(i))
		}
		return
	case reflect.Interface:
		if v.IsNil() {
			_, _ = d.Write(buf[:1])
			return
		}
		e := v.Elem()
		_, _ = d.WriteString(e.Type().String())
		hashValue(d, e)
		return
	default:
		panic(fmt.Sprintf("oahash: unhashable key kind %s", v.Kind()))
	}
	_, _ = d.Write(buf[:8])
}

func hashUint64(v uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return xxhash.Sum64(buf[:])
}

// normFloat32 maps -0 to +0.
func normFloat32(f float32) float32 {
	if f == 0 {
		return 0
	}
	return f
}

// normFloat64 maps -0 to +0.
func normFloat64(f float64) float64 {
	if f == 0 {
		return 0
	}
	return f
}
