// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package ctable_test

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/noisysockets/netutil/ptr"
	"github.com/stretchr/testify/require"

	"github.com/packetgarden/dataplane/ctable"
)

var testSeed = [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

func newTestTable(t *testing.T, initialSize int) *ctable.Table {
	t.Helper()

	tbl, err := ctable.New(&ctable.Config{
		KeySize:     4,
		ValueSize:   8,
		InitialSize: ptr.To(initialSize),
		HashSeed:    &testSeed,
	})
	require.NoError(t, err)
	return tbl
}

func u32Key(k uint32) []byte {
	key := make([]byte, 4)
	binary.LittleEndian.PutUint32(key, k)
	return key
}

func u64Value(v uint64) []byte {
	value := make([]byte, 8)
	binary.LittleEndian.PutUint64(value, v)
	return value
}

func TestAddLookupRemove(t *testing.T) {
	tbl := newTestTable(t, 8)

	const n = 10000
	for i := uint32(0); i < n; i++ {
		_, err := tbl.Add(u32Key(i), u64Value(uint64(i)*3), ctable.InsertOnly)
		require.NoError(t, err)
	}
	require.Equal(t, n, tbl.Len())

	// Duplicate inserts fail; updates succeed.
	_, err := tbl.Add(u32Key(42), u64Value(0), ctable.InsertOnly)
	require.ErrorIs(t, err, ctable.ErrKeyPresent)
	require.NoError(t, tbl.Update(u32Key(42), u64Value(999)))
	require.ErrorIs(t, tbl.Update(u32Key(n+1), u64Value(0)), ctable.ErrKeyAbsent)

	for i := uint32(0); i < n; i++ {
		e, ok := tbl.LookupPtr(u32Key(i))
		require.True(t, ok, "key %d", i)
		want := uint64(i) * 3
		if i == 42 {
			want = 999
		}
		require.Equal(t, want, binary.LittleEndian.Uint64(e.Value()))
	}

	// Remove the odd keys.
	for i := uint32(1); i < n; i += 2 {
		removed, err := tbl.Remove(u32Key(i), false)
		require.NoError(t, err)
		require.True(t, removed)
	}
	require.Equal(t, n/2, tbl.Len())

	for i := uint32(0); i < n; i++ {
		_, ok := tbl.LookupPtr(u32Key(i))
		require.Equal(t, i%2 == 0, ok, "key %d", i)
	}

	_, err = tbl.Remove(u32Key(1), false)
	require.ErrorIs(t, err, ctable.ErrKeyAbsent)
	removed, err := tbl.Remove(u32Key(1), true)
	require.NoError(t, err)
	require.False(t, removed)
}

func TestRandomOpsAgainstReference(t *testing.T) {
	tbl := newTestTable(t, 8)
	ref := make(map[uint32]uint64)
	rnd := rand.New(rand.NewSource(7))

	for op := 0; op < 50000; op++ {
		k := uint32(rnd.Intn(2000))
		switch rnd.Intn(3) {
		case 0:
			v := rnd.Uint64()
			_, err := tbl.Add(u32Key(k), u64Value(v), ctable.AllowUpdate)
			require.NoError(t, err)
			ref[k] = v
		case 1:
			_, want := ref[k]
			removed, err := tbl.Remove(u32Key(k), true)
			require.NoError(t, err)
			require.Equal(t, want, removed)
			delete(ref, k)
		case 2:
			e, ok := tbl.LookupPtr(u32Key(k))
			v, want := ref[k]
			require.Equal(t, want, ok)
			if ok {
				require.Equal(t, v, binary.LittleEndian.Uint64(e.Value()))
			}
		}
	}

	require.Equal(t, len(ref), tbl.Len())
	tbl.Iterate(func(e ctable.Entry) bool {
		k := binary.LittleEndian.Uint32(e.Key())
		v, ok := ref[k]
		require.True(t, ok)
		require.Equal(t, v, binary.LittleEndian.Uint64(e.Value()))
		return true
	})
}

func TestMaxDisplacementBound(t *testing.T) {
	tbl := newTestTable(t, 8)
	rnd := rand.New(rand.NewSource(99))

	for i := 0; i < 20000; i++ {
		k := rnd.Uint32()
		_, err := tbl.Add(u32Key(k), u64Value(0), ctable.AllowUpdate)
		require.NoError(t, err)
		if i%7 == 0 {
			_, err := tbl.Remove(u32Key(rnd.Uint32()), true)
			require.NoError(t, err)
		}
	}

	size := uint64(tbl.Size())
	tbl.Iterate(func(e ctable.Entry) bool {
		natural := int(uint64(e.Hash()) * size >> 32)
		displacement := e.Index() - natural
		require.GreaterOrEqual(t, displacement, 0)
		require.LessOrEqual(t, displacement, tbl.MaxDisplacement())
		return true
	})
}

func TestLookupAndCopy(t *testing.T) {
	tbl := newTestTable(t, 8)
	_, err := tbl.Add(u32Key(7), u64Value(1234), ctable.InsertOnly)
	require.NoError(t, err)

	out := make([]byte, 8)
	require.True(t, tbl.LookupAndCopy(u32Key(7), out))
	require.Equal(t, uint64(1234), binary.LittleEndian.Uint64(out))
	require.False(t, tbl.LookupAndCopy(u32Key(8), out))
}

func TestRemoveRef(t *testing.T) {
	tbl := newTestTable(t, 8)
	for i := uint32(0); i < 100; i++ {
		_, err := tbl.Add(u32Key(i), u64Value(uint64(i)), ctable.InsertOnly)
		require.NoError(t, err)
	}

	e, ok := tbl.LookupPtr(u32Key(50))
	require.True(t, ok)
	tbl.RemoveRef(e)

	_, ok = tbl.LookupPtr(u32Key(50))
	require.False(t, ok)
	require.Equal(t, 99, tbl.Len())
}

func TestStreamingLookupMatchesPointwise(t *testing.T) {
	tbl := newTestTable(t, 1024)

	const n = 1_000_000
	for i := uint32(0); i < n; i++ {
		_, err := tbl.Add(u32Key(i), u64Value(uint64(i)^0xABCD), ctable.InsertOnly)
		require.NoError(t, err)
	}

	const width = 32
	s := tbl.MakeLookupStreamer(width)
	// 30 present keys, 2 absent.
	for i := 0; i < width; i++ {
		k := uint32(i * 31337)
		if i == 5 || i == 17 {
			k = n + uint32(i)
		}
		copy(s.KeyIn(i), u32Key(k))
	}
	s.Stream()

	for i := 0; i < width; i++ {
		k := uint32(i * 31337)
		if i == 5 || i == 17 {
			require.False(t, s.IsFound(i), "key index %d", i)
			continue
		}
		require.True(t, s.IsFound(i), "key index %d", i)
		require.Equal(t, uint64(k)^0xABCD, binary.LittleEndian.Uint64(s.Value(i)))

		e, ok := tbl.LookupPtr(u32Key(k))
		require.True(t, ok)
		require.Equal(t, e.Value(), s.Value(i))
	}
}

func TestStreamingLookupRandomBatches(t *testing.T) {
	tbl := newTestTable(t, 8)
	rnd := rand.New(rand.NewSource(3))

	for i := 0; i < 5000; i++ {
		_, err := tbl.Add(u32Key(uint32(rnd.Intn(10000))), u64Value(rnd.Uint64()), ctable.AllowUpdate)
		require.NoError(t, err)
	}

	s := tbl.MakeLookupStreamer(16)
	for batch := 0; batch < 200; batch++ {
		keys := make([]uint32, 16)
		for i := range keys {
			keys[i] = uint32(rnd.Intn(12000))
			copy(s.KeyIn(i), u32Key(keys[i]))
		}
		s.Stream()

		for i, k := range keys {
			e, ok := tbl.LookupPtr(u32Key(k))
			require.Equal(t, ok, s.IsFound(i), "batch %d key %d", batch, k)
			if ok {
				require.Equal(t, e.Value(), s.Value(i))
			}
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	tbl := newTestTable(t, 8)
	rnd := rand.New(rand.NewSource(11))

	const n = 200_000
	ref := make(map[uint32]uint64, n)
	for len(ref) < n {
		k := rnd.Uint32()
		v := rnd.Uint64()
		_, err := tbl.Add(u32Key(k), u64Value(v), ctable.AllowUpdate)
		require.NoError(t, err)
		ref[k] = v
	}

	var buf bytes.Buffer
	require.NoError(t, tbl.Save(&buf))

	loaded, err := ctable.Load(&buf, 4, 8)
	require.NoError(t, err)

	require.Equal(t, tbl.Len(), loaded.Len())
	require.LessOrEqual(t, loaded.MaxDisplacement(), tbl.MaxDisplacement())
	require.Equal(t, tbl.Seed(), loaded.Seed())

	count := 0
	loaded.Iterate(func(e ctable.Entry) bool {
		k := binary.LittleEndian.Uint32(e.Key())
		v, ok := ref[k]
		require.True(t, ok)
		require.Equal(t, v, binary.LittleEndian.Uint64(e.Value()))
		count++
		return true
	})
	require.Equal(t, n, count)

	// The loaded table keeps working.
	for i := 0; i < 1000; i++ {
		k := rnd.Uint32()
		_, err := loaded.Add(u32Key(k), u64Value(uint64(k)), ctable.AllowUpdate)
		require.NoError(t, err)
		e, ok := loaded.LookupPtr(u32Key(k))
		require.True(t, ok)
		require.Equal(t, uint64(k), binary.LittleEndian.Uint64(e.Value()))
	}
}

func TestShrinkOnRemoval(t *testing.T) {
	tbl := newTestTable(t, 8)

	for i := uint32(0); i < 10000; i++ {
		_, err := tbl.Add(u32Key(i), u64Value(uint64(i)), ctable.InsertOnly)
		require.NoError(t, err)
	}
	grown := tbl.Size()
	require.Greater(t, grown, 8)

	for i := uint32(0); i < 10000; i++ {
		_, err := tbl.Remove(u32Key(i), false)
		require.NoError(t, err)
	}
	require.Equal(t, 0, tbl.Len())
	require.Less(t, tbl.Size(), grown)

	// Still usable after shrinking.
	_, err := tbl.Add(u32Key(1), u64Value(1), ctable.InsertOnly)
	require.NoError(t, err)
	_, ok := tbl.LookupPtr(u32Key(1))
	require.True(t, ok)
}

func TestRandomEntry(t *testing.T) {
	tbl := newTestTable(t, 8)
	rnd := rand.New(rand.NewSource(5))

	_, ok := tbl.RandomEntry(rnd)
	require.False(t, ok)

	for i := uint32(0); i < 100; i++ {
		_, err := tbl.Add(u32Key(i), u64Value(uint64(i)), ctable.InsertOnly)
		require.NoError(t, err)
	}

	seen := make(map[uint32]bool)
	for i := 0; i < 1000; i++ {
		e, ok := tbl.RandomEntry(rnd)
		require.True(t, ok)
		seen[binary.LittleEndian.Uint32(e.Key())] = true
	}
	// A uniform-ish sampler should touch a large share of 100 keys in
	// 1000 draws.
	require.Greater(t, len(seen), 50)
}
