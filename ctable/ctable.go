// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package ctable provides a Robin-Hood open-addressed hash table over
// fixed-size byte keys and values, with bounded probe displacement, a
// streaming batch-lookup interface and deterministic snapshots.
package ctable

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"

	"github.com/noisysockets/netutil/defaults"
	"github.com/noisysockets/netutil/ptr"
)

var (
	// ErrKeyPresent is returned by Add in insert-only mode when the key is
	// already in the table.
	ErrKeyPresent = errors.New("key already present")
	// ErrKeyAbsent is returned by Add in require-existing mode, and by
	// Remove, when the key is not in the table.
	ErrKeyAbsent = errors.New("key not present")
)

// AddMode selects how Add treats an existing key.
type AddMode int

const (
	// InsertOnly fails with ErrKeyPresent on a duplicate key.
	InsertOnly AddMode = iota
	// AllowUpdate overwrites the value of an existing key.
	AllowUpdate
	// RequireExisting fails with ErrKeyAbsent when the key is missing.
	RequireExisting
)

// sentinelHash marks an empty slot. The hash function never produces it.
const sentinelHash = 0xFFFFFFFF

// hashSize is the per-slot overhead of the packed hash field.
const hashSize = 4

// Config is the configuration for a Table.
type Config struct {
	// KeySize is the fixed key size in bytes. Required.
	KeySize int
	// ValueSize is the fixed value size in bytes. Required.
	ValueSize int
	// InitialSize is the initial number of primary slots.
	InitialSize *int
	// MaxOccupancyRate is the occupancy fraction above which the table
	// doubles.
	MaxOccupancyRate *float64
	// MinOccupancyRate is the occupancy fraction below which the table
	// halves.
	MinOccupancyRate *float64
	// HashSeed pins the 128-bit hash seed. When set the seed is kept
	// across resizes, making the table fully deterministic. When nil a
	// random seed is drawn (see RANDOM_SEED in NewSeed).
	HashSeed *[16]byte
}

var defaultConfig = Config{
	InitialSize:      ptr.To(8),
	MaxOccupancyRate: ptr.To(0.9),
	MinOccupancyRate: ptr.To(0.05),
}

// Table is a Robin-Hood hash table. Entries are packed (hash, key, value)
// records in a flat backing array of 2*size slots; the extra half absorbs
// probe-chain overflow. Not safe for concurrent use.
type Table struct {
	keySize   int
	valueSize int
	slotSize  int

	size     int // primary slots
	capacity int // total slots, 2*size
	backing  *backing
	entries  []byte

	occupancy       int
	maxDisplacement int
	occupancyHi     int
	occupancyLo     int

	maxOccupancyRate float64
	minOccupancyRate float64

	seed       [16]byte
	seedPinned bool
	k0, k1     uint64

	minSize int
}

// Entry is a reference into a table, valid until the next mutating call on
// the table.
type Entry struct {
	t *Table
	i int
}

// Hash returns the stored hash of the entry.
func (e Entry) Hash() uint32 { return e.t.slotHash(e.i) }

// Key returns the key bytes of the entry, aliasing table memory.
func (e Entry) Key() []byte { return e.t.slotKey(e.i) }

// Value returns the value bytes of the entry, aliasing table memory.
// Writes through the returned slice update the table in place.
func (e Entry) Value() []byte { return e.t.slotValue(e.i) }

// Index returns the slot index of the entry.
func (e Entry) Index() int { return e.i }

// New creates a table for fixed-size keys and values.
func New(conf *Config) (*Table, error) {
	conf, err := defaults.WithDefaults(conf, &defaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to populate configuration with defaults: %w", err)
	}

	if conf.KeySize <= 0 || conf.ValueSize < 0 {
		return nil, fmt.Errorf("invalid key size %d / value size %d", conf.KeySize, conf.ValueSize)
	}
	if *conf.InitialSize < 1 {
		return nil, fmt.Errorf("invalid initial size %d", *conf.InitialSize)
	}
	if *conf.MaxOccupancyRate <= 0 || *conf.MaxOccupancyRate > 1 ||
		*conf.MinOccupancyRate < 0 || *conf.MinOccupancyRate >= *conf.MaxOccupancyRate/2 {
		return nil, fmt.Errorf("invalid occupancy rates %v/%v", *conf.MinOccupancyRate, *conf.MaxOccupancyRate)
	}

	t := &Table{
		keySize:          conf.KeySize,
		valueSize:        conf.ValueSize,
		slotSize:         hashSize + conf.KeySize + conf.ValueSize,
		maxOccupancyRate: *conf.MaxOccupancyRate,
		minOccupancyRate: *conf.MinOccupancyRate,
		minSize:          *conf.InitialSize,
	}

	if conf.HashSeed != nil {
		t.seed = *conf.HashSeed
		t.seedPinned = true
	} else {
		t.seed = NewSeed()
	}
	t.setSeed(t.seed)

	if err := t.attach(*conf.InitialSize); err != nil {
		return nil, err
	}
	return t, nil
}

// attach allocates and installs a fresh, empty backing of 2*size slots.
func (t *Table) attach(size int) error {
	b, err := allocBacking(2 * size * t.slotSize)
	if err != nil {
		return fmt.Errorf("failed to allocate table backing: %w", err)
	}
	// All-ones slots read back as the sentinel hash.
	fill(b.data, 0xFF)

	if t.backing != nil {
		t.backing.release()
	}
	t.backing = b
	t.entries = b.data
	t.size = size
	t.capacity = 2 * size
	t.occupancy = 0
	t.maxDisplacement = 0
	t.occupancyHi = int(t.maxOccupancyRate * float64(size))
	t.occupancyLo = int(t.minOccupancyRate * float64(size))
	return nil
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

func (t *Table) setSeed(seed [16]byte) {
	t.seed = seed
	t.k0, t.k1 = seedKeys(seed)
}

// index maps a hash to its primary slot: floor(hash * size / 2^32).
func (t *Table) index(h uint32) int {
	return int(uint64(h) * uint64(t.size) >> 32)
}

func (t *Table) slotHash(i int) uint32 {
	if i >= t.capacity {
		return sentinelHash
	}
	off := i * t.slotSize
	b := t.entries[off : off+4]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (t *Table) slotKey(i int) []byte {
	off := i*t.slotSize + hashSize
	return t.entries[off : off+t.keySize]
}

func (t *Table) slotValue(i int) []byte {
	off := i*t.slotSize + hashSize + t.keySize
	return t.entries[off : off+t.valueSize]
}

func (t *Table) setSlot(i int, h uint32, key, value []byte) {
	if i >= t.capacity {
		// The reserved overflow half has been exhausted; with the
		// configured occupancy bound this cannot happen.
		panic("ctable: probe chain overflowed table backing")
	}
	off := i * t.slotSize
	t.entries[off] = byte(h)
	t.entries[off+1] = byte(h >> 8)
	t.entries[off+2] = byte(h >> 16)
	t.entries[off+3] = byte(h >> 24)
	copy(t.entries[off+hashSize:], key)
	copy(t.entries[off+hashSize+t.keySize:off+t.slotSize], value)
}

func (t *Table) clearSlot(i int) {
	off := i * t.slotSize
	fill(t.entries[off:off+t.slotSize], 0xFF)
}

// Hash returns the table's current hash of key. The result is never the
// sentinel.
func (t *Table) Hash(key []byte) uint32 {
	return hashBytes(t.k0, t.k1, key)
}

// Add inserts or updates an entry, returning the slot index it landed in.
func (t *Table) Add(key, value []byte, mode AddMode) (int, error) {
	if len(key) != t.keySize {
		return -1, fmt.Errorf("key size %d, want %d", len(key), t.keySize)
	}
	if len(value) != t.valueSize {
		return -1, fmt.Errorf("value size %d, want %d", len(value), t.valueSize)
	}
	if t.occupancy+1 > t.occupancyHi {
		if err := t.resize(2 * t.size); err != nil {
			return -1, err
		}
	}
	return t.addHashed(t.Hash(key), key, value, mode)
}

func (t *Table) addHashed(h uint32, key, value []byte, mode AddMode) (int, error) {
	start := t.index(h)
	i := start

	// The sentinel compares greater than every real hash, so the probe
	// stops at the first empty slot too.
	for t.slotHash(i) < h {
		i++
	}
	for t.slotHash(i) == h {
		if bytes.Equal(t.slotKey(i), key) {
			if mode == InsertOnly {
				return i, ErrKeyPresent
			}
			copy(t.slotValue(i), value)
			return i, nil
		}
		i++
	}
	if mode == RequireExisting {
		return -1, ErrKeyAbsent
	}

	if t.slotHash(i) != sentinelHash {
		// Occupied by a greater hash: shift the run right into the
		// nearest empty slot, then steal slot i.
		j := i
		for t.slotHash(j) != sentinelHash {
			j++
		}
		if j >= t.capacity {
			panic("ctable: probe chain overflowed table backing")
		}
		copy(t.entries[(i+1)*t.slotSize:(j+1)*t.slotSize], t.entries[i*t.slotSize:j*t.slotSize])
		for k := i + 1; k <= j; k++ {
			if d := k - t.index(t.slotHash(k)); d > t.maxDisplacement {
				t.maxDisplacement = d
			}
		}
	}

	t.setSlot(i, h, key, value)
	if d := i - start; d > t.maxDisplacement {
		t.maxDisplacement = d
	}
	t.occupancy++
	return i, nil
}

// Update overwrites the value of an existing key.
func (t *Table) Update(key, value []byte) error {
	_, err := t.Add(key, value, RequireExisting)
	return err
}

func (t *Table) lookupIndex(key []byte) int {
	h := t.Hash(key)
	i := t.index(h)
	for t.slotHash(i) < h {
		i++
	}
	for t.slotHash(i) == h {
		if bytes.Equal(t.slotKey(i), key) {
			return i
		}
		i++
	}
	return -1
}

// LookupPtr returns a reference to the entry for key. The reference is
// valid until the next mutating call on the table.
func (t *Table) LookupPtr(key []byte) (Entry, bool) {
	i := t.lookupIndex(key)
	if i < 0 {
		return Entry{}, false
	}
	return Entry{t: t, i: i}, true
}

// LookupAndCopy copies the value for key into out, which must be ValueSize
// bytes, and reports whether the key was found.
func (t *Table) LookupAndCopy(key, out []byte) bool {
	i := t.lookupIndex(key)
	if i < 0 {
		return false
	}
	copy(out, t.slotValue(i))
	return true
}

// Remove deletes the entry for key. When missingAllowed is false a missing
// key is reported as ErrKeyAbsent. Returns whether an entry was removed.
func (t *Table) Remove(key []byte, missingAllowed bool) (bool, error) {
	i := t.lookupIndex(key)
	if i < 0 {
		if missingAllowed {
			return false, nil
		}
		return false, ErrKeyAbsent
	}
	t.removeAt(i)
	return true, nil
}

// RemoveRef deletes the entry referenced by e.
func (t *Table) RemoveRef(e Entry) {
	if e.t != t {
		panic("ctable: entry reference from another table")
	}
	t.removeAt(e.i)
}

// removeAt empties slot i and backward-shifts displaced successors into the
// hole. maxDisplacement is never decreased here; that is a known
// limitation, it stays an upper bound.
func (t *Table) removeAt(i int) {
	t.clearSlot(i)
	t.occupancy--

	hole := i
	for j := i + 1; ; j++ {
		h := t.slotHash(j)
		if h == sentinelHash || t.index(h) == j {
			break
		}
		copy(t.entries[hole*t.slotSize:(hole+1)*t.slotSize], t.entries[j*t.slotSize:(j+1)*t.slotSize])
		t.clearSlot(j)
		hole = j
	}

	if t.occupancy < t.occupancyLo && t.size > t.minSize {
		// Allocation failure just leaves the table at its current size.
		_ = t.resize(t.size / 2)
	}
}

// Iterate calls fn for each entry until fn returns false. The sequence is
// not restartable across mutations; the entries alias table memory.
func (t *Table) Iterate(fn func(Entry) bool) {
	for i := 0; i < t.capacity; i++ {
		if t.slotHash(i) == sentinelHash {
			continue
		}
		if !fn(Entry{t: t, i: i}) {
			return
		}
	}
}

// RandomEntry returns a uniformly-ish random occupied entry, used by
// callers implementing random ejection.
func (t *Table) RandomEntry(rnd *rand.Rand) (Entry, bool) {
	if t.occupancy == 0 {
		return Entry{}, false
	}
	for tries := 0; tries < 64; tries++ {
		i := rnd.Intn(t.capacity)
		if t.slotHash(i) != sentinelHash {
			return Entry{t: t, i: i}, true
		}
	}
	start := rnd.Intn(t.capacity)
	for off := 0; off < t.capacity; off++ {
		i := (start + off) % t.capacity
		if t.slotHash(i) != sentinelHash {
			return Entry{t: t, i: i}, true
		}
	}
	return Entry{}, false
}

// resize rebuilds the table at newSize primary slots, reseeding the hash
// unless the seed was pinned at construction. This is the only operation
// that changes the seed; all previously obtained entry references are
// invalidated. On allocation failure the table is left unchanged.
func (t *Table) resize(newSize int) error {
	if newSize < t.minSize {
		newSize = t.minSize
	}
	for int(t.maxOccupancyRate*float64(newSize)) <= t.occupancy {
		newSize *= 2
	}

	oldBacking := t.backing
	oldEntries := t.entries
	oldCapacity := t.capacity
	oldSlotSize := t.slotSize

	b, err := allocBacking(2 * newSize * t.slotSize)
	if err != nil {
		return fmt.Errorf("failed to allocate table backing: %w", err)
	}
	fill(b.data, 0xFF)

	t.backing = b
	t.entries = b.data
	t.size = newSize
	t.capacity = 2 * newSize
	t.occupancy = 0
	t.maxDisplacement = 0
	t.occupancyHi = int(t.maxOccupancyRate * float64(newSize))
	t.occupancyLo = int(t.minOccupancyRate * float64(newSize))

	if !t.seedPinned {
		t.setSeed(NewSeed())
	}

	for i := 0; i < oldCapacity; i++ {
		off := i * oldSlotSize
		hb := oldEntries[off : off+4]
		h := uint32(hb[0]) | uint32(hb[1])<<8 | uint32(hb[2])<<16 | uint32(hb[3])<<24
		if h == sentinelHash {
			continue
		}
		key := oldEntries[off+hashSize : off+hashSize+t.keySize]
		value := oldEntries[off+hashSize+t.keySize : off+oldSlotSize]
		if _, err := t.addHashed(t.Hash(key), key, value, InsertOnly); err != nil {
			panic(fmt.Sprintf("ctable: rehash failed: %v", err))
		}
	}

	oldBacking.release()
	return nil
}

// Len returns the number of entries.
func (t *Table) Len() int { return t.occupancy }

// Size returns the number of primary slots.
func (t *Table) Size() int { return t.size }

// MaxDisplacement returns the current probe-displacement bound.
func (t *Table) MaxDisplacement() int { return t.maxDisplacement }

// KeySize returns the fixed key size in bytes.
func (t *Table) KeySize() int { return t.keySize }

// ValueSize returns the fixed value size in bytes.
func (t *Table) ValueSize() int { return t.valueSize }

// Seed returns the current 128-bit hash seed.
func (t *Table) Seed() [16]byte { return t.seed }
