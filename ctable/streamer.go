// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package ctable

import "sort"

// LookupStreamer amortizes hashing and probing across a batch of lookups.
// Obtain one with Table.MakeLookupStreamer. Any mutation or reseed of the
// parent table invalidates in-flight results; re-run Stream afterwards.
type LookupStreamer struct {
	t        *Table
	width    int
	keys     []byte // width keys, packed
	hashes   []uint32
	groupLen int
	scratch  []byte // width*groupLen+1 slots copied from the table
	results  []int  // scratch slot index per key, -1 on miss
}

// MakeLookupStreamer returns a batch helper for width keys.
func (t *Table) MakeLookupStreamer(width int) *LookupStreamer {
	s := &LookupStreamer{
		t:       t,
		width:   width,
		keys:    make([]byte, width*t.keySize),
		hashes:  make([]uint32, width),
		results: make([]int, width),
	}
	s.grow()
	return s
}

func (s *LookupStreamer) grow() {
	s.groupLen = s.t.maxDisplacement + 1
	need := (s.width*s.groupLen + 1) * s.t.slotSize
	if len(s.scratch) < need {
		s.scratch = make([]byte, need)
	}
}

// KeyIn returns the buffer for key i; the caller fills it before Stream.
func (s *LookupStreamer) KeyIn(i int) []byte {
	return s.keys[i*s.t.keySize : (i+1)*s.t.keySize]
}

// Stream performs the batched lookup in three fused passes: hash all keys,
// copy each key's probe window out of the table, then binary-search each
// window.
func (s *LookupStreamer) Stream() {
	t := s.t
	s.grow()

	hashMany(t.k0, t.k1, s.keys, t.keySize, s.hashes)

	for i := 0; i < s.width; i++ {
		start := t.index(s.hashes[i])
		end := start + s.groupLen
		if end > t.capacity {
			end = t.capacity
		}
		dst := s.scratch[i*s.groupLen*t.slotSize:]
		n := copy(dst[:(end-start)*t.slotSize], t.entries[start*t.slotSize:end*t.slotSize])
		// Short windows at the end of the backing read as empty.
		fill(dst[n:s.groupLen*t.slotSize], 0xFF)
	}

	for i := 0; i < s.width; i++ {
		s.results[i] = s.search(i)
	}
}

func (s *LookupStreamer) scratchHash(slot int) uint32 {
	b := s.scratch[slot*s.t.slotSize:]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (s *LookupStreamer) scratchKey(slot int) []byte {
	off := slot*s.t.slotSize + hashSize
	return s.scratch[off : off+s.t.keySize]
}

// search binary-searches key i's probe window. Within an equal-hash run
// the keys are compared byte-wise.
func (s *LookupStreamer) search(i int) int {
	h := s.hashes[i]
	base := i * s.groupLen
	// Probing never crosses an empty slot, so only the first occupied run
	// of the window matters. Runs are hash-sorted; slots past the run may
	// belong to a later run with smaller hashes and must not be searched.
	runEnd := 0
	for runEnd < s.groupLen && s.scratchHash(base+runEnd) != sentinelHash {
		runEnd++
	}
	lo := sort.Search(runEnd, func(j int) bool {
		return s.scratchHash(base+j) >= h
	})
	key := s.keys[i*s.t.keySize : (i+1)*s.t.keySize]
	for j := lo; j < runEnd && s.scratchHash(base+j) == h; j++ {
		if string(s.scratchKey(base+j)) == string(key) {
			return base + j
		}
	}
	return -1
}

// IsFound reports whether key i was found by the last Stream.
func (s *LookupStreamer) IsFound(i int) bool {
	return s.results[i] >= 0
}

// Value returns the value bytes for key i from the scratch copy. Only
// valid when IsFound(i).
func (s *LookupStreamer) Value(i int) []byte {
	slot := s.results[i]
	off := slot*s.t.slotSize + hashSize + s.t.keySize
	return s.scratch[off : off+s.t.valueSize]
}

// Width returns the batch width.
func (s *LookupStreamer) Width() int { return s.width }
