// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package scanner

import "fmt"

// addrCacheWays is the set associativity of each cache line.
const addrCacheWays = 4

// minAddrCacheLines is the smallest line count for which the
// (index, tag) split below stays injective: tag = permuted / lines must
// fit 16 bits for every 32-bit permuted value.
const minAddrCacheLines = 1 << 16

type addrWay struct {
	tag   uint16
	count int16
}

type addrLine struct {
	ways [addrCacheWays]addrWay
	used uint8 // way-occupancy bitmap
}

// addrCache is an approximate per-external-address connection-count
// cache. Addresses are scattered by a keyed permutation; because the
// permutation is injective and the (index, tag) split is too, a tag match
// within a line identifies the stored address exactly. Distinct addresses
// landing in the same line compete for its four ways.
type addrCache struct {
	lines  []addrLine
	cipher addrCipher
}

func newAddrCache(nLines int, seed uint64) (*addrCache, error) {
	if nLines < minAddrCacheLines {
		return nil, fmt.Errorf("address cache needs at least %d lines, got %d", minAddrCacheLines, nLines)
	}
	return &addrCache{
		lines:  make([]addrLine, nLines),
		cipher: newAddrCipher(seed),
	}, nil
}

func (a *addrCache) slot(addr uint32) (int, uint16) {
	v := a.cipher.encrypt(addr)
	return int(v % uint32(len(a.lines))), uint16(v / uint32(len(a.lines)))
}

// count returns the stored count for addr, or zero when absent.
func (a *addrCache) count(addr uint32) int {
	idx, tag := a.slot(addr)
	line := &a.lines[idx]
	for w := 0; w < addrCacheWays; w++ {
		if line.used&(1<<w) != 0 && line.ways[w].tag == tag {
			return int(line.ways[w].count)
		}
	}
	return 0
}

// setCount stores a count for addr. Writes at or beyond the clamp bounds
// are no-ops. With no matching tag and a full line, the way with the
// minimum count is evicted: the best-behaved address is victimized so a
// blocked host's positive count survives.
func (a *addrCache) setCount(addr uint32, c, cMin, cMax int) {
	if c >= cMax || c <= cMin {
		return
	}

	idx, tag := a.slot(addr)
	line := &a.lines[idx]

	victim := -1
	for w := 0; w < addrCacheWays; w++ {
		if line.used&(1<<w) == 0 {
			if victim < 0 || line.used&(1<<victim) != 0 {
				victim = w
			}
			continue
		}
		if line.ways[w].tag == tag {
			line.ways[w].count = int16(c)
			return
		}
		if victim < 0 ||
			(line.used&(1<<victim) != 0 && line.ways[w].count < line.ways[victim].count) {
			victim = w
		}
	}

	line.ways[victim] = addrWay{tag: tag, count: int16(c)}
	line.used |= 1 << victim
}

// decay runs one miss-count decay sweep: every positive count drops by
// one. Counts at or below zero are untouched.
func (a *addrCache) decay() {
	for i := range a.lines {
		line := &a.lines[i]
		for w := 0; w < addrCacheWays; w++ {
			if line.used&(1<<w) != 0 && line.ways[w].count > 0 {
				line.ways[w].count--
			}
		}
	}
}
