// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package scanner

import (
	"github.com/twmb/murmur3"

	"github.com/packetgarden/dataplane/classify"
)

// Connection-cache slot layout, one byte per bucket. The cache is
// approximate: unrelated flows may share a bucket, which can only
// suppress scan-count increments, never cause drops of known-good flows.
const (
	connFlagInToOut = 0x80
	connFlagOutToIn = 0x40
	connAgeMask     = 0x3F
	maxConnAge      = 63
)

type connCache struct {
	slots []byte
	seed  uint64
}

func newConnCache(n int, seed uint64) *connCache {
	return &connCache{
		slots: make([]byte, n),
		seed:  seed,
	}
}

// index maps a canonical flow key to a bucket with seeded 128-bit
// murmur3, so an attacker cannot aim flows at chosen buckets.
func (c *connCache) index(key classify.FlowKey) int {
	var b [classify.FlowKeySize]byte
	key.AppendTo(b[:])
	h1, _ := murmur3.SeedSum128(c.seed, c.seed, b[:])
	return int(h1 % uint64(len(c.slots)))
}

// age runs one aging sweep: every active bucket's age advances,
// saturating at 63, and buckets idle for expiryTicks are cleared.
func (c *connCache) age(expiryTicks uint64) {
	for i, s := range c.slots {
		if s&(connFlagInToOut|connFlagOutToIn) == 0 {
			continue
		}
		age := uint64(s & connAgeMask)
		if age < maxConnAge {
			age++
		}
		if age >= expiryTicks {
			c.slots[i] = 0
			continue
		}
		c.slots[i] = s&^connAgeMask | byte(age)
	}
}
