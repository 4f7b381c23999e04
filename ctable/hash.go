// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package ctable

import (
	"crypto/rand"
	"encoding/binary"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/dchest/siphash"
)

// RandomSeedEnv forces deterministic seed derivation for reproducible
// tests. Its value seeds a process-wide sequence, so every table still
// gets a distinct seed.
const RandomSeedEnv = "RANDOM_SEED"

var seedSequence atomic.Uint64

// NewSeed returns a fresh 128-bit hash seed. Seeds come from crypto/rand
// unless RANDOM_SEED is set, in which case they derive deterministically
// from its value.
func NewSeed() [16]byte {
	var seed [16]byte
	if v, ok := os.LookupEnv(RandomSeedEnv); ok {
		base, err := strconv.ParseUint(v, 0, 64)
		if err != nil {
			base = siphash.Hash(0x70736575646f7261, 0x6e646f6d73656564, []byte(v))
		}
		n := seedSequence.Add(1)
		binary.LittleEndian.PutUint64(seed[0:8], splitmix64(base+n))
		binary.LittleEndian.PutUint64(seed[8:16], splitmix64(base^(n*0x9E3779B97F4A7C15)))
		return seed
	}
	if _, err := rand.Read(seed[:]); err != nil {
		panic("ctable: no entropy for hash seed: " + err.Error())
	}
	return seed
}

func splitmix64(x uint64) uint64 {
	x += 0x9E3779B97F4A7C15
	x = (x ^ (x >> 30)) * 0xBF58476D1CE4E5B9
	x = (x ^ (x >> 27)) * 0x94D049BB133111EB
	return x ^ (x >> 31)
}

func seedKeys(seed [16]byte) (k0, k1 uint64) {
	k0 = binary.LittleEndian.Uint64(seed[0:8])
	k1 = binary.LittleEndian.Uint64(seed[8:16])
	return
}

// hashBytes hashes a key with seeded SipHash and folds the digest to 32
// bits. The sentinel value is never produced: its top bit is forced off.
func hashBytes(k0, k1 uint64, key []byte) uint32 {
	h := siphash.Hash(k0, k1, key)
	v := uint32(h) ^ uint32(h>>32)
	if v == sentinelHash {
		v &^= 1 << 31
	}
	return v
}

// hashMany hashes width keys packed back to back in keys, writing the
// results to out. This is the batch specialization used by the lookup
// streamer; hashing all keys before touching the table keeps the table
// accesses in one prefetch-friendly pass.
func hashMany(k0, k1 uint64, keys []byte, keySize int, out []uint32) {
	for i := range out {
		out[i] = hashBytes(k0, k1, keys[i*keySize:(i+1)*keySize])
	}
}
