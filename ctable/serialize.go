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
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Snapshot layout, all little-endian:
//
//	u32 size, u32 occupancy, u32 maxDisplacement
//	16 bytes hash seed
//	f64 maxOccupancyRate, f64 minOccupancyRate
//	(size + maxDisplacement) packed entries of (u32 hash, key, value)

const snapshotHeaderSize = 4 + 4 + 4 + 16 + 8 + 8

// Save writes a deterministic snapshot of the table to w.
func (t *Table) Save(w io.Writer) error {
	var hdr [snapshotHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(t.size))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(t.occupancy))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(t.maxDisplacement))
	copy(hdr[12:28], t.seed[:])
	binary.LittleEndian.PutUint64(hdr[28:36], math.Float64bits(t.maxOccupancyRate))
	binary.LittleEndian.PutUint64(hdr[36:44], math.Float64bits(t.minOccupancyRate))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("failed to write snapshot header: %w", err)
	}

	// Every occupied slot sits at index <= primary + maxDisplacement, and
	// the largest primary index is size-1, so this prefix covers them all.
	n := (t.size + t.maxDisplacement) * t.slotSize
	if _, err := w.Write(t.entries[:n]); err != nil {
		return fmt.Errorf("failed to write snapshot entries: %w", err)
	}
	return nil
}

// Load reads a snapshot written by Save. Key and value sizes are not part
// of the format and must be supplied by the caller.
func Load(r io.Reader, keySize, valueSize int) (*Table, error) {
	var hdr [snapshotHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("failed to read snapshot header: %w", err)
	}

	size := int(binary.LittleEndian.Uint32(hdr[0:4]))
	occupancy := int(binary.LittleEndian.Uint32(hdr[4:8]))
	maxDisplacement := int(binary.LittleEndian.Uint32(hdr[8:12]))
	var seed [16]byte
	copy(seed[:], hdr[12:28])
	maxRate := math.Float64frombits(binary.LittleEndian.Uint64(hdr[28:36]))
	minRate := math.Float64frombits(binary.LittleEndian.Uint64(hdr[36:44]))

	if size < 1 || occupancy < 0 || maxDisplacement < 0 || occupancy > 2*size {
		return nil, fmt.Errorf("corrupt snapshot header (size=%d occupancy=%d displacement=%d)", size, occupancy, maxDisplacement)
	}

	t := &Table{
		keySize:          keySize,
		valueSize:        valueSize,
		slotSize:         hashSize + keySize + valueSize,
		maxOccupancyRate: maxRate,
		minOccupancyRate: minRate,
		minSize:          1,
		seedPinned:       true,
	}
	t.setSeed(seed)
	if err := t.attach(size); err != nil {
		return nil, err
	}
	t.maxDisplacement = maxDisplacement
	t.occupancy = occupancy

	n := (size + maxDisplacement) * t.slotSize
	if _, err := io.ReadFull(r, t.entries[:n]); err != nil {
		t.backing.release()
		return nil, fmt.Errorf("failed to read snapshot entries: %w", err)
	}
	return t, nil
}
