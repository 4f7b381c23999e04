// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package fragment

import (
	"encoding/binary"

	"github.com/packetgarden/dataplane"
)

// A reassembly buffer is a fixed-size byte record stored as a ctable
// value, laid out little-endian as:
//
//	u16 fragmentStarts[maxFrags]
//	u16 fragmentEnds[maxFrags]
//	u16 fragmentCount
//	u16 finalStart       (0 means the final fragment has not arrived)
//	u16 reassemblyBase   (header bytes in front of the payload)
//	u16 runningLength    (payload bytes accumulated)
//	u16 reassemblyLength (largest base + start + size seen)
//	byte data[dataplane.MaxPayload]
//
// The starts/ends arrays are kept sorted by insertion sort.
const bufferFieldCount = 5

func bufferValueSize(maxFrags int) int {
	return 4*maxFrags + 2*bufferFieldCount + dataplane.MaxPayload
}

type bufferView struct {
	b        []byte
	maxFrags int
}

func (v bufferView) u16(off int) uint16       { return binary.LittleEndian.Uint16(v.b[off:]) }
func (v bufferView) setU16(off int, x uint16) { binary.LittleEndian.PutUint16(v.b[off:], x) }

func (v bufferView) start(i int) uint16       { return v.u16(2 * i) }
func (v bufferView) setStart(i int, x uint16) { v.setU16(2*i, x) }
func (v bufferView) end(i int) uint16         { return v.u16(2*v.maxFrags + 2*i) }
func (v bufferView) setEnd(i int, x uint16)   { v.setU16(2*v.maxFrags+2*i, x) }

func (v bufferView) fieldOff(n int) int { return 4*v.maxFrags + 2*n }

func (v bufferView) fragmentCount() uint16        { return v.u16(v.fieldOff(0)) }
func (v bufferView) setFragmentCount(x uint16)    { v.setU16(v.fieldOff(0), x) }
func (v bufferView) finalStart() uint16           { return v.u16(v.fieldOff(1)) }
func (v bufferView) setFinalStart(x uint16)       { v.setU16(v.fieldOff(1), x) }
func (v bufferView) base() uint16                 { return v.u16(v.fieldOff(2)) }
func (v bufferView) setBase(x uint16)             { v.setU16(v.fieldOff(2), x) }
func (v bufferView) runningLength() uint16        { return v.u16(v.fieldOff(3)) }
func (v bufferView) setRunningLength(x uint16)    { v.setU16(v.fieldOff(3), x) }
func (v bufferView) reassemblyLength() uint16     { return v.u16(v.fieldOff(4)) }
func (v bufferView) setReassemblyLength(x uint16) { v.setU16(v.fieldOff(4), x) }

func (v bufferView) data() []byte { return v.b[v.fieldOff(bufferFieldCount):] }
