// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package classify

import "encoding/binary"

// FlowKeySize is the packed byte size of a FlowKey.
const FlowKeySize = 12

// FlowKey identifies a bidirectional IPv4 flow. The numerically smaller
// address and port are stored in the Lo fields, so both directions of a
// connection canonicalize to the same key.
type FlowKey struct {
	LoAddr uint32
	HiAddr uint32
	LoPort uint16
	HiPort uint16
}

// NewFlowKey canonicalizes (src, dst, sport, dport) into a FlowKey.
func NewFlowKey(srcIP, dstIP uint32, srcPort, dstPort uint16) FlowKey {
	k := FlowKey{LoAddr: srcIP, HiAddr: dstIP, LoPort: srcPort, HiPort: dstPort}
	if k.LoAddr > k.HiAddr {
		k.LoAddr, k.HiAddr = k.HiAddr, k.LoAddr
	}
	if k.LoPort > k.HiPort {
		k.LoPort, k.HiPort = k.HiPort, k.LoPort
	}
	return k
}

// FlowKeyFromMatch builds the canonical key for a classified packet.
// Packets without ports (non-TCP/UDP, or non-first fragments) use zero
// ports.
func FlowKeyFromMatch(m Match) FlowKey {
	return NewFlowKey(m.SrcIP, m.DstIP, m.SrcPort, m.DstPort)
}

// AppendTo packs the key little-endian into b, which must have room for
// FlowKeySize bytes.
func (k FlowKey) AppendTo(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], k.LoAddr)
	binary.LittleEndian.PutUint32(b[4:8], k.HiAddr)
	binary.LittleEndian.PutUint16(b[8:10], k.LoPort)
	binary.LittleEndian.PutUint16(b[10:12], k.HiPort)
}
