// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package classify walks raw packet bytes and classifies them for the
// data-plane apps: Ethernet/VLAN/IPv4/IPv6 header offsets, direction
// relative to a trusted network, flow-key canonicalization and the
// stateless TCP/UDP filters. The matcher compiles to plain Go and returns
// tagged decisions; it never owns app state.
package classify

import (
	"encoding/binary"
	"net/netip"

	"github.com/noisysockets/netutil/triemap"
)

// Ethernet and VLAN offsets.
const (
	EtherTypeOff = 12
	EtherHdrLen  = 14
	VLANTagLen   = 4

	EtherTypeIPv4 = 0x0800
	EtherTypeIPv6 = 0x86DD
	EtherTypeVLAN = 0x8100
)

// IPv4 header offsets, relative to the start of the header.
const (
	IPv4VerIHLOff = 0
	IPv4LenOff    = 2
	IPv4IDOff     = 4
	IPv4FragOff   = 6
	IPv4ProtoOff  = 9
	IPv4CsumOff   = 10
	IPv4SrcOff    = 12
	IPv4DstOff    = 16
	IPv4MinHdrLen = 20

	// MF is bit 5 of the first flags byte; the offset field is the low 13
	// bits of the 16-bit word, in 8-byte units.
	IPv4FlagMF      = 0x20
	IPv4OffsetMask  = 0x1FFF
	IPv4OffsetUnits = 8
)

// IPv6 header offsets and extension-header protocol numbers.
const (
	IPv6NextHdrOff = 6
	IPv6HdrLen     = 40

	ProtoTCP      = 6
	ProtoUDP      = 17
	ProtoHopByHop = 0
	ProtoRouting  = 43
	ProtoFragment = 44
	ProtoAH       = 51
	ProtoNone     = 59
	ProtoDstOpts  = 60
)

// TCP flag bits and the flags byte offset within the TCP header.
const (
	TCPFlagsOff = 13

	TCPFlagFIN = 0x01
	TCPFlagSYN = 0x02
	TCPFlagRST = 0x04
	TCPFlagACK = 0x10
)

// Direction is the classification of a packet relative to the trusted
// network.
type Direction int

const (
	// DirForward means the packet takes no scan-suppression path.
	DirForward Direction = iota
	// DirInsideToOutside means the source is trusted, the destination not.
	DirInsideToOutside
	// DirOutsideToInside means the source is untrusted, the destination
	// trusted.
	DirOutsideToInside
)

// Match is the decision record extracted from one packet.
type Match struct {
	Dir      Direction
	SrcIP    uint32 // IPv4 addresses in host-order uint32 form
	DstIP    uint32
	Proto    uint8
	SrcPort  uint16
	DstPort  uint16
	HasPorts bool
	TCPFlags uint8
	L3Off    int
	L4Off    int
}

// Matcher is a compiled match program. The inside network designation is
// fixed at compile time.
type Matcher struct {
	inside *triemap.TrieMap[struct{}]
}

// Compile builds a matcher for the given trusted prefixes.
func Compile(insideNetworks []netip.Prefix) *Matcher {
	inside := triemap.New[struct{}]()
	for _, prefix := range insideNetworks {
		inside.Insert(prefix, struct{}{})
	}
	return &Matcher{inside: inside}
}

// Inside reports whether an IPv4 address belongs to the trusted network.
func (m *Matcher) Inside(ip uint32) bool {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], ip)
	_, ok := m.inside.Get(netip.AddrFrom4(b))
	return ok
}

// Classify walks one Ethernet frame. Anything it cannot parse, and any
// packet that is not IPv4 between the trusted and untrusted sides, takes
// the DirForward arm.
func (m *Matcher) Classify(data []byte) Match {
	match := Match{Dir: DirForward}

	etherType, l3 := WalkEthernet(data)
	match.L3Off = l3
	if etherType != EtherTypeIPv4 {
		return match
	}
	if len(data) < l3+IPv4MinHdrLen {
		return match
	}

	ihl := int(data[l3+IPv4VerIHLOff]&0x0F) * 4
	if ihl < IPv4MinHdrLen || len(data) < l3+ihl {
		return match
	}

	match.SrcIP = binary.BigEndian.Uint32(data[l3+IPv4SrcOff:])
	match.DstIP = binary.BigEndian.Uint32(data[l3+IPv4DstOff:])
	match.Proto = data[l3+IPv4ProtoOff]
	match.L4Off = l3 + ihl

	// Transport fields are only meaningful for unfragmented packets or
	// first fragments.
	fragField := binary.BigEndian.Uint16(data[l3+IPv4FragOff:])
	firstFragment := fragField&IPv4OffsetMask == 0

	if firstFragment && (match.Proto == ProtoTCP || match.Proto == ProtoUDP) && len(data) >= match.L4Off+4 {
		match.SrcPort = binary.BigEndian.Uint16(data[match.L4Off:])
		match.DstPort = binary.BigEndian.Uint16(data[match.L4Off+2:])
		match.HasPorts = true
	}
	if firstFragment && match.Proto == ProtoTCP && len(data) > match.L4Off+TCPFlagsOff {
		match.TCPFlags = data[match.L4Off+TCPFlagsOff]
	}

	srcInside := m.Inside(match.SrcIP)
	dstInside := m.Inside(match.DstIP)
	switch {
	case srcInside && !dstInside:
		match.Dir = DirInsideToOutside
	case !srcInside && dstInside:
		match.Dir = DirOutsideToInside
	}
	return match
}

// WalkEthernet returns the ethertype and layer-3 offset of a frame,
// following chained 802.1Q tags. A frame too short to carry an ethertype
// yields (0, len(data)).
func WalkEthernet(data []byte) (etherType uint16, l3 int) {
	if len(data) < EtherHdrLen {
		return 0, len(data)
	}
	etherType = binary.BigEndian.Uint16(data[EtherTypeOff:])
	l3 = EtherHdrLen
	for etherType == EtherTypeVLAN {
		if len(data) < l3+VLANTagLen {
			return 0, len(data)
		}
		etherType = binary.BigEndian.Uint16(data[l3+2:])
		l3 += VLANTagLen
	}
	return etherType, l3
}

// WalkIPv6 walks the IPv6 extension-header chain starting at the given
// header offset and returns the transport protocol and its offset. The
// walk stops at TCP, UDP or the no-next-header sentinel; an unknown or
// truncated header yields (ProtoNone, len(data)).
func WalkIPv6(data []byte, l3 int) (proto uint8, l4 int) {
	if len(data) < l3+IPv6HdrLen {
		return ProtoNone, len(data)
	}
	proto = data[l3+IPv6NextHdrOff]
	off := l3 + IPv6HdrLen

	for {
		switch proto {
		case ProtoTCP, ProtoUDP, ProtoNone:
			return proto, off
		case ProtoHopByHop, ProtoRouting, ProtoDstOpts:
			if len(data) < off+2 {
				return ProtoNone, len(data)
			}
			proto = data[off]
			off += 8 + int(data[off+1])*8
		case ProtoFragment:
			if len(data) < off+8 {
				return ProtoNone, len(data)
			}
			proto = data[off]
			off += 8
		case ProtoAH:
			if len(data) < off+2 {
				return ProtoNone, len(data)
			}
			proto = data[off]
			off += int(data[off+1])*4 + 8
		default:
			return ProtoNone, len(data)
		}
		if off > len(data) {
			return ProtoNone, len(data)
		}
	}
}

// Hygiene reports whether a packet cannot open a new flow: a TCP RST or
// FIN, or a SYN+ACK.
func Hygiene(m Match) bool {
	if m.Proto != ProtoTCP {
		return false
	}
	if m.TCPFlags&(TCPFlagRST|TCPFlagFIN) != 0 {
		return true
	}
	return m.TCPFlags&TCPFlagSYN != 0 && m.TCPFlags&TCPFlagACK != 0
}

// BlockSensitive reports whether a packet would open a new flow from a
// blocked source: any UDP packet, or a TCP SYN.
func BlockSensitive(m Match) bool {
	if m.Proto == ProtoUDP {
		return true
	}
	return m.Proto == ProtoTCP && m.TCPFlags&TCPFlagSYN != 0
}
