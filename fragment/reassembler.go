// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package fragment reassembles IPv4 fragments. Reassembly buffers are
// values in a bounded ctable keyed by (src, dst, id); overlapping
// fragments are always rejected per RFC 5722.
package fragment

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/noisysockets/netstack/pkg/tcpip/checksum"
	"github.com/noisysockets/netutil/defaults"
	"github.com/noisysockets/netutil/ptr"

	"github.com/packetgarden/dataplane"
	"github.com/packetgarden/dataplane/classify"
	"github.com/packetgarden/dataplane/ctable"
)

// Status is the outcome of caching one fragment.
type Status int

const (
	// ReassemblyOK means the packet is complete and has been emitted.
	ReassemblyOK Status = iota
	// FragmentMissing means more fragments are awaited.
	FragmentMissing
	// ReassemblyInvalid means the flow was structurally anomalous and has
	// been dropped.
	ReassemblyInvalid
)

func (s Status) String() string {
	switch s {
	case ReassemblyOK:
		return "ok"
	case FragmentMissing:
		return "missing"
	case ReassemblyInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// fragKeySize packs (src, dst, id).
const fragKeySize = 4 + 4 + 2

// Config is the configuration for a Reassembler.
type Config struct {
	// MaxConcurrentPackets bounds the number of in-progress reassemblies.
	// When full, a uniformly random in-progress flow is ejected.
	MaxConcurrentPackets *int
	// MaxFragmentsPerPacket bounds the fragment count per flow; flows
	// exceeding it are treated as malicious and dropped.
	MaxFragmentsPerPacket *int
}

var defaultConfig = Config{
	MaxConcurrentPackets:  ptr.To(1000),
	MaxFragmentsPerPacket: ptr.To(40),
}

// Reassembler reassembles IPv4 packets from fragments.
//
// TODO: add a per-flow reassembly timeout; today stale flows persist until
// capacity pressure randomly ejects them.
type Reassembler struct {
	logger *slog.Logger
	pool   *dataplane.PacketPool

	table      *ctable.Table
	maxPackets int
	maxFrags   int
	valueSize  int

	scratch []byte
	rnd     *rand.Rand
}

// New creates a reassembler drawing output packets from pool.
func New(logger *slog.Logger, pool *dataplane.PacketPool, conf *Config) (*Reassembler, error) {
	conf, err := defaults.WithDefaults(conf, &defaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to populate configuration with defaults: %w", err)
	}

	maxPackets := *conf.MaxConcurrentPackets
	maxFrags := *conf.MaxFragmentsPerPacket
	if maxPackets < 1 || maxFrags < 1 {
		return nil, fmt.Errorf("invalid limits %d/%d", maxPackets, maxFrags)
	}

	valueSize := bufferValueSize(maxFrags)
	// Size the table so the occupancy bound is never hit before the
	// ejection threshold: the table must not resize.
	initialSize := (maxPackets*10 + 8) / 9
	table, err := ctable.New(&ctable.Config{
		KeySize:          fragKeySize,
		ValueSize:        valueSize,
		InitialSize:      ptr.To(initialSize),
		MaxOccupancyRate: ptr.To(0.9),
		MinOccupancyRate: ptr.To(0.0),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create fragment table: %w", err)
	}

	return &Reassembler{
		logger:     logger,
		pool:       pool,
		table:      table,
		maxPackets: maxPackets,
		maxFrags:   maxFrags,
		valueSize:  valueSize,
		scratch:    make([]byte, valueSize),
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Pending returns the number of in-progress reassemblies.
func (r *Reassembler) Pending() int {
	return r.table.Len()
}

// IsFragment reports whether a frame is an IPv4 fragment (either the MF
// bit or a nonzero offset).
func IsFragment(data []byte) bool {
	etherType, l3 := classify.WalkEthernet(data)
	if etherType != classify.EtherTypeIPv4 || len(data) < l3+classify.IPv4MinHdrLen {
		return false
	}
	frag := binary.BigEndian.Uint16(data[l3+classify.IPv4FragOff:])
	return frag&(classify.IPv4OffsetMask|uint16(classify.IPv4FlagMF)<<8) != 0
}

// CacheFragment consumes one fragment. On ReassemblyOK the reassembled
// packet is returned and the flow released; on ReassemblyInvalid the flow
// is dropped; on FragmentMissing state is retained awaiting more
// fragments. The input packet is always released.
func (r *Reassembler) CacheFragment(pkt *dataplane.Packet) (Status, *dataplane.Packet) {
	defer pkt.Release()
	data := pkt.Bytes()

	l3 := classify.EtherHdrLen
	if len(data) < l3+classify.IPv4MinHdrLen {
		return ReassemblyInvalid, nil
	}
	ihl := int(data[l3+classify.IPv4VerIHLOff]&0x0F) * 4
	totalLength := int(binary.BigEndian.Uint16(data[l3+classify.IPv4LenOff:]))
	if ihl < classify.IPv4MinHdrLen || totalLength < ihl || len(data) < l3+totalLength {
		return ReassemblyInvalid, nil
	}

	id := binary.BigEndian.Uint16(data[l3+classify.IPv4IDOff:])
	fragField := binary.BigEndian.Uint16(data[l3+classify.IPv4FragOff:])
	moreFragments := data[l3+classify.IPv4FragOff]&classify.IPv4FlagMF != 0
	fragStart := int(fragField&classify.IPv4OffsetMask) * classify.IPv4OffsetUnits
	fragSize := totalLength - ihl
	base := l3 + ihl

	var key [fragKeySize]byte
	copy(key[0:4], data[l3+classify.IPv4SrcOff:])
	copy(key[4:8], data[l3+classify.IPv4DstOff:])
	binary.BigEndian.PutUint16(key[8:10], id)

	entry, ok := r.table.LookupPtr(key[:])
	if !ok {
		entry = r.newFlow(key[:], data[:base])
	}
	buf := bufferView{b: entry.Value(), maxFrags: r.maxFrags}

	status, out := r.addFragment(buf, data, base, fragStart, fragSize, moreFragments)
	if status != FragmentMissing {
		r.table.RemoveRef(entry)
	}
	return status, out
}

// newFlow installs a zeroed reassembly buffer for key, recording the
// header bytes of the triggering fragment, and returns its entry. A full
// table ejects a uniformly random existing flow to make room.
func (r *Reassembler) newFlow(key, header []byte) ctable.Entry {
	if r.table.Len() >= r.maxPackets {
		if victim, ok := r.table.RandomEntry(r.rnd); ok {
			r.logger.Debug("Fragment table full, ejecting random flow")
			r.table.RemoveRef(victim)
		}
	}

	for i := range r.scratch {
		r.scratch[i] = 0
	}
	buf := bufferView{b: r.scratch, maxFrags: r.maxFrags}
	buf.setBase(uint16(len(header)))
	copy(buf.data()[:len(header)], header)

	if _, err := r.table.Add(key, r.scratch, ctable.InsertOnly); err != nil {
		// The key was checked absent and capacity reserved above.
		panic("fragment: table insert failed: " + err.Error())
	}
	entry, _ := r.table.LookupPtr(key)
	return entry
}

func (r *Reassembler) addFragment(buf bufferView, data []byte, srcBase, fragStart, fragSize int, moreFragments bool) (Status, *dataplane.Packet) {
	base := int(buf.base())

	if fragSize <= 0 || base+fragStart+fragSize > len(buf.data()) {
		r.logger.Debug("Fragment overflows reassembly buffer",
			slog.Int("start", fragStart), slog.Int("size", fragSize))
		return ReassemblyInvalid, nil
	}

	count := int(buf.fragmentCount())
	if count+1 > r.maxFrags {
		r.logger.Debug("Too many fragments for flow", slog.Int("count", count+1))
		return ReassemblyInvalid, nil
	}

	// Insertion sort of the (start, end) ranges. Any overlap with a
	// neighbour rejects the whole flow.
	pos := count
	for pos > 0 && buf.start(pos-1) > uint16(fragStart) {
		pos--
	}
	if pos > 0 && int(buf.end(pos-1)) > fragStart {
		return ReassemblyInvalid, nil
	}
	if pos < count && fragStart+fragSize > int(buf.start(pos)) {
		return ReassemblyInvalid, nil
	}
	for i := count; i > pos; i-- {
		buf.setStart(i, buf.start(i-1))
		buf.setEnd(i, buf.end(i-1))
	}
	buf.setStart(pos, uint16(fragStart))
	buf.setEnd(pos, uint16(fragStart+fragSize))
	buf.setFragmentCount(uint16(count + 1))

	if !moreFragments {
		if buf.finalStart() != 0 {
			r.logger.Debug("Duplicate final fragment")
			return ReassemblyInvalid, nil
		}
		buf.setFinalStart(uint16(fragStart))
	}

	copy(buf.data()[base+fragStart:], data[srcBase:srcBase+fragSize])

	buf.setRunningLength(buf.runningLength() + uint16(fragSize))
	if newLen := uint16(base + fragStart + fragSize); newLen > buf.reassemblyLength() {
		buf.setReassemblyLength(newLen)
	}

	if buf.finalStart() == 0 ||
		buf.runningLength() != buf.reassemblyLength()-buf.base() {
		return FragmentMissing, nil
	}

	count = int(buf.fragmentCount())
	if buf.start(0) != 0 {
		return ReassemblyInvalid, nil
	}
	for i := 1; i < count; i++ {
		if buf.start(i) != buf.end(i-1) {
			return ReassemblyInvalid, nil
		}
	}

	return ReassemblyOK, r.emit(buf)
}

// emit rewrites the IPv4 header of the reassembled packet: final total
// length, identification and fragmentation fields zeroed, checksum
// recomputed over the header.
func (r *Reassembler) emit(buf bufferView) *dataplane.Packet {
	length := int(buf.reassemblyLength())
	out := r.pool.Borrow()
	out.SetBytes(buf.data()[:length])

	data := out.Bytes()
	l3 := classify.EtherHdrLen
	ihl := int(data[l3+classify.IPv4VerIHLOff]&0x0F) * 4

	binary.BigEndian.PutUint16(data[l3+classify.IPv4LenOff:], uint16(length-l3))
	binary.BigEndian.PutUint16(data[l3+classify.IPv4IDOff:], 0)
	binary.BigEndian.PutUint16(data[l3+classify.IPv4FragOff:], 0)
	binary.BigEndian.PutUint16(data[l3+classify.IPv4CsumOff:], 0)
	csum := ^checksum.Checksum(data[l3:l3+ihl], 0)
	binary.BigEndian.PutUint16(data[l3+classify.IPv4CsumOff:], csum)

	return out
}
