// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package scanner_test

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"testing"

	"github.com/neilotoole/slogt"
	"github.com/noisysockets/netutil/ptr"
	"github.com/stretchr/testify/require"

	"github.com/packetgarden/dataplane"
	"github.com/packetgarden/dataplane/classify"
	"github.com/packetgarden/dataplane/scanner"
)

type harness struct {
	pool   *dataplane.PacketPool
	input  *dataplane.Link
	output *dataplane.Link
	s      *scanner.Suppressor
	tick   uint64
}

func newHarness(t *testing.T, conf *scanner.Config) *harness {
	t.Helper()

	h := &harness{
		pool:   dataplane.NewPacketPool(256, false),
		input:  dataplane.NewLink("input", 64),
		output: dataplane.NewLink("output", 64),
	}

	if conf == nil {
		conf = &scanner.Config{}
	}
	if conf.InsideNetworks == nil {
		conf.InsideNetworks = []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	}
	// Small caches keep the housekeeping sweeps fast under test.
	if conf.ConnCacheSize == nil {
		conf.ConnCacheSize = ptr.To(1 << 16)
	}
	if conf.AddrCacheLines == nil {
		conf.AddrCacheLines = ptr.To(1 << 16)
	}
	if conf.Now == nil {
		conf.Now = func() uint64 { return h.tick }
	}

	s, err := scanner.New(slogt.New(t), h.input, h.output, conf)
	require.NoError(t, err)
	h.s = s
	return h
}

type pktSpec struct {
	src, dst     string
	proto        uint8
	sport, dport uint16
	tcpFlags     uint8
}

func (h *harness) packet(t *testing.T, ps pktSpec) *dataplane.Packet {
	t.Helper()

	l4Len := 8
	if ps.proto == classify.ProtoTCP {
		l4Len = 20
	}
	data := make([]byte, 14+20+l4Len)
	binary.BigEndian.PutUint16(data[12:], classify.EtherTypeIPv4)

	ip := data[14:]
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:], uint16(20+l4Len))
	ip[8] = 64
	ip[9] = ps.proto
	copy(ip[12:16], netip.MustParseAddr(ps.src).AsSlice())
	copy(ip[16:20], netip.MustParseAddr(ps.dst).AsSlice())

	l4 := ip[20:]
	binary.BigEndian.PutUint16(l4[0:], ps.sport)
	binary.BigEndian.PutUint16(l4[2:], ps.dport)
	if ps.proto == classify.ProtoTCP {
		l4[13] = ps.tcpFlags
	}

	pkt := h.pool.Borrow()
	pkt.SetBytes(data)
	return pkt
}

// send pushes one packet through the suppressor and reports whether it
// was forwarded.
func (h *harness) send(t *testing.T, ps pktSpec) bool {
	t.Helper()

	h.input.Transmit(h.packet(t, ps))
	h.s.Push()
	require.True(t, h.input.Empty())

	if h.output.Empty() {
		return false
	}
	out := h.output.Receive()
	out.Release()
	return true
}

func addrU32(s string) uint32 {
	return binary.BigEndian.Uint32(netip.MustParseAddr(s).AsSlice())
}

func TestScanBlockThreshold(t *testing.T) {
	h := newHarness(t, nil)
	outside := "192.0.2.1"

	// Five fresh SYNs to distinct inside hosts climb the count to the
	// threshold; the sixth is dropped.
	for i := 1; i <= 5; i++ {
		forwarded := h.send(t, pktSpec{
			src: outside, dst: fmt.Sprintf("10.0.0.%d", i),
			proto: classify.ProtoTCP, sport: 40000 + uint16(i), dport: 80,
			tcpFlags: classify.TCPFlagSYN,
		})
		require.True(t, forwarded, "probe %d", i)
		require.Equal(t, i, h.s.AddressCount(addrU32(outside)))
	}

	forwarded := h.send(t, pktSpec{
		src: outside, dst: "10.0.0.6",
		proto: classify.ProtoTCP, sport: 40006, dport: 80,
		tcpFlags: classify.TCPFlagSYN,
	})
	require.False(t, forwarded, "sixth probe")

	// An inside reply on a probed bucket turns that miss into a hit and
	// decrements the count by two.
	forwarded = h.send(t, pktSpec{
		src: "10.0.0.3", dst: outside,
		proto: classify.ProtoTCP, sport: 80, dport: 40003,
		tcpFlags: classify.TCPFlagSYN | classify.TCPFlagACK,
	})
	require.True(t, forwarded)
	require.Equal(t, 3, h.s.AddressCount(addrU32(outside)))
}

func TestHygieneFilterDropsFlowlessRST(t *testing.T) {
	h := newHarness(t, nil)

	forwarded := h.send(t, pktSpec{
		src: "192.0.2.9", dst: "10.0.0.1",
		proto: classify.ProtoTCP, sport: 1234, dport: 80,
		tcpFlags: classify.TCPFlagRST,
	})
	require.False(t, forwarded)
	// The RST neither opened state nor moved the count.
	require.Equal(t, 0, h.s.AddressCount(addrU32("192.0.2.9")))
}

func TestInsideInitiatedFlowIsAHit(t *testing.T) {
	h := newHarness(t, nil)
	outside := "198.51.100.7"

	forwarded := h.send(t, pktSpec{
		src: "10.0.0.1", dst: outside,
		proto: classify.ProtoTCP, sport: 5000, dport: 443,
		tcpFlags: classify.TCPFlagSYN,
	})
	require.True(t, forwarded)

	// The outside answer decrements the count below zero (a hit).
	forwarded = h.send(t, pktSpec{
		src: outside, dst: "10.0.0.1",
		proto: classify.ProtoTCP, sport: 443, dport: 5000,
		tcpFlags: classify.TCPFlagSYN | classify.TCPFlagACK,
	})
	require.True(t, forwarded)
	require.Equal(t, -1, h.s.AddressCount(addrU32(outside)))
}

func TestBlockedSourceEstablishedBucketSurvives(t *testing.T) {
	h := newHarness(t, nil)
	outside := "192.0.2.50"

	// The inside host opens one flow to the outside source.
	require.True(t, h.send(t, pktSpec{
		src: "10.0.0.200", dst: outside,
		proto: classify.ProtoTCP, sport: 6000, dport: 22,
		tcpFlags: classify.TCPFlagSYN,
	}))

	// The source then scans its way over the threshold.
	for i := 1; i <= 5; i++ {
		require.True(t, h.send(t, pktSpec{
			src: outside, dst: fmt.Sprintf("10.0.1.%d", i),
			proto: classify.ProtoTCP, sport: 41000 + uint16(i), dport: 80,
			tcpFlags: classify.TCPFlagSYN,
		}), "probe %d", i)
	}
	require.Equal(t, 5, h.s.AddressCount(addrU32(outside)))

	// Fresh buckets are now dropped.
	require.False(t, h.send(t, pktSpec{
		src: outside, dst: "10.0.2.1",
		proto: classify.ProtoTCP, sport: 42000, dport: 80,
		tcpFlags: classify.TCPFlagSYN,
	}))

	// A new SYN is block-sensitive even on the inside-initiated bucket.
	require.False(t, h.send(t, pktSpec{
		src: outside, dst: "10.0.0.200",
		proto: classify.ProtoTCP, sport: 22, dport: 6000,
		tcpFlags: classify.TCPFlagSYN,
	}))

	// A plain ACK on the inside-initiated bucket still forwards, and its
	// first out-to-in sighting retroactively counts as a hit.
	require.True(t, h.send(t, pktSpec{
		src: outside, dst: "10.0.0.200",
		proto: classify.ProtoTCP, sport: 22, dport: 6000,
		tcpFlags: classify.TCPFlagACK,
	}))
	require.Equal(t, 4, h.s.AddressCount(addrU32(outside)))
}

func TestMissCountDecay(t *testing.T) {
	h := newHarness(t, &scanner.Config{
		DMissTicks: ptr.To(uint64(2)),
	})
	outside := "203.0.113.5"

	for i := 1; i <= 3; i++ {
		require.True(t, h.send(t, pktSpec{
			src: outside, dst: fmt.Sprintf("10.9.0.%d", i),
			proto: classify.ProtoUDP, sport: 9000, dport: 53,
		}))
	}
	require.Equal(t, 3, h.s.AddressCount(addrU32(outside)))

	// Each elapsed decay period takes one off every positive count.
	h.tick += 2
	h.s.Push()
	require.Equal(t, 2, h.s.AddressCount(addrU32(outside)))

	h.tick += 2
	h.s.Push()
	require.Equal(t, 1, h.s.AddressCount(addrU32(outside)))
}

func TestConnectionAging(t *testing.T) {
	h := newHarness(t, &scanner.Config{
		AgeIntervalTicks: ptr.To(uint64(1)),
		DConnTicks:       ptr.To(uint64(3)),
		// Keep the address counts from decaying away during the test.
		DMissTicks: ptr.To(uint64(1000)),
	})
	outside := "192.0.2.77"

	// Establish a bucket from inside, then block the source.
	require.True(t, h.send(t, pktSpec{
		src: "10.0.0.1", dst: outside,
		proto: classify.ProtoTCP, sport: 7000, dport: 443,
		tcpFlags: classify.TCPFlagSYN,
	}))
	for i := 1; i <= 6; i++ {
		h.send(t, pktSpec{
			src: outside, dst: fmt.Sprintf("10.8.0.%d", i),
			proto: classify.ProtoTCP, sport: 43000 + uint16(i), dport: 80,
			tcpFlags: classify.TCPFlagSYN,
		})
	}
	require.GreaterOrEqual(t, h.s.AddressCount(addrU32(outside)), 5)

	// While the entry is alive the established bucket forwards ACKs.
	require.True(t, h.send(t, pktSpec{
		src: outside, dst: "10.0.0.1",
		proto: classify.ProtoTCP, sport: 443, dport: 7000,
		tcpFlags: classify.TCPFlagACK,
	}))

	// That first out-to-in sighting was a hit and took the count back
	// under the threshold; one more fresh probe blocks the source again.
	require.True(t, h.send(t, pktSpec{
		src: outside, dst: "10.8.0.7",
		proto: classify.ProtoTCP, sport: 43007, dport: 80,
		tcpFlags: classify.TCPFlagSYN,
	}))
	require.Equal(t, 5, h.s.AddressCount(addrU32(outside)))

	// After enough idle aging sweeps the entry expires and the blocked
	// source loses the bucket.
	for i := 0; i < 4; i++ {
		h.tick++
		h.s.Push()
	}
	require.False(t, h.send(t, pktSpec{
		src: outside, dst: "10.0.0.1",
		proto: classify.ProtoTCP, sport: 443, dport: 7000,
		tcpFlags: classify.TCPFlagACK,
	}))
}

func TestNonMatchingTrafficForwarded(t *testing.T) {
	h := newHarness(t, nil)

	// Outside-to-outside traffic takes the forward arm.
	require.True(t, h.send(t, pktSpec{
		src: "192.0.2.1", dst: "198.51.100.1",
		proto: classify.ProtoTCP, sport: 1, dport: 2,
		tcpFlags: classify.TCPFlagSYN,
	}))

	// Inside-to-inside too.
	require.True(t, h.send(t, pktSpec{
		src: "10.0.0.1", dst: "10.0.0.2",
		proto: classify.ProtoTCP, sport: 1, dport: 2,
		tcpFlags: classify.TCPFlagSYN,
	}))

	// Non-IP frames are forwarded untouched.
	pkt := h.pool.Borrow()
	data := make([]byte, 60)
	binary.BigEndian.PutUint16(data[12:], 0x0806) // ARP
	pkt.SetBytes(data)
	h.input.Transmit(pkt)
	h.s.Push()
	require.Equal(t, 1, h.output.NReadable())
	out := h.output.Receive()
	out.Release()
}

func TestPacketOrderPreserved(t *testing.T) {
	h := newHarness(t, nil)

	// A mix of forwarded packets; the output must be in input order.
	var wantOrder []uint16
	for i := 0; i < 20; i++ {
		sport := uint16(10000 + i)
		h.input.Transmit(h.packet(t, pktSpec{
			src: "10.0.0.1", dst: "198.51.100.9",
			proto: classify.ProtoTCP, sport: sport, dport: 80,
			tcpFlags: classify.TCPFlagSYN,
		}))
		wantOrder = append(wantOrder, sport)
	}
	h.s.Push()

	var gotOrder []uint16
	for !h.output.Empty() {
		out := h.output.Receive()
		gotOrder = append(gotOrder, binary.BigEndian.Uint16(out.Bytes()[14+20:]))
		out.Release()
	}
	require.Equal(t, wantOrder, gotOrder)
}
