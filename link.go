// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package dataplane

// DefaultLinkCapacity is the number of packets a link can hold before
// transmits start dropping.
const DefaultLinkCapacity = 1024

// LinkStats are cumulative counters for a link.
type LinkStats struct {
	Transmitted uint64
	Received    uint64
	Dropped     uint64
}

// Link is a bounded FIFO queue of packets connecting two apps within one
// worker. Links are single-threaded: the owning worker's breath loop is the
// only accessor, so there is no locking. Backpressure propagates through
// fullness, never through blocking.
type Link struct {
	name  string
	ring  []*Packet
	read  int
	write int
	stats LinkStats
}

// NewLink creates a link holding up to capacity packets. A capacity <= 0
// selects DefaultLinkCapacity.
func NewLink(name string, capacity int) *Link {
	if capacity <= 0 {
		capacity = DefaultLinkCapacity
	}
	return &Link{
		name: name,
		// One slot is kept empty to distinguish full from empty.
		ring: make([]*Packet, capacity+1),
	}
}

// Name returns the link name.
func (l *Link) Name() string {
	return l.name
}

// Empty reports whether no packets are queued.
func (l *Link) Empty() bool {
	return l.read == l.write
}

// Full reports whether a transmit would drop.
func (l *Link) Full() bool {
	return (l.write+1)%len(l.ring) == l.read
}

// NReadable returns the number of queued packets.
func (l *Link) NReadable() int {
	return (l.write - l.read + len(l.ring)) % len(l.ring)
}

// NWritable returns the number of packets that can be transmitted before
// the link is full.
func (l *Link) NWritable() int {
	return len(l.ring) - 1 - l.NReadable()
}

// Transmit enqueues a packet, transferring ownership to the link. If the
// link is full the packet is released and counted as dropped.
func (l *Link) Transmit(p *Packet) {
	if l.Full() {
		l.stats.Dropped++
		p.Release()
		return
	}
	l.ring[l.write] = p
	l.write = (l.write + 1) % len(l.ring)
	l.stats.Transmitted++
}

// Receive dequeues the oldest packet, transferring ownership to the caller.
// It returns nil when the link is empty.
func (l *Link) Receive() *Packet {
	if l.Empty() {
		return nil
	}
	p := l.ring[l.read]
	l.ring[l.read] = nil
	l.read = (l.read + 1) % len(l.ring)
	l.stats.Received++
	return p
}

// Stats returns a copy of the link counters.
func (l *Link) Stats() LinkStats {
	return l.stats
}
