// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package dataplane

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/noisysockets/netutil/waitpool"
)

// PacketPool is a worker-local free list of packets. Borrowing transfers
// ownership to the caller; transmitting to a link transfers it onward, and
// whoever ends up holding the packet releases it. The pool is bounded: a
// worker that leaks packets eventually exhausts it, which is why the debug
// mode tracks who borrowed what.
type PacketPool struct {
	pool      *waitpool.WaitPool[*Packet]
	debug     bool
	borrowed  atomic.Int64
	highWater atomic.Int64
	borrowers sync.Map // borrower name -> *atomic.Int32
}

// NewPacketPool creates a pool bounded at max packets in flight. With
// debug set, every borrow records its caller so leaks can be attributed.
func NewPacketPool(max int, debug bool) *PacketPool {
	var pp *PacketPool
	pp = &PacketPool{
		pool: waitpool.New(uint32(max), func() *Packet {
			return &Packet{
				pool: pp,
			}
		}),
		debug: debug,
	}
	return pp
}

// Borrow acquires a packet, reset with its full headroom in front of the
// payload.
func (p *PacketPool) Borrow() *Packet {
	pkt := p.pool.Get()
	pkt.Reset()

	n := p.borrowed.Add(1)
	for {
		hw := p.highWater.Load()
		if n <= hw || p.highWater.CompareAndSwap(hw, n) {
			break
		}
	}

	if p.debug {
		pkt.borrowerName = callerName()
		counter, _ := p.borrowers.LoadOrStore(pkt.borrowerName, &atomic.Int32{})
		counter.(*atomic.Int32).Add(1)
	}

	return pkt
}

// Release returns a packet to the pool.
func (p *PacketPool) Release(pkt *Packet) {
	p.pool.Put(pkt)
	p.borrowed.Add(-1)

	if p.debug {
		if counter, ok := p.borrowers.Load(pkt.borrowerName); ok {
			counter.(*atomic.Int32).Add(-1)
		}
	}
}

// Count returns the number of packets currently borrowed.
func (p *PacketPool) Count() int {
	return p.pool.Count()
}

// HighWater returns the largest number of packets that were ever borrowed
// at once, for sizing the pool against real traffic.
func (p *PacketPool) HighWater() int {
	return int(p.highWater.Load())
}

// Borrowers returns the outstanding borrow count per call site. Only
// populated in debug mode; the map is a snapshot.
func (p *PacketPool) Borrowers() map[string]int {
	out := make(map[string]int)
	p.borrowers.Range(func(k, v any) bool {
		if n := v.(*atomic.Int32).Load(); n != 0 {
			out[k.(string)] = int(n)
		}
		return true
	})
	return out
}

// callerName names the function that called Borrow, two frames up.
func callerName() string {
	pc, _, _, _ := runtime.Caller(2)
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "unknown"
	}
	name := fn.Name()
	if file, line := fn.FileLine(pc); file != "" {
		name += fmt.Sprintf(":%d", line)
	}
	return name
}
