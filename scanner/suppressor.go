// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package scanner suppresses address scans with a threshold-random-walk
// heuristic over two approximate caches: a per-flow connection cache and
// a per-external-address connection-count cache. Sources whose count of
// apparent connection misses reaches the block threshold have their
// flow-opening packets dropped until the counts decay.
package scanner

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"net/netip"
	"time"

	"github.com/noisysockets/netutil/defaults"
	"github.com/noisysockets/netutil/ptr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/packetgarden/dataplane"
	"github.com/packetgarden/dataplane/classify"
	"github.com/packetgarden/dataplane/ctable"
)

// Config is the configuration for a Suppressor.
type Config struct {
	// InsideNetworks designates the trusted side. Required.
	InsideNetworks []netip.Prefix
	// BlockThreshold is the miss count at which a source is blocked.
	// Comparison is strict: a source at exactly the threshold is blocked.
	BlockThreshold *int
	// CMin and CMax clamp the per-address counts. Writes at or beyond
	// either bound are discarded. A nil CMax means unbounded.
	CMin *int
	CMax *int
	// DMissTicks is the miss-count decay period in ticks.
	DMissTicks *uint64
	// AgeIntervalTicks is the connection aging period in ticks, and
	// DConnTicks the idle age at which a connection entry expires.
	AgeIntervalTicks *uint64
	DConnTicks       *uint64
	// ConnCacheSize and AddrCacheLines size the two caches. Neither is
	// ever resized.
	ConnCacheSize  *int
	AddrCacheLines *int
	// TickInterval is the wall duration of one tick for the default
	// clock.
	TickInterval *time.Duration
	// Now overrides the tick clock, for tests.
	Now func() uint64
	// Registerer receives the suppressor metrics; nil skips registration.
	Registerer prometheus.Registerer
}

var defaultConfig = Config{
	BlockThreshold:   ptr.To(5),
	CMin:             ptr.To(-5),
	DMissTicks:       ptr.To(uint64(1)),
	AgeIntervalTicks: ptr.To(uint64(1)),
	DConnTicks:       ptr.To(uint64(30)),
	ConnCacheSize:    ptr.To(1_000_000),
	AddrCacheLines:   ptr.To(1_000_000),
	TickInterval:     ptr.To(time.Second),
}

// Suppressor is the scan-suppression app. It classifies packets between
// the trusted and untrusted sides, maintains the two approximate caches
// and forwards or drops accordingly.
type Suppressor struct {
	logger *slog.Logger
	input  *dataplane.Link
	output *dataplane.Link

	matcher *classify.Matcher
	conn    *connCache
	addr    *addrCache

	blockThreshold int
	cMin           int
	cMax           int

	dMissTicks       uint64
	ageIntervalTicks uint64
	dConnTicks       uint64

	now       func() uint64
	missTimer uint64
	ageTimer  uint64

	metrics dataplane.AppMetrics
}

// New creates a suppressor between the given links.
func New(logger *slog.Logger, input, output *dataplane.Link, conf *Config) (*Suppressor, error) {
	conf, err := defaults.WithDefaults(conf, &defaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to populate configuration with defaults: %w", err)
	}

	if len(conf.InsideNetworks) == 0 {
		return nil, fmt.Errorf("no inside networks configured")
	}

	cMax := math.MaxInt32
	if conf.CMax != nil {
		cMax = *conf.CMax
	}
	if *conf.CMin >= cMax {
		return nil, fmt.Errorf("count clamp range [%d, %d) is empty", *conf.CMin, cMax)
	}

	// The seed honors RANDOM_SEED for reproducible cache placement.
	seedBytes := ctable.NewSeed()
	seed := binary.LittleEndian.Uint64(seedBytes[:8])

	addr, err := newAddrCache(*conf.AddrCacheLines, seed)
	if err != nil {
		return nil, err
	}

	now := conf.Now
	if now == nil {
		epoch := time.Now()
		interval := *conf.TickInterval
		now = func() uint64 {
			return uint64(time.Since(epoch) / interval)
		}
	}

	s := &Suppressor{
		logger:           logger,
		input:            input,
		output:           output,
		matcher:          classify.Compile(conf.InsideNetworks),
		conn:             newConnCache(*conf.ConnCacheSize, seed),
		addr:             addr,
		blockThreshold:   *conf.BlockThreshold,
		cMin:             *conf.CMin,
		cMax:             cMax,
		dMissTicks:       *conf.DMissTicks,
		ageIntervalTicks: *conf.AgeIntervalTicks,
		dConnTicks:       *conf.DConnTicks,
		now:              now,
		metrics:          dataplane.NewAppMetrics(conf.Registerer, "scan_suppressor"),
	}
	s.missTimer = s.now() + s.dMissTicks
	s.ageTimer = s.now() + s.ageIntervalTicks
	return s, nil
}

// AddressCount returns the current count for an external IPv4 address,
// in host byte order. Exposed for observability.
func (s *Suppressor) AddressCount(ip uint32) int {
	return s.addr.count(ip)
}

// Push runs housekeeping when due, then drains the input link until it is
// empty or the output link fills. Housekeeping never runs mid-packet.
func (s *Suppressor) Push() {
	now := s.now()
	if now >= s.missTimer {
		s.addr.decay()
		s.missTimer = now + s.dMissTicks
	}
	if now >= s.ageTimer {
		s.conn.age(s.dConnTicks)
		s.ageTimer = now + s.ageIntervalTicks
	}

	for !s.input.Empty() && !s.output.Full() {
		pkt := s.input.Receive()
		if s.process(pkt.Bytes()) {
			s.metrics.Forwarded.Inc()
			s.output.Transmit(pkt)
		} else {
			s.metrics.Dropped.Inc()
			pkt.Release()
		}
	}
}

// process returns whether the packet is forwarded. Packets that are not
// IPv4 between the two sides, malformed ones included, are forwarded.
func (s *Suppressor) process(data []byte) bool {
	m := s.matcher.Classify(data)
	switch m.Dir {
	case classify.DirInsideToOutside:
		s.insideToOutside(m)
		return true
	case classify.DirOutsideToInside:
		return s.outsideToInside(m)
	default:
		return true
	}
}

// setCount applies the clamp-discard write semantics.
func (s *Suppressor) setCount(addr uint32, c int) {
	s.addr.setCount(addr, c, s.cMin, s.cMax)
}

// insideToOutside handles a packet from the trusted side. It is always
// forwarded; a first inside->outside sighting of a bucket that outside
// reached first retroactively turns that miss into a hit.
func (s *Suppressor) insideToOutside(m classify.Match) {
	count := s.addr.count(m.DstIP)
	i := s.conn.index(classify.FlowKeyFromMatch(m))
	e := s.conn.slots[i]

	if e&connFlagInToOut == 0 {
		if e&connFlagOutToIn != 0 {
			s.setCount(m.DstIP, count-2)
		}
		e |= connFlagInToOut
	}
	s.conn.slots[i] = e &^ connAgeMask
}

// outsideToInside handles a packet from the untrusted side, returning
// whether it is forwarded.
func (s *Suppressor) outsideToInside(m classify.Match) bool {
	count := s.addr.count(m.SrcIP)
	i := s.conn.index(classify.FlowKeyFromMatch(m))
	e := s.conn.slots[i]

	if count < s.blockThreshold {
		if e&connFlagOutToIn == 0 {
			switch {
			case e&connFlagInToOut != 0:
				// The inside host initiated this bucket: a hit.
				s.setCount(m.SrcIP, count-1)
				e |= connFlagOutToIn
			case classify.Hygiene(m):
				// Cannot open a flow and matches nothing known.
				return false
			default:
				// A potential miss until the inside answers.
				s.setCount(m.SrcIP, count+1)
				e |= connFlagOutToIn
			}
		}
		s.conn.slots[i] = e &^ connAgeMask
		return true
	}

	// The source is presumed scanning. Only buckets with inside->outside
	// history keep working, and not for flow-opening packets.
	if e&connFlagInToOut != 0 {
		if classify.BlockSensitive(m) {
			return false
		}
		if e&connFlagOutToIn == 0 {
			s.setCount(m.SrcIP, count-1)
			e |= connFlagOutToIn
		}
		s.conn.slots[i] = e &^ connAgeMask
		return true
	}
	return false
}
