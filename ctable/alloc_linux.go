//go:build linux

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
	"fmt"

	"golang.org/x/sys/unix"
)

// hugePageThreshold is the backing size above which a hugepage mapping is
// attempted. Hugepages are a performance optimization only; every failure
// falls back transparently.
const hugePageThreshold = 2 << 20

type backing struct {
	data   []byte
	mapped bool
}

func allocBacking(n int) (*backing, error) {
	if n >= hugePageThreshold {
		data, err := unix.Mmap(-1, 0, n,
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_HUGETLB)
		if err == nil {
			return &backing{data: data, mapped: true}, nil
		}

		data, err = unix.Mmap(-1, 0, n,
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err == nil {
			return &backing{data: data, mapped: true}, nil
		}
		return nil, fmt.Errorf("mmap of %d bytes failed: %w", n, err)
	}
	return &backing{data: make([]byte, n)}, nil
}

func (b *backing) release() {
	if b.mapped {
		data := b.data
		b.data = nil
		if err := unix.Munmap(data); err != nil {
			panic("ctable: munmap failed: " + err.Error())
		}
		return
	}
	b.data = nil
}
