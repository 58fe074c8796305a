/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package reader

import (
	"fmt"

	"github.com/molberg/udpPacketManager/lofar"
	log "github.com/sirupsen/logrus"
)

const maxAlignPasses = 8

// align drives skipToPacket to convergence: after one skip, per-port
// deltas of up to a packet may remain when the exact target was lost on
// some port, so the skip is repeated from the maximum first packet
// observed across ports.
func (r *Reader) align(target int64) error {
	for pass := 0; pass < maxAlignPasses; pass++ {
		if err := r.skipToPacket(target); err != nil {
			return err
		}
		maxFirst := target
		for _, p := range r.ports {
			if first := lofar.PacketNumber(p.buf.packet(0), r.geom.Clock200MHz); first > maxFirst {
				maxFirst = first
			}
		}
		if maxFirst == target {
			return nil
		}
		log.Infof("first packet alignment: retrying from packet %d", maxFirst)
		target = maxFirst
	}
	return fmt.Errorf("%w: no convergence after %d passes", ErrAlignFailed, maxAlignPasses)
}

// skipToPacket advances every port's window until target lies inside
// it, then shifts each window so logical slot 0 holds the first packet
// with number >= target. Ports keep advancing in lock-step: every scan
// iteration reads fresh data on all ports, and a port whose window
// already covers the target carries its whole window so its next read
// is skipped.
func (r *Reader) skipToPacket(target int64) error {
	clock := r.geom.Clock200MHz
	n := r.packetsPerIteration

	for _, p := range r.ports {
		first := lofar.PacketNumber(p.buf.packet(0), clock)
		if first > target {
			return fmt.Errorf("%w: target %d precedes first packet %d on port %d", ErrTargetInPast, target, first, p.idx)
		}
	}

	// seed carries with the hole deficit of the current windows
	for _, p := range r.ports {
		first := lofar.PacketNumber(p.buf.packet(0), clock)
		last := lofar.PacketNumber(p.buf.packet(n-1), clock)
		p.carry = clampInt(int(last-first)+1-n, 0, n)
	}

	for {
		reached := 0
		for _, p := range r.ports {
			last := lofar.PacketNumber(p.buf.packet(n-1), clock)
			if last >= target {
				reached++
				p.carry = n
			}
		}
		if reached == len(r.ports) {
			break
		}
		if err := r.rawRead(false); err != nil {
			return fmt.Errorf("%w: %v", ErrAlignFailed, err)
		}
		if r.packetsPerIteration < n {
			return fmt.Errorf("%w: input exhausted before packet %d", ErrAlignFailed, target)
		}
		for _, p := range r.ports {
			first := lofar.PacketNumber(p.buf.packet(0), clock)
			last := lofar.PacketNumber(p.buf.packet(n-1), clock)
			if last >= target {
				p.carry = n
			} else {
				p.carry = clampInt(int(last-first)+1-n, 0, n)
			}
			log.Infof("port %d: scanning packets %d..%d towards %d", p.idx, first, last, target)
		}
	}

	// locate the target inside each window and shift it to slot 0
	for _, p := range r.ports {
		mid, err := p.findTargetSlot(target, n, clock)
		if err != nil {
			return err
		}
		p.carry = n - mid
		p.lastPacket = target - 1
	}
	if err := r.rawRead(true); err != nil {
		return fmt.Errorf("%w: %v", ErrAlignFailed, err)
	}
	return nil
}

// findTargetSlot binary-searches the window for the slot holding the
// target packet. When the exact target was lost, the search degenerates;
// the target is bumped by one and the interval widened by 10 on each
// side until a packet at or after the original target is found.
func (p *port) findTargetSlot(target int64, n int, clock200MHz bool) (int, error) {
	first := lofar.PacketNumber(p.buf.packet(0), clock200MHz)
	last := lofar.PacketNumber(p.buf.packet(n-1), clock200MHz)
	start := clampInt(int(target-first), 0, n-1)
	end := n - 1
	for {
		s, e := start, end
		for s <= e {
			mid := (s + e) / 2
			num := lofar.PacketNumber(p.buf.packet(mid), clock200MHz)
			if num == target {
				return mid, nil
			}
			if num < target {
				s = mid + 1
			} else {
				e = mid - 1
			}
		}
		target++
		if target > last {
			return 0, fmt.Errorf("%w: port %d: no packet at or after target in window %d..%d", ErrAlignFailed, p.idx, first, last)
		}
		start = clampInt(start-10, 0, n-1)
		end = clampInt(end+10, start, n-1)
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
