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
	"github.com/molberg/udpPacketManager/lofar"
	"github.com/molberg/udpPacketManager/transport"
	log "github.com/sirupsen/logrus"
)

// port bundles one input stream with its window buffer and loss
// bookkeeping.
type port struct {
	idx          int
	tr           transport.Transport
	buf          *portBuffer
	packetLength int

	// lastPacket is the number of the last packet emitted to a window
	// slot (or target-1 right after alignment).
	lastPacket int64

	// carry counts packets held over at the front of the window: input
	// that arrived early past holes and must not be re-read. The next
	// read lands after them and reads that much less.
	carry int

	totalRead    int64
	totalDropped int64
}

// plan walks the n-packet window and resolves every output slot to its
// source packet. A slot whose expected packet number is missing becomes
// a hole: it replays the most recent valid packet (the guard slot -1
// across the iteration boundary) when replay is on, or the permanently
// zeroed guard slot -2 otherwise. Unconsumed input packets at the tail
// become the next iteration's carry.
func (p *port) plan(n int, clock200MHz, replay bool) [][]byte {
	srcs := make([][]byte, n)
	iWork := 0
	holes := 0
	for slot := 0; slot < n; slot++ {
		expected := p.lastPacket + 1
		consumed := false
		for iWork < n {
			num := lofar.PacketNumber(p.buf.packet(iWork), clock200MHz)
			if num < expected {
				log.Warnf("port %d: out-of-order packet %d before %d, skipping", p.idx, num, expected)
				iWork++
				continue
			}
			if num == expected {
				srcs[slot] = p.buf.packet(iWork)
				iWork++
				consumed = true
			}
			break
		}
		if !consumed {
			holes++
			switch {
			case !replay:
				srcs[slot] = p.buf.packet(-guardPackets)
			case iWork > 0:
				srcs[slot] = p.buf.packet(iWork - 1)
			default:
				srcs[slot] = p.buf.packet(-1)
			}
		}
		p.lastPacket = expected
	}
	p.carry = n - iWork
	p.totalDropped += int64(holes)
	return srcs
}

// shiftRemainder moves the carried tail packets of the previous window
// (lastWindow packets long) to the window start. With padding requested
// the packet preceding the remainder lands in guard slot -1 so the next
// window can replay it; without replay the guard region is zeroed so
// holes substitute zeros instead.
func (p *port) shiftRemainder(lastWindow int, handlePadding, replay bool) {
	shift := p.carry
	if shift < 0 {
		log.Warnf("port %d: negative shift %d from out-of-order data, clamping", p.idx, shift)
		shift = 0
	}
	if shift > lastWindow {
		shift = lastWindow
	}
	padding := 0
	if handlePadding {
		padding = 1
	}
	count := (shift + padding) * p.packetLength
	src := (lastWindow - shift - padding) * p.packetLength
	dst := -padding * p.packetLength
	if src != dst && count > 0 {
		p.buf.move(dst, src, count)
	}
	if !replay {
		p.buf.zeroGuard()
	}
	p.carry = shift
}
