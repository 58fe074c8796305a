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

package lofar

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Geometry is everything the reader needs to know about the session's
// packet shape, derived once from the first header of every port.
type Geometry struct {
	NumPorts    int
	BitMode     BitMode
	Clock200MHz bool
	StationID   int

	// Per-port raw beamlet counts and their cumulative offsets across ports.
	PortRawBeamlets   []int
	PortRawCumulative []int

	// Per-port processed beamlet window [BaseBeamlets, UpperBeamlets) after
	// applying the global beamlet limits, and the cumulative processed
	// offset of each port's first kept beamlet.
	BaseBeamlets   []int
	UpperBeamlets  []int
	PortCumulative []int

	PortPacketLength []int

	TotalRawBeamlets  int
	TotalProcBeamlets int
}

// PortProcBeamlets returns the number of beamlets kept on the given port.
func (g *Geometry) PortProcBeamlets(port int) int {
	return g.UpperBeamlets[port] - g.BaseBeamlets[port]
}

// ParseHeaders validates the first header of every port, checks the
// cross-port invariants and derives the session geometry.
// beamletLimits is the global [lo, hi) subrange of raw beamlets to keep;
// (0, 0) keeps everything.
func ParseHeaders(headers [][]byte, beamletLimits [2]int) (*Geometry, error) {
	numPorts := len(headers)
	g := &Geometry{
		NumPorts:          numPorts,
		PortRawBeamlets:   make([]int, numPorts),
		PortRawCumulative: make([]int, numPorts),
		BaseBeamlets:      make([]int, numPorts),
		UpperBeamlets:     make([]int, numPorts),
		PortCumulative:    make([]int, numPorts),
		PortPacketLength:  make([]int, numPorts),
	}

	var first Header
	for port, raw := range headers {
		hdr := DecodeHeader(raw)
		if err := hdr.Validate(); err != nil {
			return nil, fmt.Errorf("port %d: %w", port, err)
		}
		if port == 0 {
			first = hdr
			g.BitMode = hdr.BitMode()
			g.Clock200MHz = hdr.Source.Clock200MHz()
			g.StationID = hdr.StationID()
		} else {
			if hdr.Source.Clock200MHz() != first.Source.Clock200MHz() {
				return nil, fmt.Errorf("port %d: %w", port, ErrMixedClocks)
			}
			if hdr.BitMode() != first.BitMode() {
				return nil, fmt.Errorf("port %d: %w", port, ErrMixedBitModes)
			}
			if hdr.StationID() != first.StationID() {
				log.Warnf("port %d: station %d differs from port 0 station %d", port, hdr.StationID(), first.StationID())
			}
		}

		g.PortRawBeamlets[port] = int(hdr.Beamlets)
		g.PortRawCumulative[port] = g.TotalRawBeamlets
		g.TotalRawBeamlets += int(hdr.Beamlets)
		g.PortPacketLength[port] = HeaderSize + g.BitMode.PayloadLength(int(hdr.Beamlets))
		if g.PortPacketLength[port] != g.PortPacketLength[0] {
			log.Warnf("port %d: packet length %d differs from port 0 length %d",
				port, g.PortPacketLength[port], g.PortPacketLength[0])
		}
	}

	lo, hi := beamletLimits[0], beamletLimits[1]
	if lo == 0 && hi == 0 {
		hi = g.TotalRawBeamlets
	}
	if lo < 0 || hi > g.TotalRawBeamlets || lo >= hi {
		return nil, fmt.Errorf("beamlet limits [%d, %d) outside [0, %d)", lo, hi, g.TotalRawBeamlets)
	}

	for port := range headers {
		raw := g.PortRawBeamlets[port]
		cum := g.PortRawCumulative[port]
		base := clamp(lo-cum, 0, raw)
		upper := clamp(hi-cum, 0, raw)
		g.BaseBeamlets[port] = base
		g.UpperBeamlets[port] = upper
		g.PortCumulative[port] = g.TotalProcBeamlets
		g.TotalProcBeamlets += upper - base
	}

	return g, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (g *Geometry) String() string {
	clock := "160MHz"
	if g.Clock200MHz {
		clock = "200MHz"
	}
	return fmt.Sprintf("station %d, %d ports, %s, %s, %d/%d beamlets",
		g.StationID, g.NumPorts, clock, g.BitMode, g.TotalProcBeamlets, g.TotalRawBeamlets)
}
