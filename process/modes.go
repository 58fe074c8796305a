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

// Package process implements the closed set of reformatting and Stokes
// kernels. A processing mode fixes the number of outputs, the output
// sample width, the per-packet output sizes and the transform itself;
// unknown mode IDs are rejected at setup.
package process

import (
	"errors"
	"fmt"

	"github.com/molberg/udpPacketManager/lofar"
)

var ErrUnknownMode = errors.New("unknown processing mode")

// kind is the kernel family a mode belongs to.
type kind int

const (
	kindCopy kind = iota // verbatim packets, header included
	kindCopyNoHeader
	kindSplit   // one output per data component
	kindReorder // all components in one plane
	kindDualPol // X and Y complex streams
	kindStokes
)

// layout fixes the output axis order for split/reorder/dual-pol modes.
type layout int

const (
	layoutPacket    layout = iota // input packet order
	layoutFrequency               // beamlet-major over the iteration
	layoutFrequencyReversed
	layoutTime // time-major over the iteration
)

// stokes component selectors
const (
	stokesI = iota
	stokesQ
	stokesU
	stokesV
)

type modeSpec struct {
	kind       kind
	layout     layout
	stokes     []int
	decimation int
}

// modeTable is the closed mode set. Stokes decimation exponents differ
// per group: single-component modes use 2^((m%10)+2), the four-component
// group 2^(m%10) and the two-component group 2^((m%10)+1).
var modeTable = map[int]modeSpec{
	0: {kind: kindCopy},
	1: {kind: kindCopyNoHeader},

	2:  {kind: kindSplit, layout: layoutPacket},
	10: {kind: kindReorder, layout: layoutFrequency},
	11: {kind: kindSplit, layout: layoutFrequency},
	20: {kind: kindReorder, layout: layoutFrequencyReversed},
	21: {kind: kindSplit, layout: layoutFrequencyReversed},
	30: {kind: kindReorder, layout: layoutTime},
	31: {kind: kindSplit, layout: layoutTime},
	32: {kind: kindDualPol, layout: layoutTime},
}

func init() {
	for i, comp := range []int{stokesI, stokesQ, stokesU, stokesV} {
		base := 100 + 10*i
		modeTable[base] = modeSpec{kind: kindStokes, stokes: []int{comp}, decimation: 1}
		for d := 1; d <= 4; d++ {
			modeTable[base+d] = modeSpec{kind: kindStokes, stokes: []int{comp}, decimation: 1 << (d + 2)}
		}
	}
	modeTable[150] = modeSpec{kind: kindStokes, stokes: []int{stokesI, stokesQ, stokesU, stokesV}, decimation: 1}
	for d := 1; d <= 4; d++ {
		modeTable[150+d] = modeSpec{kind: kindStokes, stokes: []int{stokesI, stokesQ, stokesU, stokesV}, decimation: 1 << d}
	}
	modeTable[160] = modeSpec{kind: kindStokes, stokes: []int{stokesI, stokesV}, decimation: 1}
	for d := 1; d <= 4; d++ {
		modeTable[160+d] = modeSpec{kind: kindStokes, stokes: []int{stokesI, stokesV}, decimation: 1 << (d + 1)}
	}
}

// Processor is a configured kernel instance bound to a session geometry.
type Processor struct {
	Mode int

	spec      modeSpec
	geom      *lofar.Geometry
	calibrate bool

	numOutputs int
	// outBytes is the width of one output sample component.
	outBytes int
}

// New validates the mode and binds it to the session geometry.
// calibrate selects the 32-bit float calibrated path; the caller has
// already rejected/downgraded calibration for modes 0 and 1.
func New(mode int, geom *lofar.Geometry, calibrate bool) (*Processor, error) {
	spec, ok := modeTable[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMode, mode)
	}
	p := &Processor{Mode: mode, spec: spec, geom: geom, calibrate: calibrate}

	switch spec.kind {
	case kindCopy, kindCopyNoHeader:
		p.numOutputs = geom.NumPorts
	case kindSplit:
		p.numOutputs = lofar.DataComponents
	case kindReorder:
		p.numOutputs = 1
	case kindDualPol:
		p.numOutputs = 2
	case kindStokes:
		p.numOutputs = len(spec.stokes)
	}

	switch {
	case spec.kind == kindCopy || spec.kind == kindCopyNoHeader:
		p.outBytes = 0 // byte copies, raw width preserved
	case spec.kind == kindStokes || calibrate:
		p.outBytes = 4 // float32
	case geom.BitMode == lofar.BitMode16:
		p.outBytes = 2
	default:
		// 8-bit stays 8-bit, 4-bit unpacks to 8-bit
		p.outBytes = 1
	}
	return p, nil
}

// NumOutputs is the number of output buffers the kernel fills.
func (p *Processor) NumOutputs() int { return p.numOutputs }

// OutputBits is the output sample width; 0 means "same as input".
func (p *Processor) OutputBits() int {
	if p.outBytes == 0 {
		return 0
	}
	return p.outBytes * 8
}

// Decimation is the time decimation factor (1 for non-Stokes modes).
func (p *Processor) Decimation() int {
	if p.spec.decimation == 0 {
		return 1
	}
	return p.spec.decimation
}

// PacketOutputLength is the number of bytes output o grows by for every
// input packet interval.
func (p *Processor) PacketOutputLength(o int) int {
	g := p.geom
	samples := g.TotalProcBeamlets * lofar.TimeslicesPerPacket
	switch p.spec.kind {
	case kindCopy:
		return g.PortPacketLength[o]
	case kindCopyNoHeader:
		return g.PortPacketLength[o] - lofar.HeaderSize
	case kindSplit:
		return samples * p.outBytes
	case kindReorder:
		return samples * lofar.DataComponents * p.outBytes
	case kindDualPol:
		return samples * 2 * p.outBytes
	case kindStokes:
		return samples * p.outBytes / p.Decimation()
	}
	return 0
}

// TimeDecimationValid reports whether the iteration length divides the
// decimation factor evenly.
func (p *Processor) TimeDecimationValid(packetsPerIteration int) bool {
	return packetsPerIteration*lofar.TimeslicesPerPacket%p.Decimation() == 0
}
