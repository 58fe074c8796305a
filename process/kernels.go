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

package process

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/molberg/udpPacketManager/lofar"
	"golang.org/x/sync/errgroup"
)

// Calibration is the Jones matrix view the kernels consume. Jones holds
// one row per generated time step, TotalProcBeamlets*4 entries per row
// in J00/J01/J10/J11 order. BaseStep is the step matching the first time
// slice of this iteration; indexing wraps modulo len(Jones).
type Calibration struct {
	Jones    [][]complex64
	BaseStep int
}

func (c *Calibration) row(globalTime int) []complex64 {
	return c.Jones[(c.BaseStep+globalTime)%len(c.Jones)]
}

// Run executes the configured kernel over one iteration window.
// src[port][slot] is the full packet (header included) resolved for
// output slot; dropped slots have already been replaced by the replay or
// zero packet. Every out[o] must hold len(src[port]) packet intervals.
func (p *Processor) Run(src [][][]byte, out [][]byte, cal *Calibration, workers int) error {
	if len(out) != p.numOutputs {
		return fmt.Errorf("kernel expects %d outputs, got %d", p.numOutputs, len(out))
	}
	ppi := len(src[0])
	for o := range out {
		if want := ppi * p.PacketOutputLength(o); len(out[o]) != want {
			return fmt.Errorf("output %d: expected %d bytes, got %d", o, want, len(out[o]))
		}
	}
	if p.calibrate && (cal == nil || len(cal.Jones) == 0) {
		return fmt.Errorf("calibrated kernel invoked without jones matrices")
	}

	switch p.spec.kind {
	case kindCopy, kindCopyNoHeader:
		return p.runCopy(src, out, workers)
	case kindStokes:
		return p.runStokes(src, out, cal, workers)
	default:
		return p.runVoltage(src, out, cal, workers)
	}
}

func (p *Processor) runCopy(src [][][]byte, out [][]byte, workers int) error {
	skip := 0
	if p.spec.kind == kindCopyNoHeader {
		skip = lofar.HeaderSize
	}
	eg := errgroup.Group{}
	eg.SetLimit(workers)
	for port := range src {
		port := port
		plen := p.PacketOutputLength(port)
		eg.Go(func() error {
			for slot, pkt := range src[port] {
				copy(out[port][slot*plen:(slot+1)*plen], pkt[skip:])
			}
			return nil
		})
	}
	return eg.Wait()
}

// position maps (slot, timeslice, global beamlet) onto the sample index
// of the mode's output plane.
func (p *Processor) position(slot, t, gb, ppi int) int {
	totalTime := ppi * lofar.TimeslicesPerPacket
	gt := slot*lofar.TimeslicesPerPacket + t
	total := p.geom.TotalProcBeamlets
	switch p.spec.layout {
	case layoutPacket:
		return (slot*total+gb)*lofar.TimeslicesPerPacket + t
	case layoutFrequency:
		return gb*totalTime + gt
	case layoutFrequencyReversed:
		return (total-1-gb)*totalTime + gt
	default: // layoutTime
		return gt*total + gb
	}
}

func (p *Processor) writeSample(dst []byte, idx int, v int32) {
	switch p.outBytes {
	case 2:
		binary.LittleEndian.PutUint16(dst[2*idx:], uint16(int16(v)))
	default:
		dst[idx] = byte(int8(v))
	}
}

func writeFloat(dst []byte, idx int, v float32) {
	binary.LittleEndian.PutUint32(dst[4*idx:], math.Float32bits(v))
}

// runVoltage handles the split, reorder and dual-pol families. Work is
// sharded per (port, slot); slots write disjoint time ranges of every
// output, so workers never overlap.
func (p *Processor) runVoltage(src [][][]byte, out [][]byte, cal *Calibration, workers int) error {
	sampler := samplerFor(p.geom.BitMode)
	ppi := len(src[0])
	eg := errgroup.Group{}
	eg.SetLimit(workers)
	for port := range src {
		port := port
		base := p.geom.BaseBeamlets[port]
		upper := p.geom.UpperBeamlets[port]
		cum := p.geom.PortCumulative[port]
		for slot := 0; slot < len(src[port]); slot++ {
			slot := slot
			eg.Go(func() error {
				payload := src[port][slot][lofar.HeaderSize:]
				var comps [lofar.DataComponents]float32
				for b := base; b < upper; b++ {
					gb := cum + b - base
					for t := 0; t < lofar.TimeslicesPerPacket; t++ {
						idx := (b*lofar.TimeslicesPerPacket + t) * lofar.DataComponents
						pos := p.position(slot, t, gb, ppi)
						if p.calibrate {
							x, y := calibrated(sampler, payload, idx, cal.row(slot*lofar.TimeslicesPerPacket+t), gb)
							comps[0], comps[1] = real(x), imag(x)
							comps[2], comps[3] = real(y), imag(y)
							p.emitFloats(out, pos, comps[:])
							continue
						}
						for c := 0; c < lofar.DataComponents; c++ {
							v := sampler(payload, idx+c)
							switch p.spec.kind {
							case kindSplit:
								p.writeSample(out[c], pos, v)
							case kindReorder:
								p.writeSample(out[0], pos*lofar.DataComponents+c, v)
							case kindDualPol:
								p.writeSample(out[c>>1], pos*2+c&1, v)
							}
						}
					}
				}
				return nil
			})
		}
	}
	return eg.Wait()
}

func (p *Processor) emitFloats(out [][]byte, pos int, comps []float32) {
	switch p.spec.kind {
	case kindSplit:
		for c, v := range comps {
			writeFloat(out[c], pos, v)
		}
	case kindReorder:
		for c, v := range comps {
			writeFloat(out[0], pos*lofar.DataComponents+c, v)
		}
	case kindDualPol:
		for c, v := range comps {
			writeFloat(out[c>>1], pos*2+c&1, v)
		}
	}
}

// calibrated reads the X/Y pair at idx and applies the beamlet's Jones
// matrix for this time slice.
func calibrated(sampler sampleFn, payload []byte, idx int, row []complex64, gb int) (complex64, complex64) {
	x := complex(float32(sampler(payload, idx)), float32(sampler(payload, idx+1)))
	y := complex(float32(sampler(payload, idx+2)), float32(sampler(payload, idx+3)))
	j := row[gb*4 : gb*4+4]
	return j[0]*x + j[1]*y, j[2]*x + j[3]*y
}

// runStokes handles every Stokes family mode. Work is sharded per
// (port, beamlet) and slots run serially inside a shard, so decimation
// windows may span packet boundaries without write races.
func (p *Processor) runStokes(src [][][]byte, out [][]byte, cal *Calibration, workers int) error {
	sampler := samplerFor(p.geom.BitMode)
	decim := p.Decimation()
	total := p.geom.TotalProcBeamlets
	if len(src[0])*lofar.TimeslicesPerPacket%decim != 0 {
		// a narrowed end-of-stream window may not fill every decimation
		// bin; drop the partial sums rather than emit stale bytes
		for o := range out {
			for i := range out[o] {
				out[o][i] = 0
			}
		}
	}
	eg := errgroup.Group{}
	eg.SetLimit(workers)
	for port := range src {
		port := port
		base := p.geom.BaseBeamlets[port]
		upper := p.geom.UpperBeamlets[port]
		cum := p.geom.PortCumulative[port]
		for b := base; b < upper; b++ {
			b := b
			eg.Go(func() error {
				gb := cum + b - base
				var acc [lofar.DataComponents]float32
				for slot, pkt := range src[port] {
					payload := pkt[lofar.HeaderSize:]
					for t := 0; t < lofar.TimeslicesPerPacket; t++ {
						idx := (b*lofar.TimeslicesPerPacket + t) * lofar.DataComponents
						gt := slot*lofar.TimeslicesPerPacket + t
						var x, y complex64
						if p.calibrate {
							x, y = calibrated(sampler, payload, idx, cal.row(gt), gb)
						} else {
							x = complex(float32(sampler(payload, idx)), float32(sampler(payload, idx+1)))
							y = complex(float32(sampler(payload, idx+2)), float32(sampler(payload, idx+3)))
						}
						for i, comp := range p.spec.stokes {
							acc[i] += stokesValue(comp, x, y)
						}
						if (gt+1)%decim == 0 {
							outPos := (gt/decim)*total + gb
							for i := range p.spec.stokes {
								writeFloat(out[i], outPos, acc[i])
								acc[i] = 0
							}
						}
					}
				}
				return nil
			})
		}
	}
	return eg.Wait()
}

func stokesValue(comp int, x, y complex64) float32 {
	xr, xi := real(x), imag(x)
	yr, yi := real(y), imag(y)
	switch comp {
	case stokesI:
		return xr*xr + xi*xi + yr*yr + yi*yi
	case stokesQ:
		return xr*xr + xi*xi - yr*yr - yi*yi
	case stokesU:
		return 2 * (xr*yr + xi*yi)
	default: // stokesV
		return 2 * (xi*yr - xr*yi)
	}
}
