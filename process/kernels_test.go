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
	"math"
	"testing"

	"github.com/molberg/udpPacketManager/lofar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makePacket assembles a full packet for the geometry's port 0 shape
// with a payload generated per component index.
func makePacket(g *lofar.Geometry, gen func(idx int) int32) []byte {
	beamlets := g.PortRawBeamlets[0]
	pkt := make([]byte, g.PortPacketLength[0])
	payload := pkt[lofar.HeaderSize:]
	n := beamlets * lofar.TimeslicesPerPacket * lofar.DataComponents
	for i := 0; i < n; i++ {
		v := gen(i)
		switch g.BitMode {
		case lofar.BitMode16:
			binary.LittleEndian.PutUint16(payload[2*i:], uint16(int16(v)))
		case lofar.BitMode8:
			payload[i] = byte(int8(v))
		case lofar.BitMode4:
			nib := byte(int8(v)) & 0x0f
			if i&1 == 0 {
				payload[i>>1] |= nib
			} else {
				payload[i>>1] |= nib << 4
			}
		}
	}
	return pkt
}

func makeOutputs(p *Processor, ppi int) [][]byte {
	out := make([][]byte, p.NumOutputs())
	for o := range out {
		out[o] = make([]byte, ppi*p.PacketOutputLength(o))
	}
	return out
}

func floatAt(b []byte, idx int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b[4*idx:]))
}

func TestCopyNoHeaderIdentity(t *testing.T) {
	g := testGeometry(t, lofar.BitMode8, 4)
	p, err := New(1, g, false)
	require.NoError(t, err)

	pkt0 := makePacket(g, func(i int) int32 { return int32(i) })
	pkt1 := makePacket(g, func(i int) int32 { return int32(i + 1) })
	out := makeOutputs(p, 2)
	require.NoError(t, p.Run([][][]byte{{pkt0, pkt1}}, out, nil, 4))

	want := append(append([]byte{}, pkt0[lofar.HeaderSize:]...), pkt1[lofar.HeaderSize:]...)
	assert.Equal(t, want, out[0])
}

func TestCopyKeepsHeader(t *testing.T) {
	g := testGeometry(t, lofar.BitMode8, 4)
	p, err := New(0, g, false)
	require.NoError(t, err)

	pkt := makePacket(g, func(i int) int32 { return int32(i % 100) })
	copy(pkt[:lofar.HeaderSize], []byte{3, 0x80, 1, 0, 0, 0, 4, 16, 1, 2, 3, 4, 5, 6, 7, 8})
	out := makeOutputs(p, 1)
	require.NoError(t, p.Run([][][]byte{{pkt}}, out, nil, 4))
	assert.Equal(t, pkt, out[0])
}

func TestSplitComponents(t *testing.T) {
	g := testGeometry(t, lofar.BitMode8, 1)
	p, err := New(2, g, false)
	require.NoError(t, err)

	// component index i = t*4 + c; store t*4+c so planes are recognisable
	pkt := makePacket(g, func(i int) int32 { return int32(i % 64) })
	out := makeOutputs(p, 1)
	require.NoError(t, p.Run([][][]byte{{pkt}}, out, nil, 4))

	for c := 0; c < 4; c++ {
		for ts := 0; ts < lofar.TimeslicesPerPacket; ts++ {
			assert.Equal(t, byte(ts*4+c), out[c][ts], "component %d timeslice %d", c, ts)
		}
	}
}

func TestReorderTimeMajor(t *testing.T) {
	g := testGeometry(t, lofar.BitMode8, 2)
	p, err := New(30, g, false)
	require.NoError(t, err)

	// value encodes beamlet in the high digit: i/64*10 + component
	pkt := makePacket(g, func(i int) int32 { return int32(i/64*10 + i%4) })
	out := makeOutputs(p, 1)
	require.NoError(t, p.Run([][][]byte{{pkt}}, out, nil, 4))

	// time-major: [time][beamlet][component]
	for ts := 0; ts < lofar.TimeslicesPerPacket; ts++ {
		for b := 0; b < 2; b++ {
			for c := 0; c < 4; c++ {
				idx := (ts*2+b)*4 + c
				assert.Equal(t, byte(b*10+c), out[0][idx], "t %d b %d c %d", ts, b, c)
			}
		}
	}
}

func TestReorderFrequencyReversed(t *testing.T) {
	g := testGeometry(t, lofar.BitMode8, 2)
	p, err := New(20, g, false)
	require.NoError(t, err)

	pkt := makePacket(g, func(i int) int32 { return int32(i / 64) }) // beamlet id
	out := makeOutputs(p, 1)
	require.NoError(t, p.Run([][][]byte{{pkt}}, out, nil, 4))

	// beamlet 1 comes first
	assert.Equal(t, byte(1), out[0][0])
	assert.Equal(t, byte(0), out[0][16*4])
}

func TestDualPolSplit(t *testing.T) {
	g := testGeometry(t, lofar.BitMode8, 1)
	p, err := New(32, g, false)
	require.NoError(t, err)

	// X components get 1,2; Y components get 3,4
	pkt := makePacket(g, func(i int) int32 { return int32(i%4 + 1) })
	out := makeOutputs(p, 1)
	require.NoError(t, p.Run([][][]byte{{pkt}}, out, nil, 4))

	assert.Equal(t, []byte{1, 2}, out[0][:2])
	assert.Equal(t, []byte{3, 4}, out[1][:2])
}

func TestStokesIReference(t *testing.T) {
	g := testGeometry(t, lofar.BitMode16, 1)
	p, err := New(100, g, false)
	require.NoError(t, err)

	// X = 3+4i, Y = 1+2i for every timeslice: I = 9+16+1+4 = 30
	comps := []int32{3, 4, 1, 2}
	pkt := makePacket(g, func(i int) int32 { return comps[i%4] })
	out := makeOutputs(p, 1)
	require.NoError(t, p.Run([][][]byte{{pkt}}, out, nil, 4))

	for ts := 0; ts < lofar.TimeslicesPerPacket; ts++ {
		assert.InDelta(t, 30.0, floatAt(out[0], ts), 1e-6, "timeslice %d", ts)
	}
}

func TestStokesComponents(t *testing.T) {
	g := testGeometry(t, lofar.BitMode16, 1)
	comps := []int32{3, 4, 1, 2}
	pkt := makePacket(g, func(i int) int32 { return comps[i%4] })

	// Q = 25-5 = 20, U = 2*(3*1+4*2) = 22, V = 2*(4*1-3*2) = -4
	for _, tt := range []struct {
		mode int
		want float32
	}{{110, 20}, {120, 22}, {130, -4}} {
		p, err := New(tt.mode, g, false)
		require.NoError(t, err)
		out := makeOutputs(p, 1)
		require.NoError(t, p.Run([][][]byte{{pkt}}, out, nil, 4))
		assert.InDelta(t, tt.want, floatAt(out[0], 0), 1e-6, "mode %d", tt.mode)
	}
}

func TestStokesAllComponents(t *testing.T) {
	g := testGeometry(t, lofar.BitMode16, 1)
	p, err := New(150, g, false)
	require.NoError(t, err)

	comps := []int32{3, 4, 1, 2}
	pkt := makePacket(g, func(i int) int32 { return comps[i%4] })
	out := makeOutputs(p, 1)
	require.NoError(t, p.Run([][][]byte{{pkt}}, out, nil, 4))

	want := []float32{30, 20, 22, -4}
	for o, w := range want {
		assert.InDelta(t, w, floatAt(out[o], 5), 1e-6, "output %d", o)
	}
}

func TestStokesDecimationSpansPackets(t *testing.T) {
	g := testGeometry(t, lofar.BitMode16, 1)
	p, err := New(151, g, false) // IQUV, decimation 2
	require.NoError(t, err)

	comps := []int32{3, 4, 1, 2}
	pkt0 := makePacket(g, func(i int) int32 { return comps[i%4] })
	pkt1 := makePacket(g, func(i int) int32 { return comps[i%4] })
	out := makeOutputs(p, 2)
	require.NoError(t, p.Run([][][]byte{{pkt0, pkt1}}, out, nil, 4))

	// 2 packets * 16 slices / 2 = 16 sums of two identical samples
	require.Len(t, out[0], 16*4)
	for i := 0; i < 16; i++ {
		assert.InDelta(t, 60.0, floatAt(out[0], i), 1e-6)
	}
}

func TestStokesTwoComponent(t *testing.T) {
	g := testGeometry(t, lofar.BitMode16, 1)
	p, err := New(160, g, false)
	require.NoError(t, err)

	comps := []int32{3, 4, 1, 2}
	pkt := makePacket(g, func(i int) int32 { return comps[i%4] })
	out := makeOutputs(p, 1)
	require.NoError(t, p.Run([][][]byte{{pkt}}, out, nil, 4))
	assert.InDelta(t, 30.0, floatAt(out[0], 0), 1e-6)
	assert.InDelta(t, -4.0, floatAt(out[1], 0), 1e-6)
}

func TestFourBitUnpack(t *testing.T) {
	assert.Equal(t, int32(1), sample4([]byte{0xe1}, 0))
	assert.Equal(t, int32(-2), sample4([]byte{0xe1}, 1))
	assert.Equal(t, int32(7), sample4([]byte{0x87}, 0))
	assert.Equal(t, int32(-8), sample4([]byte{0x87}, 1))

	g := testGeometry(t, lofar.BitMode4, 1)
	p, err := New(10, g, false)
	require.NoError(t, err)

	comps := []int32{1, -2, 3, -4}
	pkt := makePacket(g, func(i int) int32 { return comps[i%4] })
	out := makeOutputs(p, 1)
	require.NoError(t, p.Run([][][]byte{{pkt}}, out, nil, 4))
	assert.Equal(t, []byte{1, 0xfe, 3, 0xfc}, out[0][:4])
}

func TestCalibratedVoltage(t *testing.T) {
	g := testGeometry(t, lofar.BitMode16, 1)
	p, err := New(32, g, true)
	require.NoError(t, err)

	comps := []int32{3, 4, 1, 2}
	pkt := makePacket(g, func(i int) int32 { return comps[i%4] })
	out := makeOutputs(p, 1)

	// swap matrix: X' = Y, Y' = X
	row := []complex64{0, 1, 1, 0}
	cal := &Calibration{Jones: [][]complex64{row}}
	require.NoError(t, p.Run([][][]byte{{pkt}}, out, cal, 4))
	assert.InDelta(t, 1.0, floatAt(out[0], 0), 1e-6) // X' re = Y re
	assert.InDelta(t, 2.0, floatAt(out[0], 1), 1e-6)
	assert.InDelta(t, 3.0, floatAt(out[1], 0), 1e-6) // Y' re = X re
	assert.InDelta(t, 4.0, floatAt(out[1], 1), 1e-6)
}

func TestCalibratedStokesWraps(t *testing.T) {
	g := testGeometry(t, lofar.BitMode16, 1)
	p, err := New(100, g, true)
	require.NoError(t, err)

	comps := []int32{3, 4, 1, 2}
	pkt := makePacket(g, func(i int) int32 { return comps[i%4] })
	out := makeOutputs(p, 1)

	// identity for even steps, zero for odd; table shorter than the
	// iteration so indexing wraps
	ident := []complex64{1, 0, 0, 1}
	zero := []complex64{0, 0, 0, 0}
	cal := &Calibration{Jones: [][]complex64{ident, zero}}
	require.NoError(t, p.Run([][][]byte{{pkt}}, out, cal, 4))
	for ts := 0; ts < lofar.TimeslicesPerPacket; ts++ {
		want := 30.0
		if ts%2 == 1 {
			want = 0.0
		}
		assert.InDelta(t, want, floatAt(out[0], ts), 1e-6, "timeslice %d", ts)
	}
}

func TestRunRejectsBadOutputs(t *testing.T) {
	g := testGeometry(t, lofar.BitMode8, 1)
	p, err := New(2, g, false)
	require.NoError(t, err)
	pkt := makePacket(g, func(i int) int32 { return 0 })
	err = p.Run([][][]byte{{pkt}}, [][]byte{nil, nil, nil, nil}, nil, 4)
	require.Error(t, err)
	err = p.Run([][][]byte{{pkt}}, [][]byte{nil}, nil, 4)
	require.Error(t, err)
}

func TestCalibratedRunNeedsJones(t *testing.T) {
	g := testGeometry(t, lofar.BitMode8, 1)
	p, err := New(100, g, true)
	require.NoError(t, err)
	pkt := makePacket(g, func(i int) int32 { return 0 })
	out := makeOutputs(p, 1)
	require.Error(t, p.Run([][][]byte{{pkt}}, out, nil, 4))
}
