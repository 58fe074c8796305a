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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSource200MHz8Bit = SourceBytes(1<<7 | 1<<8)
	testStation          = int16(613 * 32)
)

func testHeader() Header {
	return Header{
		Version:    MinRSPVersion,
		Source:     testSource200MHz8Bit,
		Station:    testStation,
		Beamlets:   122,
		Timeslices: TimeslicesPerPacket,
		Timestamp:  1600000000,
		Sequence:   78125000,
	}
}

func TestDecodeHeader(t *testing.T) {
	raw := []uint8{
		0x03, 0x80, 0x01, 0x00, 0xa0, 0x4c, 0x7a, 0x10,
		0x00, 0x5e, 0x5f, 0x5f, 0x48, 0x27, 0xa8, 0x04,
	}
	hdr := DecodeHeader(raw)
	want := Header{
		Version:    3,
		Source:     testSource200MHz8Bit,
		Station:    testStation,
		Beamlets:   122,
		Timeslices: 16,
		Timestamp:  1600085504,
		Sequence:   78125896,
	}
	require.Equal(t, want, hdr)
	assert.Equal(t, raw, hdr.Encode())
}

func TestHeaderEncodeDecode(t *testing.T) {
	hdr := testHeader()
	assert.Equal(t, hdr, DecodeHeader(hdr.Encode()))
}

func TestHeaderAccessors(t *testing.T) {
	hdr := testHeader()
	assert.True(t, hdr.Source.Clock200MHz())
	assert.Equal(t, BitMode8, hdr.BitMode())
	assert.Equal(t, 613, hdr.StationID())
	assert.False(t, hdr.Source.ErrorBit())
	assert.Equal(t, int64(Clock200MHzSteps), hdr.ClockSteps())
}

func TestPacketNumber(t *testing.T) {
	hdr := testHeader()
	want := (int64(1600000000)*Clock200MHzSteps + 78125000) / TimeslicesPerPacket
	require.Equal(t, want, hdr.PacketNumber())
	assert.Equal(t, want, PacketNumber(hdr.Encode(), true))

	// 160 MHz clock uses the slower step rate
	hdr.Source = SourceBytes(1 << 8)
	want = (int64(1600000000)*Clock160MHzSteps + 78125000) / TimeslicesPerPacket
	require.Equal(t, want, hdr.PacketNumber())
	assert.Equal(t, want, PacketNumber(hdr.Encode(), false))
}

func TestFirstPacketNumber(t *testing.T) {
	assert.Equal(t, int64(Epoch)*Clock200MHzSteps/16, FirstPacketNumber(true))
	assert.Equal(t, int64(Epoch)*Clock160MHzSteps/16, FirstPacketNumber(false))
}

func TestHeaderValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(h *Header)
		want   error
	}{
		{"valid", func(_ *Header) {}, nil},
		{"bad version", func(h *Header) { h.Version = 2 }, ErrBadVersion},
		{"pre epoch", func(h *Header) { h.Timestamp = Epoch - 1 }, ErrPreEpoch},
		{"seq overflow", func(h *Header) { h.Sequence = Clock200MHzSteps }, ErrSeqOverflow},
		{"too many beamlets", func(h *Header) { h.Beamlets = MaxBeamletsPerPacket + 1 }, ErrTooManyBeamlets},
		{"wrong timeslices", func(h *Header) { h.Timeslices = 8 }, ErrWrongTimeslice},
		{"reserved bit", func(h *Header) { h.Source |= 1 << 5 }, ErrReservedBitSet},
		{"error bit", func(h *Header) { h.Source |= 1 << 6 }, ErrErrorBitSet},
		{"illegal bitmode", func(h *Header) { h.Source |= 3 << 8 }, ErrIllegalBitMode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hdr := testHeader()
			tt.mutate(&hdr)
			err := hdr.Validate()
			if tt.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSeqOverflow160MHz(t *testing.T) {
	hdr := testHeader()
	hdr.Source = SourceBytes(1 << 8)
	hdr.Sequence = Clock160MHzSteps
	require.ErrorIs(t, hdr.Validate(), ErrSeqOverflow)
}

func TestBitModePayloadLength(t *testing.T) {
	assert.Equal(t, 61*16*4*2, BitMode16.PayloadLength(61))
	assert.Equal(t, 122*16*4, BitMode8.PayloadLength(122))
	assert.Equal(t, 244*16*4/2, BitMode4.PayloadLength(244))
	// the canonical 7824-byte packet
	assert.Equal(t, 7824, HeaderSize+BitMode8.PayloadLength(122))
}
