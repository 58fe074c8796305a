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

// Package lofar implements the CEP packet wire format emitted by LOFAR
// station RSP boards: the 16-byte little-endian header, the packed source
// field, packet-number arithmetic for both station clocks and the
// multi-port geometry derived from the first header of every port.
package lofar

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire format constants. A CEP packet is a 16-byte header followed by
// Beamlets * TimeslicesPerPacket * DataComponents samples.
const (
	HeaderSize          = 16
	TimeslicesPerPacket = 16
	// DataComponents is the number of real components per dual-pol complex
	// sample: X-real, X-imaginary, Y-real, Y-imaginary.
	DataComponents = 4

	// MaxBeamletsPerPacket is the hardware limit of a single RSP board.
	MaxBeamletsPerPacket = 244

	// MinRSPVersion is the oldest packet format revision we understand.
	MinRSPVersion = 3

	// Epoch is the first valid RSP timestamp, 2008-01-01 00:00:00 UTC.
	Epoch = 1199145600

	// Sequence steps per second for the two station clocks.
	Clock200MHzSteps = 195312500
	Clock160MHzSteps = 156250000
)

var (
	ErrBadVersion      = errors.New("rsp version below minimum")
	ErrPreEpoch        = errors.New("timestamp before lofar epoch")
	ErrSeqOverflow     = errors.New("sequence exceeds clock maximum")
	ErrTooManyBeamlets = errors.New("beamlet count exceeds hardware maximum")
	ErrWrongTimeslice  = errors.New("unexpected timeslice count")
	ErrReservedBitSet  = errors.New("reserved source bit set")
	ErrErrorBitSet     = errors.New("rsp error bit set")
	ErrIllegalBitMode  = errors.New("illegal bit mode")
	ErrMixedClocks     = errors.New("ports disagree on clock bit")
	ErrMixedBitModes   = errors.New("ports disagree on bit mode")
)

// BitMode is the per-packet sample width selector from the source field.
type BitMode uint8

const (
	BitMode16 BitMode = 0
	BitMode8  BitMode = 1
	BitMode4  BitMode = 2
)

// SampleBits returns the width of one real sample component in bits.
func (b BitMode) SampleBits() int {
	switch b {
	case BitMode16:
		return 16
	case BitMode8:
		return 8
	case BitMode4:
		return 4
	}
	return 0
}

func (b BitMode) String() string {
	return fmt.Sprintf("%d-bit", b.SampleBits())
}

// PayloadLength returns the payload size in bytes for a packet carrying
// the given number of beamlets. Exact for 4-bit mode as well since the
// component count per timeslice is even.
func (b BitMode) PayloadLength(beamlets int) int {
	return beamlets * TimeslicesPerPacket * DataComponents * b.SampleBits() / 8
}

// SourceBytes is the packed 16-bit source field at header offset 1.
type SourceBytes uint16

// RSP returns the raw RSP board identifier bits.
func (s SourceBytes) RSP() uint8 { return uint8(s & 0x1f) }

// ErrorBit reports whether the board flagged the payload as corrupt.
func (s SourceBytes) ErrorBit() bool { return s&(1<<6) != 0 }

// Clock200MHz reports the sampling clock: true for 200 MHz, false for 160 MHz.
func (s SourceBytes) Clock200MHz() bool { return s&(1<<7) != 0 }

// BitModeRaw returns the 2-bit bit-mode selector; 3 is illegal on the wire.
func (s SourceBytes) BitModeRaw() uint8 { return uint8(s>>8) & 0x3 }

// ReservedSet reports whether any padding bit is set.
func (s SourceBytes) ReservedSet() bool { return s&(1<<5) != 0 || s>>10 != 0 }

// Header is the decoded form of the 16-byte CEP packet header.
type Header struct {
	Version    uint8
	Source     SourceBytes
	Config     uint8
	Station    int16
	Beamlets   uint8
	Timeslices uint8
	Timestamp  uint32
	Sequence   uint32
}

// DecodeHeader parses the first HeaderSize bytes of data. It performs no
// validation; see Validate.
func DecodeHeader(data []byte) Header {
	_ = data[HeaderSize-1]
	return Header{
		Version:    data[0],
		Source:     SourceBytes(binary.LittleEndian.Uint16(data[1:3])),
		Config:     data[3],
		Station:    int16(binary.LittleEndian.Uint16(data[4:6])),
		Beamlets:   data[6],
		Timeslices: data[7],
		Timestamp:  binary.LittleEndian.Uint32(data[8:12]),
		Sequence:   binary.LittleEndian.Uint32(data[12:16]),
	}
}

// Encode is the inverse of DecodeHeader.
func (h *Header) Encode() []byte {
	data := make([]byte, HeaderSize)
	data[0] = h.Version
	binary.LittleEndian.PutUint16(data[1:3], uint16(h.Source))
	data[3] = h.Config
	binary.LittleEndian.PutUint16(data[4:6], uint16(h.Station))
	data[6] = h.Beamlets
	data[7] = h.Timeslices
	binary.LittleEndian.PutUint32(data[8:12], h.Timestamp)
	binary.LittleEndian.PutUint32(data[12:16], h.Sequence)
	return data
}

// ClockSteps returns the sequence steps per second for the header's clock bit.
func (h *Header) ClockSteps() int64 {
	if h.Source.Clock200MHz() {
		return Clock200MHzSteps
	}
	return Clock160MHzSteps
}

// BitMode returns the sample width selector. Only meaningful after Validate.
func (h *Header) BitMode() BitMode {
	return BitMode(h.Source.BitModeRaw())
}

// StationID is the station number, derived from the raw RSP station code.
func (h *Header) StationID() int {
	return int(h.Station) / 32
}

// PacketNumber converts the header timestamp and sequence into the
// monotonic logical packet index used for alignment.
func (h *Header) PacketNumber() int64 {
	return (int64(h.Timestamp)*h.ClockSteps() + int64(h.Sequence)) / TimeslicesPerPacket
}

// PacketNumber reads the packet number straight from a packet's first
// bytes without decoding the full header. The clock is passed in since a
// session never mixes clocks; this is the hot path used by alignment.
func PacketNumber(data []byte, clock200MHz bool) int64 {
	steps := int64(Clock160MHzSteps)
	if clock200MHz {
		steps = Clock200MHzSteps
	}
	ts := int64(binary.LittleEndian.Uint32(data[8:12]))
	seq := int64(binary.LittleEndian.Uint32(data[12:16]))
	return (ts*steps + seq) / TimeslicesPerPacket
}

// FirstPacketNumber is the packet number of the LOFAR epoch instant for
// the given clock; packet numbers below it cannot come from a real
// observation, which makes it a handy "do not align" sentinel.
func FirstPacketNumber(clock200MHz bool) int64 {
	steps := int64(Clock160MHzSteps)
	if clock200MHz {
		steps = Clock200MHzSteps
	}
	return Epoch * steps / TimeslicesPerPacket
}

// Validate checks the single-port invariants of the wire format.
func (h *Header) Validate() error {
	if h.Version < MinRSPVersion {
		return fmt.Errorf("%w: %d < %d", ErrBadVersion, h.Version, MinRSPVersion)
	}
	if h.Source.ReservedSet() {
		return ErrReservedBitSet
	}
	if h.Source.ErrorBit() {
		return ErrErrorBitSet
	}
	if h.Source.BitModeRaw() == 3 {
		return fmt.Errorf("%w: selector 3", ErrIllegalBitMode)
	}
	if h.Timestamp < Epoch {
		return fmt.Errorf("%w: %d", ErrPreEpoch, h.Timestamp)
	}
	if int64(h.Sequence) >= h.ClockSteps() {
		return fmt.Errorf("%w: %d", ErrSeqOverflow, h.Sequence)
	}
	if int(h.Beamlets) > MaxBeamletsPerPacket {
		return fmt.Errorf("%w: %d", ErrTooManyBeamlets, h.Beamlets)
	}
	if h.Timeslices != TimeslicesPerPacket {
		return fmt.Errorf("%w: %d", ErrWrongTimeslice, h.Timeslices)
	}
	return nil
}

func (h *Header) String() string {
	return fmt.Sprintf("rsp v%d station %d clock %s %s beamlets %d ts %d seq %d packet %d",
		h.Version, h.StationID(), map[bool]string{true: "200MHz", false: "160MHz"}[h.Source.Clock200MHz()],
		h.BitMode(), h.Beamlets, h.Timestamp, h.Sequence, h.PacketNumber())
}
