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

// Package transport provides a uniform blocking-read contract over the
// three capture source types: plain packet files, zstd-compressed packet
// files and externally written shared-memory ring buffers. One transport
// serves one port.
package transport

import (
	"errors"
	"fmt"
)

// Type selects the transport variant for a session.
type Type int

const (
	Raw Type = iota
	Compressed
	RingBuffer
)

func (t Type) String() string {
	switch t {
	case Raw:
		return "raw"
	case Compressed:
		return "compressed"
	case RingBuffer:
		return "ringbuffer"
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

// ErrOpenFailed wraps every transport construction failure.
var ErrOpenFailed = errors.New("transport open failed")

// Transport is the per-port capability set. ReadExact fills dst
// completely unless the source is exhausted, in which case it returns the
// short byte count with a nil error. PeekHeader fills hdr and leaves the
// stream positioned so the next ReadExact returns the same bytes again.
type Transport interface {
	ReadExact(dst []byte) (int, error)
	PeekHeader(hdr []byte) error
	Close() error
}

// PageAdviser is implemented by transports backed by a memory-mapped
// input; AdviseDone tells the OS the consumed prefix is no longer needed.
type PageAdviser interface {
	AdviseDone() error
}

// Config carries the per-session source description shared by all ports.
type Config struct {
	Type Type

	// Paths holds one input path per port for file-backed transports.
	Paths []string

	// BaseKey and KeyOffset address shared-memory segments:
	// port i attaches at BaseKey + i*KeyOffset.
	BaseKey   int
	KeyOffset int
}

// Open constructs the transport for one port. expectedPacketLen is used
// by the ring-buffer variant to align its read cursor to a packet
// boundary (0 skips the alignment). Reader sessions pass the fixed
// reader.DefaultRingPacketLength, not a length parsed from a header.
func Open(cfg Config, port int, expectedPacketLen int) (Transport, error) {
	switch cfg.Type {
	case Raw:
		return openRaw(cfg.Paths[port])
	case Compressed:
		return openCompressed(cfg.Paths[port])
	case RingBuffer:
		return openRingBuffer(cfg.BaseKey+port*cfg.KeyOffset, expectedPacketLen)
	}
	return nil, fmt.Errorf("%w: unknown transport type %d", ErrOpenFailed, int(cfg.Type))
}
