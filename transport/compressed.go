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

package transport

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// compressedStream streams zstd-decompressed packets out of a read-only
// memory map of the whole compressed file. Decompression lands directly
// in the caller's buffer; the decoder's internal window absorbs any
// frame overshoot, so ReadExact never writes past dst.
type compressedStream struct {
	f    *os.File
	mmap []byte
	src  *mmapReader
	dec  *zstd.Decoder

	// peeked holds header bytes served by PeekHeader that the next
	// ReadExact must return again; a zstd stream cannot rewind.
	peeked []byte

	decompressionPos int64
	advisedPos       int64
}

// mmapReader walks the mapped compressed bytes, tracking consumption.
type mmapReader struct {
	data []byte
	pos  int64
}

func (m *mmapReader) Read(p []byte) (int, error) {
	if m.pos >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[m.pos:])
	m.pos += int64(n)
	return n, nil
}

func openCompressed(path string) (Transport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	mapped, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: mmap %s: %v", ErrOpenFailed, path, err)
	}
	if err := unix.Madvise(mapped, unix.MADV_SEQUENTIAL); err != nil {
		// prefetch hint only
		log.Warnf("madvise sequential %s: %v", path, err)
	}
	src := &mmapReader{data: mapped}
	dec, err := zstd.NewReader(src, zstd.WithDecoderConcurrency(1))
	if err != nil {
		_ = unix.Munmap(mapped)
		f.Close()
		return nil, fmt.Errorf("%w: zstd %s: %v", ErrOpenFailed, path, err)
	}
	return &compressedStream{f: f, mmap: mapped, src: src, dec: dec}, nil
}

func (c *compressedStream) ReadExact(dst []byte) (int, error) {
	total := 0
	if len(c.peeked) > 0 {
		total = copy(dst, c.peeked)
		c.peeked = c.peeked[total:]
	}
	n, err := io.ReadFull(c.dec, dst[total:])
	total += n
	c.decompressionPos += int64(n)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return total, nil
	}
	return total, err
}

func (c *compressedStream) PeekHeader(hdr []byte) error {
	if len(c.peeked) > 0 {
		return fmt.Errorf("header already peeked")
	}
	n, err := io.ReadFull(c.dec, hdr)
	if err != nil {
		return err
	}
	c.decompressionPos += int64(n)
	c.peeked = append([]byte(nil), hdr...)
	return nil
}

// ReadingPos is the number of compressed bytes consumed from the map.
func (c *compressedStream) ReadingPos() int64 { return c.src.pos }

// DecompressionPos is the number of bytes produced into destinations.
func (c *compressedStream) DecompressionPos() int64 { return c.decompressionPos }

// AdviseDone drops the consumed, page-aligned prefix of the map from the
// page cache. Failures are the caller's to log; reads are unaffected.
func (c *compressedStream) AdviseDone() error {
	pageSize := int64(os.Getpagesize())
	done := c.src.pos / pageSize * pageSize
	if done <= c.advisedPos {
		return nil
	}
	err := unix.Madvise(c.mmap[c.advisedPos:done], unix.MADV_DONTNEED)
	if err == nil {
		c.advisedPos = done
	}
	return err
}

func (c *compressedStream) Close() error {
	c.dec.Close()
	err := unix.Munmap(c.mmap)
	if cerr := c.f.Close(); err == nil {
		err = cerr
	}
	return err
}
