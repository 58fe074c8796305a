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
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Shared-memory ring layout: a control block followed by the data
// region. The writer bumps writeBytes monotonically after publishing
// data and raises eod when the stream ends.
const (
	ringMagic       = uint64(0x3142525241464f4c) // "LOFARRB1"
	ringControlSize = 64

	ringOffMagic = 0
	ringOffSize  = 8
	ringOffWrite = 16
	ringOffEOD   = 24

	ringPollInterval = 200 * time.Microsecond
)

// ringBuffer consumes packets from an externally written SysV
// shared-memory segment.
type ringBuffer struct {
	seg     []byte
	data    []byte
	size    int64
	readPos int64
}

func openRingBuffer(key, expectedPacketLen int) (Transport, error) {
	id, err := unix.SysvShmGet(key, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: shmget key 0x%x: %v", ErrOpenFailed, key, err)
	}
	seg, err := unix.SysvShmAttach(id, 0, unix.SHM_RDONLY)
	if err != nil {
		return nil, fmt.Errorf("%w: shmat key 0x%x: %v", ErrOpenFailed, key, err)
	}
	if len(seg) < ringControlSize {
		_ = unix.SysvShmDetach(seg)
		return nil, fmt.Errorf("%w: segment 0x%x too small for control block", ErrOpenFailed, key)
	}
	r := &ringBuffer{seg: seg}
	if magic := atomic.LoadUint64(r.u64(ringOffMagic)); magic != ringMagic {
		_ = unix.SysvShmDetach(seg)
		return nil, fmt.Errorf("%w: segment 0x%x bad magic 0x%x", ErrOpenFailed, key, magic)
	}
	r.size = atomic.LoadInt64(r.i64(ringOffSize))
	if r.size <= 0 || ringControlSize+r.size > int64(len(seg)) {
		_ = unix.SysvShmDetach(seg)
		return nil, fmt.Errorf("%w: segment 0x%x bad data size %d", ErrOpenFailed, key, r.size)
	}
	r.data = seg[ringControlSize : ringControlSize+r.size]

	// join mid-stream on the next packet boundary
	if expectedPacketLen > 0 {
		write := atomic.LoadInt64(r.i64(ringOffWrite))
		pl := int64(expectedPacketLen)
		r.readPos = (write + pl - 1) / pl * pl
	}
	return r, nil
}

func (r *ringBuffer) u64(off int) *uint64 { return (*uint64)(unsafe.Pointer(&r.seg[off])) }
func (r *ringBuffer) i64(off int) *int64  { return (*int64)(unsafe.Pointer(&r.seg[off])) }
func (r *ringBuffer) i32(off int) *int32  { return (*int32)(unsafe.Pointer(&r.seg[off])) }

// wait blocks until at least want bytes are readable or the writer is
// done, and returns the readable count.
func (r *ringBuffer) wait(want int64) (int64, error) {
	for {
		write := atomic.LoadInt64(r.i64(ringOffWrite))
		avail := write - r.readPos
		if avail > r.size {
			return 0, fmt.Errorf("ring buffer overrun: writer is %d bytes ahead of a %d byte ring", avail, r.size)
		}
		if avail >= want || atomic.LoadInt32(r.i32(ringOffEOD)) != 0 {
			if avail > want {
				avail = want
			}
			return avail, nil
		}
		time.Sleep(ringPollInterval)
	}
}

// copyOut copies n readable bytes starting at readPos without advancing it.
func (r *ringBuffer) copyOut(dst []byte, n int64) {
	start := r.readPos % r.size
	m := copy(dst[:n], r.data[start:])
	if int64(m) < n {
		copy(dst[m:n], r.data[:n-int64(m)])
	}
}

// ReadExact blocks until len(dst) bytes arrive, draining the ring in
// chunks when the request exceeds the ring size. The writer finishing
// turns the final read into a short one.
func (r *ringBuffer) ReadExact(dst []byte) (int, error) {
	total := 0
	for total < len(dst) {
		chunk := int64(len(dst) - total)
		if chunk > r.size {
			chunk = r.size
		}
		avail, err := r.wait(chunk)
		if err != nil {
			return total, err
		}
		if avail == 0 {
			break
		}
		r.copyOut(dst[total:], avail)
		r.readPos += avail
		total += int(avail)
		if avail < chunk {
			break
		}
	}
	return total, nil
}

func (r *ringBuffer) PeekHeader(hdr []byte) error {
	avail, err := r.wait(int64(len(hdr)))
	if err != nil {
		return err
	}
	if avail < int64(len(hdr)) {
		return fmt.Errorf("ring buffer ended before a full header: %d bytes", avail)
	}
	r.copyOut(hdr, avail)
	return nil
}

func (r *ringBuffer) Close() error {
	return unix.SysvShmDetach(r.seg)
}
