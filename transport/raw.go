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
)

// rawStream reads a plain concatenation of packets from a file.
type rawStream struct {
	f *os.File
}

func openRaw(path string) (Transport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	return &rawStream{f: f}, nil
}

func (r *rawStream) ReadExact(dst []byte) (int, error) {
	n, err := io.ReadFull(r.f, dst)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return n, nil
	}
	return n, err
}

func (r *rawStream) PeekHeader(hdr []byte) error {
	if _, err := io.ReadFull(r.f, hdr); err != nil {
		return err
	}
	_, err := r.f.Seek(-int64(len(hdr)), io.SeekCurrent)
	return err
}

func (r *rawStream) Close() error {
	return r.f.Close()
}
