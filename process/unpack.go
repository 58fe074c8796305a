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

	"github.com/molberg/udpPacketManager/lofar"
)

// sampleFn reads the idx-th real component from a packet payload as a
// widened integer. idx counts components in payload order:
// beamlet-major, then timeslice, then X-re/X-im/Y-re/Y-im.
type sampleFn func(payload []byte, idx int) int32

func sample16(payload []byte, idx int) int32 {
	return int32(int16(binary.LittleEndian.Uint16(payload[2*idx:])))
}

func sample8(payload []byte, idx int) int32 {
	return int32(int8(payload[idx]))
}

// sample4 sign-extends packed nibbles; the low nibble is the earlier
// component.
func sample4(payload []byte, idx int) int32 {
	b := payload[idx>>1]
	if idx&1 == 0 {
		return int32(int8(b<<4) >> 4)
	}
	return int32(int8(b) >> 4)
}

func samplerFor(mode lofar.BitMode) sampleFn {
	switch mode {
	case lofar.BitMode16:
		return sample16
	case lofar.BitMode4:
		return sample4
	default:
		return sample8
	}
}
