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

package reader

import "errors"

var (
	// ErrShortRead is tolerable: an input ran short and the window was
	// narrowed; stepping may continue until the stream is exhausted.
	ErrShortRead = errors.New("short read, window narrowed")

	// ErrPacketCap is tolerable and terminal: the configured packet
	// budget is spent and the caller should stop stepping.
	ErrPacketCap = errors.New("packet read cap reached")

	// ErrTargetInPast means the alignment target precedes the data.
	ErrTargetInPast = errors.New("target packet in the past")

	// ErrAlignFailed means the target could not be located in any
	// readable window.
	ErrAlignFailed = errors.New("alignment failed")

	// ErrParseFailed wraps first-header validation failures.
	ErrParseFailed = errors.New("header parse failed")
)
