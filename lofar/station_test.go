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
)

func TestStationCode(t *testing.T) {
	assert.Equal(t, "IE613", StationCode(613))
	assert.Equal(t, "DE601", StationCode(601))
	assert.Equal(t, "CS002", StationCode(2))
	assert.Equal(t, "RS106", StationCode(106))
	assert.Equal(t, "RS509", StationCode(509))
}
