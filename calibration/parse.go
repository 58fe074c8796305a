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

package calibration

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ParseTable reads the generator's framed output: a "<T>,<B>\n" header,
// then T records of B comma-separated 8-float groups (real/imag for each
// of the four Jones entries), the final group of each record terminated
// by '|' instead of a comma.
func ParseTable(r io.Reader, expectBeamlets int) (*Table, error) {
	br := bufio.NewReader(r)

	header, err := br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("%w: reading shape header: %v", ErrFailed, err)
	}
	var steps, beamlets int
	if _, err := fmt.Sscanf(strings.TrimSpace(header), "%d,%d", &steps, &beamlets); err != nil {
		return nil, fmt.Errorf("%w: bad shape header %q: %v", ErrFailed, header, err)
	}
	if steps <= 0 || beamlets <= 0 {
		return nil, fmt.Errorf("%w: bad shape %dx%d", ErrFailed, steps, beamlets)
	}
	if beamlets != expectBeamlets {
		return nil, fmt.Errorf("%w: generator produced %d beamlets, session has %d", ErrFailed, beamlets, expectBeamlets)
	}

	table := &Table{Steps: make([][]complex64, steps)}
	for t := 0; t < steps; t++ {
		record, err := br.ReadString('|')
		if err != nil {
			return nil, fmt.Errorf("%w: step %d: %v", ErrFailed, t, err)
		}
		record = strings.TrimSuffix(strings.TrimSpace(record), "|")
		fields := strings.Split(record, ",")
		if len(fields) != beamlets*8 {
			return nil, fmt.Errorf("%w: step %d has %d values, want %d", ErrFailed, t, len(fields), beamlets*8)
		}
		row := make([]complex64, beamlets*4)
		for i := 0; i < beamlets*4; i++ {
			re, err := strconv.ParseFloat(strings.TrimSpace(fields[2*i]), 32)
			if err != nil {
				return nil, fmt.Errorf("%w: step %d value %d: %v", ErrFailed, t, 2*i, err)
			}
			im, err := strconv.ParseFloat(strings.TrimSpace(fields[2*i+1]), 32)
			if err != nil {
				return nil, fmt.Errorf("%w: step %d value %d: %v", ErrFailed, t, 2*i+1, err)
			}
			row[i] = complex(float32(re), float32(im))
		}
		table.Steps[t] = row
	}
	return table, nil
}
