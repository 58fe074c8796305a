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

import "fmt"

// internationalStations maps the station IDs of the international LOFAR
// stations to their observatory codes; core and remote stations follow
// the CS/RS numbering scheme.
var internationalStations = map[int]string{
	601: "DE601",
	602: "DE602",
	603: "DE603",
	604: "DE604",
	605: "DE605",
	606: "FR606",
	607: "SE607",
	608: "UK608",
	609: "DE609",
	610: "PL610",
	611: "PL611",
	612: "PL612",
	613: "IE613",
	614: "LV614",
}

// StationCode translates a station ID into the code the beam-model
// tooling expects.
func StationCode(id int) string {
	if code, ok := internationalStations[id]; ok {
		return code
	}
	if id < 100 {
		return fmt.Sprintf("CS%03d", id)
	}
	return fmt.Sprintf("RS%03d", id)
}
