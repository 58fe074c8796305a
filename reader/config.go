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

// Package reader implements the multi-port packet reader: per-port
// sliding-window buffers with a guard region, packet-loss-tolerant
// alignment to a starting packet, the inter-iteration shift protocol and
// the session lifecycle around the processing kernels.
package reader

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/molberg/udpPacketManager/calibration"
	"github.com/molberg/udpPacketManager/transport"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

var ErrConfigInvalid = errors.New("invalid configuration")

const (
	maxPorts   = 4
	minThreads = 4

	// DefaultRingPacketLength is the canonical CEP packet size used to
	// align a ring-buffer cursor before the first header has been seen;
	// the parsed geometry is checked against it after setup.
	DefaultRingPacketLength = 7824
)

// Config is the full session configuration. Zero values fall back to
// defaults in Validate.
type Config struct {
	NumPorts             int   `yaml:"numports"`
	PacketsPerIteration  int   `yaml:"packetsperiteration"`
	ReplayDroppedPackets bool  `yaml:"replaydroppedpackets"`
	ProcessingMode       int   `yaml:"processingmode"`
	StartingPacket       int64 `yaml:"startingpacket"`
	PacketsReadMax       int64 `yaml:"packetsreadmax"`

	// BeamletLimits is the global [lo, hi) subrange of raw beamlets to
	// process; (0, 0) keeps everything. Requires ProcessingMode >= 2.
	BeamletLimits [2]int `yaml:"beamletlimits"`

	Transport transport.Config `yaml:"-"`

	// InputPaths mirror Transport.Paths for YAML configs.
	InputPaths []string `yaml:"inputpaths"`

	CalibrateData bool               `yaml:"calibratedata"`
	StationCode   string             `yaml:"stationcode"`
	Calibration   calibration.Config `yaml:"-"`

	// Threads sizes the worker fan-out for reads and kernels.
	Threads int `yaml:"threads"`
}

// Validate applies defaults and rejects inconsistent configurations.
func (c *Config) Validate() error {
	if len(c.InputPaths) > 0 && len(c.Transport.Paths) == 0 {
		c.Transport.Paths = c.InputPaths
	}
	if c.NumPorts == 0 {
		c.NumPorts = len(c.Transport.Paths)
	}
	if c.NumPorts < 1 || c.NumPorts > maxPorts {
		return fmt.Errorf("%w: numPorts %d outside [1, %d]", ErrConfigInvalid, c.NumPorts, maxPorts)
	}
	if c.Transport.Type != transport.RingBuffer && len(c.Transport.Paths) != c.NumPorts {
		return fmt.Errorf("%w: %d input paths for %d ports", ErrConfigInvalid, len(c.Transport.Paths), c.NumPorts)
	}
	if c.PacketsPerIteration < 2 {
		return fmt.Errorf("%w: packetsPerIteration %d below 2", ErrConfigInvalid, c.PacketsPerIteration)
	}
	if c.PacketsReadMax < 1 {
		c.PacketsReadMax = math.MaxInt64
	}
	if c.BeamletLimits != [2]int{0, 0} {
		if c.ProcessingMode < 2 {
			return fmt.Errorf("%w: beamlet limits require processing mode >= 2", ErrConfigInvalid)
		}
		if c.BeamletLimits[0] >= c.BeamletLimits[1] || c.BeamletLimits[0] < 0 {
			return fmt.Errorf("%w: beamlet limits [%d, %d)", ErrConfigInvalid, c.BeamletLimits[0], c.BeamletLimits[1])
		}
	}
	if c.CalibrateData {
		if c.Calibration.SubbandSpec == "" {
			return fmt.Errorf("%w: calibration requires a subband specification", ErrConfigInvalid)
		}
		if c.Calibration.Pointing == [2]float64{} && c.Calibration.PointingBasis == "" {
			return fmt.Errorf("%w: calibration requires a pointing", ErrConfigInvalid)
		}
		if c.ProcessingMode < 2 {
			log.Warnf("calibration is incompatible with processing mode %d, disabling", c.ProcessingMode)
			c.CalibrateData = false
		}
	}
	if c.Threads < minThreads {
		c.Threads = minThreads
	}
	return nil
}

// LoadConfig reads a YAML session config from path.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
