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

// lofar-udp-extract reads captured LOFAR CEP packet streams and writes
// reformatted or Stokes-combined sample streams for downstream search
// pipelines.
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/eclesh/welford"
	"github.com/molberg/udpPacketManager/reader"
	"github.com/molberg/udpPacketManager/stats"
	"github.com/molberg/udpPacketManager/transport"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	inputTemplate  string
	outputTemplate string
	configFile     string
	eventFile      string
	readerType     string
	loglevel       string
	beamletLimits  []int
	pointing       []float64
	appendOutput   bool
	showTiming     bool
	monitoringPort int
	ringBaseKey    int
	ringKeyOffset  int

	cfg reader.Config
)

var rootCmd = &cobra.Command{
	Use:   "lofar-udp-extract",
	Short: "reformat captured LOFAR RSP packet streams",
	Run: func(_ *cobra.Command, _ []string) {
		if err := run(); err != nil {
			log.Fatal(err)
		}
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&inputTemplate, "input", "i", "", "input path template, %d is replaced by the port number")
	flags.StringVarP(&outputTemplate, "output", "o", "./output_%d", "output path template, %d is replaced by the output index")
	flags.StringVar(&configFile, "config", "", "YAML session config; flags override")
	flags.StringVar(&eventFile, "events", "", "file of startPacket,packetCount lines to extract")
	flags.IntVarP(&cfg.NumPorts, "ports", "n", 1, "number of RSP streams (1-4)")
	flags.IntVarP(&cfg.PacketsPerIteration, "packets", "p", 65536, "packets per iteration")
	flags.IntVarP(&cfg.ProcessingMode, "mode", "m", 0, "processing mode")
	flags.BoolVarP(&cfg.ReplayDroppedPackets, "replay", "r", false, "replay the last packet on loss instead of zero filling")
	flags.Int64VarP(&cfg.StartingPacket, "start", "s", -1, "absolute starting packet number, below the LOFAR epoch skips alignment")
	flags.Int64VarP(&cfg.PacketsReadMax, "max-packets", "M", -1, "total packet budget, negative is unbounded")
	flags.IntSliceVarP(&beamletLimits, "beamlets", "b", nil, "global beamlet subrange lo,hi")
	flags.StringVarP(&readerType, "reader", "R", "raw", "input transport: raw, zstd or dada")
	flags.IntVar(&ringBaseKey, "dada-key", 0x4000, "base shared memory key for the dada reader")
	flags.IntVar(&ringKeyOffset, "dada-offset", 10, "per-port shared memory key offset")
	flags.BoolVarP(&cfg.CalibrateData, "calibrate", "c", false, "apply jones matrices from the beam model generator")
	flags.StringVar(&cfg.StationCode, "station", "", "station code for the beam model, derived from the data when empty")
	flags.StringVar(&cfg.Calibration.SubbandSpec, "subbands", "", "subband specification for the beam model")
	flags.Float64SliceVar(&pointing, "pointing", nil, "pointing angles ra,dec")
	flags.StringVar(&cfg.Calibration.PointingBasis, "basis", "J2000", "pointing coordinate basis")
	flags.Float64Var(&cfg.Calibration.IntegrationTime, "integration", 1.0, "beam model integration step in seconds")
	flags.Float64Var(&cfg.Calibration.Duration, "duration", 60.0, "beam model table duration in seconds")
	flags.StringVar(&cfg.Calibration.FifoDir, "fifo-dir", "", "directory for the beam model pipe")
	flags.IntVarP(&cfg.Threads, "threads", "t", 8, "worker threads for reads and kernels")
	flags.BoolVar(&appendOutput, "append", false, "append to existing output files instead of failing")
	flags.BoolVar(&showTiming, "timing", false, "print read/process timing statistics")
	flags.IntVar(&monitoringPort, "monitoringport", 0, "expose prometheus metrics on this port, 0 disables")
	flags.StringVar(&loglevel, "loglevel", "info", "log level: debug, info, warning, error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

// expandTemplate substitutes a %d-style verb with idx; templates
// without a verb pass through unchanged.
func expandTemplate(template string, idx int) string {
	if strings.Contains(template, "%") {
		return fmt.Sprintf(template, idx)
	}
	return template
}

func setLogLevel() error {
	switch loglevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		return fmt.Errorf("unrecognized log level %q", loglevel)
	}
	return nil
}

func buildConfig() (*reader.Config, error) {
	c := &cfg
	if configFile != "" {
		loaded, err := reader.LoadConfig(configFile)
		if err != nil {
			return nil, err
		}
		c = loaded
	}
	switch readerType {
	case "raw":
		c.Transport.Type = transport.Raw
	case "zstd":
		c.Transport.Type = transport.Compressed
	case "dada":
		c.Transport.Type = transport.RingBuffer
		c.Transport.BaseKey = ringBaseKey
		c.Transport.KeyOffset = ringKeyOffset
	default:
		return nil, fmt.Errorf("unknown reader type %q", readerType)
	}
	if c.Transport.Type != transport.RingBuffer && len(c.Transport.Paths) == 0 {
		if inputTemplate == "" {
			return nil, errors.New("no input given")
		}
		for port := 0; port < c.NumPorts; port++ {
			c.Transport.Paths = append(c.Transport.Paths, expandTemplate(inputTemplate, port))
		}
	}
	if len(beamletLimits) == 2 {
		c.BeamletLimits = [2]int{beamletLimits[0], beamletLimits[1]}
	}
	if len(pointing) == 2 {
		c.Calibration.Pointing = [2]float64{pointing[0], pointing[1]}
	}
	return c, nil
}

// event is one extraction window from the event file.
type event struct {
	start   int64
	packets int64
}

func parseEvents(path string) ([]event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var events []event
	for lineNo, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var e event
		if _, err := fmt.Sscanf(line, "%d,%d", &e.start, &e.packets); err != nil {
			return nil, fmt.Errorf("event file line %d: %q: %v", lineNo+1, line, err)
		}
		if e.packets <= 0 {
			return nil, fmt.Errorf("event file line %d: non-positive packet count", lineNo+1)
		}
		if len(events) > 0 {
			prev := events[len(events)-1]
			if e.start < prev.start+prev.packets {
				return nil, fmt.Errorf("event file line %d: events must be monotonic and non-overlapping", lineNo+1)
			}
		}
		events = append(events, e)
	}
	if len(events) == 0 {
		return nil, errors.New("event file contains no events")
	}
	return events, nil
}

func openOutputs(n int, suffix string) ([]*os.File, error) {
	files := make([]*os.File, n)
	flags := os.O_CREATE | os.O_WRONLY | os.O_EXCL
	if appendOutput {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	for o := 0; o < n; o++ {
		path := expandTemplate(outputTemplate, o) + suffix
		f, err := os.OpenFile(path, flags, 0644)
		if err != nil {
			for _, done := range files[:o] {
				done.Close()
			}
			return nil, fmt.Errorf("output %s: %w", path, err)
		}
		files[o] = f
	}
	return files, nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}

func run() error {
	if err := setLogLevel(); err != nil {
		return err
	}
	c, err := buildConfig()
	if err != nil {
		return err
	}

	var events []event
	if eventFile != "" {
		events, err = parseEvents(eventFile)
		if err != nil {
			return err
		}
		c.StartingPacket = events[0].start
		c.PacketsReadMax = events[0].packets
	}

	r, err := reader.New(c)
	if err != nil {
		return err
	}
	defer r.Close()

	var collector *stats.Collector
	if monitoringPort > 0 {
		reg := prometheus.NewRegistry()
		collector = stats.NewCollector(reg)
		go stats.Serve(monitoringPort, reg)
	}

	readStats := welford.New()
	procStats := welford.New()

	extract := func(suffix string) error {
		files, err := openOutputs(r.Processor().NumOutputs(), suffix)
		if err != nil {
			return err
		}
		defer closeAll(files)
		for {
			var timings [2]float64
			err := r.StepTimed(&timings)
			if err != nil && !errors.Is(err, reader.ErrShortRead) && !errors.Is(err, reader.ErrPacketCap) {
				return err
			}
			done := err != nil
			readStats.Add(timings[0])
			procStats.Add(timings[1])
			for o, out := range r.Outputs() {
				if len(out) == 0 {
					continue
				}
				if _, werr := files[o].Write(out); werr != nil {
					return werr
				}
			}
			if collector != nil {
				collector.RecordStep(r.Snapshot(), r.PacketsPerIteration())
			}
			if done {
				log.Infof("extraction finished: %v", err)
				return nil
			}
		}
	}

	if len(events) == 0 {
		if err := extract(""); err != nil {
			return err
		}
	} else {
		for i, ev := range events {
			if i > 0 {
				if err := r.Reuse(ev.start, ev.packets); err != nil {
					return err
				}
			}
			log.Infof("event %d: packet %d, %d packets", i, ev.start, ev.packets)
			if err := extract(fmt.Sprintf(".event%d", i)); err != nil {
				return err
			}
		}
	}

	stats.Summary(os.Stdout, r.Snapshot())
	if showTiming {
		fmt.Printf("read:    mean %.6fs stddev %.6fs\n", readStats.Mean(), readStats.Stddev())
		fmt.Printf("process: mean %.6fs stddev %.6fs\n", procStats.Mean(), procStats.Stddev())
	}
	return nil
}
