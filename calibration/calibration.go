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

// Package calibration drives the external beam-model helper that
// produces per-time, per-beamlet 2x2 complex Jones matrices, and parses
// its pipe-framed output into an in-memory table.
package calibration

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// DefaultGenerator is the beam-model helper spawned per table.
const DefaultGenerator = "dreamBeamJonesGenerator.py"

var ErrFailed = errors.New("calibration failed")

// fifoSeq distinguishes FIFO paths when several sessions share a pid.
var fifoSeq atomic.Uint64

// Config describes one generator invocation. Env is injected into the
// child verbatim; nil inherits the parent environment.
type Config struct {
	Generator string
	FifoDir   string

	SubbandSpec     string
	Pointing        [2]float64
	PointingBasis   string
	Duration        float64
	IntegrationTime float64

	Env []string
}

// Table holds the generated Jones matrices: one row per time step,
// beamlets*4 complex entries per row in J00/J01/J10/J11 order.
type Table struct {
	Steps [][]complex64
}

// StepsGenerated is the number of time steps the generator produced.
func (t *Table) StepsGenerated() int { return len(t.Steps) }

// MJD converts a unix timestamp in seconds to a modified Julian date.
func MJD(unixSeconds float64) float64 {
	return unixSeconds/86400.0 + 40587.0
}

// Generate spawns the helper and reads one full table for the given
// station and start time. Any parse failure or beamlet count mismatch is
// fatal to the session.
func Generate(cfg Config, stationCode string, mjdStart float64, totalBeamlets int) (*Table, error) {
	generator := cfg.Generator
	if generator == "" {
		generator = DefaultGenerator
	}
	dir := cfg.FifoDir
	if dir == "" {
		dir = os.TempDir()
	}
	fifo := filepath.Join(dir, fmt.Sprintf("jones_%d_%d.pipe", os.Getpid(), fifoSeq.Add(1)))
	if err := unix.Mkfifo(fifo, 0644); err != nil {
		return nil, fmt.Errorf("%w: mkfifo %s: %v", ErrFailed, fifo, err)
	}
	defer os.Remove(fifo)

	cmd := exec.Command(generator,
		stationCode,
		strconv.FormatFloat(cfg.IntegrationTime, 'f', -1, 64),
		strconv.FormatFloat(mjdStart, 'f', -1, 64),
		strconv.FormatFloat(cfg.Duration, 'f', -1, 64),
		strconv.FormatFloat(cfg.IntegrationTime, 'f', -1, 64),
		cfg.SubbandSpec,
		strconv.FormatFloat(cfg.Pointing[0], 'f', -1, 64),
		strconv.FormatFloat(cfg.Pointing[1], 'f', -1, 64),
		cfg.PointingBasis,
		fifo,
	)
	cmd.Env = cfg.Env
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: spawn %s: %v", ErrFailed, generator, err)
	}
	log.Debugf("spawned %s (pid %d) writing to %s", generator, cmd.Process.Pid, fifo)

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	// opening the read side blocks until the child opens the pipe; if
	// the child dies first, surface that instead of hanging forever
	type openResult struct {
		f   *os.File
		err error
	}
	opened := make(chan openResult, 1)
	go func() {
		f, err := os.OpenFile(fifo, os.O_RDONLY, 0)
		opened <- openResult{f, err}
	}()

	var pipe *os.File
	select {
	case res := <-opened:
		if res.err != nil {
			<-exited
			return nil, fmt.Errorf("%w: open fifo: %v", ErrFailed, res.err)
		}
		pipe = res.f
	case err := <-exited:
		// drain the pending open so the goroutine can finish
		go func() {
			if res := <-opened; res.f != nil {
				res.f.Close()
			}
		}()
		return nil, fmt.Errorf("%w: generator exited before opening pipe: %v", ErrFailed, err)
	}
	defer pipe.Close()

	table, err := ParseTable(pipe, totalBeamlets)
	if err != nil {
		_ = cmd.Process.Kill()
		<-exited
		return nil, err
	}

	select {
	case err := <-exited:
		if err != nil {
			return nil, fmt.Errorf("%w: generator exit: %v", ErrFailed, err)
		}
	case <-time.After(time.Minute):
		_ = cmd.Process.Kill()
		<-exited
		return nil, fmt.Errorf("%w: generator did not exit after table", ErrFailed)
	}
	log.Infof("generated %d jones steps for %d beamlets", table.StepsGenerated(), totalBeamlets)
	return table, nil
}
