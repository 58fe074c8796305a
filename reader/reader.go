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

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/molberg/udpPacketManager/calibration"
	"github.com/molberg/udpPacketManager/lofar"
	"github.com/molberg/udpPacketManager/process"
	"github.com/molberg/udpPacketManager/transport"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// State is the session lifecycle position.
type State int

const (
	StateUninit State = iota
	StateConfigured
	StateFirstRead
	StateAligned
	StateReady
	StateStepping
	StateExhausted
	StateFatal
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninit:
		return "uninit"
	case StateConfigured:
		return "configured"
	case StateFirstRead:
		return "firstread"
	case StateAligned:
		return "aligned"
	case StateReady:
		return "ready"
	case StateStepping:
		return "stepping"
	case StateExhausted:
		return "exhausted"
	case StateFatal:
		return "fatal"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Reader owns the session: all ports with their buffers and transports,
// the geometry, the kernel and the calibration table. Step is not
// re-entrant; one driver at a time.
type Reader struct {
	cfg  *Config
	geom *lofar.Geometry
	proc *process.Processor

	ports   []*port
	outputs [][]byte
	current [][]byte   // per-output views of the latest window
	srcs    [][][]byte // planned per-port slot sources

	packetsPerIteration int
	lastWindow          int
	packetsRead         int64
	packetsReadMax      int64

	inputReady  bool
	outputReady bool
	pending     error

	jones   *calibration.Table
	calStep int
	calUnix float64
	calCode string

	mu    sync.Mutex
	state State
}

// New validates the configuration, opens one transport per port, parses
// the first headers into a geometry, allocates all buffers and performs
// the initial read plus the optional alignment to the starting packet.
func New(cfg *Config) (*Reader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Reader{
		cfg:                 cfg,
		packetsPerIteration: cfg.PacketsPerIteration,
		packetsReadMax:      cfg.PacketsReadMax,
		state:               StateConfigured,
	}

	headers := make([][]byte, cfg.NumPorts)
	for i := 0; i < cfg.NumPorts; i++ {
		tr, err := transport.Open(cfg.Transport, i, DefaultRingPacketLength)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.ports = append(r.ports, &port{idx: i, tr: tr})
		hdr := make([]byte, lofar.HeaderSize)
		if err := tr.PeekHeader(hdr); err != nil {
			r.Close()
			return nil, fmt.Errorf("%w: port %d: %v", ErrParseFailed, i, err)
		}
		headers[i] = hdr
	}

	geom, err := lofar.ParseHeaders(headers, cfg.BeamletLimits)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("%w: %v", ErrParseFailed, err)
	}
	r.geom = geom
	log.Infof("session geometry: %s", geom)
	if cfg.Transport.Type == transport.RingBuffer && geom.PortPacketLength[0] != DefaultRingPacketLength {
		log.Warnf("ring buffer aligned to %d byte packets but geometry says %d", DefaultRingPacketLength, geom.PortPacketLength[0])
	}

	proc, err := process.New(cfg.ProcessingMode, geom, cfg.CalibrateData)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if !proc.TimeDecimationValid(cfg.PacketsPerIteration) {
		r.Close()
		return nil, fmt.Errorf("%w: %d packets per iteration do not divide decimation %d",
			ErrConfigInvalid, cfg.PacketsPerIteration, proc.Decimation())
	}
	r.proc = proc

	for _, p := range r.ports {
		p.packetLength = geom.PortPacketLength[p.idx]
		p.buf = newPortBuffer(p.packetLength, cfg.PacketsPerIteration)
	}
	r.outputs = make([][]byte, proc.NumOutputs())
	for o := range r.outputs {
		r.outputs[o] = make([]byte, cfg.PacketsPerIteration*proc.PacketOutputLength(o))
	}

	if err := r.rawRead(false); err != nil {
		r.Close()
		return nil, err
	}
	for _, p := range r.ports {
		p.lastPacket = lofar.PacketNumber(p.buf.packet(0), geom.Clock200MHz) - 1
	}
	r.state = StateFirstRead

	if cfg.StartingPacket >= lofar.FirstPacketNumber(geom.Clock200MHz) {
		if err := r.align(cfg.StartingPacket); err != nil {
			r.Close()
			return nil, err
		}
		r.state = StateAligned
	}

	if cfg.CalibrateData {
		hdr := lofar.DecodeHeader(headers[0])
		r.calUnix = float64(hdr.Timestamp)
		r.calCode = cfg.StationCode
		if r.calCode == "" {
			r.calCode = lofar.StationCode(geom.StationID)
		}
		if err := r.generateJones(); err != nil {
			r.Close()
			return nil, err
		}
	}

	r.inputReady = true
	r.state = StateReady
	return r, nil
}

// rawRead shifts every port's remainder, then fans the reads out across
// ports. A port returning fewer bytes than requested narrows the
// session window under the lock; the step's tolerable result is set
// once all reads joined.
func (r *Reader) rawRead(handlePadding bool) error {
	for _, p := range r.ports {
		p.shiftRemainder(r.lastWindow, handlePadding, r.cfg.ReplayDroppedPackets)
	}

	n := r.cfg.PacketsPerIteration
	r.pending = nil
	if r.packetsRead+int64(n) > r.packetsReadMax {
		n = int(r.packetsReadMax - r.packetsRead)
		if n < 0 {
			n = 0
		}
		r.pending = ErrPacketCap
	}
	r.packetsPerIteration = n

	var short atomic.Bool
	eg := errgroup.Group{}
	eg.SetLimit(r.cfg.Threads)
	for _, p := range r.ports {
		p := p
		eg.Go(func() error {
			want := n - p.carry
			if want <= 0 {
				return nil
			}
			dst := p.buf.active()[p.carry*p.packetLength : n*p.packetLength]
			read, err := p.tr.ReadExact(dst)
			if err != nil {
				return fmt.Errorf("port %d: read: %w", p.idx, err)
			}
			p.totalRead += int64(read) / int64(p.packetLength)
			if a, ok := p.tr.(transport.PageAdviser); ok {
				if aerr := a.AdviseDone(); aerr != nil {
					log.Debugf("port %d: madvise: %v", p.idx, aerr)
				}
			}
			if got := p.carry + read/p.packetLength; got < n {
				r.mu.Lock()
				if got < r.packetsPerIteration {
					r.packetsPerIteration = got
				}
				r.mu.Unlock()
				short.Store(true)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		r.state = StateFatal
		return err
	}
	// the packet cap is terminal; a concurrent short read must not
	// downgrade it to a continue-able result
	if short.Load() && r.pending == nil {
		r.pending = ErrShortRead
	}
	r.lastWindow = r.packetsPerIteration
	return nil
}

// planWindows resolves every port's window into per-slot kernel
// sources. Runs at emit time, just before the kernel, so the per-port
// emission cursor (lastPacket) only advances once output is produced.
func (r *Reader) planWindows() {
	n := r.packetsPerIteration
	r.srcs = make([][][]byte, len(r.ports))
	for i, p := range r.ports {
		r.srcs[i] = p.plan(n, r.geom.Clock200MHz, r.cfg.ReplayDroppedPackets)
	}
}

// readStep produces the next input window: shift, then parallel read.
func (r *Reader) readStep() error {
	if err := r.rawRead(true); err != nil {
		return err
	}
	r.inputReady = true
	r.outputReady = false
	return nil
}

// Step produces the next window of output data. A nil return means a
// full window; ErrShortRead and ErrPacketCap are tolerable results with
// a (possibly) narrowed window; anything else is fatal.
func (r *Reader) Step() error {
	return r.step(nil)
}

// StepTimed is Step with wall-clock seconds for the read and the kernel
// reported through timings.
func (r *Reader) StepTimed(timings *[2]float64) error {
	return r.step(timings)
}

func (r *Reader) step(timings *[2]float64) error {
	switch r.state {
	case StateReady, StateAligned, StateFirstRead:
	case StateExhausted:
		return r.pending
	default:
		return fmt.Errorf("step on a %s session", r.state)
	}
	r.state = StateStepping

	if !r.inputReady {
		start := time.Now()
		if err := r.readStep(); err != nil {
			return err
		}
		if timings != nil {
			timings[0] = time.Since(start).Seconds()
		}
	}

	n := r.packetsPerIteration
	if n <= 0 {
		r.state = StateExhausted
		r.current = nil
		if r.pending == nil {
			r.pending = ErrShortRead
		}
		return r.pending
	}

	if r.cfg.CalibrateData && r.calStep >= r.jones.StepsGenerated() {
		if err := r.generateJones(); err != nil {
			r.state = StateFatal
			return err
		}
	}
	var cal *process.Calibration
	if r.jones != nil {
		cal = &process.Calibration{Jones: r.jones.Steps, BaseStep: r.calStep}
	}

	r.planWindows()
	out := make([][]byte, len(r.outputs))
	for o := range r.outputs {
		out[o] = r.outputs[o][:n*r.proc.PacketOutputLength(o)]
	}
	start := time.Now()
	if err := r.proc.Run(r.srcs, out, cal, r.cfg.Threads); err != nil {
		r.state = StateFatal
		return err
	}
	if timings != nil {
		timings[1] = time.Since(start).Seconds()
	}
	r.current = out
	r.outputReady = true
	r.inputReady = false
	r.packetsRead += int64(n)
	if r.cfg.CalibrateData {
		r.calStep += n * lofar.TimeslicesPerPacket
	}

	res := r.pending
	if res == ErrPacketCap {
		r.state = StateExhausted
	} else {
		r.state = StateReady
	}
	return res
}

// generateJones (re)runs the external generator for a fresh matrix
// table; serial with respect to stepping.
func (r *Reader) generateJones() error {
	if r.jones != nil {
		r.calUnix += float64(r.jones.StepsGenerated()) * r.cfg.Calibration.IntegrationTime
	}
	table, err := calibration.Generate(r.cfg.Calibration, r.calCode, calibration.MJD(r.calUnix), r.geom.TotalProcBeamlets)
	if err != nil {
		return err
	}
	r.jones = table
	r.calStep = 0
	return nil
}

// Reuse re-aligns the session onto a later target packet with a fresh
// packet budget, without reopening any transport.
func (r *Reader) Reuse(target, max int64) error {
	switch r.state {
	case StateReady, StateExhausted, StateAligned, StateFirstRead:
	default:
		return fmt.Errorf("reuse on a %s session", r.state)
	}
	r.packetsRead = 0
	if max < 1 {
		max = math.MaxInt64
	}
	r.packetsReadMax = max
	r.packetsPerIteration = r.cfg.PacketsPerIteration
	if err := r.align(target); err != nil {
		r.state = StateFatal
		return err
	}
	r.inputReady = true
	r.outputReady = false
	r.pending = nil
	r.state = StateReady
	return nil
}

// Close releases every transport and buffer; safe in any state and
// idempotent.
func (r *Reader) Close() {
	if r.state == StateClosed {
		return
	}
	for _, p := range r.ports {
		if p.tr != nil {
			if err := p.tr.Close(); err != nil {
				log.Warnf("port %d: close: %v", p.idx, err)
			}
			p.tr = nil
		}
		p.buf = nil
	}
	r.outputs = nil
	r.current = nil
	r.jones = nil
	r.state = StateClosed
}

// Outputs are the latest window's output buffers, borrowed read-only
// until the next Step or Close.
func (r *Reader) Outputs() [][]byte { return r.current }

// Geometry is the session geometry parsed from the first headers.
func (r *Reader) Geometry() *lofar.Geometry { return r.geom }

// Processor is the configured kernel.
func (r *Reader) Processor() *process.Processor { return r.proc }

// State reports the lifecycle position.
func (r *Reader) State() State { return r.state }

// PacketsPerIteration is the current window size in packets.
func (r *Reader) PacketsPerIteration() int { return r.packetsPerIteration }

// PacketsRead is the cumulative packet count consumed by Step.
func (r *Reader) PacketsRead() int64 { return r.packetsRead }

// PacketsReadMax is the cap on PacketsRead for the current session or
// Reuse window; it is not reduced as packets are read.
func (r *Reader) PacketsReadMax() int64 { return r.packetsReadMax }

// LastPacket is the number of the last packet emitted to output (or
// target-1 right after alignment).
func (r *Reader) LastPacket() int64 { return r.ports[0].lastPacket }

// WindowStart is the packet number of slot 0 of the latest window.
func (r *Reader) WindowStart() int64 { return r.ports[0].lastPacket - int64(r.lastWindow) + 1 }

// PortStat is a per-port counter snapshot.
type PortStat struct {
	Port           int
	PacketsRead    int64
	PacketsDropped int64
	LastPacket     int64
}

// Snapshot returns per-port counters for stats reporting.
func (r *Reader) Snapshot() []PortStat {
	stats := make([]PortStat, len(r.ports))
	for i, p := range r.ports {
		stats[i] = PortStat{Port: i, PacketsRead: p.totalRead, PacketsDropped: p.totalDropped, LastPacket: p.lastPacket}
	}
	return stats
}
