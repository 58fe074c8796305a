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

// Package stats reports per-port reader counters, both as Prometheus
// collectors for a monitoring endpoint and as a human-readable summary
// table at the end of a run.
package stats

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/molberg/udpPacketManager/reader"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Collector exports reader counters to Prometheus.
type Collector struct {
	packetsRead    *prometheus.CounterVec
	packetsDropped *prometheus.CounterVec
	iterations     prometheus.Counter
	windowSize     prometheus.Gauge

	lastRead    map[int]int64
	lastDropped map[int]int64
}

// NewCollector registers the reader metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		packetsRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lofar_udp_packets_read_total",
			Help: "Packets read from the input stream",
		}, []string{"port"}),
		packetsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lofar_udp_packets_dropped_total",
			Help: "Packets lost upstream and replayed or zero-filled",
		}, []string{"port"}),
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lofar_udp_iterations_total",
			Help: "Processing iterations completed",
		}),
		windowSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lofar_udp_window_packets",
			Help: "Current packets per iteration",
		}),
		lastRead:    map[int]int64{},
		lastDropped: map[int]int64{},
	}
	reg.MustRegister(c.packetsRead, c.packetsDropped, c.iterations, c.windowSize)
	return c
}

// RecordStep folds one iteration's snapshot into the counters.
func (c *Collector) RecordStep(snapshot []reader.PortStat, windowPackets int) {
	for _, s := range snapshot {
		port := strconv.Itoa(s.Port)
		c.packetsRead.WithLabelValues(port).Add(float64(s.PacketsRead - c.lastRead[s.Port]))
		c.packetsDropped.WithLabelValues(port).Add(float64(s.PacketsDropped - c.lastDropped[s.Port]))
		c.lastRead[s.Port] = s.PacketsRead
		c.lastDropped[s.Port] = s.PacketsDropped
	}
	c.iterations.Inc()
	c.windowSize.Set(float64(windowPackets))
}

// Serve exposes /metrics on the monitoring port; passive, never returns
// unless the listener fails.
func Serve(port int, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	addr := fmt.Sprintf(":%d", port)
	log.Infof("monitoring on %s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("monitoring server: %v", err)
	}
}

// Summary prints the per-port totals table for the finished run.
func Summary(w io.Writer, snapshot []reader.PortStat) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"port", "packets read", "packets dropped", "loss", "last packet"})
	for _, s := range snapshot {
		loss := 0.0
		if s.PacketsRead > 0 {
			loss = float64(s.PacketsDropped) / float64(s.PacketsRead+s.PacketsDropped)
		}
		table.Append([]string{
			strconv.Itoa(s.Port),
			strconv.FormatInt(s.PacketsRead, 10),
			strconv.FormatInt(s.PacketsDropped, 10),
			fmt.Sprintf("%.3f%%", loss*100),
			strconv.FormatInt(s.LastPacket, 10),
		})
	}
	table.Render()
}
