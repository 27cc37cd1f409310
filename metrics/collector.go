// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

// Package metrics exposes Prometheus instrumentation for the RMAP
// transaction engine. Grounded on runZeroInc-sockstats's
// pkg/exporter.TCPInfoCollector: a small struct wrapping a handful of
// prometheus.Collector-compatible metrics that the owner pushes updates
// into from the hot path, registered once with a prometheus.Registerer.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector instruments one Engine: the state of its TID pool, the
// depth of its send queue, and counters for the events operators care
// about (retries, timeouts, reconnects).
type Collector struct {
	FreeTIDs        prometheus.Gauge
	QuarantinedTIDs prometheus.Gauge
	QueueDepth      prometheus.Gauge
	Retries         prometheus.Counter
	Timeouts        prometheus.Counter
	Reconnects      *prometheus.CounterVec
}

// NewCollector builds a Collector with the given metric name prefix
// (e.g. "rmap"). Call Register to expose it to a Prometheus registry;
// an unregistered Collector is still safe to use, it just isn't scraped.
func NewCollector(namespace string) *Collector {
	return &Collector{
		FreeTIDs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "free_tids",
			Help:      "Number of transaction IDs currently available for allocation.",
		}),
		QuarantinedTIDs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quarantined_tids",
			Help:      "Number of transaction IDs awaiting grace-period expiry after a timeout.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "send_queue_depth",
			Help:      "Number of encoded packets waiting to be written by the sender task.",
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total number of socket read/write retries issued after a reply timeout.",
		}),
		Timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeouts_total",
			Help:      "Total number of reply timeouts observed across all sockets.",
		}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total number of successful transport reconnects, labelled by the new connection's epoch.",
		}, []string{"epoch"}),
	}
}

// Register registers every metric on reg. Safe to call with
// prometheus.DefaultRegisterer.
func (c *Collector) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		c.FreeTIDs, c.QuarantinedTIDs, c.QueueDepth, c.Retries, c.Timeouts, c.Reconnects,
	}
	for _, coll := range collectors {
		if err := reg.Register(coll); err != nil {
			return err
		}
	}
	return nil
}
