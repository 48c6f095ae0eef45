/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dadns

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dadns_queue_depth",
		Help: "Current number of items in each durable queue.",
	}, []string{"queue"})

	metricDeadLetters = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dadns_dead_letters_total",
		Help: "Items discarded after exceeding the retry ceiling.",
	})

	metricBackendOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dadns_backend_operations_total",
		Help: "Zone writes and deletes per backend and result.",
	}, []string{"backend", "operation", "result"})

	metricZonesTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dadns_zones_total",
		Help: "Zones currently known to the catalog.",
	})

	metricReconcilerRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dadns_reconciler_runs_total",
		Help: "Completed reconciliation passes.",
	})

	metricPeerSyncedZones = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dadns_peer_synced_zones_total",
		Help: "Zone payloads pulled from peers into the local catalog.",
	})
)

func init() {
	prometheus.MustRegister(
		metricQueueDepth,
		metricDeadLetters,
		metricBackendOps,
		metricZonesTotal,
		metricReconcilerRuns,
		metricPeerSyncedZones,
	)
}
