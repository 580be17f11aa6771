// Package metrics holds the broker's prometheus collectors. They are
// registered on the default registry; cmd/klevmq serves them over
// promhttp when a metrics address is configured.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IndexPuts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "klevmq_index_puts_total",
		Help: "Keys written into the hash index.",
	})

	IndexRollovers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "klevmq_index_rollovers_total",
		Help: "Index files sealed because they filled up.",
	})

	IndexUnwritable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "klevmq_index_unwritable",
		Help: "1 once index building latched off after repeated failures.",
	})

	HAConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "klevmq_ha_connections",
		Help: "Slave connections currently attached to this master.",
	})

	PushedOffset = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "klevmq_ha_pushed_offset",
		Help: "Highest commit log offset acknowledged by any slave.",
	})

	TransferTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "klevmq_ha_transfer_timeouts_total",
		Help: "Group transfer waits that timed out before replication.",
	})

	ReplicationDivergence = promauto.NewCounter(prometheus.CounterOpts{
		Name: "klevmq_ha_divergence_total",
		Help: "Replication streams closed on master/slave offset mismatch.",
	})
)
