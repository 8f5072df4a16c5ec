package persist

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atgraph_persist_events_received_total",
		Help: "Total number of events pulled from the buffer",
	})
	eventsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atgraph_persist_events_persisted_total",
		Help: "Total number of events fully applied to the store",
	})
	eventsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atgraph_persist_events_skipped_total",
		Help: "Total number of events archived without normalization",
	})
	eventsMalformed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atgraph_persist_events_malformed_total",
		Help: "Total number of events archived unprocessed due to malformed payloads",
	})
	lastTimeUS = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atgraph_persist_last_time_us",
		Help: "Source timestamp (microseconds) of the last event seen",
	})
	batchSizeHist = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "atgraph_persist_batch_size",
		Help:    "Number of events per buffer fetch",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
)
