package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atgraph_ingest_events_received_total",
		Help: "Total number of events received from the feed",
	})
	eventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atgraph_ingest_events_published_total",
		Help: "Total number of events durably handed to the buffer",
	})
	eventsMalformed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atgraph_ingest_events_malformed_total",
		Help: "Total number of malformed events forwarded for archival",
	})
	publishRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atgraph_ingest_publish_retries_total",
		Help: "Total number of buffer publish retries",
	})
	lastTimeUS = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atgraph_ingest_last_time_us",
		Help: "Source timestamp (microseconds) of the last buffered event",
	})
)
