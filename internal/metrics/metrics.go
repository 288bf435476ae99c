package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AgentsOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_agents_online",
		Help: "Number of agents currently connected.",
	})
	SendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_sends_total",
		Help: "Total send frames accepted or rejected, by outcome.",
	}, []string{"outcome"})
	DeliveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_deliveries_total",
		Help: "Total envelopes acknowledged by their recipient.",
	})
	RetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_delivery_retries_total",
		Help: "Total delivery attempts that failed and were retried.",
	})
	DeadLettersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_dead_letters_total",
		Help: "Total deliveries abandoned to the dead-letter queue, by reason.",
	}, []string{"reason"})
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_delivery_queue_depth",
		Help: "Envelopes queued across all recipient delivery queues.",
	})
	DeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_delivery_duration_seconds",
		Help:    "Time from accept to recipient acknowledgement.",
		Buckets: prometheus.DefBuckets,
	})
	StorageDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_storage_degraded",
		Help: "1 while the message store is refusing new appends.",
	})
	MemoryAlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_memory_alerts_total",
		Help: "Total memory alerts raised, by level.",
	}, []string{"level"})
	FrameErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_frame_errors_total",
		Help: "Total malformed or oversized frames received.",
	})
)
