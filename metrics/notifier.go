package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DeliveryOutcome labels one notifier delivery attempt.
type DeliveryOutcome string

const (
	DeliverySent        DeliveryOutcome = "sent"
	DeliveryRateLimited DeliveryOutcome = "rate_limited"
	DeliveryRetry       DeliveryOutcome = "retry"
	DeliveryDropped     DeliveryOutcome = "dropped"
)

type NotifierMetrics struct {
	deliveries *prometheus.CounterVec
	queueLen   prometheus.Gauge
}

func NewDefaultNotifierMetrics() NotifierMetrics {
	m := NotifierMetrics{
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerwatch_notifier_deliveries",
				Help: "Notifier delivery attempts, partitioned by channel and outcome.",
			},
			[]string{"channel", "outcome"},
		),
		queueLen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ledgerwatch_notifier_queue_length",
				Help: "Messages waiting for delivery.",
			},
		),
	}
	m.deliveries = registerOnce(m.deliveries).(*prometheus.CounterVec)
	m.queueLen = registerOnce(m.queueLen).(prometheus.Gauge)
	return m
}

func (m *NotifierMetrics) Deliveries(channel string, outcome DeliveryOutcome) prometheus.Counter {
	return m.deliveries.WithLabelValues(channel, string(outcome))
}

func (m *NotifierMetrics) QueueLength() prometheus.Gauge {
	return m.queueLen
}
