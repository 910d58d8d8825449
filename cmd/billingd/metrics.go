// metrics.go - Prometheus metrics for the billing daemon
package main

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"meterbill/internal/billing"
	"meterbill/internal/tariff"
)

const metricPrefix = "meterbill_"

var (
	registerOnce sync.Once

	messagesSent     *prometheus.CounterVec
	bytesSent        *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	messagesRejected *prometheus.CounterVec
	billsVerified    *prometheus.CounterVec
	verifyLatency    *prometheus.HistogramVec
	billRows         prometheus.Histogram
)

// InitMetrics registers the daemon metrics with reg
func InitMetrics(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		messagesSent = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "messages_sent_total",
				Help: "Protocol messages written by kind",
			},
			[]string{"kind"},
		)
		bytesSent = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "bytes_sent_total",
				Help: "Protocol bytes written by kind",
			},
			[]string{"kind"},
		)
		messagesReceived = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "messages_received_total",
				Help: "Protocol messages accepted by kind",
			},
			[]string{"kind"},
		)
		messagesRejected = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "messages_rejected_total",
				Help: "Protocol messages refused by kind and reason",
			},
			[]string{"kind", "reason"},
		)
		billsVerified = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "bills_verified_total",
				Help: "Bill proofs verified by result",
			},
			[]string{"result"},
		)
		verifyLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "bill_verify_seconds",
				Help:    "Bill proof verification latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		billRows = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "bill_rows",
				Help:    "Meter readings covered by one bill proof",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
		)
		reg.MustRegister(messagesSent, bytesSent, messagesReceived, messagesRejected,
			billsVerified, verifyLatency, billRows)
	})
}

// MetricsObserver exports billing events to Prometheus
type MetricsObserver struct{}

func (MetricsObserver) MessageSent(kind billing.MessageKind, size int) {
	if messagesSent == nil {
		return
	}
	messagesSent.WithLabelValues(string(kind)).Inc()
	bytesSent.WithLabelValues(string(kind)).Add(float64(size))
}

func (MetricsObserver) MessageReceived(kind billing.MessageKind) {
	if messagesReceived == nil {
		return
	}
	messagesReceived.WithLabelValues(string(kind)).Inc()
}

func (MetricsObserver) MessageRejected(kind billing.MessageKind, err error) {
	if messagesRejected == nil {
		return
	}
	messagesRejected.WithLabelValues(string(kind), rejectReason(err)).Inc()
}

func (MetricsObserver) BillVerified(rows int, accepted bool, took time.Duration) {
	if billsVerified == nil {
		return
	}
	result := "accepted"
	if !accepted {
		result = "rejected"
	}
	billsVerified.WithLabelValues(result).Inc()
	verifyLatency.WithLabelValues(result).Observe(took.Seconds())
	billRows.Observe(float64(rows))
}

// rejectReason maps an error onto a small, fixed label set
func rejectReason(err error) string {
	switch {
	case errors.Is(err, billing.ErrAuthentication):
		return "authentication"
	case errors.Is(err, billing.ErrStalePrices):
		return "stale"
	case errors.Is(err, billing.ErrNegativePrice), errors.Is(err, tariff.ErrNegativeValue):
		return "negative"
	case errors.Is(err, billing.ErrBillRejected):
		return "inconsistent"
	case errors.Is(err, billing.ErrMalformed):
		return "malformed"
	case errors.Is(err, billing.ErrTransport), errors.Is(err, billing.ErrShortWrite):
		return "transport"
	default:
		return "other"
	}
}
