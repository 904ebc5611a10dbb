package github

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/borsbot/bors/internal/logfields"
)

const metricNamespace = "bors_github_provider"

const (
	receivedEventsMetricName  = "received_events_total"
	enqueuedEventsMetricName  = "enqueued_events_total"
	discardedEventsMetricName = "discarded_events_total"
)

const (
	webhookTypeLabel = "webhook_type"
	reasonLabel      = "reason"
)

type discardReason string

const (
	discardReasonInvalid     discardReason = "invalid"
	discardReasonFiltered    discardReason = "filtered"
	discardReasonUnsupported discardReason = "unsupported"
	discardReasonQueueFull   discardReason = "queue_full"
)

type metricCollector struct {
	logger          *zap.Logger
	receivedEvents  *prometheus.CounterVec
	enqueuedEvents  prometheus.Counter
	discardedEvents *prometheus.CounterVec
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		logger: zap.L().Named(loggerName).Named("metrics"),
		receivedEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      receivedEventsMetricName,
				Help:      "count of received github webhook requests",
			},
			[]string{webhookTypeLabel},
		),
		enqueuedEvents: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      enqueuedEventsMetricName,
				Help:      "count of events forwarded to the event channel",
			},
		),
		discardedEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      discardedEventsMetricName,
				Help:      "count of webhook requests that were not forwarded to the event channel",
			},
			[]string{reasonLabel},
		),
	}
}

func (m *metricCollector) logGetMetricFailed(metricName string, err error) {
	m.logger.Warn(
		"could not record metric",
		zap.String("metric", metricName),
		logfields.Event("recording_metric_failed"),
		zap.Error(err),
	)
}

func (m *metricCollector) ReceivedInc(webhookType string) {
	cnt, err := m.receivedEvents.GetMetricWith(prometheus.Labels{webhookTypeLabel: webhookType})
	if err != nil {
		m.logGetMetricFailed(receivedEventsMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) EnqueuedInc() {
	m.enqueuedEvents.Inc()
}

func (m *metricCollector) DiscardedInc(reason discardReason) {
	cnt, err := m.discardedEvents.GetMetricWith(prometheus.Labels{reasonLabel: string(reason)})
	if err != nil {
		m.logGetMetricFailed(discardedEventsMetricName, err)
		return
	}

	cnt.Inc()
}
