package bors

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/borsbot/bors/internal/database"
	"github.com/borsbot/bors/internal/logfields"
)

const metricNamespace = "bors"

const (
	processedEventsMetricName   = "processed_events_total"
	processingErrorsMetricName  = "event_processing_errors_total"
	tryBuildsStartedMetricName  = "try_builds_started_total"
	tryBuildsFinishedMetricName = "try_builds_finished_total"
	eventChannelLenMetricName   = "event_channel_length"
)

const (
	eventLabel  = "event"
	statusLabel = "status"
)

type metricCollector struct {
	logger            *zap.Logger
	processedEvents   prometheus.Counter
	processingErrors  *prometheus.CounterVec
	tryBuildsStarted  prometheus.Counter
	tryBuildsFinished *prometheus.CounterVec
	eventChannelLen   prometheus.Gauge
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		logger: zap.L().Named(loggerName).Named("metrics"),
		processedEvents: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      processedEventsMetricName,
				Help:      "count of events processed by the event loop",
			},
		),
		processingErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      processingErrorsMetricName,
				Help:      "count of events whose processing failed",
			},
			[]string{eventLabel},
		),
		tryBuildsStarted: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      tryBuildsStartedMetricName,
				Help:      "count of started try builds",
			},
		),
		tryBuildsFinished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      tryBuildsFinishedMetricName,
				Help:      "count of finished try builds per result status",
			},
			[]string{statusLabel},
		),
		eventChannelLen: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      eventChannelLenMetricName,
				Help:      "count of events waiting in the event channel",
			},
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

func (m *metricCollector) ProcessedEventsInc() {
	m.processedEvents.Inc()
}

func (m *metricCollector) EventProcessingErrorsInc(event string) {
	cnt, err := m.processingErrors.GetMetricWith(prometheus.Labels{eventLabel: event})
	if err != nil {
		m.logGetMetricFailed(processingErrorsMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) TryBuildsStartedInc() {
	m.tryBuildsStarted.Inc()
}

func (m *metricCollector) TryBuildsFinishedInc(status database.BuildStatus) {
	cnt, err := m.tryBuildsFinished.GetMetricWith(prometheus.Labels{statusLabel: string(status)})
	if err != nil {
		m.logGetMetricFailed(tryBuildsFinishedMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) EventChannelLenSet(length int) {
	m.eventChannelLen.Set(float64(length))
}
