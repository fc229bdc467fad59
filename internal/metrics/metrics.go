// Package metrics records metrics about the action steps.
// They are written as prometheus text file when a file is configured.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/simplesurance/stewardaction/internal/logfields"
)

const loggerName = "metrics"

const metricNamespace = "stewardaction"

const (
	cacheRestoresMetricName   = "cache_restores_total"
	cacheSavesMetricName      = "cache_saves_total"
	cacheSavedBytesMetricName = "cache_saved_bytes_total"
	tokenRefreshesMetricName  = "askpass_refreshes_total"
	toolDurationMetricName    = "tool_run_duration_seconds"
)

const (
	resultLabel = "result"
	toolLabel   = "tool"
)

type ResultLabelVal string

const (
	ResultHit    ResultLabelVal = "hit"
	ResultMiss   ResultLabelVal = "miss"
	ResultSaved  ResultLabelVal = "saved"
	ResultExists ResultLabelVal = "exists"
	ResultOK     ResultLabelVal = "ok"
	ResultError  ResultLabelVal = "error"
)

// Collector holds the metrics of one action step.
// All methods can be called on a nil Collector, they are no-ops then.
type Collector struct {
	logger *zap.Logger

	registry       *prometheus.Registry
	cacheRestores  *prometheus.CounterVec
	cacheSaves     *prometheus.CounterVec
	cacheSaved     prometheus.Counter
	tokenRefreshes *prometheus.CounterVec
	toolDuration   *prometheus.GaugeVec
}

func New() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		logger:   zap.L().Named(loggerName),
		registry: reg,
		cacheRestores: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      cacheRestoresMetricName,
				Help:      "count of workspace cache restore attempts",
			},
			[]string{resultLabel},
		),
		cacheSaves: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      cacheSavesMetricName,
				Help:      "count of workspace cache save attempts",
			},
			[]string{resultLabel},
		),
		cacheSaved: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      cacheSavedBytesMetricName,
				Help:      "size of the uploaded workspace cache archives",
			},
		),
		tokenRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      tokenRefreshesMetricName,
				Help:      "count of askpass token refreshes",
			},
			[]string{resultLabel},
		),
		toolDuration: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      toolDurationMetricName,
				Help:      "duration of the last run of an external tool",
			},
			[]string{toolLabel},
		),
	}
}

func (m *Collector) logGetMetricFailed(metricName string, err error) {
	m.logger.Warn(
		"could not record metric",
		zap.String("metric", metricName),
		logfields.Event("recording_metric_failed"),
		zap.Error(err),
	)
}

func (m *Collector) incWithResult(vec *prometheus.CounterVec, name string, result ResultLabelVal) {
	cnt, err := vec.GetMetricWith(prometheus.Labels{resultLabel: string(result)})
	if err != nil {
		m.logGetMetricFailed(name, err)
		return
	}

	cnt.Inc()
}

func (m *Collector) CacheRestoreInc(result ResultLabelVal) {
	if m == nil {
		return
	}

	m.incWithResult(m.cacheRestores, cacheRestoresMetricName, result)
}

func (m *Collector) CacheSaveInc(result ResultLabelVal) {
	if m == nil {
		return
	}

	m.incWithResult(m.cacheSaves, cacheSavesMetricName, result)
}

func (m *Collector) CacheSavedBytesAdd(size int64) {
	if m == nil || size <= 0 {
		return
	}

	m.cacheSaved.Add(float64(size))
}

func (m *Collector) TokenRefreshInc(result ResultLabelVal) {
	if m == nil {
		return
	}

	m.incWithResult(m.tokenRefreshes, tokenRefreshesMetricName, result)
}

func (m *Collector) ToolDurationSet(tool string, d time.Duration) {
	if m == nil {
		return
	}

	g, err := m.toolDuration.GetMetricWith(prometheus.Labels{toolLabel: tool})
	if err != nil {
		m.logGetMetricFailed(toolDurationMetricName, err)
		return
	}

	g.Set(d.Seconds())
}

// Gatherer returns the registry the metrics are registered at.
func (m *Collector) Gatherer() prometheus.Gatherer {
	return m.registry
}

// WriteTextfile writes all metrics in the prometheus text format to path.
func (m *Collector) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}

	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("writing metrics to %s failed: %w", path, err)
	}

	return nil
}
