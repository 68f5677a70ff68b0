// Package metrics はPrometheusによる同期パイプラインのメトリクスを提供します。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"candle_sync/internal/feature/candles/usecase"
)

// Recorder implements usecase.Metrics using Prometheus.
type Recorder struct {
	registry    *prometheus.Registry
	inserted    *prometheus.CounterVec
	duplicates  *prometheus.CounterVec
	storeErrors *prometheus.CounterVec
	gaps        *prometheus.CounterVec
	missing     *prometheus.CounterVec
	lastCandle  *prometheus.GaugeVec
}

var _ usecase.Metrics = (*Recorder)(nil)

// New creates a Recorder backed by its own registry, including Go runtime and process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		inserted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candle_sync_inserted_total",
				Help: "Total number of candles inserted",
			},
			[]string{"table"},
		),
		duplicates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candle_sync_duplicates_total",
				Help: "Total number of received candles skipped because they were already stored",
			},
			[]string{"table"},
		),
		storeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candle_sync_store_errors_total",
				Help: "Total number of failed insert transactions",
			},
			[]string{"table"},
		),
		gaps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candle_sync_gaps_total",
				Help: "Total number of recorded gaps",
			},
			[]string{"table", "reason"},
		),
		missing: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candle_sync_missing_candles_total",
				Help: "Total number of candles covered by recorded gaps",
			},
			[]string{"table", "reason"},
		),
		lastCandle: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "candle_sync_last_candle_timestamp_seconds",
				Help: "Open time of the newest stored candle",
			},
			[]string{"table"},
		),
	}
}

// RecordInserted records candles written to table.
func (r *Recorder) RecordInserted(table string, n int) {
	r.inserted.WithLabelValues(table).Add(float64(n))
}

// RecordDuplicates records received candles that were already stored.
func (r *Recorder) RecordDuplicates(table string, n int) {
	r.duplicates.WithLabelValues(table).Add(float64(n))
}

// RecordStoreError records a failed insert transaction.
func (r *Recorder) RecordStoreError(table string) {
	r.storeErrors.WithLabelValues(table).Inc()
}

// RecordGap records one gap and the number of candles it spans.
func (r *Recorder) RecordGap(table, reason string, missing int) {
	r.gaps.WithLabelValues(table, reason).Inc()
	r.missing.WithLabelValues(table, reason).Add(float64(missing))
}

// RecordLastCandle records the open time of the newest stored candle.
func (r *Recorder) RecordLastCandle(table string, t time.Time) {
	r.lastCandle.WithLabelValues(table).Set(float64(t.Unix()))
}

// Handler は /metrics 用のHTTPハンドラーを返します。
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
