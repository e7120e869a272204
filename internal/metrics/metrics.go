package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LJTian/SourcePulse/internal/ingest"
)

const namespace = "sourcepulse"

const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Metrics 采集链路的 Prometheus 指标，使用独立的 Registry。
// 方法对 nil 接收者安全，CLI 与测试可以不启用指标。
type Metrics struct {
	Registry *prometheus.Registry

	TicksTotal       prometheus.Counter
	ScansTotal       *prometheus.CounterVec
	ScansInFlight    prometheus.Gauge
	ScanDuration     *prometheus.HistogramVec
	FragmentsFound   *prometheus.CounterVec
	ArticlesIngested *prometheus.CounterVec
	DuplicatesTotal  *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		TicksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Scheduler ticks executed",
		}),
		ScansTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Source scans by kind and status",
		}, []string{"kind", "status"}),
		ScansInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scans_in_flight",
			Help:      "Scans currently running",
		}),
		ScanDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Duration of one source scan",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"kind"}),
		FragmentsFound: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_found_total",
			Help:      "Raw fragments returned by the extractor",
		}, []string{"kind"}),
		ArticlesIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "articles_ingested_total",
			Help:      "Articles inserted for the first time",
		}, []string{"kind"}),
		DuplicatesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "articles_duplicate_total",
			Help:      "Fragments skipped because their URL was already stored",
		}, []string{"kind"}),
	}
}

func (m *Metrics) Tick() {
	if m == nil {
		return
	}
	m.TicksTotal.Inc()
}

// ScanStarted 返回的函数在扫描结束时调用
func (m *Metrics) ScanStarted() func() {
	if m == nil {
		return func() {}
	}
	m.ScansInFlight.Inc()
	return m.ScansInFlight.Dec
}

func (m *Metrics) ObserveScan(kind string, o ingest.Outcome) {
	if m == nil {
		return
	}
	status := StatusOK
	if o.Failed() {
		status = StatusFailed
	}
	m.ScansTotal.WithLabelValues(kind, status).Inc()
	m.ScanDuration.WithLabelValues(kind).Observe(o.Duration.Seconds())
	m.FragmentsFound.WithLabelValues(kind).Add(float64(o.Found))
	m.ArticlesIngested.WithLabelValues(kind).Add(float64(o.Processed))
	m.DuplicatesTotal.WithLabelValues(kind).Add(float64(o.Duplicates))
}

// ScanSkipped 例如其他实例持有扫描租约
func (m *Metrics) ScanSkipped(kind string) {
	if m == nil {
		return
	}
	m.ScansTotal.WithLabelValues(kind, StatusSkipped).Inc()
}

// Handler 暴露 /metrics
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
