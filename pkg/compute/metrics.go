package compute

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Rows          prometheus.Counter
	Batches       prometheus.Counter
	OutputRows    prometheus.Counter
	Spills        prometheus.Counter
	SpilledBytes  prometheus.Counter
	Promotions    prometheus.Counter
	CompileHits   prometheus.Counter
	CompileMisses prometheus.Counter
	PeakMemory    prometheus.Gauge
	Queries       *prometheus.CounterVec
}

// NewMetrics registers on reg. A nil reg gives unregistered metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Rows: f.NewCounter(prometheus.CounterOpts{
			Namespace: "aggr",
			Name:      "input_rows_total",
			Help:      "Rows consumed by aggregations.",
		}),
		Batches: f.NewCounter(prometheus.CounterOpts{
			Namespace: "aggr",
			Name:      "input_batches_total",
			Help:      "Batches consumed by aggregations.",
		}),
		OutputRows: f.NewCounter(prometheus.CounterOpts{
			Namespace: "aggr",
			Name:      "output_rows_total",
			Help:      "Result rows emitted.",
		}),
		Spills: f.NewCounter(prometheus.CounterOpts{
			Namespace: "aggr",
			Name:      "spills_total",
			Help:      "Tables written to spill storage.",
		}),
		SpilledBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: "aggr",
			Name:      "spilled_bytes_total",
			Help:      "Bytes written to spill storage.",
		}),
		Promotions: f.NewCounter(prometheus.CounterOpts{
			Namespace: "aggr",
			Name:      "two_level_promotions_total",
			Help:      "Tables converted to two level.",
		}),
		CompileHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: "aggr",
			Name:      "compile_hits_total",
			Help:      "Queries that ran compiled function sets.",
		}),
		CompileMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: "aggr",
			Name:      "compile_misses_total",
			Help:      "Queries that ran interpreted function sets.",
		}),
		PeakMemory: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "aggr",
			Name:      "last_query_peak_memory_bytes",
			Help:      "Peak tracked memory of the last finished query.",
		}),
		Queries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aggr",
			Name:      "queries_total",
			Help:      "Finished queries by terminal state.",
		}, []string{"state"}),
	}
}
