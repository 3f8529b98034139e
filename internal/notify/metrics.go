// internal/notify/metrics.go
package notify

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xkilldash9x/formcheck/internal/probe"
)

const metricsNamespace = "formcheck"

var verdicts = []probe.Verdict{probe.VerdictSuccess, probe.VerdictFailed, probe.VerdictError}

// MetricsSink writes the outcome of the last attempt as a Prometheus textfile,
// for collection by node_exporter's textfile collector. Each write replaces the file.
type MetricsSink struct {
	path string
}

// NewMetricsSink writes to path.
func NewMetricsSink(path string) *MetricsSink {
	return &MetricsSink{path: path}
}

func (s *MetricsSink) Name() string { return "metrics" }

func (s *MetricsSink) Send(_ context.Context, ev Event) error {
	reg, err := s.registry(ev.Result)
	if err != nil {
		return err
	}
	if err := prometheus.WriteToTextfile(s.path, reg); err != nil {
		return fmt.Errorf("failed to write metrics textfile %s: %w", s.path, err)
	}
	return nil
}

// registry builds a fresh registry holding only the last attempt's values.
func (s *MetricsSink) registry(r probe.Result) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()

	lastRun := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix time the last form check finished.",
	})
	verdict := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "last_verdict",
		Help:      "1 for the verdict of the last form check, 0 for the others.",
	}, []string{"verdict"})
	status := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "last_http_status",
		Help:      "HTTP status of the correlated submission response, 0 when none was observed.",
	})
	duration := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "attempt_duration_seconds",
		Help:      "Wall time of the last form check.",
	})
	fill := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "last_fill_seconds",
		Help:      "Time between starting to fill the form and releasing the submit.",
	})

	for _, c := range []prometheus.Collector{lastRun, verdict, status, duration, fill} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	lastRun.Set(float64(timestamp(r).UnixNano()) / 1e9)
	for _, v := range verdicts {
		val := 0.0
		if v == r.Verdict {
			val = 1
		}
		verdict.WithLabelValues(string(v)).Set(val)
	}
	status.Set(float64(r.Status))
	duration.Set(r.Duration().Seconds())
	fill.Set(r.Gate.FillElapsed.Seconds())
	return reg, nil
}
