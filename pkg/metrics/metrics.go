// Package metrics records conversion, worker and interpolation counters on a
// private prometheus registry. A nil *Recorder is valid and records nothing.
package metrics

import (
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const namespace = "segmentation"

// Recorder aggregates process metrics for the segmentation services.
type Recorder struct {
	registry *prometheus.Registry

	conversions       *prometheus.CounterVec
	conversionSeconds *prometheus.HistogramVec
	tasks             *prometheus.CounterVec
	taskSeconds       *prometheus.HistogramVec
	workersActive     prometheus.Gauge
	slices            prometheus.Counter
}

// New returns a recorder with all collectors registered.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		conversions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversions_total",
			Help:      "Representation conversions by target kind and result.",
		}, []string{"kind", "result"}),
		conversionSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "conversion_duration_seconds",
			Help:      "Time spent computing a representation.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"kind"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_tasks_total",
			Help:      "Worker pool tasks by task type and result.",
		}, []string{"task", "result"}),
		taskSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_task_duration_seconds",
			Help:      "Time spent executing worker tasks.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"task"}),
		workersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_active",
			Help:      "Workers currently started in the pool.",
		}),
		slices: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interpolation_slices_total",
			Help:      "Slices written by labelmap interpolation.",
		}),
	}
	r.registry.MustRegister(r.conversions, r.conversionSeconds, r.tasks, r.taskSeconds, r.workersActive, r.slices)
	return r
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// Registry exposes the underlying registry for exporters.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// ObserveConversion records one conversion attempt to kind.
func (r *Recorder) ObserveConversion(kind string, success bool, d time.Duration) {
	if r == nil {
		return
	}
	r.conversions.WithLabelValues(kind, result(success)).Inc()
	r.conversionSeconds.WithLabelValues(kind).Observe(d.Seconds())
}

// ObserveTask records one worker task execution.
func (r *Recorder) ObserveTask(task string, success bool, d time.Duration) {
	if r == nil {
		return
	}
	r.tasks.WithLabelValues(task, result(success)).Inc()
	r.taskSeconds.WithLabelValues(task).Observe(d.Seconds())
}

// WorkerStarted increments the active worker gauge.
func (r *Recorder) WorkerStarted() {
	if r == nil {
		return
	}
	r.workersActive.Inc()
}

// WorkerStopped decrements the active worker gauge.
func (r *Recorder) WorkerStopped() {
	if r == nil {
		return
	}
	r.workersActive.Dec()
}

// AddInterpolatedSlices counts slices written by interpolation.
func (r *Recorder) AddInterpolatedSlices(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.slices.Add(float64(n))
}

// Value returns the current value of the counter or gauge named name
// (without namespace) whose labels include all of labels. Missing series
// read as zero.
func (r *Recorder) Value(name string, labels map[string]string) float64 {
	if r == nil {
		return 0
	}
	families, err := r.registry.Gather()
	if err != nil {
		return 0
	}
	full := namespace + "_" + name
	for _, mf := range families {
		if mf.GetName() != full {
			continue
		}
		var total float64
		for _, m := range mf.GetMetric() {
			if !matches(m, labels) {
				continue
			}
			switch {
			case m.Counter != nil:
				total += m.GetCounter().GetValue()
			case m.Gauge != nil:
				total += m.GetGauge().GetValue()
			case m.Histogram != nil:
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
		return total
	}
	return 0
}

func matches(m *dto.Metric, labels map[string]string) bool {
	found := 0
	for _, lp := range m.GetLabel() {
		if want, ok := labels[lp.GetName()]; ok {
			if want != lp.GetValue() {
				return false
			}
			found++
		}
	}
	return found == len(labels)
}

// WriteText writes all gathered metrics in the prometheus text format.
func (r *Recorder) WriteText(w io.Writer) error {
	if r == nil {
		return nil
	}
	families, err := r.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("write metric %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
