// Package metrics exposes Prometheus counters for the device fleet.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Iteration outcomes
const (
	OutcomePublished     = "published"
	OutcomeSensorTimeout = "sensor_timeout"
	OutcomeBinMissing    = "bin_missing"
	OutcomeBinInvalid    = "bin_invalid"
	OutcomePublishFailed = "publish_failed"
	OutcomeFailed        = "failed"
)

// Recorder groups the simulator metrics. A nil *Recorder records nothing.
type Recorder struct {
	iterations       *prometheus.CounterVec
	scheduled        prometheus.Counter
	collectedResets  prometheus.Counter
	notifications    *prometheus.CounterVec
	urgency          *prometheus.GaugeVec
	loopsRunning     prometheus.Gauge
	loopTerminations *prometheus.CounterVec
}

// NewRecorder creates the metrics and registers them with reg
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "binspire_iterations_total",
			Help: "Device loop iterations by outcome",
		}, []string{"outcome"}),
		scheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "binspire_collections_scheduled_total",
			Help: "Bins flagged for urgent collection",
		}),
		collectedResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "binspire_collected_resets_total",
			Help: "Collected flags cleared because the bin filled again",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "binspire_notifications_total",
			Help: "Push notifications per token by result",
		}, []string{"result"}),
		urgency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "binspire_urgency_score",
			Help: "Last urgency score of each bin",
		}, []string{"bin_id"}),
		loopsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "binspire_device_loops_running",
			Help: "Device loops currently running",
		}),
		loopTerminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "binspire_device_loop_terminations_total",
			Help: "Device loops that stopped, by reason",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		r.iterations,
		r.scheduled,
		r.collectedResets,
		r.notifications,
		r.urgency,
		r.loopsRunning,
		r.loopTerminations,
	)
	return r
}

func (r *Recorder) Iteration(outcome string) {
	if r == nil {
		return
	}
	r.iterations.WithLabelValues(outcome).Inc()
}

func (r *Recorder) Scheduled() {
	if r == nil {
		return
	}
	r.scheduled.Inc()
}

func (r *Recorder) CollectedReset() {
	if r == nil {
		return
	}
	r.collectedResets.Inc()
}

func (r *Recorder) Notifications(success, failure int) {
	if r == nil {
		return
	}
	r.notifications.WithLabelValues("success").Add(float64(success))
	r.notifications.WithLabelValues("failure").Add(float64(failure))
}

func (r *Recorder) UrgencyScore(binID string, score float64) {
	if r == nil {
		return
	}
	r.urgency.WithLabelValues(binID).Set(score)
}

// LoopStarted and LoopStopped track the running gauge; reason is "cancelled" or "failed"
func (r *Recorder) LoopStarted() {
	if r == nil {
		return
	}
	r.loopsRunning.Inc()
}

func (r *Recorder) LoopStopped(reason string) {
	if r == nil {
		return
	}
	r.loopsRunning.Dec()
	r.loopTerminations.WithLabelValues(reason).Inc()
}
