// Package metrics holds the Prometheus collectors for training and
// decoding.
package metrics

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

var (
	// TrainingIterations counts completed optimizer iterations.
	TrainingIterations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "seqtag", Subsystem: "train", Name: "iterations_total",
		Help: "Total number of training iterations",
	})
	// Objective is the regularized negative log-likelihood of the last iteration.
	Objective = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "seqtag", Subsystem: "train", Name: "objective",
		Help: "Regularized objective of the last iteration",
	})
	// ObjectiveDiff is the relative objective change of the last iteration.
	ObjectiveDiff = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "seqtag", Subsystem: "train", Name: "objective_diff",
		Help: "Relative objective change of the last iteration",
	})
	// ActiveFeatures is the number of weights the regularizer counts as active.
	ActiveFeatures = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "seqtag", Subsystem: "train", Name: "active_features",
		Help: "Number of weights counted as active by the regularizer",
	})
	// TokenErrorRate is the token error rate of the last iteration.
	TokenErrorRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "seqtag", Subsystem: "train", Name: "token_error_rate",
		Help: "Fraction of training tokens mislabeled by Viterbi",
	})
	// SequenceErrorRate is the sequence error rate of the last iteration.
	SequenceErrorRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "seqtag", Subsystem: "train", Name: "sequence_error_rate",
		Help: "Fraction of training sequences with at least one error",
	})
	// IterationLatency records the wall time of one gradient pass.
	IterationLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "seqtag", Subsystem: "train", Name: "iteration_latency_seconds",
		Help:    "Latency of training iterations in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// FeatureLookups counts feature lookups against a trained model.
	FeatureLookups = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "seqtag", Subsystem: "decode", Name: "feature_lookups_total",
		Help: "Total number of feature lookups",
	})
	// FeatureMisses counts lookups of features unknown to the model.
	FeatureMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "seqtag", Subsystem: "decode", Name: "feature_misses_total",
		Help: "Number of feature lookups that missed the model",
	})
	// SequencesTagged counts sequences decoded by Viterbi.
	SequencesTagged = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "seqtag", Subsystem: "decode", Name: "sequences_total",
		Help: "Total number of decoded sequences",
	})
)

// Collectors returns a slice of all Prometheus collectors.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		TrainingIterations, Objective, ObjectiveDiff, ActiveFeatures,
		TokenErrorRate, SequenceErrorRate, IterationLatency,
		FeatureLookups, FeatureMisses, SequencesTagged,
	}
}

var registerMetricsOnce = sync.Once{}

// Register registers all collectors with reg once per process.
func Register(reg prometheus.Registerer) {
	registerMetricsOnce.Do(func() {
		reg.MustRegister(Collectors()...)
	})
}

// LogDecodeSummary logs the decode counters at debug level.
func LogDecodeSummary() {
	lookups, err := counterValue(FeatureLookups)
	if err != nil {
		return
	}
	misses, err := counterValue(FeatureMisses)
	if err != nil {
		return
	}
	sequences, err := counterValue(SequencesTagged)
	if err != nil {
		return
	}

	hitRate := 0.0
	if lookups > 0 {
		hitRate = 1 - misses/lookups
	}
	slog.Debug("Decode metrics",
		"sequences", sequences,
		"lookups", lookups,
		"misses", misses,
		"hit_rate", hitRate,
	)
}

func counterValue(c prometheus.Counter) (float64, error) {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0, err
	}
	return m.GetCounter().GetValue(), nil
}
