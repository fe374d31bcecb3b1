// Package experiment assigns sticky A/B variants and aggregates per-variant
// metrics. An installation keeps the variant it first drew for an experiment
// for as long as the assignment blob survives.
package experiment

import (
	"encoding/json"
	"math/rand/v2"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/tutu-network/nudge/internal/domain"
	"github.com/tutu-network/nudge/internal/infra/metrics"
	"github.com/tutu-network/nudge/internal/infra/timer"
)

// Known experiments.
const (
	MessageTone           = "message_tone"
	NotificationFrequency = "notification_frequency"
)

// Tone variants.
const (
	ToneEncouraging = "encouraging"
	ToneDirect      = "direct"
	TonePlayful     = "playful"
)

// Frequency variants.
const (
	FrequencyHigh     = "high"
	FrequencyLow      = "low"
	FrequencyAdaptive = "adaptive"
)

// DefaultExperiments returns the fixed variant set per experiment id.
func DefaultExperiments() map[string][]string {
	return map[string][]string{
		MessageTone:           {ToneEncouraging, ToneDirect, TonePlayful},
		NotificationFrequency: {FrequencyHigh, FrequencyLow, FrequencyAdaptive},
	}
}

// Service is the experiment service.
type Service struct {
	mu          sync.Mutex
	kv          domain.KVStore
	clock       timer.Clock
	log         *zap.Logger
	rng         *rand.Rand
	experiments map[string][]string

	assignments map[string]*domain.ExperimentAssignment
	loaded      bool
}

// Option configures a Service.
type Option func(*Service)

// WithRand sets the random source used for first assignment.
func WithRand(r *rand.Rand) Option {
	return func(s *Service) { s.rng = r }
}

// WithExperiments replaces the experiment registry.
func WithExperiments(exps map[string][]string) Option {
	return func(s *Service) { s.experiments = exps }
}

// NewService creates an experiment service over kv.
func NewService(kv domain.KVStore, clock timer.Clock, log *zap.Logger, opts ...Option) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		kv:          kv,
		clock:       clock,
		log:         log,
		rng:         rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		experiments: DefaultExperiments(),
		assignments: make(map[string]*domain.ExperimentAssignment),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// GetVariant returns the sticky variant for experimentID, assigning and
// persisting one on first call. Unknown experiments return "".
func (s *Service) GetVariant(experimentID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()

	if a, ok := s.assignments[experimentID]; ok {
		return a.Variant
	}

	variants, ok := s.experiments[experimentID]
	if !ok || len(variants) == 0 {
		s.log.Warn("variant requested for unknown experiment",
			zap.String("experiment", experimentID), zap.Error(domain.ErrUnknownExperiment))
		return ""
	}

	a := &domain.ExperimentAssignment{
		ExperimentID: experimentID,
		Variant:      variants[s.rng.IntN(len(variants))],
		AssignedAt:   s.clock.Now(),
		Metrics:      make(map[string]map[string]domain.MetricSum),
	}
	s.assignments[experimentID] = a
	s.saveLocked()

	s.log.Info("experiment variant assigned",
		zap.String("experiment", experimentID), zap.String("variant", a.Variant))
	return a.Variant
}

// TrackMetric adds value to the metric sum of the assigned variant.
// It never fails the caller: unassigned experiments and store errors are
// logged and dropped.
func (s *Service) TrackMetric(experimentID, metricName string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()

	a, ok := s.assignments[experimentID]
	if !ok {
		s.log.Debug("metric for unassigned experiment dropped",
			zap.String("experiment", experimentID), zap.String("metric", metricName))
		return
	}
	if a.Metrics == nil {
		a.Metrics = make(map[string]map[string]domain.MetricSum)
	}
	sums := a.Metrics[a.Variant]
	if sums == nil {
		sums = make(map[string]domain.MetricSum)
		a.Metrics[a.Variant] = sums
	}
	m := sums[metricName]
	m.Sum += value
	m.Count++
	sums[metricName] = m
	s.saveLocked()
}

// Result is the aggregated metrics of one experiment.
type Result struct {
	ExperimentID string                                 `json:"experiment_id" yaml:"experiment_id"`
	Variant      string                                 `json:"variant" yaml:"variant"`
	Metrics      map[string]map[string]domain.MetricSum `json:"metrics" yaml:"metrics"`
}

// Results returns every assignment with its metric sums, sorted by id.
func (s *Service) Results() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()

	out := make([]Result, 0, len(s.assignments))
	for id, a := range s.assignments {
		metricsCopy := make(map[string]map[string]domain.MetricSum, len(a.Metrics))
		for v, sums := range a.Metrics {
			c := make(map[string]domain.MetricSum, len(sums))
			for k, m := range sums {
				c[k] = m
			}
			metricsCopy[v] = c
		}
		out = append(out, Result{ExperimentID: id, Variant: a.Variant, Metrics: metricsCopy})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExperimentID < out[j].ExperimentID })
	return out
}

func (s *Service) loadLocked() {
	if s.loaded {
		return
	}
	s.loaded = true

	data, ok, err := s.kv.Get(domain.KeyExperiments)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("experiment", "read").Inc()
		s.log.Error("read experiment assignments", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	var stored map[string]*domain.ExperimentAssignment
	if err := json.Unmarshal(data, &stored); err != nil {
		metrics.StoreErrors.WithLabelValues("experiment", "decode").Inc()
		s.log.Error("experiment assignments unreadable, reassigning", zap.Error(err))
		return
	}
	for id, a := range stored {
		if a == nil || a.Variant == "" {
			continue
		}
		a.ExperimentID = id
		s.assignments[id] = a
	}
}

func (s *Service) saveLocked() {
	data, err := json.Marshal(s.assignments)
	if err != nil {
		s.log.Error("encode experiment assignments", zap.Error(err))
		return
	}
	if err := s.kv.Set(domain.KeyExperiments, data); err != nil {
		metrics.StoreErrors.WithLabelValues("experiment", "write").Inc()
		s.log.Error("write experiment assignments", zap.Error(err))
	}
}
