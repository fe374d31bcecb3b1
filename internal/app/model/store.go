// Package model persists behavioral models, one per user.
// All models live in a single blob under domain.KeyBehavioralModels. Writes
// are debounced per user id so rapid successive updates coalesce into one
// store write; Flush forces pending writes out (e.g. before shutdown).
package model

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tutu-network/nudge/internal/domain"
	"github.com/tutu-network/nudge/internal/infra/metrics"
	"github.com/tutu-network/nudge/internal/infra/timer"
)

// Config bounds model growth and write frequency.
type Config struct {
	WriteDebounce     time.Duration // Coalescing window for writes of one user
	MaxInteractions   int           // Interaction list cap
	InteractionMaxAge time.Duration // Interactions older than this are pruned
	Retention         time.Duration // Models idle longer than this are dropped
}

// DefaultConfig returns production store defaults.
func DefaultConfig() Config {
	return Config{
		WriteDebounce:     500 * time.Millisecond,
		MaxInteractions:   200,
		InteractionMaxAge: 30 * 24 * time.Hour,
		Retention:         90 * 24 * time.Hour,
	}
}

// Store is the behavioral model store.
type Store struct {
	mu       sync.Mutex
	kv       domain.KVStore
	clock    timer.Clock
	log      *zap.Logger
	cfg      Config
	debounce *timer.Debouncer

	models map[string]*domain.BehavioralModel
	loaded bool
}

// NewStore creates a store over kv. Nothing is read until first use.
func NewStore(kv domain.KVStore, clock timer.Clock, cfg Config, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxInteractions <= 0 {
		cfg.MaxInteractions = DefaultConfig().MaxInteractions
	}
	return &Store{
		kv:       kv,
		clock:    clock,
		log:      log,
		cfg:      cfg,
		debounce: timer.NewDebouncer(clock, cfg.WriteDebounce),
		models:   make(map[string]*domain.BehavioralModel),
	}
}

// Get returns a copy of the user's model.
func (s *Store) Get(userID string) (*domain.BehavioralModel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()

	m, ok := s.models[userID]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// Update applies fn to the user's model, creating it with default thresholds
// on first use, validates the result and schedules a debounced write.
// Returns a copy of the updated model.
func (s *Store) Update(userID string, fn func(m *domain.BehavioralModel)) *domain.BehavioralModel {
	s.mu.Lock()
	s.loadLocked()

	now := s.clock.Now()
	m, ok := s.models[userID]
	if !ok {
		m = domain.NewBehavioralModel(userID, now)
		s.models[userID] = m
		s.log.Debug("created behavioral model", zap.String("user", userID))
	}
	fn(m)
	Validate(m, s.cfg, now)
	out := m.Clone()
	s.mu.Unlock()

	s.debounce.Schedule(userID, s.persist)
	return out
}

// Reset deletes one user's model.
func (s *Store) Reset(userID string) {
	s.mu.Lock()
	s.loadLocked()
	delete(s.models, userID)
	s.mu.Unlock()

	s.debounce.Cancel(userID)
	s.persist()
}

// Flush writes any pending updates immediately.
func (s *Store) Flush() {
	if s.debounce.FlushAll() > 0 {
		s.log.Debug("flushed pending model writes")
	}
}

// persist writes the whole model set. Concurrent writers race; the last
// write wins.
func (s *Store) persist() {
	s.mu.Lock()
	s.trimLocked(s.clock.Now())
	data, err := json.Marshal(s.models)
	s.mu.Unlock()

	if err != nil {
		s.log.Error("encode behavioral models", zap.Error(err))
		return
	}
	if err := s.kv.Set(domain.KeyBehavioralModels, data); err != nil {
		metrics.StoreErrors.WithLabelValues("model", "write").Inc()
		s.log.Error("write behavioral models", zap.Error(err))
	}
}

// loadLocked reads the persisted models once. Read failures and corrupted
// blobs degrade to an empty model set.
func (s *Store) loadLocked() {
	if s.loaded {
		return
	}
	s.loaded = true

	data, ok, err := s.kv.Get(domain.KeyBehavioralModels)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("model", "read").Inc()
		s.log.Error("read behavioral models", zap.Error(err))
		return
	}
	if !ok {
		return
	}

	models, err := decode(data)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("model", "decode").Inc()
		s.log.Error("behavioral models unreadable, starting empty", zap.Error(err))
		return
	}

	now := s.clock.Now()
	for id, m := range models {
		if m == nil {
			continue
		}
		if m.UserID == "" {
			m.UserID = id
		}
		Validate(m, s.cfg, now)
		s.models[id] = m
	}
	s.trimLocked(now)
}

// trimLocked drops models whose last update is past the retention window.
func (s *Store) trimLocked(now time.Time) {
	if s.cfg.Retention <= 0 {
		return
	}
	cutoff := now.Add(-s.cfg.Retention)
	for id, m := range s.models {
		last := m.Metrics.LastUpdated
		if last.IsZero() {
			last = m.CreatedAt
		}
		if last.Before(cutoff) {
			delete(s.models, id)
			s.log.Info("dropped stale behavioral model", zap.String("user", id), zap.Time("last_updated", last))
		}
	}
}

func decode(data []byte) (map[string]*domain.BehavioralModel, error) {
	var models map[string]*domain.BehavioralModel
	if err := json.Unmarshal(data, &models); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreCorrupted, err)
	}
	return models, nil
}

// Validate repairs a model in place so every invariant holds: effectiveness
// in [0,1] for known types only, accuracy consistent with counts, thresholds
// clamped, interactions pruned by age and count.
func Validate(m *domain.BehavioralModel, cfg Config, now time.Time) {
	if m.MessageEffectiveness == nil {
		m.MessageEffectiveness = make(map[domain.MessageType]float64)
	}
	for t, v := range m.MessageEffectiveness {
		if !t.Valid() {
			delete(m.MessageEffectiveness, t)
			continue
		}
		m.MessageEffectiveness[t] = domain.Clamp(v, 0, 1)
	}

	if m.Thresholds == (domain.Thresholds{}) {
		m.Thresholds = domain.DefaultThresholds()
	}
	m.Thresholds = m.Thresholds.Clamp()
	m.Metrics.Normalize()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}

	if cfg.InteractionMaxAge > 0 {
		cutoff := now.Add(-cfg.InteractionMaxAge)
		kept := m.Interactions[:0]
		for _, in := range m.Interactions {
			if !in.Timestamp.Before(cutoff) {
				kept = append(kept, in)
			}
		}
		m.Interactions = kept
	}
	if cfg.MaxInteractions > 0 && len(m.Interactions) > cfg.MaxInteractions {
		m.Interactions = append([]domain.Interaction(nil), m.Interactions[len(m.Interactions)-cfg.MaxInteractions:]...)
	}
}
