// Package alert keeps alert instances and enforces their lifecycle:
// firing -> acknowledged -> resolved, with at most one open alert per rule.
package alert

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/perfmon/internal/model"
)

// SystemActor is recorded as the resolver of auto-resolved alerts
const SystemActor = "system"

// Repository persists alerts
type Repository interface {
	SaveAlert(ctx context.Context, alert model.Alert) error
	LoadAlerts(ctx context.Context) ([]model.Alert, error)
	DeleteResolvedAlerts(ctx context.Context, before time.Time) (int, error)
}

// Store holds alerts in memory with optional write-through persistence
type Store struct {
	logger *zap.Logger
	repo   Repository
	now    func() time.Time

	mu         sync.RWMutex
	alerts     map[string]*model.Alert
	openByRule map[string]string
}

// Option customises a Store
type Option func(*Store)

// WithRepository persists every transition through repo
func WithRepository(repo Repository) Option {
	return func(s *Store) { s.repo = repo }
}

// WithClock overrides the time source for transition timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty store
func NewStore(logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		logger:     logger.Named("alert-store"),
		now:        time.Now,
		alerts:     make(map[string]*model.Alert),
		openByRule: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load restores persisted alerts. If a rule has several open alerts only the
// most recently fired one stays open.
func (s *Store) Load(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	alerts, err := s.repo.LoadAlerts(ctx)
	if err != nil {
		return fmt.Errorf("failed to load alerts: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sort.Slice(alerts, func(i, j int) bool { return alerts[i].LastFiredAt.Before(alerts[j].LastFiredAt) })
	for i := range alerts {
		a := alerts[i]
		s.alerts[a.ID] = &a
		if !a.State.Open() {
			continue
		}
		if prev, ok := s.openByRule[a.RuleID]; ok {
			s.logger.Warn("Multiple open alerts for rule, keeping latest",
				zap.String("rule_id", a.RuleID),
				zap.String("superseded", prev))
			now := s.now()
			superseded := s.alerts[prev]
			superseded.State = model.AlertStateResolved
			superseded.ResolvedAt = &now
			superseded.ResolvedBy = SystemActor
		}
		s.openByRule[a.RuleID] = a.ID
	}
	s.logger.Info("Loaded alerts", zap.Int("count", len(alerts)), zap.Int("open", len(s.openByRule)))
	return nil
}

// Create stores a new firing alert. It fails with ErrAlertConflict if the
// rule already has an open alert.
func (s *Store) Create(ctx context.Context, a model.Alert) (model.Alert, error) {
	s.mu.Lock()
	if id, ok := s.openByRule[a.RuleID]; ok {
		s.mu.Unlock()
		return model.Alert{}, fmt.Errorf("%w: rule %s already has open alert %s", ErrAlertConflict, a.RuleID, id)
	}

	now := s.now()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.State = model.AlertStateFiring
	if a.FirstFiredAt.IsZero() {
		a.FirstFiredAt = now
	}
	if a.LastFiredAt.IsZero() {
		a.LastFiredAt = a.FirstFiredAt
	}
	if a.FireCount <= 0 {
		a.FireCount = 1
	}
	a.AcknowledgedAt, a.AcknowledgedBy = nil, ""
	a.ResolvedAt, a.ResolvedBy = nil, ""

	stored := a.Clone()
	s.alerts[a.ID] = stored
	s.openByRule[a.RuleID] = a.ID
	out := *stored.Clone()
	s.mu.Unlock()

	s.persist(ctx, out)
	return out, nil
}

// Acknowledge marks an open alert as acknowledged. Acknowledging an already
// acknowledged alert is a no-op; a resolved alert cannot be acknowledged.
func (s *Store) Acknowledge(ctx context.Context, id, actor string) (model.Alert, error) {
	s.mu.Lock()
	a, ok := s.alerts[id]
	if !ok {
		s.mu.Unlock()
		return model.Alert{}, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}

	switch a.State {
	case model.AlertStateAcknowledged:
		out := *a.Clone()
		s.mu.Unlock()
		return out, nil
	case model.AlertStateResolved:
		s.mu.Unlock()
		return model.Alert{}, fmt.Errorf("%w: alert %s is resolved", ErrAlertConflict, id)
	}

	now := s.now()
	a.State = model.AlertStateAcknowledged
	a.AcknowledgedBy = actor
	a.AcknowledgedAt = &now
	out := *a.Clone()
	s.mu.Unlock()

	s.logger.Info("Alert acknowledged", zap.String("alert_id", id), zap.String("actor", actor))
	s.persist(ctx, out)
	return out, nil
}

// Resolve closes an open alert. Resolution is terminal.
func (s *Store) Resolve(ctx context.Context, id, actor string) (model.Alert, error) {
	s.mu.Lock()
	a, ok := s.alerts[id]
	if !ok {
		s.mu.Unlock()
		return model.Alert{}, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	if a.State == model.AlertStateResolved {
		s.mu.Unlock()
		return model.Alert{}, fmt.Errorf("%w: alert %s is already resolved", ErrAlertConflict, id)
	}

	now := s.now()
	a.State = model.AlertStateResolved
	a.ResolvedAt = &now
	a.ResolvedBy = actor
	if s.openByRule[a.RuleID] == id {
		delete(s.openByRule, a.RuleID)
	}
	out := *a.Clone()
	s.mu.Unlock()

	s.logger.Info("Alert resolved", zap.String("alert_id", id), zap.String("actor", actor))
	s.persist(ctx, out)
	return out, nil
}

// Retrigger records a repeated firing of an open alert
func (s *Store) Retrigger(ctx context.Context, id string, at time.Time, value float64) (model.Alert, error) {
	s.mu.Lock()
	a, ok := s.alerts[id]
	if !ok {
		s.mu.Unlock()
		return model.Alert{}, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	if !a.State.Open() {
		s.mu.Unlock()
		return model.Alert{}, fmt.Errorf("%w: alert %s is resolved", ErrAlertConflict, id)
	}

	a.LastFiredAt = at
	a.FireCount++
	a.Context.Value = value
	out := *a.Clone()
	s.mu.Unlock()

	s.persist(ctx, out)
	return out, nil
}

// Get returns the alert with id
func (s *Store) Get(id string) (model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.alerts[id]
	if !ok {
		return model.Alert{}, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	return *a.Clone(), nil
}

// OpenForRule returns the open alert of a rule, if any
func (s *Store) OpenForRule(ruleID string) (model.Alert, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.openByRule[ruleID]
	if !ok {
		return model.Alert{}, false
	}
	return *s.alerts[id].Clone(), true
}

// ListActive returns every open alert, oldest first
func (s *Store) ListActive() []model.Alert {
	return s.list(func(a *model.Alert) bool { return a.State.Open() })
}

// ListByRule returns every alert raised by a rule, oldest first
func (s *Store) ListByRule(ruleID string) []model.Alert {
	return s.list(func(a *model.Alert) bool { return a.RuleID == ruleID })
}

// ListSince returns alerts that fired at or after t, oldest first
func (s *Store) ListSince(t time.Time) []model.Alert {
	return s.list(func(a *model.Alert) bool { return !a.LastFiredAt.Before(t) })
}

// CountActive returns the number of open alerts
func (s *Store) CountActive() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.openByRule)
}

// Prune drops resolved alerts resolved before the cutoff
func (s *Store) Prune(ctx context.Context, before time.Time) int {
	s.mu.Lock()
	removed := 0
	for id, a := range s.alerts {
		if a.State == model.AlertStateResolved && a.ResolvedAt != nil && a.ResolvedAt.Before(before) {
			delete(s.alerts, id)
			removed++
		}
	}
	s.mu.Unlock()

	if s.repo != nil {
		if _, err := s.repo.DeleteResolvedAlerts(ctx, before); err != nil {
			s.logger.Error("Failed to prune persisted alerts", zap.Error(err))
		}
	}
	return removed
}

func (s *Store) list(match func(*model.Alert) bool) []model.Alert {
	s.mu.RLock()
	out := make([]model.Alert, 0)
	for _, a := range s.alerts {
		if match(a) {
			out = append(out, *a.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstFiredAt.Equal(out[j].FirstFiredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FirstFiredAt.Before(out[j].FirstFiredAt)
	})
	return out
}

// persist writes through to the repository. The in-memory state stays
// authoritative when the write fails.
func (s *Store) persist(ctx context.Context, a model.Alert) {
	if s.repo == nil {
		return
	}
	if err := s.repo.SaveAlert(ctx, a); err != nil {
		s.logger.Error("Failed to persist alert",
			zap.String("alert_id", a.ID),
			zap.String("state", string(a.State)),
			zap.Error(err))
	}
}
