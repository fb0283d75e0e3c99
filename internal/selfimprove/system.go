// Package selfimprove is the library surface of forgeloop. A System ties the
// metrics store, learning store, error remediation and reflection together
// behind the operations the studio calls.
package selfimprove

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fyrsmithlabs/forgeloop/internal/events"
	"github.com/fyrsmithlabs/forgeloop/internal/learning"
	"github.com/fyrsmithlabs/forgeloop/internal/logging"
	"github.com/fyrsmithlabs/forgeloop/internal/performance"
	"github.com/fyrsmithlabs/forgeloop/internal/reflection"
	"github.com/fyrsmithlabs/forgeloop/internal/remediation"
	"github.com/fyrsmithlabs/forgeloop/internal/search"
	"github.com/fyrsmithlabs/forgeloop/internal/secrets"
	"github.com/fyrsmithlabs/forgeloop/internal/store"
	"go.uber.org/zap"
)

const defaultReportDays = 7

// ErrClosed is returned by a closed System.
var ErrClosed = errors.New("self-improvement system is closed")

// Deps are the components of a System. Publisher is closed with the System
// when it implements io.Closer. Scrubber may be nil.
type Deps struct {
	Store       *store.DB
	Tracker     *performance.Tracker
	Learning    *learning.Store
	Remediation remediation.Service
	Reflection  *reflection.Engine
	Publisher   events.Publisher
	Scrubber    *secrets.Scrubber
	Logger      *zap.Logger
}

// OperationStats is one operation type in a PerformanceReport.
type OperationStats = performance.Aggregate

// PerformanceReport summarises the trailing PeriodDays.
type PerformanceReport struct {
	PeriodDays    int              `json:"period_days"`
	GeneratedAt   time.Time        `json:"generated_at"`
	Operations    []OperationStats `json:"operations"`
	LearningStats learning.Stats   `json:"learning_stats"`
}

// TopSolution is a learned solution ranked by effectiveness.
type TopSolution struct {
	ID            string            `json:"id"`
	Problem       string            `json:"problem"`
	Solution      string            `json:"solution"`
	Category      learning.Category `json:"category"`
	Effectiveness float64           `json:"effectiveness"`
	TimesUsed     int               `json:"times_used"`
	Source        learning.Source   `json:"source"`
}

// System is the self-improvement session context. It is safe for concurrent use.
type System struct {
	deps   Deps
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
}

// New creates a System from already built components.
func New(deps Deps) (*System, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("store is required")
	case deps.Tracker == nil:
		return nil, errors.New("tracker is required")
	case deps.Learning == nil:
		return nil, errors.New("learning store is required")
	case deps.Remediation == nil:
		return nil, errors.New("remediation service is required")
	case deps.Reflection == nil:
		return nil, errors.New("reflection engine is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &System{deps: deps, logger: logger, now: time.Now}, nil
}

func (s *System) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// BeginOperation opens an operation record and returns its id.
func (s *System) BeginOperation(ctx context.Context, opType string) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	id, err := s.deps.Tracker.Begin(ctx, opType)
	if err != nil {
		return "", err
	}
	s.logger.Debug("operation started", append(logging.ContextFields(logging.WithOperationID(ctx, id)),
		zap.String("operation_type", opType))...)
	return id, nil
}

// EndOperation closes the operation id. Unknown ids are ignored. The error
// message is scrubbed before it is stored.
func (s *System) EndOperation(ctx context.Context, id string, outcome performance.Outcome) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	ctx = logging.WithOperationID(ctx, id)
	outcome.ErrorMessage = s.deps.Scrubber.Redact(outcome.ErrorMessage)
	if err := s.deps.Tracker.End(ctx, id, outcome); err != nil {
		return err
	}
	s.logger.Debug("operation ended", append(logging.ContextFields(ctx),
		zap.Bool("success", outcome.Success))...)
	return nil
}

// SearchErrorSolution resolves problem from local knowledge, falling back to
// external search and synthesis.
func (s *System) SearchErrorSolution(ctx context.Context, problem string, sc search.SearchContext) (*remediation.Resolution, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.deps.Remediation.Search(ctx, &remediation.SearchRequest{Problem: problem, Context: sc})
}

// RecordSolutionOutcome reports whether a solution worked.
func (s *System) RecordSolutionOutcome(ctx context.Context, req remediation.OutcomeRequest) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.deps.Remediation.RecordOutcome(ctx, &req)
}

// RunReflectionPass runs one reflection pass now.
func (s *System) RunReflectionPass(ctx context.Context) (*reflection.PassResult, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.deps.Reflection.RunPass(ctx)
}

// Reflection returns the reflection engine, for scheduling.
func (s *System) Reflection() *reflection.Engine {
	return s.deps.Reflection
}

// PerformanceReport summarises operations of the last days days and the
// learning store. Non-positive days means 7.
func (s *System) PerformanceReport(ctx context.Context, days int) (*PerformanceReport, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if days <= 0 {
		days = defaultReportDays
	}
	now := s.now()
	ops, err := s.deps.Tracker.AggregateAll(ctx, now.AddDate(0, 0, -days))
	if err != nil {
		return nil, fmt.Errorf("aggregate operations: %w", err)
	}
	stats, err := s.deps.Learning.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &PerformanceReport{
		PeriodDays:    days,
		GeneratedAt:   now.UTC(),
		Operations:    ops,
		LearningStats: stats,
	}, nil
}

// TopSolutions returns up to limit used solutions, most effective first.
func (s *System) TopSolutions(ctx context.Context, limit int) ([]TopSolution, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	entries, err := s.deps.Learning.TopEntries(ctx, "", limit)
	if err != nil {
		return nil, err
	}
	out := make([]TopSolution, 0, len(entries))
	for _, e := range entries {
		out = append(out, TopSolution{
			ID:            e.ID,
			Problem:       e.Problem,
			Solution:      e.Solution.RecommendedSolution,
			Category:      e.Category,
			Effectiveness: e.Effectiveness,
			TimesUsed:     e.TimesUsed,
			Source:        e.Source,
		})
	}
	return out, nil
}

// Insights returns up to limit persisted insights, highest priority first.
func (s *System) Insights(ctx context.Context, limit int) ([]reflection.Insight, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []reflection.Insight{}, nil
	}
	rows, err := s.deps.Store.ListInsights(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]reflection.Insight, 0, len(rows))
	for _, r := range rows {
		out = append(out, reflection.Insight{
			ID:          r.ID,
			Type:        r.Type,
			Description: r.Description,
			Impact:      r.Impact,
			Priority:    r.Priority,
			Area:        r.Area,
			CreatedAt:   r.CreatedAt,
		})
	}
	return out, nil
}

// Ping checks the store.
func (s *System) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.deps.Store.Ping(ctx)
}

// Close releases the remediation service, the publisher and the store.
// Closing twice is a no-op.
func (s *System) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var errs []error
	if err := s.deps.Remediation.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close remediation: %w", err))
	}
	if c, ok := s.deps.Publisher.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	if err := s.deps.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	s.logger.Info("self-improvement system closed", zap.Int("close_errors", len(errs)))
	return errors.Join(errs...)
}
