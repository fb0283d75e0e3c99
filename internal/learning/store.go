// Package learning keeps problem to solution associations and scores how well
// each solution has worked.
//
// Entries are keyed by their normalized problem text. Each reported outcome
// folds into an exact running mean:
//
//	effectiveness' = (effectiveness*timesUsed + outcome) / (timesUsed+1)
//
// where outcome is 1 for a solution that worked and 0 otherwise.
package learning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/forgeloop/internal/events"
	"github.com/fyrsmithlabs/forgeloop/internal/store"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/forgeloop/internal/learning"

const (
	// probeLength is how much of a query is matched against stored problems.
	probeLength        = 50
	defaultLookupLimit = 5
)

// Source names the producer of an entry.
type Source string

const (
	SourceWebSearch    Source = "web_search"
	SourceReflection   Source = "reflection"
	SourceManual       Source = "manual"
	SourceUserFeedback Source = "user_feedback"
)

// Category tags an entry.
type Category string

const (
	CategoryErrorSolution Category = "error_solution"
	CategoryOptimization  Category = "optimization"
	CategoryPattern       Category = "pattern"
)

// ErrEmptyProblem is returned when recording a solution for blank text.
var ErrEmptyProblem = errors.New("problem text is required")

// Entry is a learned problem to solution association.
type Entry struct {
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"created_at"`
	Category      Category  `json:"category"`
	Problem       string    `json:"problem"`
	Solution      Solution  `json:"solution"`
	SuccessRate   float64   `json:"success_rate"`
	TimesUsed     int       `json:"times_used"`
	Effectiveness float64   `json:"effectiveness"`
	Source        Source    `json:"source"`
}

// CategoryStats summarises used entries of a category.
type CategoryStats struct {
	Category         Category `json:"category"`
	Entries          int      `json:"entries"`
	AvgEffectiveness float64  `json:"avg_effectiveness"`
}

// Stats summarises entries that have been used at least once.
type Stats struct {
	ActiveEntries    int     `json:"active_entries"`
	AvgEffectiveness float64 `json:"avg_effectiveness"`
}

// Repository is the persistence the learning store needs.
type Repository interface {
	UpsertLearningEntry(ctx context.Context, e store.LearningEntry) (string, error)
	FindLearningEntries(ctx context.Context, m store.LearningMatch, limit int) ([]store.LearningEntry, error)
	ApplyOutcomeToBestMatch(ctx context.Context, m store.LearningMatch, fn store.OutcomeFunc) (store.LearningEntry, bool, error)
	ApplyOutcomeByID(ctx context.Context, id string, fn store.OutcomeFunc) (store.LearningEntry, bool, error)
	TopLearningEntries(ctx context.Context, category string, limit int) ([]store.LearningEntry, error)
	LearningEffectivenessByCategory(ctx context.Context) ([]store.CategoryEffectiveness, error)
	LearningSummary(ctx context.Context) (store.LearningStats, error)
}

// Store is the learning store.
type Store struct {
	repo      Repository
	logger    *zap.Logger
	publisher events.Publisher
	now       func() time.Time
	tracer    trace.Tracer
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithPublisher sets the event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(s *Store) { s.publisher = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a learning store over repo.
func NewStore(repo Repository, opts ...Option) *Store {
	s := &Store{
		repo:   repo,
		logger: zap.NewNop(),
		now:    time.Now,
		tracer: otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NormalizeProblem lowercases text and collapses whitespace. It is the key
// entries are stored and matched under.
func NormalizeProblem(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

func matchFor(category Category, problem string) (store.LearningMatch, bool) {
	key := NormalizeProblem(problem)
	if key == "" {
		return store.LearningMatch{}, false
	}
	probe := key
	if r := []rune(key); len(r) > probeLength {
		probe = string(r[:probeLength])
	}
	return store.LearningMatch{Query: key, Probe: probe, Category: string(category)}, true
}

// LookupBySimilarProblem returns entries of any category whose problem
// overlaps problem, most effective first. Blank text matches nothing.
func (s *Store) LookupBySimilarProblem(ctx context.Context, problem string) ([]Entry, error) {
	return s.LookupInCategory(ctx, "", problem)
}

// LookupInCategory is LookupBySimilarProblem restricted to category. An empty
// category means all categories.
func (s *Store) LookupInCategory(ctx context.Context, category Category, problem string) ([]Entry, error) {
	m, ok := matchFor(category, problem)
	if !ok {
		return nil, nil
	}
	rows, err := s.repo.FindLearningEntries(ctx, m, defaultLookupLimit)
	if err != nil {
		return nil, fmt.Errorf("lookup learning entries: %w", err)
	}
	return toEntries(rows), nil
}

// RecordSolution stores sol for problem and returns the entry id. A problem
// already on file keeps its id; its payload is replaced and its statistics
// start over.
func (s *Store) RecordSolution(ctx context.Context, problem string, sol Solution, source Source) (string, error) {
	return s.record(ctx, CategoryErrorSolution, problem, sol, source)
}

// RecordEntry is RecordSolution with an explicit category.
func (s *Store) RecordEntry(ctx context.Context, category Category, problem string, sol Solution, source Source) (string, error) {
	return s.record(ctx, category, problem, sol, source)
}

func (s *Store) record(ctx context.Context, category Category, problem string, sol Solution, source Source) (string, error) {
	ctx, span := s.tracer.Start(ctx, "learning.record_solution")
	defer span.End()
	span.SetAttributes(attribute.String("category", string(category)), attribute.String("source", string(source)))

	key := NormalizeProblem(problem)
	if key == "" {
		return "", ErrEmptyProblem
	}
	if err := sol.Validate(); err != nil {
		return "", err
	}
	payload, err := encodeSolution(sol)
	if err != nil {
		return "", err
	}

	id, err := s.repo.UpsertLearningEntry(ctx, store.LearningEntry{
		ID:          uuid.New().String(),
		CreatedAt:   s.now(),
		Category:    string(category),
		Problem:     strings.TrimSpace(problem),
		ProblemKey:  key,
		Solution:    payload,
		SuccessRate: sol.Confidence,
		Source:      string(source),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upsert failed")
		return "", fmt.Errorf("record solution: %w", err)
	}

	s.logger.Debug("solution recorded",
		zap.String("entry_id", id),
		zap.String("category", string(category)),
		zap.String("source", string(source)),
		zap.Float64("confidence", sol.Confidence),
	)
	events.Emit(ctx, s.publisher, s.logger, events.SolutionRecorded, map[string]any{
		"entry_id":   id,
		"category":   category,
		"source":     source,
		"confidence": sol.Confidence,
	})
	return id, nil
}

// RecordOutcome folds worked into the most relevant entry for problem. It is
// a no-op when nothing matches.
func (s *Store) RecordOutcome(ctx context.Context, problem string, worked bool) error {
	return s.RecordOutcomeInCategory(ctx, "", problem, worked)
}

// RecordOutcomeInCategory is RecordOutcome restricted to category.
func (s *Store) RecordOutcomeInCategory(ctx context.Context, category Category, problem string, worked bool) error {
	m, ok := matchFor(category, problem)
	if !ok {
		return nil
	}
	e, found, err := s.repo.ApplyOutcomeToBestMatch(ctx, m, runningMean(worked))
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	if !found {
		s.logger.Debug("outcome for unknown problem ignored")
		return nil
	}
	s.logOutcome(e, worked)
	return nil
}

// RecordOutcomeByID folds worked into the entry with id. An unknown id is
// ignored.
func (s *Store) RecordOutcomeByID(ctx context.Context, id string, worked bool) error {
	e, found, err := s.repo.ApplyOutcomeByID(ctx, id, runningMean(worked))
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	if !found {
		s.logger.Debug("outcome for unknown entry ignored", zap.String("entry_id", id))
		return nil
	}
	s.logOutcome(e, worked)
	return nil
}

func (s *Store) logOutcome(e store.LearningEntry, worked bool) {
	s.logger.Debug("solution outcome recorded",
		zap.String("entry_id", e.ID),
		zap.Bool("worked", worked),
		zap.Int("times_used", e.TimesUsed),
		zap.Float64("effectiveness", e.Effectiveness),
	)
}

// runningMean returns the update for one outcome.
func runningMean(worked bool) store.OutcomeFunc {
	outcome := 0.0
	if worked {
		outcome = 1.0
	}
	return func(n int, eff float64) (int, float64) {
		return n + 1, (eff*float64(n) + outcome) / float64(n+1)
	}
}

// TopEntries returns used entries, most effective first. An empty category
// means all categories.
func (s *Store) TopEntries(ctx context.Context, category Category, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.repo.TopLearningEntries(ctx, string(category), limit)
	if err != nil {
		return nil, fmt.Errorf("top learning entries: %w", err)
	}
	return toEntries(rows), nil
}

// EffectivenessByCategory returns mean effectiveness of used entries per category.
func (s *Store) EffectivenessByCategory(ctx context.Context) ([]CategoryStats, error) {
	rows, err := s.repo.LearningEffectivenessByCategory(ctx)
	if err != nil {
		return nil, fmt.Errorf("effectiveness by category: %w", err)
	}
	out := make([]CategoryStats, 0, len(rows))
	for _, r := range rows {
		out = append(out, CategoryStats{
			Category:         Category(r.Category),
			Entries:          r.Entries,
			AvgEffectiveness: r.AvgEffectiveness,
		})
	}
	return out, nil
}

// Stats summarises used entries.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	sum, err := s.repo.LearningSummary(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("learning stats: %w", err)
	}
	return Stats{ActiveEntries: sum.ActiveEntries, AvgEffectiveness: sum.AvgEffectiveness}, nil
}

func toEntries(rows []store.LearningEntry) []Entry {
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, Entry{
			ID:            r.ID,
			CreatedAt:     r.CreatedAt,
			Category:      Category(r.Category),
			Problem:       r.Problem,
			Solution:      decodeSolution(r.Solution, r.SuccessRate),
			SuccessRate:   r.SuccessRate,
			TimesUsed:     r.TimesUsed,
			Effectiveness: r.Effectiveness,
			Source:        Source(r.Source),
		})
	}
	return out
}
