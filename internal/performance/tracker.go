// Package performance is the metrics store: it times AI operations, persists
// each closed record, and aggregates closed records per operation type.
package performance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
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

const instrumentationName = "github.com/fyrsmithlabs/forgeloop/internal/performance"

// ErrEmptyOperationType is returned by Begin when no operation type is given.
var ErrEmptyOperationType = errors.New("operation type is required")

// Outcome describes how an operation finished. Confidence and Quality are
// nominally in [0,1] but are stored as given.
type Outcome struct {
	Success      bool
	ErrorMessage string
	Confidence   float64
	Quality      float64
	TokensUsed   int
	UserFeedback string
}

// Aggregate summarises closed records of one operation type.
type Aggregate struct {
	OperationType      string  `json:"type"`
	Count              int     `json:"total_count"`
	SuccessCount       int     `json:"success_count"`
	SuccessRate        float64 `json:"success_rate"`
	AvgDurationSeconds float64 `json:"avg_duration_sec"`
	AvgQuality         float64 `json:"avg_quality"`
	AvgConfidence      float64 `json:"avg_confidence"`
}

// Repository is the persistence the tracker needs.
type Repository interface {
	InsertOperation(ctx context.Context, r store.OperationRecord) error
	AggregateOperations(ctx context.Context, opType string, since time.Time) (store.OperationAggregate, error)
	AggregateAllOperations(ctx context.Context, since time.Time) ([]store.OperationAggregate, error)
}

type openRecord struct {
	opType string
	start  time.Time
}

// Tracker opens and closes timed operation records.
type Tracker struct {
	repo      Repository
	logger    *zap.Logger
	publisher events.Publisher
	now       func() time.Time
	tracer    trace.Tracer
	metrics   *Metrics

	mu   sync.Mutex
	open map[string]openRecord

	cacheMu sync.RWMutex
	cache   map[string]Aggregate
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithPublisher sets the event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(t *Tracker) { t.publisher = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker persisting to repo.
func NewTracker(repo Repository, opts ...Option) *Tracker {
	t := &Tracker{
		repo:    repo,
		logger:  zap.NewNop(),
		now:     time.Now,
		tracer:  otel.Tracer(instrumentationName),
		metrics: NewMetrics(),
		open:    make(map[string]openRecord),
		cache:   make(map[string]Aggregate),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Begin opens a record for opType and returns its id.
func (t *Tracker) Begin(ctx context.Context, opType string) (string, error) {
	if opType == "" {
		return "", ErrEmptyOperationType
	}

	id := uuid.New().String()
	t.mu.Lock()
	t.open[id] = openRecord{opType: opType, start: t.now()}
	t.mu.Unlock()
	t.metrics.OpenOperations.Inc()

	t.logger.Debug("operation started", zap.String("operation.id", id), zap.String("operation.type", opType))
	events.Emit(ctx, t.publisher, t.logger, events.OperationStarted, map[string]string{
		"operation_id":   id,
		"operation_type": opType,
	})
	return id, nil
}

// End closes the record id with outcome and persists it. An unknown id is a
// no-op. Only storage failures are returned; the record stays open so the
// caller may retry.
func (t *Tracker) End(ctx context.Context, id string, outcome Outcome) error {
	t.mu.Lock()
	rec, ok := t.open[id]
	if ok {
		delete(t.open, id)
	}
	t.mu.Unlock()
	if !ok {
		t.logger.Debug("end for unknown operation ignored", zap.String("operation.id", id))
		return nil
	}

	ctx, span := t.tracer.Start(ctx, "performance.end")
	defer span.End()
	span.SetAttributes(
		attribute.String("operation.id", id),
		attribute.String("operation.type", rec.opType),
		attribute.Bool("success", outcome.Success),
	)

	end := t.now()
	duration := end.Sub(rec.start)
	if duration < 0 {
		duration = 0
	}
	errMsg := outcome.ErrorMessage
	if outcome.Success {
		errMsg = ""
	}

	row := store.OperationRecord{
		ID:           id,
		Type:         rec.opType,
		Start:        rec.start,
		End:          end,
		Duration:     duration,
		Success:      outcome.Success,
		ErrorMessage: errMsg,
		Confidence:   outcome.Confidence,
		TokensUsed:   outcome.TokensUsed,
		Quality:      outcome.Quality,
		UserFeedback: outcome.UserFeedback,
		RecordedAt:   end,
	}
	if err := t.repo.InsertOperation(ctx, row); err != nil {
		t.mu.Lock()
		t.open[id] = rec
		t.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("persist operation %s: %w", id, err)
	}
	t.metrics.OpenOperations.Dec()
	t.metrics.OperationsTotal.WithLabelValues(rec.opType, strconv.FormatBool(outcome.Success)).Inc()
	t.metrics.OperationDuration.WithLabelValues(rec.opType).Observe(duration.Seconds())

	if agg, err := t.Aggregate(ctx, rec.opType, time.Time{}); err != nil {
		t.logger.Warn("aggregate cache refresh failed", zap.String("operation.type", rec.opType), zap.Error(err))
	} else {
		t.cacheMu.Lock()
		t.cache[rec.opType] = agg
		t.cacheMu.Unlock()
	}

	t.logger.Debug("operation completed",
		zap.String("operation.id", id),
		zap.String("operation.type", rec.opType),
		zap.Bool("success", outcome.Success),
		zap.Duration("duration", duration),
	)
	events.Emit(ctx, t.publisher, t.logger, events.OperationCompleted, map[string]any{
		"operation_id":     id,
		"operation_type":   rec.opType,
		"success":          outcome.Success,
		"duration_seconds": duration.Seconds(),
		"quality":          outcome.Quality,
	})
	return nil
}

// Aggregate summarises closed records of opType that ended after since.
// The zero time means all records.
func (t *Tracker) Aggregate(ctx context.Context, opType string, since time.Time) (Aggregate, error) {
	a, err := t.repo.AggregateOperations(ctx, opType, since)
	if err != nil {
		return Aggregate{OperationType: opType}, err
	}
	return fromStore(a), nil
}

// AggregateAll summarises every operation type, sorted by type.
func (t *Tracker) AggregateAll(ctx context.Context, since time.Time) ([]Aggregate, error) {
	rows, err := t.repo.AggregateAllOperations(ctx, since)
	if err != nil {
		return nil, err
	}
	out := make([]Aggregate, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromStore(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OperationType < out[j].OperationType })
	return out, nil
}

// Cached returns the aggregate computed after the latest End for opType.
func (t *Tracker) Cached(opType string) (Aggregate, bool) {
	t.cacheMu.RLock()
	defer t.cacheMu.RUnlock()
	a, ok := t.cache[opType]
	return a, ok
}

// Open returns the number of records begun but not yet ended.
func (t *Tracker) Open() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}

func fromStore(a store.OperationAggregate) Aggregate {
	out := Aggregate{
		OperationType:      a.Type,
		Count:              a.Count,
		SuccessCount:       a.SuccessCount,
		AvgDurationSeconds: a.AvgDuration,
		AvgQuality:         a.AvgQuality,
		AvgConfidence:      a.AvgConfidence,
	}
	if a.Count > 0 {
		out.SuccessRate = float64(a.SuccessCount) / float64(a.Count)
	}
	return out
}
