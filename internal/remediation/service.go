package remediation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/forgeloop/internal/learning"
	"github.com/fyrsmithlabs/forgeloop/internal/logging"
	"github.com/fyrsmithlabs/forgeloop/internal/store"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/forgeloop/internal/remediation"

const patternSource = "local_knowledge"

// ErrClosed is returned by a closed service.
var ErrClosed = errors.New("remediation service is closed")

var (
	localKnowledgeOnce  sync.Once
	localKnowledgeTotal *prometheus.CounterVec
)

func localKnowledgeCounter() *prometheus.CounterVec {
	localKnowledgeOnce.Do(func() {
		localKnowledgeTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forgeloop_local_knowledge_total",
				Help: "Error searches answered from local knowledge (hit) or sent to external search (miss)",
			},
			[]string{"result"},
		)
	})
	return localKnowledgeTotal
}

// Service resolves errors.
type Service interface {
	// Search returns local knowledge for req.Problem, or searches externally
	// and records the synthesized solution.
	Search(ctx context.Context, req *SearchRequest) (*Resolution, error)

	// RecordOutcome reports whether a solution worked.
	RecordOutcome(ctx context.Context, req *OutcomeRequest) error

	// Close closes the service.
	Close() error
}

// Deps are the collaborators of the service.
type Deps struct {
	Learning    LearningStore
	Patterns    PatternStore
	Aggregator  Aggregator
	Synthesizer Synthesizer
	// Redactor scrubs problem text before it leaves the process or is
	// stored. Optional.
	Redactor Redactor
}

type service struct {
	config *Config
	deps   Deps
	logger *zap.Logger

	tracer         trace.Tracer
	meter          metric.Meter
	searchCounter  metric.Int64Counter
	outcomeCounter metric.Int64Counter
	localKnowledge *prometheus.CounterVec

	mu     sync.RWMutex
	closed bool
}

// NewService creates a remediation service. Patterns may be nil.
func NewService(cfg *Config, deps Deps, logger *zap.Logger) (Service, error) {
	if cfg == nil {
		cfg = DefaultServiceConfig()
	}
	if deps.Learning == nil {
		return nil, errors.New("learning store is required")
	}
	if deps.Aggregator == nil {
		return nil, errors.New("search aggregator is required")
	}
	if deps.Synthesizer == nil {
		return nil, errors.New("synthesizer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &service{
		config:         cfg,
		deps:           deps,
		logger:         logger,
		tracer:         otel.Tracer(instrumentationName),
		meter:          otel.Meter(instrumentationName),
		localKnowledge: localKnowledgeCounter(),
	}
	s.initMetrics()
	return s, nil
}

func (s *service) initMetrics() {
	var err error

	s.searchCounter, err = s.meter.Int64Counter(
		"forgeloop.remediation.searches_total",
		metric.WithDescription("Total number of error solution searches"),
		metric.WithUnit("{search}"),
	)
	if err != nil {
		s.logger.Warn("failed to create search counter", zap.Error(err))
	}

	s.outcomeCounter, err = s.meter.Int64Counter(
		"forgeloop.remediation.outcomes_total",
		metric.WithDescription("Total number of solution outcomes reported"),
		metric.WithUnit("{outcome}"),
	)
	if err != nil {
		s.logger.Warn("failed to create outcome counter", zap.Error(err))
	}
}

func (s *service) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Search implements Service.
func (s *service) Search(ctx context.Context, req *SearchRequest) (*Resolution, error) {
	ctx, span := s.tracer.Start(ctx, "remediation.search")
	defer span.End()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if req == nil || learning.NormalizeProblem(req.Problem) == "" {
		return &Resolution{}, nil
	}
	span.SetAttributes(attribute.String("engine", req.Context.Engine))
	problem := s.redact(req.Problem)

	entries, err := s.deps.Learning.LookupInCategory(ctx, learning.CategoryErrorSolution, problem)
	if err != nil {
		return nil, s.fail(span, err)
	}
	if len(entries) > 0 {
		s.recordSearch(ctx, span, "learning")
		s.logger.Debug("error resolved from learning store", zap.Int("entries", len(entries)))
		return &Resolution{FromCache: true, Entries: entries}, nil
	}

	if s.deps.Patterns != nil {
		patterns, err := s.deps.Patterns.FindErrorPatterns(ctx, s.probe(problem), s.config.PatternLimit)
		if err != nil {
			return nil, s.fail(span, err)
		}
		if len(patterns) > 0 {
			s.recordSearch(ctx, span, "patterns")
			s.logger.Debug("error resolved from known patterns", zap.Int("patterns", len(patterns)))
			return &Resolution{FromCache: true, Patterns: s.knownPatterns(patterns)}, nil
		}
	}

	s.recordSearch(ctx, span, "external")
	candidates := s.deps.Aggregator.Search(ctx, problem, req.Context)
	sol := s.deps.Synthesizer.Synthesize(ctx, problem, candidates)
	sol.Candidates = candidates

	id, err := s.deps.Learning.RecordSolution(ctx, problem, sol, learning.SourceWebSearch)
	if err != nil {
		return nil, s.fail(span, err)
	}

	s.logger.Info("error solution synthesized", append(logging.ContextFields(ctx),
		zap.String("entry_id", id),
		zap.Int("candidates", len(candidates)),
		zap.Float64("confidence", sol.Confidence),
	)...)
	return &Resolution{
		Candidates: candidates,
		Solution:   &sol,
		EntryID:    id,
	}, nil
}

func (s *service) recordSearch(ctx context.Context, span trace.Span, answeredBy string) {
	span.SetAttributes(attribute.String("answered_by", answeredBy))
	result := "hit"
	if answeredBy == "external" {
		result = "miss"
	}
	s.localKnowledge.WithLabelValues(result).Inc()
	if s.searchCounter != nil {
		s.searchCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("answered_by", answeredBy)))
	}
}

func (s *service) redact(text string) string {
	if s.deps.Redactor == nil {
		return text
	}
	return s.deps.Redactor.Redact(text)
}

func (s *service) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (s *service) probe(problem string) string {
	key := []rune(learning.NormalizeProblem(problem))
	if len(key) > s.config.ProbeLength {
		key = key[:s.config.ProbeLength]
	}
	return string(key)
}

func (s *service) knownPatterns(rows []store.ErrorPattern) []KnownPattern {
	out := make([]KnownPattern, 0, len(rows))
	for _, p := range rows {
		out = append(out, KnownPattern{
			Source:       patternSource,
			Signature:    p.Signature,
			ErrorType:    p.ErrorType,
			BestSolution: p.BestSolution,
			AvgFixTime:   p.AvgFixTime,
			Confidence:   s.config.PatternConfidence,
		})
	}
	return out
}

// RecordOutcome implements Service. A fix that worked is also recorded as an
// error pattern so later searches find it without the learning store.
func (s *service) RecordOutcome(ctx context.Context, req *OutcomeRequest) error {
	ctx, span := s.tracer.Start(ctx, "remediation.record_outcome")
	defer span.End()

	if err := s.checkOpen(); err != nil {
		return err
	}
	if req == nil {
		return errors.New("outcome request is required")
	}
	span.SetAttributes(attribute.Bool("worked", req.Worked))
	scrubbed := *req
	scrubbed.Problem = s.redact(req.Problem)
	req = &scrubbed

	var err error
	if req.EntryID != "" {
		err = s.deps.Learning.RecordOutcomeByID(ctx, req.EntryID, req.Worked)
	} else {
		err = s.deps.Learning.RecordOutcomeInCategory(ctx, learning.CategoryErrorSolution, req.Problem, req.Worked)
	}
	if err != nil {
		return s.fail(span, err)
	}
	if s.outcomeCounter != nil {
		s.outcomeCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("worked", req.Worked)))
	}

	if !req.Worked || s.deps.Patterns == nil || learning.NormalizeProblem(req.Problem) == "" {
		return nil
	}
	return s.recordPattern(ctx, span, req)
}

func (s *service) recordPattern(ctx context.Context, span trace.Span, req *OutcomeRequest) error {
	entries, err := s.deps.Learning.LookupInCategory(ctx, learning.CategoryErrorSolution, req.Problem)
	if err != nil {
		return s.fail(span, err)
	}
	if len(entries) == 0 {
		return nil
	}
	best := entries[0]
	for _, e := range entries {
		if e.ID == req.EntryID {
			best = e
			break
		}
	}

	errorType := req.ErrorType
	if errorType == "" {
		errorType = string(best.Category)
	}
	pattern := store.ErrorPattern{
		ID:           uuid.New().String(),
		Signature:    learning.NormalizeProblem(req.Problem),
		ErrorType:    errorType,
		BestSolution: best.Solution.RecommendedSolution,
		LastSeen:     time.Now(),
	}
	if err := s.deps.Patterns.RecordErrorFix(ctx, pattern, req.FixTime.Seconds()); err != nil {
		return s.fail(span, fmt.Errorf("record error pattern: %w", err))
	}
	return nil
}

// Close implements Service.
func (s *service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
