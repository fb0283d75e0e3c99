package reflection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fyrsmithlabs/forgeloop/internal/events"
	"github.com/fyrsmithlabs/forgeloop/internal/learning"
	"github.com/fyrsmithlabs/forgeloop/internal/llm"
	"github.com/fyrsmithlabs/forgeloop/internal/performance"
	"github.com/fyrsmithlabs/forgeloop/internal/store"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/forgeloop/internal/reflection"

const systemPrompt = "You are a performance analyst for an AI-assisted game asset studio. " +
	"You read operation metrics and learning statistics and reply with a single JSON object."

// reflectionConfidence is the confidence of learning entries written from
// improvement priorities. They are untested advice until outcomes arrive.
const reflectionConfidence = 0.5

// ErrPassInProgress is returned when a pass is already running.
var ErrPassInProgress = errors.New("reflection pass already in progress")

// MetricsSource provides operation aggregates.
type MetricsSource interface {
	AggregateAll(ctx context.Context, since time.Time) ([]performance.Aggregate, error)
}

// LearningStore provides learning statistics and records optimization advice.
type LearningStore interface {
	EffectivenessByCategory(ctx context.Context) ([]learning.CategoryStats, error)
	RecordEntry(ctx context.Context, category learning.Category, problem string, sol learning.Solution, source learning.Source) (string, error)
}

// InsightStore persists insights idempotently by description.
type InsightStore interface {
	CreateInsight(ctx context.Context, in store.Insight) (bool, error)
}

var (
	_ MetricsSource = (*performance.Tracker)(nil)
	_ LearningStore = (*learning.Store)(nil)
	_ InsightStore  = (*store.DB)(nil)
)

// Deps are the collaborators of the engine. Generator may be nil, in which
// case every pass uses the fallback report.
type Deps struct {
	Metrics   MetricsSource
	Learning  LearningStore
	Insights  InsightStore
	Generator llm.Generator
}

type engineMetrics struct {
	passes   *prometheus.CounterVec
	insights *prometheus.CounterVec
	duration prometheus.Histogram
}

var (
	engineMetricsOnce sync.Once
	sharedMetrics     *engineMetrics
)

func newEngineMetrics() *engineMetrics {
	engineMetricsOnce.Do(func() {
		sharedMetrics = &engineMetrics{
			passes: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "forgeloop_reflection_passes_total",
					Help: "Reflection passes by result (ok, fallback, failed, skipped)",
				},
				[]string{"result"},
			),
			insights: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "forgeloop_insights_created_total",
					Help: "Optimization insights created by reflection passes",
				},
				[]string{"type"},
			),
			duration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "forgeloop_reflection_pass_duration_seconds",
				Help:    "Reflection pass duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			}),
		}
	})
	return sharedMetrics
}

// Engine runs reflection passes.
type Engine struct {
	config    *Config
	deps      Deps
	logger    *zap.Logger
	publisher events.Publisher
	now       func() time.Time
	tracer    trace.Tracer
	metrics   *engineMetrics

	running atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithPublisher sets the event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine. A nil cfg uses DefaultConfig.
func NewEngine(cfg *Config, deps Deps, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if deps.Metrics == nil {
		return nil, errors.New("metrics source is required")
	}
	if deps.Learning == nil {
		return nil, errors.New("learning store is required")
	}
	if deps.Insights == nil {
		return nil, errors.New("insight store is required")
	}
	e := &Engine{
		config:  cfg,
		deps:    deps,
		logger:  zap.NewNop(),
		now:     time.Now,
		tracer:  otel.Tracer(instrumentationName),
		metrics: newEngineMetrics(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Running reports whether a pass is in progress.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// RunPass runs one reflection pass. Storage failures and panics end the
// pass early and are returned; insights created before that point stay.
func (e *Engine) RunPass(ctx context.Context) (res *PassResult, err error) {
	if !e.running.CompareAndSwap(false, true) {
		e.metrics.passes.WithLabelValues("skipped").Inc()
		return nil, ErrPassInProgress
	}
	defer e.running.Store(false)

	ctx, span := e.tracer.Start(ctx, "reflection.pass")
	defer span.End()

	started := e.now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reflection pass panicked: %v", r)
			res = nil
		}
		e.metrics.duration.Observe(time.Since(started).Seconds())
		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.metrics.passes.WithLabelValues("failed").Inc()
			e.logger.Error("reflection pass failed", zap.Error(err))
		case res.Fallback:
			e.metrics.passes.WithLabelValues("fallback").Inc()
		default:
			e.metrics.passes.WithLabelValues("ok").Inc()
		}
	}()

	res = &PassResult{StartedAt: started, Window: e.config.Window, Insights: []Insight{}}

	res.Operations, err = e.deps.Metrics.AggregateAll(ctx, started.Add(-e.config.Window))
	if err != nil {
		return nil, fmt.Errorf("aggregate operations: %w", err)
	}
	if err := e.applyLocalRules(ctx, res); err != nil {
		return nil, err
	}

	res.Learning, err = e.deps.Learning.EffectivenessByCategory(ctx)
	if err != nil {
		return nil, fmt.Errorf("learning effectiveness: %w", err)
	}

	res.Report, res.Fallback = e.generateReport(ctx, res.Operations, res.Learning)
	if err := e.applyPriorities(ctx, res); err != nil {
		return nil, err
	}

	res.FinishedAt = e.now()
	span.SetAttributes(
		attribute.Int("operation_types", len(res.Operations)),
		attribute.Int("insights_created", len(res.Insights)),
		attribute.Bool("fallback", res.Fallback),
	)
	e.logger.Info("reflection pass completed",
		zap.String("overall_health", res.Report.OverallHealth),
		zap.Bool("fallback", res.Fallback),
		zap.Int("operation_types", len(res.Operations)),
		zap.Int("insights_created", len(res.Insights)),
	)
	events.Emit(ctx, e.publisher, e.logger, events.ReflectionCompleted, map[string]any{
		"overall_health":   res.Report.OverallHealth,
		"fallback":         res.Fallback,
		"insights_created": len(res.Insights),
	})
	return res, nil
}

// applyLocalRules flags slow or failing operation types without the LLM.
func (e *Engine) applyLocalRules(ctx context.Context, res *PassResult) error {
	for _, agg := range res.Operations {
		if agg.Count == 0 {
			continue
		}
		if agg.SuccessRate < e.config.SuccessThreshold {
			if err := e.createInsight(ctx, res, Insight{
				Type:        InsightLowSuccessRate,
				Description: fmt.Sprintf("Low success rate for %s", agg.OperationType),
				Impact:      agg.SuccessRate,
				Priority:    Priority("high", "medium"),
				Area:        AreaBugFix,
			}); err != nil {
				return err
			}
		}
		if agg.AvgDurationSeconds > e.config.SlowThreshold.Seconds() {
			if err := e.createInsight(ctx, res, Insight{
				Type:        InsightSlowPerformance,
				Description: fmt.Sprintf("Slow performance for %s", agg.OperationType),
				Impact:      agg.AvgDurationSeconds,
				Priority:    Priority("medium", "medium"),
				Area:        AreaPerformance,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyPriorities persists the improvement priorities of the report. A newly
// created insight is also recorded as optimization advice in the learning store.
func (e *Engine) applyPriorities(ctx context.Context, res *PassResult) error {
	for _, p := range res.Report.ImprovementPriorities {
		if p.RecommendedAction == "" {
			continue
		}
		in := Insight{
			Type:        InsightImprovementPriority,
			Description: p.RecommendedAction,
			Impact:      float64(p.CurrentMetric),
			Priority:    Priority(p.Impact, p.Effort),
			Area:        Categorize(p.Area + " " + p.RecommendedAction),
		}
		before := len(res.Insights)
		if err := e.createInsight(ctx, res, in); err != nil {
			return err
		}
		if len(res.Insights) == before {
			continue
		}
		effort := p.Effort
		if effort == "" {
			effort = "unknown"
		}
		_, err := e.deps.Learning.RecordEntry(ctx, learning.CategoryOptimization, p.RecommendedAction, learning.Solution{
			RecommendedSolution: p.RecommendedAction,
			Confidence:          reflectionConfidence,
			Reasoning: fmt.Sprintf("current %s, target %s",
				formatMetric(p.CurrentMetric), formatMetric(p.TargetMetric)),
			Alternatives:    []string{},
			EstimatedEffort: effort,
		}, learning.SourceReflection)
		if err != nil {
			return fmt.Errorf("record optimization entry: %w", err)
		}
	}
	return nil
}

func (e *Engine) createInsight(ctx context.Context, res *PassResult, in Insight) error {
	in.ID = uuid.New().String()
	in.CreatedAt = e.now()
	created, err := e.deps.Insights.CreateInsight(ctx, store.Insight{
		ID:          in.ID,
		Type:        in.Type,
		Description: in.Description,
		Impact:      in.Impact,
		Priority:    in.Priority,
		Area:        in.Area,
		CreatedAt:   in.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("create insight: %w", err)
	}
	if !created {
		return nil
	}
	res.Insights = append(res.Insights, in)
	e.metrics.insights.WithLabelValues(in.Type).Inc()
	e.logger.Info("insight created",
		zap.String("type", in.Type),
		zap.String("description", in.Description),
		zap.Float64("impact", in.Impact),
	)
	events.Emit(ctx, e.publisher, e.logger, events.InsightCreated, in)
	return nil
}

// generateReport asks the LLM for a report. It reports true when the
// fallback was used.
func (e *Engine) generateReport(ctx context.Context, ops []performance.Aggregate, cats []learning.CategoryStats) (Report, bool) {
	if e.deps.Generator == nil {
		return FallbackReport(), true
	}
	prompt, err := BuildPrompt(ops, cats)
	if err != nil {
		e.logger.Warn("reflection prompt failed", zap.Error(err))
		return FallbackReport(), true
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.ReportTimeout)
	defer cancel()

	text, err := e.deps.Generator.Generate(ctx, llm.Request{
		SystemPrompt: systemPrompt,
		UserPrompt:   prompt,
		Temperature:  e.config.Temperature,
		JSONResponse: true,
	})
	if err != nil {
		e.logger.Warn("reflection report generation failed", zap.Error(err))
		return FallbackReport(), true
	}

	var report Report
	if err := llm.ParseJSON(text, &report); err != nil {
		e.logger.Warn("reflection report malformed", zap.Error(err))
		return FallbackReport(), true
	}
	switch report.OverallHealth {
	case HealthExcellent, HealthGood, HealthFair, HealthPoor:
	default:
		e.logger.Warn("reflection report has no valid overall health",
			zap.String("overall_health", report.OverallHealth))
		return FallbackReport(), true
	}
	return report, false
}

// BuildPrompt renders the report prompt. The output depends only on its inputs.
func BuildPrompt(ops []performance.Aggregate, cats []learning.CategoryStats) (string, error) {
	if ops == nil {
		ops = []performance.Aggregate{}
	}
	if cats == nil {
		cats = []learning.CategoryStats{}
	}
	perf, err := json.MarshalIndent(ops, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode performance data: %w", err)
	}
	learn, err := json.MarshalIndent(cats, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode learning data: %w", err)
	}
	return fmt.Sprintf(`Assess the health of the studio's AI operations.

PERFORMANCE DATA (per operation type):
%s

LEARNING DATA (per category):
%s

Reply with JSON:
{
  "overall_health": "excellent|good|fair|poor",
  "strengths": ["..."],
  "weaknesses": ["..."],
  "improvement_priorities": [
    {
      "area": "...",
      "current_metric": 0.0,
      "target_metric": 0.0,
      "recommended_action": "...",
      "impact": "low|medium|high",
      "effort": "low|medium|high"
    }
  ],
  "learning_effectiveness": "high|medium|low",
  "recommendations": ["..."]
}`, perf, learn), nil
}

func formatMetric(m Metric) string {
	f := float64(m)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "n/a"
	}
	return fmt.Sprintf("%g", f)
}
