package reflection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fyrsmithlabs/forgeloop/internal/events"
	"github.com/fyrsmithlabs/forgeloop/internal/learning"
	"github.com/fyrsmithlabs/forgeloop/internal/llm"
	"github.com/fyrsmithlabs/forgeloop/internal/performance"
	"github.com/fyrsmithlabs/forgeloop/internal/store"
	"github.com/fyrsmithlabs/forgeloop/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	engine   *Engine
	db       *store.DB
	tracker  *performance.Tracker
	learning *learning.Store
	clock    *fakeClock
	events   *events.Recorder
	calls    atomic.Int32
	reply    func(llm.Request) (string, error)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(context.Background(), store.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		db:     db,
		clock:  &fakeClock{now: time.Unix(1_700_000_000, 0)},
		events: &events.Recorder{},
		reply: func(llm.Request) (string, error) {
			return "", errors.New("llm unavailable")
		},
	}
	f.tracker = performance.NewTracker(db, performance.WithClock(f.clock.Now))
	f.learning = learning.NewStore(db)

	gen := llm.GeneratorFunc(func(_ context.Context, req llm.Request) (string, error) {
		f.calls.Add(1)
		return f.reply(req)
	})
	f.engine, err = NewEngine(nil, Deps{
		Metrics:   f.tracker,
		Learning:  f.learning,
		Insights:  db,
		Generator: gen,
	}, WithClock(f.clock.Now), WithPublisher(f.events))
	require.NoError(t, err)
	return f
}

// seed records one closed operation of opType per outcome, each lasting d.
func (f *fixture) seed(t *testing.T, opType string, d time.Duration, outcomes ...bool) {
	t.Helper()
	ctx := context.Background()
	for _, ok := range outcomes {
		id, err := f.tracker.Begin(ctx, opType)
		require.NoError(t, err)
		f.clock.Advance(d)
		require.NoError(t, f.tracker.End(ctx, id, performance.Outcome{Success: ok, Quality: 0.8}))
	}
}

func (f *fixture) count(t *testing.T, description string) int {
	t.Helper()
	n, err := f.db.CountInsights(context.Background(), description)
	require.NoError(t, err)
	return n
}

const healthyReport = `{
  "overall_health": "fair",
  "strengths": ["Texture generation is reliable"],
  "weaknesses": ["Code generation fails often"],
  "improvement_priorities": [
    {
      "area": "Code generation reliability",
      "current_metric": 0.6,
      "target_metric": "90%",
      "recommended_action": "Validate generated code before returning it",
      "impact": "high",
      "effort": "low"
    },
    {
      "area": "Texture speed",
      "current_metric": "42",
      "target_metric": 20,
      "recommended_action": "Cache texture previews",
      "impact": "medium",
      "effort": "high"
    }
  ],
  "learning_effectiveness": "medium",
  "recommendations": ["Review failing prompts weekly"]
}`

func TestRunPass_LocalRuleFiresWhenLLMFails(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "X", time.Second, true, false, true, false)

	res, err := f.engine.RunPass(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Fallback)
	assert.Equal(t, FallbackReport(), res.Report)
	assert.Equal(t, int32(1), f.calls.Load())

	require.Len(t, res.Insights, 1)
	in := res.Insights[0]
	assert.Equal(t, InsightLowSuccessRate, in.Type)
	assert.Contains(t, in.Description, "X")
	assert.Contains(t, in.Description, "success rate")
	assert.InDelta(t, 0.5, in.Impact, 1e-9)
	assert.Equal(t, 1, f.count(t, "Low success rate for X"))
}

func TestRunPass_MalformedReplyUsesFallback(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"not json", "the system looks healthy"},
		{"empty", ""},
		{"invalid health", `{"overall_health": "splendid"}`},
		{"missing health", `{"strengths": ["fast"]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.reply = func(llm.Request) (string, error) { return tt.reply, nil }
			f.seed(t, "texture_generation", 45*time.Second, true, true)

			res, err := f.engine.RunPass(context.Background())
			require.NoError(t, err)
			assert.True(t, res.Fallback)
			assert.Equal(t, HealthUnknown, res.Report.OverallHealth)
			assert.Equal(t, "Unable to perform reflection", res.Report.Message)

			require.Len(t, res.Insights, 1)
			assert.Equal(t, InsightSlowPerformance, res.Insights[0].Type)
			assert.Equal(t, "Slow performance for texture_generation", res.Insights[0].Description)
			assert.InDelta(t, 45.0, res.Insights[0].Impact, 1e-9)
			assert.Equal(t, AreaPerformance, res.Insights[0].Area)
		})
	}
}

func TestRunPass_ThresholdsAreStrict(t *testing.T) {
	f := newFixture(t)
	// Exactly 0.7 success and exactly 30s are not flagged.
	f.seed(t, "boundary", 30*time.Second, true, true, true, true, true, true, true, false, false, false)

	res, err := f.engine.RunPass(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Operations, 1)
	assert.InDelta(t, 0.7, res.Operations[0].SuccessRate, 1e-9)
	assert.Empty(t, res.Insights)
}

func TestRunPass_InsightsAreIdempotent(t *testing.T) {
	f := newFixture(t)
	f.reply = func(llm.Request) (string, error) { return healthyReport, nil }
	f.seed(t, "code_generation", time.Second, true, false)
	ctx := context.Background()

	first, err := f.engine.RunPass(ctx)
	require.NoError(t, err)
	assert.False(t, first.Fallback)
	assert.Equal(t, HealthFair, first.Report.OverallHealth)
	require.Len(t, first.Insights, 3)

	second, err := f.engine.RunPass(ctx)
	require.NoError(t, err)
	assert.Empty(t, second.Insights)

	for _, desc := range []string{
		"Low success rate for code_generation",
		"Validate generated code before returning it",
		"Cache texture previews",
	} {
		assert.Equal(t, 1, f.count(t, desc), desc)
	}

	all, err := f.db.ListInsights(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRunPass_PrioritiesBecomeInsightsAndLearning(t *testing.T) {
	f := newFixture(t)
	f.reply = func(llm.Request) (string, error) { return healthyReport, nil }
	ctx := context.Background()

	res, err := f.engine.RunPass(ctx)
	require.NoError(t, err)
	require.Len(t, res.Insights, 2)

	validate := res.Insights[0]
	assert.Equal(t, InsightImprovementPriority, validate.Type)
	assert.Equal(t, "Validate generated code before returning it", validate.Description)
	assert.InDelta(t, 0.6, validate.Impact, 1e-9)
	assert.Equal(t, 5, validate.Priority)
	assert.Equal(t, AreaOther, validate.Area)

	cache := res.Insights[1]
	assert.InDelta(t, 42.0, cache.Impact, 1e-9)
	assert.Equal(t, 3, cache.Priority)
	assert.Equal(t, AreaPerformance, cache.Area)

	entries, err := f.learning.LookupBySimilarProblem(ctx, "Texture speed")
	require.NoError(t, err)
	assert.Empty(t, entries, "advice is keyed on the action, not the area")

	entries, err = f.learning.LookupBySimilarProblem(ctx, "cache texture previews")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Cache texture previews", entries[0].Problem)
	assert.Equal(t, learning.CategoryOptimization, entries[0].Category)
	assert.Equal(t, learning.SourceReflection, entries[0].Source)
	assert.Equal(t, "Cache texture previews", entries[0].Solution.RecommendedSolution)
	assert.Equal(t, "current 42, target 20", entries[0].Solution.Reasoning)
	assert.Equal(t, "high", entries[0].Solution.EstimatedEffort)
}

func TestRunPass_PromptCarriesAggregates(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "code_generation", 2*time.Second, true)

	var got llm.Request
	f.reply = func(req llm.Request) (string, error) {
		got = req
		return healthyReport, nil
	}
	_, err := f.engine.RunPass(context.Background())
	require.NoError(t, err)

	assert.InDelta(t, 0.4, got.Temperature, 1e-9)
	assert.True(t, got.JSONResponse)
	assert.NotEmpty(t, got.SystemPrompt)
	assert.Contains(t, got.UserPrompt, "PERFORMANCE DATA")
	assert.Contains(t, got.UserPrompt, `"type": "code_generation"`)
	assert.Contains(t, got.UserPrompt, "LEARNING DATA")
}

func TestRunPass_WindowExcludesOldOperations(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "old_op", time.Second, false, false)
	f.clock.Advance(8 * 24 * time.Hour)

	res, err := f.engine.RunPass(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Operations)
	assert.Empty(t, res.Insights)
}

func TestRunPass_RejectsConcurrentPass(t *testing.T) {
	f := newFixture(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	f.reply = func(llm.Request) (string, error) {
		close(entered)
		<-release
		return healthyReport, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.RunPass(context.Background())
		done <- err
	}()

	<-entered
	assert.True(t, f.engine.Running())
	_, err := f.engine.RunPass(context.Background())
	assert.ErrorIs(t, err, ErrPassInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, f.engine.Running())
}

func TestRunPass_RecoversFromPanic(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "X", time.Second, false)
	f.reply = func(llm.Request) (string, error) { panic("boom") }

	res, err := f.engine.RunPass(context.Background())
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Contains(t, err.Error(), "panicked")
	assert.False(t, f.engine.Running())

	// Local insights written before the panic remain.
	assert.Equal(t, 1, f.count(t, "Low success rate for X"))

	f.reply = func(llm.Request) (string, error) { return healthyReport, nil }
	res, err = f.engine.RunPass(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Fallback)
}

func TestRunPass_StorageFailurePropagates(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Close())

	_, err := f.engine.RunPass(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrClosed)
	assert.False(t, f.engine.Running())
}

func TestRunPass_WithoutGenerator(t *testing.T) {
	f := newFixture(t)
	engine, err := NewEngine(nil, Deps{Metrics: f.tracker, Learning: f.learning, Insights: f.db})
	require.NoError(t, err)

	res, err := engine.RunPass(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Fallback)
}

func TestRunPass_EmitsEvents(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "X", time.Second, false)

	_, err := f.engine.RunPass(context.Background())
	require.NoError(t, err)

	kinds := f.events.Kinds()
	require.NotEmpty(t, kinds)
	assert.Equal(t, events.ReflectionCompleted, kinds[len(kinds)-1])
	assert.Contains(t, kinds, events.InsightCreated)
}

func TestRunPass_RecordsSpan(t *testing.T) {
	tel := telemetry.NewTestTelemetry(t)
	f := newFixture(t)

	_, err := f.engine.RunPass(context.Background())
	require.NoError(t, err)
	assert.Contains(t, tel.SpanNames(), "reflection.pass")
}

func TestNewEngine_RequiresDeps(t *testing.T) {
	_, err := NewEngine(nil, Deps{})
	assert.Error(t, err)
}

func TestMetric_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{`0.6`, 0.6},
		{`"0.6"`, 0.6},
		{`"60%"`, 0.6},
		{`" 45 "`, 45},
		{`"fast"`, 0},
		{`null`, 0},
		{`{"x": 1}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var m Metric
			require.NoError(t, json.Unmarshal([]byte(tt.in), &m))
			assert.InDelta(t, tt.want, float64(m), 1e-9)
		})
	}
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(configWith(48*time.Hour, 0.8, 10*time.Second))
	assert.Equal(t, 48*time.Hour, cfg.Window)
	assert.InDelta(t, 0.8, cfg.SuccessThreshold, 1e-9)
	assert.Equal(t, 10*time.Second, cfg.SlowThreshold)
	assert.InDelta(t, 0.4, cfg.Temperature, 1e-9)

	def := ConfigFrom(configWith(0, 0, 0))
	assert.Equal(t, DefaultConfig(), def)
}
