package selfimprove

import (
	"context"
	"testing"
	"time"

	"github.com/fyrsmithlabs/forgeloop/internal/learning"
	"github.com/fyrsmithlabs/forgeloop/internal/llm"
	"github.com/fyrsmithlabs/forgeloop/internal/performance"
	"github.com/fyrsmithlabs/forgeloop/internal/reflection"
	"github.com/fyrsmithlabs/forgeloop/internal/remediation"
	"github.com/fyrsmithlabs/forgeloop/internal/search"
	"github.com/fyrsmithlabs/forgeloop/internal/secrets"
	"github.com/fyrsmithlabs/forgeloop/internal/store"
	"go.uber.org/zap"
)

// TestOptions customises NewTestSystem. Zero values give a system whose
// external search returns nothing, whose synthesizer always answers
// Recommended, and whose LLM is unavailable.
type TestOptions struct {
	Collaborators []search.Collaborator
	Synthesizer   remediation.Synthesizer
	Generator     llm.Generator
	Now           func() time.Time
	Logger        *zap.Logger
}

// StaticSynthesizer returns the same solution for every problem.
type StaticSynthesizer learning.Solution

// Synthesize implements remediation.Synthesizer.
func (s StaticSynthesizer) Synthesize(context.Context, string, []search.Result) learning.Solution {
	return learning.Solution(s)
}

// NewTestSystem builds a System over an in-memory store. It is closed when
// the test ends.
func NewTestSystem(tb testing.TB, opts TestOptions) *System {
	tb.Helper()
	db, err := store.Open(context.Background(), store.MemoryPath)
	if err != nil {
		tb.Fatalf("open store: %v", err)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	synth := opts.Synthesizer
	if synth == nil {
		synth = StaticSynthesizer{
			RecommendedSolution: "Regenerate project files",
			Confidence:          0.8,
			Reasoning:           "Most reports agree",
			Alternatives:        []string{},
			EstimatedEffort:     "5 minutes",
		}
	}

	scrubber := secrets.MustNew(nil)
	tracker := performance.NewTracker(db, performance.WithClock(now))
	learn := learning.NewStore(db, learning.WithClock(now))
	svc, err := remediation.NewService(nil, remediation.Deps{
		Learning:    learn,
		Patterns:    db,
		Aggregator:  search.NewAggregator(opts.Collaborators),
		Synthesizer: synth,
		Redactor:    scrubber,
	}, nil)
	if err != nil {
		tb.Fatalf("create remediation service: %v", err)
	}
	engine, err := reflection.NewEngine(nil, reflection.Deps{
		Metrics:   tracker,
		Learning:  learn,
		Insights:  db,
		Generator: opts.Generator,
	}, reflection.WithClock(now))
	if err != nil {
		tb.Fatalf("create reflection engine: %v", err)
	}

	sys, err := New(Deps{
		Store:       db,
		Tracker:     tracker,
		Learning:    learn,
		Remediation: svc,
		Reflection:  engine,
		Scrubber:    scrubber,
		Logger:      opts.Logger,
	})
	if err != nil {
		tb.Fatalf("create system: %v", err)
	}
	sys.now = now
	tb.Cleanup(func() { _ = sys.Close() })
	return sys
}
