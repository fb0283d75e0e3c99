// Package synthesis turns normalized search results into one recommended
// solution using the text-generation collaborator.
package synthesis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/forgeloop/internal/learning"
	"github.com/fyrsmithlabs/forgeloop/internal/llm"
	"github.com/fyrsmithlabs/forgeloop/internal/search"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/forgeloop/internal/synthesis"

const (
	temperature    = 0.3
	defaultTimeout = 60 * time.Second
)

const systemPrompt = "You are an expert software engineer specializing in game development and Unreal Engine."

// Fallback is returned whenever synthesis cannot produce a usable answer.
func Fallback() learning.Solution {
	return learning.Solution{
		RecommendedSolution: "Manual review required",
		Confidence:          0.3,
		Reasoning:           "Unable to synthesize solutions",
		Alternatives:        []string{},
		EstimatedEffort:     "unknown",
	}
}

// Synthesizer asks the generator to pick the best of the candidates.
type Synthesizer struct {
	gen     llm.Generator
	timeout time.Duration
	logger  *zap.Logger
	tracer  trace.Tracer
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithTimeout bounds each generator call.
func WithTimeout(d time.Duration) Option {
	return func(s *Synthesizer) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Synthesizer) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a synthesizer. A nil generator always yields the fallback.
func New(gen llm.Generator, opts ...Option) *Synthesizer {
	s := &Synthesizer{
		gen:     gen,
		timeout: defaultTimeout,
		logger:  zap.NewNop(),
		tracer:  otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// reply accepts both the current field names and the older
// alternative_solutions / estimated_fix_time names.
type reply struct {
	RecommendedSolution string   `json:"recommended_solution"`
	Confidence          *float64 `json:"confidence"`
	Reasoning           string   `json:"reasoning"`
	Alternatives        []string `json:"alternatives"`
	AlternativeSolution []string `json:"alternative_solutions"`
	EstimatedEffort     string   `json:"estimated_effort"`
	EstimatedFixTime    string   `json:"estimated_fix_time"`
}

// Synthesize recommends a solution for problem from results. It never fails;
// any generator, parse or validation problem yields Fallback.
func (s *Synthesizer) Synthesize(ctx context.Context, problem string, results []search.Result) learning.Solution {
	ctx, span := s.tracer.Start(ctx, "synthesis.synthesize")
	defer span.End()
	span.SetAttributes(attribute.Int("candidates", len(results)))

	sol, err := s.synthesize(ctx, problem, results)
	if err != nil {
		s.logger.Warn("solution synthesis failed, using fallback", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "fallback")
		return Fallback()
	}
	return sol
}

func (s *Synthesizer) synthesize(ctx context.Context, problem string, results []search.Result) (learning.Solution, error) {
	if s.gen == nil {
		return learning.Solution{}, fmt.Errorf("no generator configured")
	}
	prompt, err := BuildPrompt(problem, results)
	if err != nil {
		return learning.Solution{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	text, err := s.gen.Generate(ctx, llm.Request{
		SystemPrompt: systemPrompt,
		UserPrompt:   prompt,
		Temperature:  temperature,
		JSONResponse: true,
	})
	if err != nil {
		return learning.Solution{}, fmt.Errorf("generate: %w", err)
	}

	var r reply
	if err := llm.ParseJSON(text, &r); err != nil {
		return learning.Solution{}, err
	}
	if r.Confidence == nil {
		return learning.Solution{}, fmt.Errorf("reply has no confidence")
	}

	sol := learning.Solution{
		RecommendedSolution: strings.TrimSpace(r.RecommendedSolution),
		Confidence:          *r.Confidence,
		Reasoning:           r.Reasoning,
		Alternatives:        r.Alternatives,
		EstimatedEffort:     r.EstimatedEffort,
	}
	if sol.Alternatives == nil {
		sol.Alternatives = r.AlternativeSolution
	}
	if sol.Alternatives == nil {
		sol.Alternatives = []string{}
	}
	if sol.EstimatedEffort == "" {
		sol.EstimatedEffort = r.EstimatedFixTime
	}
	if sol.EstimatedEffort == "" {
		sol.EstimatedEffort = "unknown"
	}
	if err := sol.Validate(); err != nil {
		return learning.Solution{}, err
	}
	return sol, nil
}

// BuildPrompt renders the user prompt. Equal inputs give equal prompts.
func BuildPrompt(problem string, results []search.Result) (string, error) {
	if results == nil {
		results = []search.Result{}
	}
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode results: %w", err)
	}

	var b strings.Builder
	b.WriteString("Analyze these potential solutions for the following problem and recommend the best approach.\n\n")
	b.WriteString("Problem:\n")
	b.WriteString(problem)
	b.WriteString("\n\nSearch results:\n")
	b.Write(data)
	b.WriteString("\n\nRespond with a JSON object with these fields:\n")
	b.WriteString(`- "recommended_solution": the best solution, step by step` + "\n")
	b.WriteString(`- "confidence": a number from 0 to 1` + "\n")
	b.WriteString(`- "reasoning": why this solution is recommended` + "\n")
	b.WriteString(`- "alternatives": a list of alternative solutions` + "\n")
	b.WriteString(`- "estimated_effort": how long the fix should take` + "\n")
	return b.String(), nil
}
