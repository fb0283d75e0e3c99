// Package search fans a problem description out to external search
// collaborators and normalizes what they return.
//
// Every collaborator runs concurrently under its own timeout. A collaborator
// that fails, times out or panics contributes nothing; the others are
// unaffected. Results are concatenated in registration order and are not
// ranked here.
package search

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/forgeloop/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const instrumentationName = "github.com/fyrsmithlabs/forgeloop/internal/search"

// EngineUnreal is the SearchContext engine value for Unreal Engine projects.
const EngineUnreal = "unreal"

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxResults = 5
)

// SearchContext carries caller context that shapes the queries.
type SearchContext struct {
	Engine string `json:"engine,omitempty"`
}

// Query is what a collaborator is asked.
type Query struct {
	Text       string
	MaxResults int
	Engine     string
}

// RawResult is a collaborator's own view of a hit. Signal is the
// source-native relevance measure (votes, reactions).
type RawResult struct {
	Title  string
	URL    string
	Signal float64
	Extra  map[string]any
}

// Result is a normalized search hit.
type Result struct {
	Source    string         `json:"source"`
	Title     string         `json:"title"`
	URL       string         `json:"url"`
	Relevance float64        `json:"relevance"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// Collaborator is an external search capability.
type Collaborator interface {
	Name() string
	Search(ctx context.Context, q Query) ([]RawResult, error)
}

// Gated is implemented by collaborators that only apply to some queries.
type Gated interface {
	Accepts(q Query) bool
}

// Aggregator queries collaborators concurrently.
type Aggregator struct {
	collaborators []Collaborator
	timeout       time.Duration
	maxResults    int
	logger        *zap.Logger
	tracer        trace.Tracer
	metrics       *Metrics
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithTimeout sets the per-collaborator timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithMaxResults sets how many results each collaborator is asked for.
func WithMaxResults(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.maxResults = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAggregator creates an aggregator over collaborators, queried in the given order.
func NewAggregator(collaborators []Collaborator, opts ...Option) *Aggregator {
	a := &Aggregator{
		collaborators: collaborators,
		timeout:       defaultTimeout,
		maxResults:    defaultMaxResults,
		logger:        zap.NewNop(),
		tracer:        otel.Tracer(instrumentationName),
		metrics:       NewMetrics(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Search queries every applicable collaborator and concatenates their
// normalized results. It never fails; a collaborator error yields no results
// for that source.
func (a *Aggregator) Search(ctx context.Context, text string, sc SearchContext) []Result {
	ctx, span := a.tracer.Start(ctx, "search.aggregate")
	defer span.End()

	q := Query{Text: text, MaxResults: a.maxResults, Engine: sc.Engine}
	slots := make([][]Result, len(a.collaborators))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range a.collaborators {
		if gated, ok := c.(Gated); ok && !gated.Accepts(q) {
			continue
		}
		g.Go(func() error {
			slots[i] = a.query(gctx, c, q)
			return nil
		})
	}
	_ = g.Wait()

	var out []Result
	for _, s := range slots {
		out = append(out, s...)
	}
	span.SetAttributes(
		attribute.Int("search.collaborators", len(a.collaborators)),
		attribute.Int("search.results", len(out)),
	)
	return out
}

func (a *Aggregator) query(ctx context.Context, c Collaborator, q Query) (results []Result) {
	name := c.Name()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("search collaborator panicked",
				zap.String("source", name),
				zap.Any("panic", r),
			)
			a.metrics.Failures.WithLabelValues(name).Inc()
			results = nil
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	raw, err := c.Search(ctx, q)
	a.metrics.Duration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		a.logger.Warn("search collaborator failed",
			zap.String("source", name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		a.metrics.Failures.WithLabelValues(name).Inc()
		return nil
	}

	results = make([]Result, 0, len(raw))
	for _, r := range raw {
		results = append(results, normalize(name, r))
	}
	return results
}

func normalize(source string, r RawResult) Result {
	return Result{
		Source:    source,
		Title:     r.Title,
		URL:       r.URL,
		Relevance: r.Signal,
		Extra:     r.Extra,
	}
}

// statusError reports a non-success HTTP status from a collaborator.
type statusError struct {
	source string
	code   int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.source, e.code)
}

// FromConfig builds the default collaborator set: Stack Overflow, GitHub
// issues when enabled, and the Unreal forums link.
func FromConfig(ctx context.Context, cfg config.SearchConfig) ([]Collaborator, error) {
	collaborators := []Collaborator{
		NewStackExchange(StackExchangeConfig{
			BaseURL:       cfg.StackExchangeURL,
			Site:          cfg.Site,
			Key:           cfg.StackExchangeKey,
			RatePerMinute: cfg.RatePerMinute,
		}),
	}
	if cfg.GitHubEnabled {
		gh, err := NewGitHubIssues(ctx, cfg.GitHubToken, WithGitHubRate(cfg.RatePerMinute))
		if err != nil {
			return nil, err
		}
		collaborators = append(collaborators, gh)
	}
	return append(collaborators, UnrealForums{}), nil
}
