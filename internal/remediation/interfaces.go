package remediation

import (
	"context"

	"github.com/fyrsmithlabs/forgeloop/internal/learning"
	"github.com/fyrsmithlabs/forgeloop/internal/search"
	"github.com/fyrsmithlabs/forgeloop/internal/secrets"
	"github.com/fyrsmithlabs/forgeloop/internal/store"
)

// LearningStore is the subset of learning.Store the service uses.
type LearningStore interface {
	LookupInCategory(ctx context.Context, category learning.Category, problem string) ([]learning.Entry, error)
	RecordSolution(ctx context.Context, problem string, sol learning.Solution, source learning.Source) (string, error)
	RecordOutcomeInCategory(ctx context.Context, category learning.Category, problem string, worked bool) error
	RecordOutcomeByID(ctx context.Context, id string, worked bool) error
}

// PatternStore persists recurring error signatures.
type PatternStore interface {
	FindErrorPatterns(ctx context.Context, probe string, limit int) ([]store.ErrorPattern, error)
	RecordErrorFix(ctx context.Context, p store.ErrorPattern, fixTimeSeconds float64) error
}

// Aggregator queries external search collaborators.
type Aggregator interface {
	Search(ctx context.Context, text string, sc search.SearchContext) []search.Result
}

// Synthesizer turns search results into a recommendation.
type Synthesizer interface {
	Synthesize(ctx context.Context, problem string, results []search.Result) learning.Solution
}

// Redactor removes credentials from text.
type Redactor interface {
	Redact(text string) string
}

var (
	_ LearningStore = (*learning.Store)(nil)
	_ PatternStore  = (*store.DB)(nil)
	_ Aggregator    = (*search.Aggregator)(nil)
	_ Redactor      = (*secrets.Scrubber)(nil)
)
