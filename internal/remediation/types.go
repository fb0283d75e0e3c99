package remediation

import (
	"time"

	"github.com/fyrsmithlabs/forgeloop/internal/learning"
	"github.com/fyrsmithlabs/forgeloop/internal/search"
)

// SearchRequest asks for a solution to an error.
type SearchRequest struct {
	Problem string               `json:"problem"`
	Context search.SearchContext `json:"context"`
}

// KnownPattern is a recorded error signature with its best fix.
type KnownPattern struct {
	Source       string  `json:"source"`
	Signature    string  `json:"signature"`
	ErrorType    string  `json:"error_type"`
	BestSolution string  `json:"best_solution"`
	AvgFixTime   float64 `json:"avg_fix_time"`
	Confidence   float64 `json:"confidence"`
}

// Resolution is the answer to a SearchRequest.
//
// FromCache is true when local knowledge answered; Entries or Patterns is then
// set. Otherwise Candidates, Solution and EntryID describe the new entry.
type Resolution struct {
	FromCache  bool               `json:"from_cache"`
	Entries    []learning.Entry   `json:"entries,omitempty"`
	Patterns   []KnownPattern     `json:"patterns,omitempty"`
	Candidates []search.Result    `json:"candidates,omitempty"`
	Solution   *learning.Solution `json:"solution,omitempty"`
	EntryID    string             `json:"entry_id,omitempty"`
}

// OutcomeRequest reports whether a solution worked.
type OutcomeRequest struct {
	Problem string `json:"problem"`
	// EntryID targets an entry exactly. When empty the best match for
	// Problem is updated.
	EntryID string `json:"entry_id,omitempty"`
	Worked  bool   `json:"worked"`
	// ErrorType is recorded with the error pattern of a fix that worked.
	ErrorType string `json:"error_type,omitempty"`
	// FixTime feeds the pattern's mean fix time when positive.
	FixTime time.Duration `json:"fix_time,omitempty"`
}

// Config configures the remediation service.
type Config struct {
	// PatternLimit bounds error pattern hits (default: 5)
	PatternLimit int

	// PatternConfidence is reported for error pattern hits (default: 0.9)
	PatternConfidence float64

	// ProbeLength is how much of the error text is matched against
	// pattern signatures (default: 50)
	ProbeLength int
}

// DefaultServiceConfig returns the defaults.
func DefaultServiceConfig() *Config {
	return &Config{
		PatternLimit:      5,
		PatternConfidence: 0.9,
		ProbeLength:       50,
	}
}
