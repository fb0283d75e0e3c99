package learning

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/fyrsmithlabs/forgeloop/internal/search"
)

// Solution is the payload stored with a learning entry.
type Solution struct {
	RecommendedSolution string          `json:"recommended_solution"`
	Confidence          float64         `json:"confidence"`
	Reasoning           string          `json:"reasoning"`
	Alternatives        []string        `json:"alternatives"`
	EstimatedEffort     string          `json:"estimated_effort"`
	Candidates          []search.Result `json:"candidates,omitempty"`
}

// ErrInvalidSolution is returned for a payload that cannot be stored.
var ErrInvalidSolution = errors.New("invalid solution")

// Validate checks the payload before it is stored.
func (s Solution) Validate() error {
	if strings.TrimSpace(s.RecommendedSolution) == "" {
		return fmt.Errorf("%w: recommended solution is empty", ErrInvalidSolution)
	}
	if math.IsNaN(s.Confidence) || math.IsInf(s.Confidence, 0) {
		return fmt.Errorf("%w: confidence is not finite", ErrInvalidSolution)
	}
	return nil
}

func encodeSolution(s Solution) (string, error) {
	if s.Alternatives == nil {
		s.Alternatives = []string{}
	}
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode solution: %w", err)
	}
	return string(b), nil
}

// decodeSolution reads a stored payload. Rows written by other tools may hold
// plain text, which becomes the recommendation.
func decodeSolution(raw string, successRate float64) Solution {
	var s Solution
	if err := json.Unmarshal([]byte(raw), &s); err != nil || s.RecommendedSolution == "" {
		return Solution{RecommendedSolution: raw, Confidence: successRate, Alternatives: []string{}}
	}
	if s.Alternatives == nil {
		s.Alternatives = []string{}
	}
	return s
}
