package synthesis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/fyrsmithlabs/forgeloop/internal/learning"
	"github.com/fyrsmithlabs/forgeloop/internal/llm"
	"github.com/fyrsmithlabs/forgeloop/internal/search"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticGenerator(text string, err error) llm.Generator {
	return llm.GeneratorFunc(func(context.Context, llm.Request) (string, error) {
		return text, err
	})
}

var candidates = []search.Result{
	{Source: "stackoverflow", Title: "Accessed None", URL: "https://so/1", Relevance: 40},
	{Source: "github", Title: "Null actor on BeginPlay", URL: "https://gh/2", Relevance: 9},
}

func TestSynthesize_FallbackIsExact(t *testing.T) {
	const want = `{"recommended_solution":"Manual review required","confidence":0.3,"reasoning":"Unable to synthesize solutions","alternatives":[],"estimated_effort":"unknown"}`

	tests := map[string]llm.Generator{
		"generator error":      staticGenerator("", errors.New("connection refused")),
		"invalid json":         staticGenerator("Sure! Here's what I think.", nil),
		"empty recommendation": staticGenerator(`{"recommended_solution":"","confidence":0.9}`, nil),
		"missing confidence":   staticGenerator(`{"recommended_solution":"do it"}`, nil),
		"nil generator":        nil,
	}
	for name, gen := range tests {
		t.Run(name, func(t *testing.T) {
			got := New(gen).Synthesize(context.Background(), "Accessed None trying to read property", candidates)
			assert.Equal(t, Fallback(), got)

			data, err := json.Marshal(got)
			require.NoError(t, err)
			assert.JSONEq(t, want, string(data))
		})
	}
}

func TestSynthesize_ParsesReply(t *testing.T) {
	var seen llm.Request
	gen := llm.GeneratorFunc(func(_ context.Context, req llm.Request) (string, error) {
		seen = req
		return "```json\n" + `{
			"recommended_solution": "Guard the actor reference with IsValid",
			"confidence": 0.85,
			"reasoning": "Most upvoted answer",
			"alternative_solutions": ["Delay BeginPlay logic"],
			"estimated_fix_time": "15 minutes"
		}` + "\n```", nil
	})

	got := New(gen).Synthesize(context.Background(), "Accessed None trying to read property", candidates)
	assert.Equal(t, learning.Solution{
		RecommendedSolution: "Guard the actor reference with IsValid",
		Confidence:          0.85,
		Reasoning:           "Most upvoted answer",
		Alternatives:        []string{"Delay BeginPlay logic"},
		EstimatedEffort:     "15 minutes",
	}, got)

	assert.Equal(t, 0.3, seen.Temperature)
	assert.True(t, seen.JSONResponse)
	assert.Contains(t, seen.UserPrompt, "Accessed None trying to read property")
	assert.Contains(t, seen.UserPrompt, "https://gh/2")
}

func TestSynthesize_TimeoutFallsBack(t *testing.T) {
	gen := llm.GeneratorFunc(func(ctx context.Context, _ llm.Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	got := New(gen, WithTimeout(20*time.Millisecond)).Synthesize(context.Background(), "p", nil)
	assert.Equal(t, Fallback(), got)
}

func TestBuildPrompt_Deterministic(t *testing.T) {
	a, err := BuildPrompt("p", candidates)
	require.NoError(t, err)
	b, err := BuildPrompt("p", candidates)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	empty, err := BuildPrompt("p", nil)
	require.NoError(t, err)
	assert.Contains(t, empty, "[]")
}
