package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen_FileCreatesSchema(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "forgeloop.db")

	db, err := Open(ctx, path)
	require.NoError(t, err)
	v, err := db.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, v)
	require.NoError(t, db.Close())

	// Reopening is idempotent.
	db, err = Open(ctx, path)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Ping(ctx))
}

func TestOpen_EmptyPath(t *testing.T) {
	_, err := Open(context.Background(), "")
	assert.Error(t, err)
}

func TestOperations_InsertAndAggregate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	outcomes := []bool{true, true, false, true, false}
	for i, ok := range outcomes {
		rec := OperationRecord{
			ID:         "op-" + string(rune('a'+i)),
			Type:       "code_generation",
			Start:      base.Add(time.Duration(i) * time.Minute),
			End:        base.Add(time.Duration(i)*time.Minute + 2*time.Second),
			Duration:   2 * time.Second,
			Success:    ok,
			Quality:    0.5,
			Confidence: 0.8,
			RecordedAt: base,
		}
		if !ok {
			rec.ErrorMessage = "timeout"
		}
		require.NoError(t, db.InsertOperation(ctx, rec))
	}

	agg, err := db.AggregateOperations(ctx, "code_generation", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 5, agg.Count)
	assert.Equal(t, 3, agg.SuccessCount)
	assert.InDelta(t, 2.0, agg.AvgDuration, 1e-9)
	assert.InDelta(t, 0.5, agg.AvgQuality, 1e-9)
	assert.InDelta(t, 0.8, agg.AvgConfidence, 1e-9)

	// Window excludes older rows.
	agg, err = db.AggregateOperations(ctx, "code_generation", base.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, agg.Count)

	empty, err := db.AggregateOperations(ctx, "missing", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, OperationAggregate{Type: "missing"}, empty)

	rec, found, err := db.GetOperation(ctx, "op-c")
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, rec.Success)
	assert.Equal(t, "timeout", rec.ErrorMessage)
	assert.Equal(t, 2*time.Second, rec.Duration)

	_, found, err = db.GetOperation(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestOperations_AggregateAllSortedByType(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	for i, typ := range []string{"texture", "audio", "texture"} {
		require.NoError(t, db.InsertOperation(ctx, OperationRecord{
			ID: fmt.Sprintf("%s-%d", typ, i), Type: typ,
			Start: now, End: now, Success: true, RecordedAt: now,
		}))
	}

	aggs, err := db.AggregateAllOperations(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, aggs, 2)
	assert.Equal(t, "audio", aggs[0].Type)
	assert.Equal(t, "texture", aggs[1].Type)
	assert.Equal(t, 2, aggs[1].Count)
}

func TestLearning_UpsertKeepsIDAndResetsStats(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	entry := LearningEntry{
		ID: "e1", CreatedAt: time.Now(), Category: "error_solution",
		Problem: "Shader compile failed", ProblemKey: "shader compile failed",
		Solution: `{"recommended_solution":"clear DDC"}`, SuccessRate: 0.8, Source: "web_search",
	}
	id, err := db.UpsertLearningEntry(ctx, entry)
	require.NoError(t, err)
	assert.Equal(t, "e1", id)

	_, found, err := db.ApplyOutcomeByID(ctx, "e1", func(n int, e float64) (int, float64) { return n + 1, 1 })
	require.NoError(t, err)
	require.True(t, found)

	entry.ID = "e2"
	entry.Solution = `{"recommended_solution":"rebuild shaders"}`
	id, err = db.UpsertLearningEntry(ctx, entry)
	require.NoError(t, err)
	assert.Equal(t, "e1", id)

	got, found, err := db.GetLearningEntry(ctx, "e1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 0, got.TimesUsed)
	assert.Equal(t, 0.0, got.Effectiveness)
	assert.Contains(t, got.Solution, "rebuild shaders")
}

func TestLearning_MatchIsBidirectional(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.UpsertLearningEntry(ctx, LearningEntry{
		ID: "e1", CreatedAt: time.Now(), Category: "error_solution",
		Problem: "link error lnk2019", ProblemKey: "link error lnk2019", Solution: "{}", Source: "manual",
	})
	require.NoError(t, err)

	// stored contains probe
	got, err := db.FindLearningEntries(ctx, LearningMatch{Query: "lnk2019", Probe: "lnk2019"}, 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	// query contains stored
	q := "fatal: link error lnk2019 unresolved external symbol"
	got, err = db.FindLearningEntries(ctx, LearningMatch{Query: q, Probe: q[:20]}, 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = db.FindLearningEntries(ctx, LearningMatch{Query: "texture streaming", Probe: "texture streaming"}, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLearning_MatchFiltersByCategory(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.UpsertLearningEntry(ctx, LearningEntry{
		ID: "opt", CreatedAt: time.Now(), Category: "optimization",
		Problem: "shader", ProblemKey: "shader", Solution: "{}", Source: "reflection",
	})
	require.NoError(t, err)

	q := "shader compile error c1234"
	got, err := db.FindLearningEntries(ctx, LearningMatch{Query: q, Probe: q}, 10)
	require.NoError(t, err)
	assert.Len(t, got, 1, "no category matches everything")

	m := LearningMatch{Query: q, Probe: q, Category: "error_solution"}
	got, err = db.FindLearningEntries(ctx, m, 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, found, err := db.ApplyOutcomeToBestMatch(ctx, m, func(n int, eff float64) (int, float64) { return n + 1, 1 })
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLearning_ApplyOutcomeConcurrent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.UpsertLearningEntry(ctx, LearningEntry{
		ID: "e1", CreatedAt: time.Now(), Category: "error_solution",
		Problem: "p", ProblemKey: "p", Solution: "{}", Source: "manual",
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := db.ApplyOutcomeByID(ctx, "e1", func(n int, e float64) (int, float64) { return n + 1, e })
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, _, err := db.GetLearningEntry(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 20, got.TimesUsed)
}

func TestLearning_TopAndSummaries(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	seed := []struct {
		id, key, category string
		uses              int
		eff               float64
	}{
		{"a", "alpha", "error_solution", 2, 0.5},
		{"b", "beta", "error_solution", 4, 0.75},
		{"c", "gamma", "optimization", 1, 1.0},
		{"d", "delta", "error_solution", 0, 0},
	}
	for _, s := range seed {
		_, err := db.UpsertLearningEntry(ctx, LearningEntry{
			ID: s.id, CreatedAt: time.Now(), Category: s.category,
			Problem: s.key, ProblemKey: s.key, Solution: "{}", Source: "manual",
		})
		require.NoError(t, err)
		uses, eff := s.uses, s.eff
		_, _, err = db.ApplyOutcomeByID(ctx, s.id, func(int, float64) (int, float64) { return uses, eff })
		require.NoError(t, err)
	}

	top, err := db.TopLearningEntries(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, top, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{top[0].ID, top[1].ID, top[2].ID})

	top, err = db.TopLearningEntries(ctx, "error_solution", 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "b", top[0].ID)

	cats, err := db.LearningEffectivenessByCategory(ctx)
	require.NoError(t, err)
	require.Len(t, cats, 2)
	assert.Equal(t, "error_solution", cats[0].Category)
	assert.Equal(t, 2, cats[0].Entries)
	assert.InDelta(t, 0.625, cats[0].AvgEffectiveness, 1e-9)

	sum, err := db.LearningSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.ActiveEntries)
	assert.InDelta(t, 0.75, sum.AvgEffectiveness, 1e-9)
}

func TestInsights_Idempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	in := Insight{ID: "i1", Type: "performance", Description: "Low success rate for X", Impact: 0.5, CreatedAt: time.Now()}
	created, err := db.CreateInsight(ctx, in)
	require.NoError(t, err)
	assert.True(t, created)

	in.ID = "i2"
	created, err = db.CreateInsight(ctx, in)
	require.NoError(t, err)
	assert.False(t, created)

	n, err := db.CountInsights(ctx, "Low success rate for X")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = db.CreateInsight(ctx, Insight{ID: "i3", Type: "performance", Description: "Slow performance for Y", Impact: 42, Priority: 5, CreatedAt: time.Now()})
	require.NoError(t, err)

	list, err := db.ListInsights(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Slow performance for Y", list[0].Description)
}

func TestErrorPatterns_RecordAndFind(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	p := ErrorPattern{ID: "p1", Signature: "nullptr access in uobject", ErrorType: "runtime", BestSolution: "check IsValid", LastSeen: now}
	require.NoError(t, db.RecordErrorFix(ctx, p, 10))
	p.ID = "p2"
	p.BestSolution = "guard with IsValidLowLevel"
	require.NoError(t, db.RecordErrorFix(ctx, p, 20))
	require.NoError(t, db.RecordErrorFix(ctx, p, 0))

	got, err := db.FindErrorPatterns(ctx, "nullptr", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "p1", got[0].ID)
	assert.Equal(t, 3, got[0].SolutionCount)
	assert.Equal(t, "guard with IsValidLowLevel", got[0].BestSolution)
	assert.InDelta(t, 15.0, got[0].AvgFixTime, 1e-9)
}

func TestClosedStore(t *testing.T) {
	db, err := Open(context.Background(), MemoryPath)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = db.AggregateAllOperations(context.Background(), time.Time{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClosed)
}
