package store

import (
	"context"
	"database/sql"
	"time"
)

// LearningEntry is one learning_entries row. Solution is the serialized payload.
type LearningEntry struct {
	ID            string
	CreatedAt     time.Time
	Category      string
	Problem       string
	ProblemKey    string
	Solution      string
	SuccessRate   float64
	TimesUsed     int
	Effectiveness float64
	Source        string
}

// LearningMatch selects entries whose problem key overlaps a query: the stored
// key contains Probe, or Query contains the stored key. A non-empty Category
// restricts the match to that category.
type LearningMatch struct {
	Query    string
	Probe    string
	Category string
}

func (m LearningMatch) args() []any {
	return []any{m.Category, m.Category, m.Probe, m.Query}
}

// CategoryEffectiveness summarises used entries of one category.
type CategoryEffectiveness struct {
	Category         string
	Entries          int
	AvgEffectiveness float64
}

// LearningStats summarises entries that have been used at least once.
type LearningStats struct {
	ActiveEntries    int
	AvgEffectiveness float64
}

// OutcomeFunc computes new statistics from the current ones.
type OutcomeFunc func(timesUsed int, effectiveness float64) (int, float64)

const learningColumns = `entry_id, timestamp, category, problem, problem_key, solution,
       success_rate, times_used, effectiveness_score, source`

const learningRank = `ORDER BY effectiveness_score DESC, times_used DESC, timestamp DESC`

const learningMatchWhere = `WHERE (? = '' OR category = ?) AND (instr(problem_key, ?) > 0 OR instr(?, problem_key) > 0)`

// UpsertLearningEntry inserts e, or replaces the payload of the entry with the
// same problem key and resets its statistics. It returns the stored entry id,
// which is stable across replacements.
func (s *DB) UpsertLearningEntry(ctx context.Context, e LearningEntry) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
INSERT INTO learning_entries (`+learningColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?)
ON CONFLICT(problem_key) DO UPDATE SET
	timestamp = excluded.timestamp,
	category = excluded.category,
	problem = excluded.problem,
	solution = excluded.solution,
	success_rate = excluded.success_rate,
	times_used = 0,
	effectiveness_score = 0,
	source = excluded.source
RETURNING entry_id`,
		e.ID, e.CreatedAt.UnixNano(), e.Category, e.Problem, e.ProblemKey, e.Solution,
		e.SuccessRate, e.Source,
	).Scan(&id)
	if err != nil {
		return "", wrapErr("upsert learning entry", err)
	}
	return id, nil
}

// FindLearningEntries returns entries matching m in rank order.
func (s *DB) FindLearningEntries(ctx context.Context, m LearningMatch, limit int) ([]LearningEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+learningColumns+` FROM learning_entries
`+learningMatchWhere+`
`+learningRank+`
LIMIT ?`, append(m.args(), limit)...)
	if err != nil {
		return nil, wrapErr("find learning entries", err)
	}
	return scanLearningEntries(rows)
}

// GetLearningEntry returns the entry with id. found is false when it does not exist.
func (s *DB) GetLearningEntry(ctx context.Context, id string) (LearningEntry, bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+learningColumns+` FROM learning_entries WHERE entry_id = ?`, id)
	if err != nil {
		return LearningEntry{}, false, wrapErr("get learning entry", err)
	}
	entries, err := scanLearningEntries(rows)
	if err != nil || len(entries) == 0 {
		return LearningEntry{}, false, err
	}
	return entries[0], true, nil
}

// ApplyOutcomeToBestMatch updates the highest-ranked entry matching m with fn
// inside one transaction. It reports whether an entry matched.
func (s *DB) ApplyOutcomeToBestMatch(ctx context.Context, m LearningMatch, fn OutcomeFunc) (LearningEntry, bool, error) {
	return s.applyOutcome(ctx, `
SELECT `+learningColumns+` FROM learning_entries
`+learningMatchWhere+`
`+learningRank+`
LIMIT 1`, m.args(), fn)
}

// ApplyOutcomeByID updates the entry with id using fn inside one transaction.
// It reports whether the entry exists.
func (s *DB) ApplyOutcomeByID(ctx context.Context, id string, fn OutcomeFunc) (LearningEntry, bool, error) {
	return s.applyOutcome(ctx, `SELECT `+learningColumns+` FROM learning_entries WHERE entry_id = ?`, []any{id}, fn)
}

func (s *DB) applyOutcome(ctx context.Context, query string, args []any, fn OutcomeFunc) (LearningEntry, bool, error) {
	var updated LearningEntry
	var found bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return wrapErr("select learning entry", err)
		}
		entries, err := scanLearningEntries(rows)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}

		e := entries[0]
		e.TimesUsed, e.Effectiveness = fn(e.TimesUsed, e.Effectiveness)
		if _, err := tx.ExecContext(ctx,
			`UPDATE learning_entries SET times_used = ?, effectiveness_score = ? WHERE entry_id = ?`,
			e.TimesUsed, e.Effectiveness, e.ID,
		); err != nil {
			return wrapErr("update learning entry", err)
		}
		updated, found = e, true
		return nil
	})
	return updated, found, err
}

// TopLearningEntries returns used entries in rank order. An empty category means all.
func (s *DB) TopLearningEntries(ctx context.Context, category string, limit int) ([]LearningEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+learningColumns+` FROM learning_entries
WHERE times_used > 0 AND (? = '' OR category = ?)
`+learningRank+`
LIMIT ?`, category, category, limit)
	if err != nil {
		return nil, wrapErr("top learning entries", err)
	}
	return scanLearningEntries(rows)
}

// LearningEffectivenessByCategory groups used entries by category.
func (s *DB) LearningEffectivenessByCategory(ctx context.Context) ([]CategoryEffectiveness, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT category, COUNT(*), COALESCE(AVG(effectiveness_score), 0)
FROM learning_entries
WHERE times_used > 0
GROUP BY category
ORDER BY category`)
	if err != nil {
		return nil, wrapErr("learning effectiveness", err)
	}
	defer rows.Close()

	var out []CategoryEffectiveness
	for rows.Next() {
		var c CategoryEffectiveness
		if err := rows.Scan(&c.Category, &c.Entries, &c.AvgEffectiveness); err != nil {
			return nil, wrapErr("scan category", err)
		}
		out = append(out, c)
	}
	return out, wrapErr("iterate categories", rows.Err())
}

// LearningSummary returns the count and mean effectiveness of used entries.
func (s *DB) LearningSummary(ctx context.Context) (LearningStats, error) {
	var st LearningStats
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(AVG(effectiveness_score), 0)
FROM learning_entries WHERE times_used > 0`).Scan(&st.ActiveEntries, &st.AvgEffectiveness)
	return st, wrapErr("learning summary", err)
}

func scanLearningEntries(rows *sql.Rows) ([]LearningEntry, error) {
	defer rows.Close()
	var out []LearningEntry
	for rows.Next() {
		var e LearningEntry
		var ts int64
		if err := rows.Scan(&e.ID, &ts, &e.Category, &e.Problem, &e.ProblemKey, &e.Solution,
			&e.SuccessRate, &e.TimesUsed, &e.Effectiveness, &e.Source); err != nil {
			return nil, wrapErr("scan learning entry", err)
		}
		e.CreatedAt = time.Unix(0, ts)
		out = append(out, e)
	}
	return out, wrapErr("iterate learning entries", rows.Err())
}
