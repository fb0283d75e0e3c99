package store

import (
	"context"
	"time"
)

// ErrorPattern is one error_patterns row: a recurring error signature and the
// best known fix for it.
type ErrorPattern struct {
	ID            string
	Signature     string
	ErrorType     string
	SolutionCount int
	BestSolution  string
	AvgFixTime    float64 // seconds
	LastSeen      time.Time
}

// FindErrorPatterns returns up to limit patterns whose signature contains
// probe, fastest fix first.
func (s *DB) FindErrorPatterns(ctx context.Context, probe string, limit int) ([]ErrorPattern, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT pattern_id, error_signature, error_type, solution_count, best_solution, avg_fix_time, last_seen
FROM error_patterns
WHERE instr(error_signature, ?) > 0
ORDER BY avg_fix_time ASC
LIMIT ?`, probe, limit)
	if err != nil {
		return nil, wrapErr("find error patterns", err)
	}
	defer rows.Close()

	var out []ErrorPattern
	for rows.Next() {
		var p ErrorPattern
		var seen int64
		if err := rows.Scan(&p.ID, &p.Signature, &p.ErrorType, &p.SolutionCount, &p.BestSolution,
			&p.AvgFixTime, &seen); err != nil {
			return nil, wrapErr("scan error pattern", err)
		}
		p.LastSeen = time.Unix(0, seen)
		out = append(out, p)
	}
	return out, wrapErr("iterate error patterns", rows.Err())
}

// RecordErrorFix upserts the pattern for p.Signature. An existing row gets its
// solution count incremented, best solution replaced, and fix time folded into
// the running mean when fixTime > 0.
func (s *DB) RecordErrorFix(ctx context.Context, p ErrorPattern, fixTime float64) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO error_patterns
(pattern_id, error_signature, error_type, solution_count, best_solution, avg_fix_time, last_seen)
VALUES (?, ?, ?, 1, ?, ?, ?)
ON CONFLICT(error_signature) DO UPDATE SET
	error_type = excluded.error_type,
	best_solution = excluded.best_solution,
	avg_fix_time = CASE
		WHEN ? > 0 THEN (avg_fix_time * solution_count + ?) / (solution_count + 1)
		ELSE avg_fix_time
	END,
	solution_count = solution_count + 1,
	last_seen = excluded.last_seen`,
		p.ID, p.Signature, p.ErrorType, p.BestSolution, fixTime, p.LastSeen.UnixNano(),
		fixTime, fixTime,
	)
	return wrapErr("record error fix", err)
}
