package store

import (
	"context"
	"time"
)

// Insight is one optimization_insights row.
type Insight struct {
	ID                  string
	Type                string
	Description         string
	Impact              float64
	ImplementationCount int
	AvgImprovement      float64
	Priority            int
	Area                string
	CreatedAt           time.Time
}

// CreateInsight inserts in unless an insight with the same description exists.
// It reports whether a row was created.
func (s *DB) CreateInsight(ctx context.Context, in Insight) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO optimization_insights
(insight_id, insight_type, description, impact_score, implementation_count, avg_improvement,
 priority, area, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.Type, in.Description, in.Impact, in.ImplementationCount, in.AvgImprovement,
		in.Priority, in.Area, in.CreatedAt.UnixNano(),
	)
	if err != nil {
		return false, wrapErr("create insight", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("create insight rows affected", err)
	}
	return n == 1, nil
}

// ListInsights returns up to limit insights ordered by priority then impact.
func (s *DB) ListInsights(ctx context.Context, limit int) ([]Insight, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT insight_id, insight_type, description, impact_score, implementation_count,
       avg_improvement, priority, area, created_at
FROM optimization_insights
ORDER BY priority DESC, impact_score DESC, created_at ASC
LIMIT ?`, limit)
	if err != nil {
		return nil, wrapErr("list insights", err)
	}
	defer rows.Close()

	var out []Insight
	for rows.Next() {
		var in Insight
		var created int64
		if err := rows.Scan(&in.ID, &in.Type, &in.Description, &in.Impact, &in.ImplementationCount,
			&in.AvgImprovement, &in.Priority, &in.Area, &created); err != nil {
			return nil, wrapErr("scan insight", err)
		}
		in.CreatedAt = time.Unix(0, created)
		out = append(out, in)
	}
	return out, wrapErr("iterate insights", rows.Err())
}

// CountInsights returns how many rows carry description.
func (s *DB) CountInsights(ctx context.Context, description string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM optimization_insights WHERE description = ?`, description).Scan(&n)
	return n, wrapErr("count insights", err)
}
