package store

import (
	"context"
	"database/sql"
	"time"
)

// OperationRecord is one closed, immutable performance_metrics row.
type OperationRecord struct {
	ID           string
	Type         string
	Start        time.Time
	End          time.Time
	Duration     time.Duration
	Success      bool
	ErrorMessage string
	Confidence   float64
	TokensUsed   int
	Quality      float64
	UserFeedback string
	RecordedAt   time.Time
}

// OperationAggregate summarises closed records of one operation type.
type OperationAggregate struct {
	Type          string
	Count         int
	SuccessCount  int
	AvgDuration   float64 // seconds
	AvgQuality    float64
	AvgConfidence float64
}

// InsertOperation persists a closed operation record.
func (s *DB) InsertOperation(ctx context.Context, r OperationRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO performance_metrics
(operation_id, operation_type, start_time, end_time, duration, success, error_message,
 confidence_score, tokens_used, quality_score, user_feedback, timestamp)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Type, r.Start.UnixNano(), r.End.UnixNano(), r.Duration.Seconds(), boolInt(r.Success),
		nullIfEmpty(r.ErrorMessage), r.Confidence, r.TokensUsed, r.Quality,
		nullIfEmpty(r.UserFeedback), r.RecordedAt.UnixNano(),
	)
	return wrapErr("insert operation", err)
}

// GetOperation returns the record with id. found is false when it does not exist.
func (s *DB) GetOperation(ctx context.Context, id string) (rec OperationRecord, found bool, err error) {
	var start, end, recorded int64
	var dur float64
	var success int
	var errMsg, feedback sql.NullString
	err = s.db.QueryRowContext(ctx, `
SELECT operation_id, operation_type, start_time, end_time, duration, success, error_message,
       confidence_score, tokens_used, quality_score, user_feedback, timestamp
FROM performance_metrics WHERE operation_id = ?`, id).Scan(
		&rec.ID, &rec.Type, &start, &end, &dur, &success, &errMsg,
		&rec.Confidence, &rec.TokensUsed, &rec.Quality, &feedback, &recorded,
	)
	if err == sql.ErrNoRows {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, wrapErr("get operation", err)
	}
	rec.Start = time.Unix(0, start)
	rec.End = time.Unix(0, end)
	rec.Duration = time.Duration(dur * float64(time.Second))
	rec.Success = success == 1
	rec.ErrorMessage = errMsg.String
	rec.UserFeedback = feedback.String
	rec.RecordedAt = time.Unix(0, recorded)
	return rec, true, nil
}

const aggregateSelect = `
SELECT operation_type,
       COUNT(*),
       COALESCE(SUM(success), 0),
       COALESCE(AVG(duration), 0),
       COALESCE(AVG(quality_score), 0),
       COALESCE(AVG(confidence_score), 0)
FROM performance_metrics`

// AggregateOperations aggregates records of opType that ended after since.
// A type with no records yields a zero aggregate.
func (s *DB) AggregateOperations(ctx context.Context, opType string, since time.Time) (OperationAggregate, error) {
	agg := OperationAggregate{Type: opType}
	var typ sql.NullString
	err := s.db.QueryRowContext(ctx, aggregateSelect+`
WHERE operation_type = ? AND end_time > ?`, opType, unixNanos(since)).Scan(
		&typ, &agg.Count, &agg.SuccessCount, &agg.AvgDuration, &agg.AvgQuality, &agg.AvgConfidence,
	)
	if err != nil {
		return OperationAggregate{Type: opType}, wrapErr("aggregate operations", err)
	}
	return agg, nil
}

// AggregateAllOperations aggregates every operation type that ended after since,
// ordered by type.
func (s *DB) AggregateAllOperations(ctx context.Context, since time.Time) ([]OperationAggregate, error) {
	rows, err := s.db.QueryContext(ctx, aggregateSelect+`
WHERE end_time > ?
GROUP BY operation_type
ORDER BY operation_type`, unixNanos(since))
	if err != nil {
		return nil, wrapErr("aggregate all operations", err)
	}
	defer rows.Close()

	var out []OperationAggregate
	for rows.Next() {
		var a OperationAggregate
		if err := rows.Scan(&a.Type, &a.Count, &a.SuccessCount, &a.AvgDuration, &a.AvgQuality, &a.AvgConfidence); err != nil {
			return nil, wrapErr("scan aggregate", err)
		}
		out = append(out, a)
	}
	return out, wrapErr("iterate aggregates", rows.Err())
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
