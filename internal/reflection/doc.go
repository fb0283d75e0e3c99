// Package reflection periodically turns operation metrics and learning data
// into a health report and persisted optimization insights.
//
// A pass runs in this order:
//
//  1. Aggregate every operation type over the trailing window.
//  2. Apply the local threshold rules: a type whose success rate is below
//     the success threshold, or whose mean duration exceeds the slow
//     threshold, gets an insight. These rules never consult the LLM.
//  3. Summarise learning effectiveness by category.
//  4. Ask the LLM for a report. A failed or malformed reply yields the
//     fallback report {overall_health: "unknown"}.
//  5. Persist each improvement priority of the report as an insight and as
//     an optimization learning entry.
//
// Insights are keyed by description, so repeated passes never duplicate
// them. Only one pass runs at a time; a concurrent call returns
// ErrPassInProgress.
//
// # Usage
//
//	engine, err := reflection.NewEngine(reflection.ConfigFrom(cfg.Reflection), reflection.Deps{
//	    Metrics:   tracker,
//	    Learning:  learningStore,
//	    Insights:  db,
//	    Generator: llmClient,
//	}, reflection.WithLogger(logger))
//
//	sched := reflection.NewScheduler(engine, time.Hour, 5*time.Minute, logger)
//	sched.Start(ctx)
//	defer sched.Stop()
package reflection
