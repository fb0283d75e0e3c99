package selfimprove

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/fyrsmithlabs/forgeloop/internal/config"
	"github.com/fyrsmithlabs/forgeloop/internal/events"
	"github.com/fyrsmithlabs/forgeloop/internal/learning"
	"github.com/fyrsmithlabs/forgeloop/internal/llm"
	"github.com/fyrsmithlabs/forgeloop/internal/performance"
	"github.com/fyrsmithlabs/forgeloop/internal/reflection"
	"github.com/fyrsmithlabs/forgeloop/internal/remediation"
	"github.com/fyrsmithlabs/forgeloop/internal/search"
	"github.com/fyrsmithlabs/forgeloop/internal/secrets"
	"github.com/fyrsmithlabs/forgeloop/internal/store"
	"github.com/fyrsmithlabs/forgeloop/internal/synthesis"
	"go.uber.org/zap"
)

// Open builds a System from cfg:
//
//  1. Opens the SQLite store
//  2. Connects the NATS publisher when events are enabled
//  3. Builds the search collaborators, the LLM client and the scrubber
//  4. Wires tracker, learning store, remediation and reflection
//
// A missing LLM API key or an unreachable NATS server degrades the System
// (fallback reports, no events) instead of failing.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*System, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	scrubber, err := secrets.New(&secrets.Config{
		Enabled:   cfg.Redaction.Enabled,
		Rules:     secrets.DefaultRules(),
		AllowList: cfg.Redaction.AllowList,
	})
	if err != nil {
		return nil, fmt.Errorf("build redaction rules: %w", err)
	}

	path, err := config.ExpandPath(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("expand storage path: %w", err)
	}
	db, err := store.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	publisher := openPublisher(cfg.Events, logger)

	collaborators, err := search.FromConfig(ctx, cfg.Search)
	if err != nil {
		closeQuietly(publisher)
		db.Close()
		return nil, fmt.Errorf("build search collaborators: %w", err)
	}
	aggregator := search.NewAggregator(collaborators,
		search.WithTimeout(cfg.Search.Timeout.Duration()),
		search.WithMaxResults(cfg.Search.MaxResults),
		search.WithLogger(logger.Named("search")),
	)

	var gen llm.Generator
	client, err := llm.NewOpenAIClient(cfg.LLM)
	switch {
	case errors.Is(err, llm.ErrNoAPIKey):
		logger.Warn("llm api key not set, synthesis and reflection use fallbacks")
	case err != nil:
		closeQuietly(publisher)
		db.Close()
		return nil, fmt.Errorf("build llm client: %w", err)
	default:
		gen = client
	}

	tracker := performance.NewTracker(db,
		performance.WithLogger(logger.Named("performance")),
		performance.WithPublisher(publisher),
	)
	learn := learning.NewStore(db,
		learning.WithLogger(logger.Named("learning")),
		learning.WithPublisher(publisher),
	)

	remediationSvc, err := remediation.NewService(nil, remediation.Deps{
		Learning:   learn,
		Patterns:   db,
		Aggregator: aggregator,
		Redactor:   scrubber,
		Synthesizer: synthesis.New(gen,
			synthesis.WithTimeout(cfg.LLM.Timeout.Duration()),
			synthesis.WithLogger(logger.Named("synthesis")),
		),
	}, logger.Named("remediation"))
	if err != nil {
		closeQuietly(publisher)
		db.Close()
		return nil, fmt.Errorf("create remediation service: %w", err)
	}

	engine, err := reflection.NewEngine(reflection.ConfigFrom(cfg.Reflection), reflection.Deps{
		Metrics:   tracker,
		Learning:  learn,
		Insights:  db,
		Generator: gen,
	},
		reflection.WithLogger(logger.Named("reflection")),
		reflection.WithPublisher(publisher),
	)
	if err != nil {
		closeQuietly(publisher)
		db.Close()
		return nil, fmt.Errorf("create reflection engine: %w", err)
	}

	logger.Info("self-improvement system ready",
		zap.String("storage", path),
		zap.Int("collaborators", len(collaborators)),
		zap.Bool("llm", gen != nil),
		zap.Bool("events", cfg.Events.Enabled),
		zap.Bool("redaction", scrubber.Enabled()),
	)
	return New(Deps{
		Store:       db,
		Tracker:     tracker,
		Learning:    learn,
		Remediation: remediationSvc,
		Reflection:  engine,
		Publisher:   publisher,
		Scrubber:    scrubber,
		Logger:      logger,
	})
}

func openPublisher(cfg config.EventsConfig, logger *zap.Logger) events.Publisher {
	if !cfg.Enabled {
		return events.NopPublisher{}
	}
	p, err := events.Connect(cfg.NATSURL, logger.Named("events"))
	if err != nil {
		logger.Warn("event publishing disabled", zap.Error(err))
		return events.NopPublisher{}
	}
	return p
}

func closeQuietly(p events.Publisher) {
	if c, ok := p.(io.Closer); ok {
		_ = c.Close()
	}
}
