package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/portomove/mapmatch/config"
	"github.com/portomove/mapmatch/logging"
	"github.com/portomove/mapmatch/pipeline"
	"github.com/portomove/mapmatch/store"
)

type services struct {
	store *store.Store
	pipe  *pipeline.Pipeline
}

// openServices connects to the database, bootstraps the schema and wires
// the pipeline.
func openServices(ctx context.Context) (*services, error) {
	if err := cfg.RequireDatabase(); err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("database connection ok", zap.String("database", logging.MaskDatabaseURL(cfg.DatabaseURL)))
	if err := st.EnsureSchema(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return &services{
		store: st,
		pipe:  pipeline.New(st, pipelineOptions(cfg), logger),
	}, nil
}

func (s *services) Close() { s.store.Close() }

func pipelineOptions(c config.Config) pipeline.Options {
	return pipeline.Options{
		Match:      c.MatchOptions(),
		Segments:   c.SegmentOptions(),
		Recordings: c.Matching.Recordings,
	}
}
