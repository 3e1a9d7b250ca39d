package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/portomove/mapmatch/api"
	"github.com/portomove/mapmatch/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and run scheduled jobs",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	svc, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	jobs := buildJobs(svc)
	interval := time.Duration(cfg.Jobs.IntervalSeconds) * time.Second

	logger.Info("map-matching worker starting",
		zap.String("listen", cfg.Server.Listen),
		zap.String("database", logging.MaskDatabaseURL(cfg.DatabaseURL)),
		zap.Float64("radius_m", cfg.Matching.RadiusMeters),
		zap.Bool("emit_single_points", cfg.Matching.EmitSinglePointSegments),
		zap.Duration("interval", interval))
	for _, j := range jobs {
		if j.eachTick {
			logger.Info("scheduled job", zap.String("job", j.name), zap.String("when", "every tick"))
			continue
		}
		logger.Info("scheduled job", zap.String("job", j.name), zap.Int("hour_utc", j.hour))
	}

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           api.New(svc.store, svc.pipe, cfg.Server.UploadMaxMB<<20, logger).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	var cycles, failures int64
	lastRun := make(map[string]string)
	tick := func() {
		cycles++
		for _, j := range jobs {
			if !j.eachTick {
				continue
			}
			if err := j.fn(ctx); err != nil {
				failures++
				logger.Named(j.name).Warn("tick failed", zap.Error(err))
			}
		}
		checkScheduledJobs(ctx, jobs, lastRun)
		if cycles%10 == 0 {
			logger.Info("worker cycle", zap.Int64("cycle", cycles), zap.Int64("failures", failures))
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	tick()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down", zap.Int64("cycles", cycles), zap.Int64("failures", failures))
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		case err, ok := <-srvErr:
			if ok {
				return err
			}
			srvErr = nil
		case <-ticker.C:
			tick()
		}
	}
}
