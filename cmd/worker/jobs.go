package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/portomove/mapmatch/archive"
)

// pendingBatch caps how many recordings one match-pending run picks up.
const pendingBatch = 50

// scheduledJob runs once a day at hour UTC, or on every tick when eachTick
// is set.
type scheduledJob struct {
	name     string
	hour     int
	eachTick bool
	fn       func(ctx context.Context) error
}

func buildJobs(svc *services) []scheduledJob {
	return []scheduledJob{
		{name: "match-pending", eachTick: true, fn: func(ctx context.Context) error { return runMatchPending(ctx, svc) }},
		{name: "archive-matches", hour: cfg.Jobs.ArchiveHour, fn: func(ctx context.Context) error { return runArchiveMatches(ctx, svc) }},
		{name: "cleanup-matches", hour: cfg.Jobs.CleanupHour, fn: func(ctx context.Context) error { return runCleanupMatches(ctx, svc) }},
	}
}

func findJob(jobs []scheduledJob, name string) (scheduledJob, bool) {
	for _, j := range jobs {
		if j.name == name {
			return j, true
		}
	}
	return scheduledJob{}, false
}

func jobNames(jobs []scheduledJob) []string {
	names := make([]string, len(jobs))
	for i, j := range jobs {
		names[i] = j.name
	}
	return names
}

// dueJobs returns the daily jobs that should run at now and marks them in
// lastRun so each runs at most once per day.
func dueJobs(now time.Time, jobs []scheduledJob, lastRun map[string]string) []scheduledJob {
	now = now.UTC()
	todayKey := now.Format(time.DateOnly)
	var due []scheduledJob
	for _, job := range jobs {
		if job.eachTick || now.Hour() != job.hour {
			continue
		}
		runKey := todayKey + ":" + job.name
		if lastRun[job.name] == runKey {
			continue
		}
		lastRun[job.name] = runKey
		due = append(due, job)
	}
	return due
}

func checkScheduledJobs(ctx context.Context, jobs []scheduledJob, lastRun map[string]string) {
	log := logger.Named("scheduler")
	for _, job := range dueJobs(time.Now(), jobs, lastRun) {
		log.Info("starting job", zap.String("job", job.name))
		if err := job.fn(ctx); err != nil {
			log.Error("job failed", zap.String("job", job.name), zap.Error(err))
		} else {
			log.Info("job completed", zap.String("job", job.name))
		}
	}
}

func runMatchPending(ctx context.Context, svc *services) error {
	res, err := svc.pipe.MatchPending(ctx, pendingBatch)
	if err != nil {
		return err
	}
	if len(res.Failed) > 0 {
		return fmt.Errorf("%d of %d recordings failed", len(res.Failed), res.Matched+len(res.Failed))
	}
	return nil
}

func runArchiveMatches(ctx context.Context, svc *services) error {
	client := archive.NewClient(cfg.Archive)
	if client == nil {
		logger.Named("archive").Info("object storage not configured, skipping archive")
		return nil
	}
	_, err := archive.New(client, cfg.Archive.Bucket, svc.store, logger).
		ArchiveDay(ctx, archive.Yesterday(time.Now()))
	return err
}

func runCleanupMatches(ctx context.Context, svc *services) error {
	start := time.Now()
	n, err := svc.store.CleanupOrphanMatches(ctx)
	if err != nil {
		return err
	}
	logger.Named("cleanup").Info("deleted orphan matches",
		zap.Int64("rows", n), zap.Duration("elapsed", time.Since(start)))
	return nil
}

var runCmd = &cobra.Command{
	Use:   "run <job>",
	Short: "Run one job and exit",
	Long: `Run executes a single job immediately, e.g.

  worker run match-pending
  worker run archive-matches
  worker run cleanup-matches`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, err := openServices(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		jobs := buildJobs(svc)
		job, ok := findJob(jobs, args[0])
		if !ok {
			return fmt.Errorf("unknown job %q (available: %s)", args[0], strings.Join(jobNames(jobs), ", "))
		}
		log := logger.Named("run")
		log.Info("executing job", zap.String("job", job.name))
		if err := job.fn(ctx); err != nil {
			return fmt.Errorf("%s failed: %w", job.name, err)
		}
		log.Info("job completed", zap.String("job", job.name))
		return nil
	},
}
