// Package pipeline wires the matching and reconstruction engines to
// storage: load a recording, match it, persist the assignment atomically,
// and rebuild segments on demand.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/portomove/mapmatch/matching"
	"github.com/portomove/mapmatch/model"
	"github.com/portomove/mapmatch/segments"
)

// ErrNoTrace is returned when a recording has no stored points.
var ErrNoTrace = errors.New("recording has no trace points")

// Repository is the storage the pipeline reads from and writes to.
// *store.Store implements it.
type Repository interface {
	LoadTrace(ctx context.Context, recordingID int64) ([]model.TracePoint, error)
	TraceBounds(ctx context.Context, recordingID int64) (orb.Bound, bool, error)
	LoadEdges(ctx context.Context, b *orb.Bound) ([]model.RoadEdge, error)
	ReplaceEdgeMatches(ctx context.Context, recordingID int64, a model.Assignment) error
	LoadAssignment(ctx context.Context, recordingID int64) (model.Assignment, error)
	PendingRecordings(ctx context.Context, limit int) ([]int64, error)
	MarkMatchFailed(ctx context.Context, recordingID int64) (time.Time, error)
}

// Options configures a Pipeline.
type Options struct {
	Match    matching.Options
	Segments segments.Options
	// Recordings bounds how many recordings Batch matches at once.
	Recordings int
}

// Pipeline runs matching jobs against a Repository.
type Pipeline struct {
	repo Repository
	opts Options
	log  *zap.Logger
}

// New returns a Pipeline.
func New(repo Repository, opts Options, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	opts.Recordings = max(opts.Recordings, 1)
	return &Pipeline{repo: repo, opts: opts, log: log.Named("match")}
}

// MatchRecording matches one recording against the edges near its trace and
// replaces its stored matches.
func (p *Pipeline) MatchRecording(ctx context.Context, recordingID int64) (model.Assignment, error) {
	a, err := p.matchNearTrace(ctx, recordingID)
	if err != nil {
		p.markFailed(ctx, recordingID, err)
		return nil, err
	}
	return a, nil
}

func (p *Pipeline) matchNearTrace(ctx context.Context, recordingID int64) (model.Assignment, error) {
	start := time.Now()
	b, ok, err := p.repo.TraceBounds(ctx, recordingID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("recording %d: %w", recordingID, ErrNoTrace)
	}
	// Slack covers the gap between mercator and ground distance.
	padded := orbgeo.BoundPad(b, p.opts.Match.RadiusMeters*1.5)
	edges, err := p.repo.LoadEdges(ctx, &padded)
	if err != nil {
		return nil, err
	}
	if len(edges) == 0 {
		return nil, fmt.Errorf("recording %d: no edges near trace: %w", recordingID, matching.ErrEmptyInput)
	}
	ix, err := matching.NewIndex(edges, p.opts.Match.Projector)
	if err != nil {
		return nil, fmt.Errorf("build index: %w", err)
	}
	a, err := p.matchWith(ctx, ix, recordingID)
	if err != nil {
		return nil, err
	}
	p.log.Info("matched recording",
		zap.Int64("recording_id", recordingID),
		zap.Int("edges_considered", len(edges)),
		zap.Int("edges_matched", len(a)),
		zap.Int("points_matched", a.MatchedCount()),
		zap.Duration("elapsed", time.Since(start)))
	return a, nil
}

func (p *Pipeline) matchWith(ctx context.Context, ix *matching.Index, recordingID int64) (model.Assignment, error) {
	pts, err := p.repo.LoadTrace(ctx, recordingID)
	if err != nil {
		return nil, err
	}
	if len(pts) == 0 {
		return nil, fmt.Errorf("recording %d: %w", recordingID, ErrNoTrace)
	}
	a, err := ix.Match(pts, p.opts.Match)
	if err != nil {
		return nil, fmt.Errorf("match recording %d: %w", recordingID, err)
	}
	if err := p.repo.ReplaceEdgeMatches(ctx, recordingID, a); err != nil {
		return nil, fmt.Errorf("persist recording %d: %w", recordingID, err)
	}
	return a, nil
}

// markFailed pushes back the next attempt of a recording that failed to
// match. Recordings without points are never pending, so they are skipped.
func (p *Pipeline) markFailed(ctx context.Context, recordingID int64, cause error) {
	if errors.Is(cause, ErrNoTrace) || ctx.Err() != nil {
		return
	}
	next, err := p.repo.MarkMatchFailed(ctx, recordingID)
	if err != nil {
		p.log.Error("record match failure", zap.Int64("recording_id", recordingID), zap.Error(err))
		return
	}
	p.log.Warn("match failed, retry scheduled",
		zap.Int64("recording_id", recordingID),
		zap.Time("next_attempt", next),
		zap.Error(cause))
}

// BatchResult reports a Batch run. Failed holds per-recording errors; the
// other recordings are still persisted.
type BatchResult struct {
	Matched int
	Points  int
	Failed  map[int64]error
}

// Batch matches recordings concurrently against one shared index built from
// every stored edge.
func (p *Pipeline) Batch(ctx context.Context, recordingIDs []int64) (BatchResult, error) {
	res := BatchResult{Failed: map[int64]error{}}
	if len(recordingIDs) == 0 {
		return res, nil
	}
	start := time.Now()
	edges, err := p.repo.LoadEdges(ctx, nil)
	if err != nil {
		return res, err
	}
	ix, err := matching.NewIndex(edges, p.opts.Match.Projector)
	if err != nil {
		return res, fmt.Errorf("build index: %w", err)
	}

	// Each recording already fans out across workers; cap the total.
	perRecording := p.opts.Match
	if perRecording.Workers == 0 {
		perRecording.Workers = 1
	}
	inner := &Pipeline{repo: p.repo, opts: Options{Match: perRecording}, log: p.log}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Recordings)
	for _, id := range recordingIDs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			a, err := inner.matchWith(gctx, ix, id)
			if err != nil {
				p.markFailed(gctx, id, err)
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed[id] = err
				return nil
			}
			res.Matched++
			res.Points += a.MatchedCount()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	p.log.Info("batch done",
		zap.Int("recordings", len(recordingIDs)),
		zap.Int("matched", res.Matched),
		zap.Int("failed", len(res.Failed)),
		zap.Int("edges", ix.Len()),
		zap.Duration("elapsed", time.Since(start)))
	return res, nil
}

// MatchPending matches up to limit recordings that are due for matching.
// A matched recording, even one with no edge near it, is not returned again;
// a failed one waits out its retry delay.
func (p *Pipeline) MatchPending(ctx context.Context, limit int) (BatchResult, error) {
	ids, err := p.repo.PendingRecordings(ctx, limit)
	if err != nil {
		return BatchResult{Failed: map[int64]error{}}, err
	}
	return p.Batch(ctx, ids)
}

// Segments rebuilds the matched segments of a recording from its stored
// assignment and trace.
func (p *Pipeline) Segments(ctx context.Context, recordingID int64) ([]model.MatchedSegment, error) {
	a, err := p.repo.LoadAssignment(ctx, recordingID)
	if err != nil {
		return nil, err
	}
	if len(a) == 0 {
		return []model.MatchedSegment{}, nil
	}
	pts, err := p.repo.LoadTrace(ctx, recordingID)
	if err != nil {
		return nil, err
	}
	segs, err := segments.ReconstructAll(a, segments.LookupFromTrace(pts), p.opts.Segments)
	if err != nil {
		return nil, fmt.Errorf("reconstruct recording %d: %w", recordingID, err)
	}
	return segs, nil
}
