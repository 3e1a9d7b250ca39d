// Package matching assigns GPS trace points to their nearest road edge
// within a search radius.
//
// Distances are computed in the Web Mercator metric frame. With
// ScaleCorrection enabled the planar distance is scaled by cos(latitude) so
// the radius is expressed in ground meters; otherwise raw EPSG:3857 units
// are compared, which is what a PostGIS/GeoPandas pipeline in 3857 does.
package matching

import (
	"fmt"
	"math"
	"runtime"
	"sort"

	"github.com/paulmach/orb"
	"golang.org/x/sync/errgroup"

	"github.com/portomove/mapmatch/geo"
	"github.com/portomove/mapmatch/model"
)

// DefaultRadiusMeters is the search radius used when none is configured.
// Consumer GPS is typically accurate to 15-20 m.
const DefaultRadiusMeters = 20.0

// minChunk is the smallest number of points handed to one worker.
const minChunk = 256

// Options configures a match.
type Options struct {
	RadiusMeters    float64
	ScaleCorrection bool
	// Workers bounds the goroutines used for the nearest-edge search.
	// Zero means GOMAXPROCS.
	Workers   int
	Projector geo.Projector
}

// DefaultOptions returns the recommended options.
func DefaultOptions() Options {
	return Options{
		RadiusMeters:    DefaultRadiusMeters,
		ScaleCorrection: true,
		Projector:       geo.NewProjector(),
	}
}

func (o Options) validate() error {
	r := o.RadiusMeters
	if math.IsNaN(r) || math.IsInf(r, 0) || r <= 0 {
		return &InvalidRadiusError{Radius: r}
	}
	return nil
}

func (o Options) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// Match assigns each trace point to the nearest edge within the radius and
// returns the assignments grouped by edge, ordered by edge id, with indices
// ascending. Inputs are not modified.
func Match(points []model.TracePoint, edges []model.RoadEdge, opts Options) (model.Assignment, error) {
	if len(points) == 0 || len(edges) == 0 {
		return nil, ErrEmptyInput
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	ix, err := NewIndex(edges, opts.Projector)
	if err != nil {
		return nil, err
	}
	return ix.Match(points, opts)
}

type projectedPoint struct {
	index int
	geom  orb.Point // metric frame
	scale float64
}

// Match runs the nearest-edge search for one recording against a prebuilt
// index. It is safe to call concurrently.
func (ix *Index) Match(points []model.TracePoint, opts Options) (model.Assignment, error) {
	if len(points) == 0 || ix.Len() == 0 {
		return nil, ErrEmptyInput
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	projected, err := projectPoints(points, opts)
	if err != nil {
		return nil, err
	}
	recordingID := points[0].RecordingID

	// hits[i] is the edge assigned to projected[i], if any.
	type hit struct {
		edgeID int64
		ok     bool
	}
	hits := make([]hit, len(projected))

	var g errgroup.Group
	g.SetLimit(opts.workers())
	chunk := max(minChunk, (len(projected)+opts.workers()-1)/opts.workers())
	for start := 0; start < len(projected); start += chunk {
		end := min(start+chunk, len(projected))
		g.Go(func() error {
			for i := start; i < end; i++ {
				p := projected[i]
				id, _, ok := ix.nearest(p.geom, opts.RadiusMeters, p.scale)
				hits[i] = hit{edgeID: id, ok: ok}
			}
			return nil
		})
	}
	// Workers never fail; Wait only joins them.
	_ = g.Wait()

	byEdge := make(map[int64][]int)
	for i, h := range hits {
		if h.ok {
			byEdge[h.edgeID] = append(byEdge[h.edgeID], projected[i].index)
		}
	}
	return group(recordingID, byEdge), nil
}

func projectPoints(points []model.TracePoint, opts Options) ([]projectedPoint, error) {
	recordingID := points[0].RecordingID
	seen := make(map[int]struct{}, len(points))
	out := make([]projectedPoint, len(points))
	for i, tp := range points {
		if tp.RecordingID != recordingID {
			return nil, fmt.Errorf("%w: %d and %d", ErrMixedRecordings, recordingID, tp.RecordingID)
		}
		if _, dup := seen[tp.Index]; dup {
			return nil, fmt.Errorf("%w: %d", ErrDuplicatePoint, tp.Index)
		}
		seen[tp.Index] = struct{}{}

		m, err := opts.Projector.PointToMetric(tp.Geom, tp.SRID)
		if err != nil {
			return nil, fmt.Errorf("trace point %d: %w", tp.Index, err)
		}
		scale := 1.0
		if opts.ScaleCorrection {
			scale = geo.GroundScale(geo.LatOfMetric(m))
		}
		out[i] = projectedPoint{index: tp.Index, geom: m, scale: scale}
	}
	return out, nil
}

// group turns per-edge index lists into an Assignment ordered by edge id
// with sorted, deduplicated indices.
func group(recordingID int64, byEdge map[int64][]int) model.Assignment {
	ids := make([]int64, 0, len(byEdge))
	for id := range byEdge {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make(model.Assignment, 0, len(ids))
	for _, id := range ids {
		idx := byEdge[id]
		sort.Ints(idx)
		idx = dedupSorted(idx)
		out = append(out, model.EdgeMatch{EdgeID: id, RecordingID: recordingID, Indices: idx})
	}
	return out
}

func dedupSorted(s []int) []int {
	if len(s) < 2 {
		return s
	}
	w := 1
	for r := 1; r < len(s); r++ {
		if s[r] != s[w-1] {
			s[w] = s[r]
			w++
		}
	}
	return s[:w]
}
