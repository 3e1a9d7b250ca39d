package matching

import (
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/tidwall/rtree"

	"github.com/portomove/mapmatch/geo"
	"github.com/portomove/mapmatch/model"
)

// TieTolerance is the distance, in meters, within which two edges are
// considered equidistant from a point.
const TieTolerance = 1e-9

// radiusTolerance absorbs projection round-off at the inclusive radius
// boundary. It is relative to the radius.
const radiusTolerance = 1e-9

type indexedEdge struct {
	id   int64
	geom orb.LineString // metric frame
}

// Index is an R-tree over road edges in the metric frame. It is built once
// and is read-only afterwards, so a single Index can serve concurrent
// Match calls for many recordings.
type Index struct {
	edges []indexedEdge // ascending by id
	tree  rtree.RTreeG[int]
}

// NewIndex projects edges into the metric frame and indexes their bounding
// boxes. The edges slice is not modified.
func NewIndex(edges []model.RoadEdge, proj geo.Projector) (*Index, error) {
	if len(edges) == 0 {
		return nil, ErrEmptyInput
	}

	sorted := make([]model.RoadEdge, len(edges))
	copy(sorted, edges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].EdgeID < sorted[j].EdgeID })

	ix := &Index{edges: make([]indexedEdge, 0, len(sorted))}
	for i, e := range sorted {
		if i > 0 && sorted[i-1].EdgeID == e.EdgeID {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateEdge, e.EdgeID)
		}
		m, err := proj.LineToMetric(e.Geom, e.SRID)
		if err != nil {
			return nil, fmt.Errorf("edge %d: %w", e.EdgeID, err)
		}
		b := m.Bound()
		ix.tree.Insert([2]float64(b.Min), [2]float64(b.Max), len(ix.edges))
		ix.edges = append(ix.edges, indexedEdge{id: e.EdgeID, geom: m})
	}
	return ix, nil
}

// Len returns the number of indexed edges.
func (ix *Index) Len() int {
	return len(ix.edges)
}

type candidate struct {
	id   int64
	dist float64
}

// nearest returns the edge closest to pt (metric frame) whose ground
// distance is at most radius. scale converts planar distance to ground
// meters at pt.
func (ix *Index) nearest(pt orb.Point, radius, scale float64) (int64, float64, bool) {
	limit := radius * (1 + radiusTolerance)
	// Any edge within limit ground meters lies within limit/scale planar
	// units, so its bounding box intersects this search box.
	half := limit / scale
	lo := [2]float64{pt[0] - half, pt[1] - half}
	hi := [2]float64{pt[0] + half, pt[1] + half}

	var cands []candidate
	best := math.Inf(1)
	ix.tree.Search(lo, hi, func(_, _ [2]float64, i int) bool {
		e := ix.edges[i]
		d := geo.Distance(pt, e.geom) * scale
		if d <= limit {
			cands = append(cands, candidate{id: e.id, dist: d})
			if d < best {
				best = d
			}
		}
		return true
	})
	if len(cands) == 0 {
		return 0, 0, false
	}

	// Lowest edge id among everything tied with the best distance.
	var (
		bestID   int64
		bestDist float64
		found    bool
	)
	for _, c := range cands {
		if c.dist-best > TieTolerance {
			continue
		}
		if !found || c.id < bestID {
			bestID, bestDist, found = c.id, c.dist, true
		}
	}
	return bestID, bestDist, true
}
