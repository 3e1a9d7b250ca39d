package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"github.com/portomove/mapmatch/model"
)

// InsertEdges appends edges to road_edges. Edge ids are renumbered to
// continue after the current maximum so repeated imports never collide;
// the returned slice carries the stored ids.
func (s *Store) InsertEdges(ctx context.Context, edges []model.RoadEdge) ([]model.RoadEdge, error) {
	var stored []model.RoadEdge
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `LOCK TABLE road_edges IN SHARE ROW EXCLUSIVE MODE`); err != nil {
			return fmt.Errorf("lock road_edges: %w", err)
		}
		var maxID int64
		if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(edge_id), 0) FROM road_edges`).Scan(&maxID); err != nil {
			return fmt.Errorf("max edge id: %w", err)
		}
		stored = renumberEdges(edges, maxID)

		rows, err := edgeRows(stored)
		if err != nil {
			return err
		}
		for i := 0; i < len(rows); i += copyBatchSize {
			end := min(i+copyBatchSize, len(rows))
			if _, err := tx.CopyFrom(ctx,
				pgx.Identifier{"road_edges"},
				edgeColumns,
				pgx.CopyFromRows(rows[i:end]),
			); err != nil {
				return fmt.Errorf("insert edge batch: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("imported edges", zap.Int("count", len(stored)))
	return stored, nil
}

// LoadEdges returns edges whose bounding box intersects b, or every edge
// when b is nil, ordered by edge id.
func (s *Store) LoadEdges(ctx context.Context, b *orb.Bound) ([]model.RoadEdge, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if b == nil {
		rows, err = s.pool.Query(ctx, `SELECT edge_id, source_id, geom FROM road_edges ORDER BY edge_id`)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT edge_id, source_id, geom FROM road_edges
			WHERE max_lon >= $1 AND min_lon <= $3 AND max_lat >= $2 AND min_lat <= $4
			ORDER BY edge_id`,
			b.Min[0], b.Min[1], b.Max[0], b.Max[1])
	}
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()

	var edges []model.RoadEdge
	for rows.Next() {
		e := model.RoadEdge{SRID: model.SRIDWGS84}
		var geom []byte
		if err := rows.Scan(&e.EdgeID, &e.SourceID, &geom); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		if e.Geom, err = decodeEdgeGeom(geom); err != nil {
			return nil, fmt.Errorf("edge %d: %w", e.EdgeID, err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read edges: %w", err)
	}
	return edges, nil
}

// TraceBounds returns the bounding box of a recording's points. ok is false
// when the recording has no points.
func (s *Store) TraceBounds(ctx context.Context, recordingID int64) (b orb.Bound, ok bool, err error) {
	var minLon, minLat, maxLon, maxLat *float64
	err = s.pool.QueryRow(ctx,
		`SELECT MIN(lon), MIN(lat), MAX(lon), MAX(lat) FROM gps_tracks WHERE recording_id = $1`,
		recordingID,
	).Scan(&minLon, &minLat, &maxLon, &maxLat)
	if err != nil {
		return orb.Bound{}, false, fmt.Errorf("trace bounds: %w", err)
	}
	if minLon == nil {
		return orb.Bound{}, false, nil
	}
	return orb.Bound{Min: orb.Point{*minLon, *minLat}, Max: orb.Point{*maxLon, *maxLat}}, true, nil
}
