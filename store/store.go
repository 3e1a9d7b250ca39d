// Package store persists recordings, trace points, road edges and edge
// matches in PostgreSQL.
package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/portomove/mapmatch/model"
)

//go:embed schema.sql
var schemaSQL string

const copyBatchSize = 5000

// ErrNotFound is returned when a recording does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps a pgx pool.
type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// NewPool opens a small connection pool for the worker.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	cfg.MaxConns = 5
	cfg.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	return pool, nil
}

// Open connects and pings the database.
func Open(ctx context.Context, databaseURL string, log *zap.Logger) (*Store, error) {
	pool, err := NewPool(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	var ok int
	if err := pool.QueryRow(ctx, "SELECT 1").Scan(&ok); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping: %w", err)
	}
	return New(pool, log), nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{pool: pool, log: log.Named("store")}
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// EnsureSchema creates missing tables and indexes.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// ImportTrace creates a recording and copies its points in one
// transaction, so a rejected point leaves no recording behind. The points'
// RecordingID is set to the new id; pts itself is not modified.
func (s *Store) ImportTrace(ctx context.Context, name string, pts []model.TracePoint) (model.Recording, int64, error) {
	rec := model.Recording{Name: name}
	var total int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`INSERT INTO recordings (name) VALUES ($1) RETURNING id, created_at`, name,
		).Scan(&rec.ID, &rec.CreatedAt); err != nil {
			return fmt.Errorf("create recording: %w", err)
		}
		rows, err := traceRows(withRecording(pts, rec.ID))
		if err != nil {
			return err
		}
		for i := 0; i < len(rows); i += copyBatchSize {
			end := min(i+copyBatchSize, len(rows))
			n, err := tx.CopyFrom(ctx,
				pgx.Identifier{"gps_tracks"},
				traceColumns,
				pgx.CopyFromRows(rows[i:end]),
			)
			if err != nil {
				return fmt.Errorf("insert trace batch: %w", err)
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return model.Recording{}, 0, err
	}
	s.log.Info("imported trace", zap.Int64("recording_id", rec.ID), zap.Int64("points", total))
	return rec, total, nil
}

// Recording returns one recording or ErrNotFound.
func (s *Store) Recording(ctx context.Context, id int64) (model.Recording, error) {
	rec := model.Recording{ID: id}
	err := s.pool.QueryRow(ctx,
		`SELECT name, created_at FROM recordings WHERE id = $1`, id,
	).Scan(&rec.Name, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Recording{}, fmt.Errorf("recording %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Recording{}, fmt.Errorf("load recording %d: %w", id, err)
	}
	return rec, nil
}

// LoadTrace returns the points of a recording ordered by index.
func (s *Store) LoadTrace(ctx context.Context, recordingID int64) ([]model.TracePoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT gps_index, lon, lat FROM gps_tracks WHERE recording_id = $1 ORDER BY gps_index`,
		recordingID)
	if err != nil {
		return nil, fmt.Errorf("query trace: %w", err)
	}
	defer rows.Close()

	var pts []model.TracePoint
	for rows.Next() {
		p := model.TracePoint{RecordingID: recordingID, SRID: model.SRIDWGS84}
		var lon, lat float64
		if err := rows.Scan(&p.Index, &lon, &lat); err != nil {
			return nil, fmt.Errorf("scan trace point: %w", err)
		}
		p.Geom[0], p.Geom[1] = lon, lat
		pts = append(pts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}
	return pts, nil
}

// PendingRecordings returns up to limit recordings that have trace points,
// have never been matched and are not waiting out a retry delay, oldest
// first.
func (s *Store) PendingRecordings(ctx context.Context, limit int) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id FROM recordings r
		WHERE r.matched_at IS NULL
		  AND (r.next_attempt_at IS NULL OR r.next_attempt_at <= now())
		  AND EXISTS (SELECT 1 FROM gps_tracks t WHERE t.recording_id = r.id)
		ORDER BY r.created_at, r.id
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending recordings: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("read pending recordings: %w", err)
	}
	return ids, nil
}

// MarkMatchFailed records a failed match attempt and schedules the next
// one after RetryDelay.
func (s *Store) MarkMatchFailed(ctx context.Context, recordingID int64) (time.Time, error) {
	var next time.Time
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var attempts int
		err := tx.QueryRow(ctx,
			`SELECT match_attempts FROM recordings WHERE id = $1 FOR UPDATE`, recordingID,
		).Scan(&attempts)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("recording %d: %w", recordingID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load match attempts: %w", err)
		}
		next = time.Now().UTC().Add(RetryDelay(attempts + 1))
		_, err = tx.Exec(ctx,
			`UPDATE recordings SET match_attempts = $2, next_attempt_at = $3 WHERE id = $1`,
			recordingID, attempts+1, next)
		if err != nil {
			return fmt.Errorf("mark match failed: %w", err)
		}
		return nil
	})
	return next, err
}

// ReplaceEdgeMatches atomically replaces every mapping row of a recording
// and marks it matched. An empty assignment clears the recording's matches
// and still counts as matched.
func (s *Store) ReplaceEdgeMatches(ctx context.Context, recordingID int64, a model.Assignment) error {
	rows, err := matchRows(recordingID, a, time.Now().UTC())
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM mapping_table WHERE recording_id = $1`, recordingID)
		if err != nil {
			return fmt.Errorf("delete matches: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE recordings SET matched_at = now(), match_attempts = 0, next_attempt_at = NULL WHERE id = $1`,
			recordingID); err != nil {
			return fmt.Errorf("mark matched: %w", err)
		}
		if len(rows) == 0 {
			s.log.Debug("cleared matches", zap.Int64("recording_id", recordingID), zap.Int64("deleted", tag.RowsAffected()))
			return nil
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"mapping_table"},
			matchColumns,
			pgx.CopyFromRows(rows),
		); err != nil {
			return fmt.Errorf("insert matches: %w", err)
		}
		s.log.Debug("replaced matches",
			zap.Int64("recording_id", recordingID),
			zap.Int64("deleted", tag.RowsAffected()),
			zap.Int("inserted", len(rows)))
		return nil
	})
}

// LoadAssignment returns the stored matches for a recording ordered by edge.
func (s *Store) LoadAssignment(ctx context.Context, recordingID int64) (model.Assignment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT edge_id, gps_indices FROM mapping_table WHERE recording_id = $1 ORDER BY edge_id`,
		recordingID)
	if err != nil {
		return nil, fmt.Errorf("query matches: %w", err)
	}
	defer rows.Close()

	a := model.Assignment{}
	for rows.Next() {
		var edgeID int64
		var indices []int32
		if err := rows.Scan(&edgeID, &indices); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		a = append(a, model.EdgeMatch{EdgeID: edgeID, RecordingID: recordingID, Indices: toInts(indices)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read matches: %w", err)
	}
	return a, nil
}

// MatchRow is one stored mapping row with its write time.
type MatchRow struct {
	model.EdgeMatch
	MatchedAt time.Time
}

// MatchesBetween streams mapping rows written in [from, to) to fn, ordered
// by recording and edge.
func (s *Store) MatchesBetween(ctx context.Context, from, to time.Time, fn func(MatchRow) error) (int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT recording_id, edge_id, gps_indices, matched_at FROM mapping_table
		WHERE matched_at >= $1 AND matched_at < $2
		ORDER BY recording_id, edge_id`, from, to)
	if err != nil {
		return 0, fmt.Errorf("query matches: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var r MatchRow
		var indices []int32
		if err := rows.Scan(&r.RecordingID, &r.EdgeID, &indices, &r.MatchedAt); err != nil {
			return n, fmt.Errorf("scan match: %w", err)
		}
		r.Indices = toInts(indices)
		if err := fn(r); err != nil {
			return n, err
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return n, fmt.Errorf("read matches: %w", err)
	}
	return n, nil
}

// CleanupOrphanMatches deletes mapping rows whose recording was removed.
func (s *Store) CleanupOrphanMatches(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM mapping_table m
		WHERE NOT EXISTS (SELECT 1 FROM recordings r WHERE r.id = m.recording_id)`)
	if err != nil {
		return 0, fmt.Errorf("delete orphan matches: %w", err)
	}
	return tag.RowsAffected(), nil
}
