// Package archive exports a day of edge matches as parquet to S3-compatible
// object storage (Cloudflare R2 in production).
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/parquet-go/parquet-go"
	"go.uber.org/zap"

	"github.com/portomove/mapmatch/config"
	"github.com/portomove/mapmatch/store"
)

const contentType = "application/vnd.apache.parquet"

// Row is the parquet schema of one archived match.
type Row struct {
	RecordingID int64   `parquet:"recording_id"`
	EdgeID      int64   `parquet:"edge_id"`
	GPSIndices  []int32 `parquet:"gps_indices"`
	PointCount  int32   `parquet:"point_count"`
	MatchedAt   string  `parquet:"matched_at"`
}

// ObjectStore is the subset of *s3.Client used by the archiver.
type ObjectStore interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// MatchSource streams stored matches.
type MatchSource interface {
	MatchesBetween(ctx context.Context, from, to time.Time, fn func(store.MatchRow) error) (int, error)
}

// NewClient builds an S3 client for cfg, or nil when archiving is not
// configured.
func NewClient(cfg config.ArchiveConfig) *s3.Client {
	if !cfg.Enabled() {
		return nil
	}
	return s3.New(s3.Options{
		BaseEndpoint: aws.String(cfg.Endpoint),
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		UsePathStyle: true,
	})
}

// Archiver writes one parquet object per UTC day.
type Archiver struct {
	objects ObjectStore
	bucket  string
	src     MatchSource
	log     *zap.Logger
}

// New returns an Archiver.
func New(objects ObjectStore, bucket string, src MatchSource, log *zap.Logger) *Archiver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Archiver{objects: objects, bucket: bucket, src: src, log: log.Named("archive")}
}

// Result summarizes one archive run.
type Result struct {
	Key     string
	Rows    int
	Bytes   int
	Skipped bool
}

// Key returns the object key for day.
func Key(day time.Time) string {
	return fmt.Sprintf("matches/%04d/%02d/%02d.parquet", day.Year(), day.Month(), day.Day())
}

// Yesterday returns midnight UTC of the day before now.
func Yesterday(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day()-1, 0, 0, 0, 0, time.UTC)
}

// ArchiveDay exports matches written during day. An existing object is left
// untouched, so reruns are no-ops.
func (a *Archiver) ArchiveDay(ctx context.Context, day time.Time) (Result, error) {
	start := time.Now()
	day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	res := Result{Key: Key(day)}

	_, err := a.objects.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &a.bucket, Key: &res.Key})
	if err == nil {
		a.log.Info("already archived", zap.String("key", res.Key))
		res.Skipped = true
		return res, nil
	}
	var nf *types.NotFound
	if !errors.As(err, &nf) {
		return res, fmt.Errorf("head %s: %w", res.Key, err)
	}

	var rows []Row
	_, err = a.src.MatchesBetween(ctx, day, day.AddDate(0, 0, 1), func(m store.MatchRow) error {
		rows = append(rows, toRow(m))
		return nil
	})
	if err != nil {
		return res, err
	}
	if len(rows) == 0 {
		a.log.Info("no matches to archive", zap.String("date", day.Format(time.DateOnly)))
		return res, nil
	}

	body, err := Encode(rows)
	if err != nil {
		return res, err
	}
	_, err = a.objects.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &a.bucket,
		Key:         &res.Key,
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"rows": fmt.Sprintf("%d", len(rows)),
			"date": day.Format(time.DateOnly),
		},
	})
	if err != nil {
		return res, fmt.Errorf("upload %s: %w", res.Key, err)
	}

	res.Rows, res.Bytes = len(rows), len(body)
	a.log.Info("archived matches",
		zap.String("key", res.Key),
		zap.Int("rows", res.Rows),
		zap.Float64("size_mb", float64(res.Bytes)/1024/1024),
		zap.Duration("elapsed", time.Since(start)))
	return res, nil
}

// Encode writes rows as a parquet file.
func Encode(rows []Row) ([]byte, error) {
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[Row](&buf)
	if _, err := w.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

func toRow(m store.MatchRow) Row {
	idx := make([]int32, len(m.Indices))
	for i, v := range m.Indices {
		idx[i] = int32(v)
	}
	return Row{
		RecordingID: m.RecordingID,
		EdgeID:      m.EdgeID,
		GPSIndices:  idx,
		PointCount:  int32(len(idx)),
		MatchedAt:   m.MatchedAt.UTC().Format(time.RFC3339),
	}
}
