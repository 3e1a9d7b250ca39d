package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portomove/mapmatch/config"
	"github.com/portomove/mapmatch/model"
	"github.com/portomove/mapmatch/store"
)

type fakeObjects struct {
	existing map[string]bool
	headErr  error
	puts     map[string][]byte
	meta     map[string]map[string]string
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{existing: map[string]bool{}, puts: map[string][]byte{}, meta: map[string]map[string]string{}}
}

func (f *fakeObjects) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	if f.existing[*in.Key] {
		return &s3.HeadObjectOutput{}, nil
	}
	return nil, &types.NotFound{}
}

func (f *fakeObjects) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.puts[*in.Key] = b
	f.meta[*in.Key] = in.Metadata
	f.existing[*in.Key] = true
	return &s3.PutObjectOutput{}, nil
}

type fakeSource struct {
	rows     []store.MatchRow
	from, to time.Time
}

func (f *fakeSource) MatchesBetween(_ context.Context, from, to time.Time, fn func(store.MatchRow) error) (int, error) {
	f.from, f.to = from, to
	for _, r := range f.rows {
		if err := fn(r); err != nil {
			return 0, err
		}
	}
	return len(f.rows), nil
}

var day = time.Date(2026, 5, 3, 0, 0, 0, 0, time.UTC)

func sampleRows() []store.MatchRow {
	at := day.Add(5 * time.Hour)
	return []store.MatchRow{
		{EdgeMatch: model.EdgeMatch{RecordingID: 1, EdgeID: 10, Indices: []int{0, 1, 2}}, MatchedAt: at},
		{EdgeMatch: model.EdgeMatch{RecordingID: 1, EdgeID: 12, Indices: []int{5}}, MatchedAt: at},
	}
}

func TestKey(t *testing.T) {
	assert.Equal(t, "matches/2026/05/03.parquet", Key(day))
	assert.Equal(t, day, Yesterday(day.Add(30*time.Hour)))
}

func TestArchiveDayWritesParquet(t *testing.T) {
	objs := newFakeObjects()
	src := &fakeSource{rows: sampleRows()}
	a := New(objs, "porto-move", src, nil)

	res, err := a.ArchiveDay(context.Background(), day.Add(13*time.Hour))
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 2, res.Rows)
	assert.Equal(t, day, src.from)
	assert.Equal(t, day.AddDate(0, 0, 1), src.to)

	body := objs.puts[res.Key]
	require.NotEmpty(t, body)
	assert.Equal(t, map[string]string{"rows": "2", "date": "2026-05-03"}, objs.meta[res.Key])

	got, err := parquet.Read[Row](bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []int32{0, 1, 2}, got[0].GPSIndices)
	assert.Equal(t, int32(3), got[0].PointCount)
	assert.Equal(t, int64(12), got[1].EdgeID)
	assert.Equal(t, "2026-05-03T05:00:00Z", got[1].MatchedAt)
}

func TestArchiveDayIdempotent(t *testing.T) {
	objs := newFakeObjects()
	objs.existing[Key(day)] = true
	a := New(objs, "b", &fakeSource{rows: sampleRows()}, nil)

	res, err := a.ArchiveDay(context.Background(), day)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, objs.puts)
}

func TestArchiveDayNoRows(t *testing.T) {
	objs := newFakeObjects()
	res, err := New(objs, "b", &fakeSource{}, nil).ArchiveDay(context.Background(), day)
	require.NoError(t, err)
	assert.Zero(t, res.Rows)
	assert.Empty(t, objs.puts)
}

func TestArchiveDayHeadError(t *testing.T) {
	objs := newFakeObjects()
	objs.headErr = errors.New("forbidden")
	_, err := New(objs, "b", &fakeSource{}, nil).ArchiveDay(context.Background(), day)
	assert.ErrorContains(t, err, "forbidden")
}

func TestNewClient(t *testing.T) {
	assert.Nil(t, NewClient(config.ArchiveConfig{Bucket: "b"}))
	c := NewClient(config.ArchiveConfig{
		Endpoint: "https://example.r2.cloudflarestorage.com", AccessKeyID: "k", SecretAccessKey: "s",
		Bucket: "b", Region: "auto",
	})
	assert.NotNil(t, c)
}
