package ingest

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portomove/mapmatch/model"
)

func TestParseTraceGeoJSON(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    []int
		wantErr error
	}{
		{
			name: "top-level gps_index",
			data: `{"type":"FeatureCollection","features":[
				{"type":"Feature","geometry":{"type":"Point","coordinates":[-8.61,41.14]},"properties":{"gps_index":4}},
				{"type":"Feature","geometry":{"type":"Point","coordinates":[-8.62,41.15]},"properties":{"gps_index":2}}]}`,
			want: []int{4, 2},
		},
		{
			name: "nested properties",
			data: `{"type":"FeatureCollection","features":[
				{"type":"Feature","geometry":{"type":"Point","coordinates":[1,2]},"properties":{"properties":{"gps_index":11}}}]}`,
			want: []int{11},
		},
		{
			name: "feature order when unindexed",
			data: `{"type":"FeatureCollection","features":[
				{"type":"Feature","geometry":{"type":"Point","coordinates":[1,2]},"properties":{}},
				{"type":"Feature","geometry":{"type":"Point","coordinates":[1,3]},"properties":null}]}`,
			want: []int{0, 1},
		},
		{
			name: "mixed indexing",
			data: `{"type":"FeatureCollection","features":[
				{"type":"Feature","geometry":{"type":"Point","coordinates":[1,2]},"properties":{"gps_index":0}},
				{"type":"Feature","geometry":{"type":"Point","coordinates":[1,3]},"properties":{}}]}`,
			wantErr: ErrMixedIndexing,
		},
		{
			name: "duplicate gps_index",
			data: `{"type":"FeatureCollection","features":[
				{"type":"Feature","geometry":{"type":"Point","coordinates":[-8.61,41.14]},"properties":{"gps_index":3}},
				{"type":"Feature","geometry":{"type":"Point","coordinates":[-8.62,41.15]},"properties":{"gps_index":3}}]}`,
			wantErr: ErrDuplicateIndex,
		},
		{
			name: "latitude beyond mercator limit",
			data: `{"type":"FeatureCollection","features":[
				{"type":"Feature","geometry":{"type":"Point","coordinates":[-8.61,89.9]},"properties":{"gps_index":0}}]}`,
			wantErr: ErrInvalidPoint,
		},
		{
			name: "gps_index wider than int32",
			data: `{"type":"FeatureCollection","features":[
				{"type":"Feature","geometry":{"type":"Point","coordinates":[-8.61,41.14]},"properties":{"gps_index":4294967299}}]}`,
			wantErr: ErrIndexRange,
		},
		{
			name: "negative gps_index",
			data: `{"type":"FeatureCollection","features":[
				{"type":"Feature","geometry":{"type":"Point","coordinates":[-8.61,41.14]},"properties":{"gps_index":-1}}]}`,
			wantErr: ErrIndexRange,
		},
		{
			name:    "empty collection",
			data:    `{"type":"FeatureCollection","features":[]}`,
			wantErr: ErrNoPoints,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pts, err := ParseTraceGeoJSON([]byte(tt.data), 5)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			var got []int
			for _, p := range pts {
				assert.Equal(t, int64(5), p.RecordingID)
				assert.Equal(t, model.SRIDWGS84, p.SRID)
				got = append(got, p.Index)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseTraceGeoJSONRejectsLines(t *testing.T) {
	data := `{"type":"FeatureCollection","features":[
		{"type":"Feature","geometry":{"type":"LineString","coordinates":[[1,2],[3,4]]},"properties":{}}]}`
	_, err := ParseTraceGeoJSON([]byte(data), 1)
	assert.ErrorContains(t, err, "expected Point")
}

const sampleGPX = `<?xml version="1.0" encoding="UTF-8"?>
<gpx version="1.1" creator="test" xmlns="http://www.topografix.com/GPX/1/1">
  <trk><name>ride</name>
    <trkseg>
      <trkpt lat="41.1496" lon="-8.6110"></trkpt>
      <trkpt lat="41.1497" lon="-8.6111"></trkpt>
    </trkseg>
    <trkseg>
      <trkpt lat="41.1498" lon="-8.6112"></trkpt>
    </trkseg>
  </trk>
</gpx>`

func TestParseTraceGPX(t *testing.T) {
	pts, err := ParseTrace("ride.GPX", []byte(sampleGPX), 3)
	require.NoError(t, err)
	require.Len(t, pts, 3)
	for i, p := range pts {
		assert.Equal(t, i, p.Index)
	}
	assert.Equal(t, orb.Point{-8.6112, 41.1498}, pts[2].Geom)
}

func TestParseTraceUnknownFormat(t *testing.T) {
	_, err := ParseTrace("ride.kml", nil, 1)
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestBound(t *testing.T) {
	b := Bound([]model.TracePoint{{Geom: orb.Point{1, 5}}, {Geom: orb.Point{-2, 3}}})
	assert.Equal(t, orb.Point{-2, 3}, b.Min)
	assert.Equal(t, orb.Point{1, 5}, b.Max)
}

const sampleOSM = `<?xml version="1.0" encoding="UTF-8"?>
<osm version="0.6" generator="test">
  <node id="1" lat="41.0" lon="-8.0"/>
  <node id="2" lat="41.001" lon="-8.0"/>
  <node id="3" lat="41.002" lon="-8.001"/>
  <node id="4" lat="45.0" lon="2.0"/>
  <node id="5" lat="45.001" lon="2.0"/>
  <way id="100">
    <nd ref="1"/><nd ref="2"/><nd ref="3"/>
    <tag k="highway" v="residential"/>
  </way>
  <way id="200">
    <nd ref="1"/><nd ref="3"/>
    <tag k="highway" v="footway"/>
  </way>
  <way id="300">
    <nd ref="4"/><nd ref="5"/>
    <tag k="highway" v="primary"/>
  </way>
  <way id="400">
    <nd ref="2"/><nd ref="3"/>
    <tag k="building" v="yes"/>
  </way>
</osm>`

func TestParseEdgesOSM(t *testing.T) {
	edges, err := ParseEdgesOSM([]byte(sampleOSM), OSMOptions{})
	require.NoError(t, err)
	require.Len(t, edges, 2)
	assert.Equal(t, int64(100), edges[0].SourceID)
	assert.Equal(t, int64(1), edges[0].EdgeID)
	assert.Equal(t, orb.LineString{{-8.0, 41.0}, {-8.0, 41.001}, {-8.001, 41.002}}, edges[0].Geom)
	assert.Equal(t, int64(300), edges[1].SourceID)
}

func TestParseEdgesOSMFilters(t *testing.T) {
	b := orb.Bound{Min: orb.Point{-8.1, 40.9}, Max: orb.Point{-7.9, 41.1}}
	edges, err := ParseEdgesOSM([]byte(sampleOSM), OSMOptions{Bound: &b, AllHighways: true})
	require.NoError(t, err)
	var ids []int64
	for _, e := range edges {
		ids = append(ids, e.SourceID)
	}
	assert.Equal(t, []int64{100, 200}, ids)

	far := orb.Bound{Min: orb.Point{100, 10}, Max: orb.Point{101, 11}}
	_, err = ParseEdgesOSM([]byte(sampleOSM), OSMOptions{Bound: &far})
	assert.ErrorIs(t, err, ErrNoEdges)
}

func TestParseEdgesPolyline(t *testing.T) {
	data := `[{"source_id": 77, "polyline": "_p~iF~ps|U_ulLnnqC_mqNvxq` + "`" + `@"}]`
	edges, err := ParseEdgesPolyline([]byte(data))
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, int64(77), edges[0].SourceID)
	require.Len(t, edges[0].Geom, 3)
	assert.InDelta(t, -120.2, edges[0].Geom[0][0], 1e-9)
	assert.InDelta(t, 38.5, edges[0].Geom[0][1], 1e-9)
}

func TestFetcherRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := NewFetcher(time.Second, 3)
	var slept []time.Duration
	f.wait = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	body, err := f.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, slept)
}

func TestFetcherClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFetcher(time.Second, 3)
	f.wait = func(context.Context, time.Duration) error { return nil }
	_, err := f.Get(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, errors.Is(err, context.Canceled))
}

func TestFetcherBackoffHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		cancel()
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewFetcher(time.Second, 5)
	start := time.Now()
	_, err := f.Get(ctx, srv.URL)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSleepCtx(t *testing.T) {
	assert.NoError(t, sleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
}

func TestParseEdgesPBFRejectsGarbage(t *testing.T) {
	data := []byte{0xff, 0xff, 0xff, 0xff, 'n', 'o', 't', ' ', 'p', 'b', 'f'}
	_, err := ParseEdgesPBF(context.Background(), bytes.NewReader(data), OSMOptions{})
	require.Error(t, err)
	assert.ErrorContains(t, err, "parse osm pbf")
}

func TestParseEdgesPBFEmpty(t *testing.T) {
	_, err := ParseEdgesPBF(context.Background(), bytes.NewReader(nil), OSMOptions{})
	assert.Error(t, err)
}
