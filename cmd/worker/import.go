package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/portomove/mapmatch/ingest"
	"github.com/portomove/mapmatch/matching"
	"github.com/portomove/mapmatch/model"
)

var (
	traceName  string
	traceMatch bool

	edgesFormat      string
	edgesBBox        string
	edgesAllHighways bool
)

func init() {
	importTraceCmd.Flags().StringVar(&traceName, "name", "", "recording name (default: file name)")
	importTraceCmd.Flags().BoolVar(&traceMatch, "match", true, "match the recording after import")

	importEdgesCmd.Flags().StringVar(&edgesFormat, "format", "", "osm, pbf or polyline (default: from extension)")
	importEdgesCmd.Flags().StringVar(&edgesBBox, "bbox", "", "keep OSM ways touching minLon,minLat,maxLon,maxLat")
	importEdgesCmd.Flags().BoolVar(&edgesAllHighways, "all-highways", false, "keep non-drivable highway ways")
}

var importTraceCmd = &cobra.Command{
	Use:   "import-trace <file>",
	Short: "Import a GeoJSON or GPX trace as a new recording",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read trace: %w", err)
		}
		pts, err := ingest.ParseTrace(path, data, 0)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		svc, err := openServices(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		name := traceName
		if name == "" {
			base := filepath.Base(path)
			name = strings.TrimSuffix(base, filepath.Ext(base))
		}
		rec, n, err := svc.store.ImportTrace(ctx, name, pts)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "recording %d: imported %d points\n", rec.ID, n)

		if !traceMatch {
			return nil
		}
		a, err := svc.pipe.MatchRecording(ctx, rec.ID)
		if errors.Is(err, matching.ErrEmptyInput) {
			logger.Warn("no road edges near trace", zap.Int64("recording_id", rec.ID))
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "recording %d: %d points matched to %d edges\n", rec.ID, a.MatchedCount(), len(a))
		return nil
	},
}

var importEdgesCmd = &cobra.Command{
	Use:   "import-edges <file|url>",
	Short: "Import road edges from OSM XML, OSM PBF or an encoded polyline list",
	Example: `  worker import-edges porto.osm --bbox -8.70,41.10,-8.55,41.20
  worker import-edges portugal-latest.osm.pbf --bbox -8.70,41.10,-8.55,41.20
  worker import-edges https://example.org/edges.json --format polyline`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src := args[0]
		format, err := edgeFormat(src, edgesFormat)
		if err != nil {
			return err
		}
		opts := ingest.OSMOptions{AllHighways: edgesAllHighways}
		if edgesBBox != "" {
			b, err := parseBBox(edgesBBox)
			if err != nil {
				return err
			}
			opts.Bound = &b
		}

		ctx := cmd.Context()
		var data []byte
		if isURL(src) {
			f := ingest.NewFetcher(time.Duration(cfg.Fetch.TimeoutMS)*time.Millisecond, cfg.Fetch.MaxRetries)
			data, err = f.Get(ctx, src)
		} else {
			data, err = os.ReadFile(src)
		}
		if err != nil {
			return fmt.Errorf("load edges: %w", err)
		}

		var edges []model.RoadEdge
		switch format {
		case "osm":
			edges, err = ingest.ParseEdgesOSM(data, opts)
		case "pbf":
			edges, err = ingest.ParseEdgesPBF(ctx, bytes.NewReader(data), opts)
		default:
			edges, err = ingest.ParseEdgesPolyline(data)
		}
		if err != nil {
			return err
		}

		svc, err := openServices(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		stored, err := svc.store.InsertEdges(ctx, edges)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d edges (ids %d-%d)\n",
			len(stored), stored[0].EdgeID, stored[len(stored)-1].EdgeID)
		return nil
	},
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func edgeFormat(src, flag string) (string, error) {
	if flag != "" {
		switch flag {
		case "osm", "pbf", "polyline":
		default:
			return "", fmt.Errorf("unknown edge format %q", flag)
		}
		return flag, nil
	}
	switch strings.ToLower(filepath.Ext(strings.SplitN(src, "?", 2)[0])) {
	case ".osm", ".xml":
		return "osm", nil
	case ".pbf":
		return "pbf", nil
	case ".json":
		return "polyline", nil
	}
	return "", fmt.Errorf("cannot infer edge format of %q, pass --format", src)
}

func parseBBox(s string) (orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("bbox %q: want minLon,minLat,maxLon,maxLat", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("bbox %q: %w", s, err)
		}
		v[i] = f
	}
	if v[0] > v[2] || v[1] > v[3] {
		return orb.Bound{}, fmt.Errorf("bbox %q: min exceeds max", s)
	}
	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}, nil
}
