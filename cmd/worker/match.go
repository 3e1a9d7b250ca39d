package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/portomove/mapmatch/feature"
)

var (
	matchRecordingID int64
	matchPending     bool

	segmentsRecordingID int64
	segmentsFormat      string
	segmentsOutput      string
)

func init() {
	matchCmd.Flags().Int64Var(&matchRecordingID, "recording-id", 0, "recording to match")
	matchCmd.Flags().BoolVar(&matchPending, "pending", false, "match every recording without stored matches")

	segmentsCmd.Flags().Int64Var(&segmentsRecordingID, "recording-id", 0, "recording to reconstruct")
	segmentsCmd.Flags().StringVar(&segmentsFormat, "format", "geojson", "output format: geojson or polyline")
	segmentsCmd.Flags().StringVarP(&segmentsOutput, "output", "o", "", "write to file instead of stdout")
}

var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Match a recording to the road network and store the result",
	Example: `  worker match --recording-id 12
  worker match --pending`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if (matchRecordingID > 0) == matchPending {
			return errors.New("pass exactly one of --recording-id or --pending")
		}
		ctx := cmd.Context()
		svc, err := openServices(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		if matchPending {
			return runMatchPending(ctx, svc)
		}
		a, err := svc.pipe.MatchRecording(ctx, matchRecordingID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "recording %d: %d points matched to %d edges\n",
			matchRecordingID, a.MatchedCount(), len(a))
		return nil
	},
}

var segmentsCmd = &cobra.Command{
	Use:   "segments",
	Short: "Print the matched segments of a recording",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if segmentsRecordingID <= 0 {
			return errors.New("--recording-id is required")
		}
		if segmentsFormat != "geojson" && segmentsFormat != "polyline" {
			return fmt.Errorf("unknown format %q", segmentsFormat)
		}
		ctx := cmd.Context()
		svc, err := openServices(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		if _, err := svc.store.Recording(ctx, segmentsRecordingID); err != nil {
			return err
		}
		segs, err := svc.pipe.Segments(ctx, segmentsRecordingID)
		if err != nil {
			return err
		}

		var out []byte
		if segmentsFormat == "polyline" {
			out, err = json.MarshalIndent(feature.Polylines(segs), "", "  ")
		} else {
			out, err = feature.Marshal(segs)
		}
		if err != nil {
			return err
		}
		return writeOutput(cmd.OutOrStdout(), segmentsOutput, out)
	},
}

func writeOutput(stdout io.Writer, path string, data []byte) error {
	if path == "" {
		_, err := fmt.Fprintln(stdout, string(data))
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
