// Package api serves trace uploads and matched lines over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/portomove/mapmatch/feature"
	"github.com/portomove/mapmatch/ingest"
	"github.com/portomove/mapmatch/matching"
	"github.com/portomove/mapmatch/model"
	"github.com/portomove/mapmatch/segments"
	"github.com/portomove/mapmatch/store"
)

// Recordings stores uploaded traces. ImportTrace creates the recording and
// its points atomically.
type Recordings interface {
	ImportTrace(ctx context.Context, name string, pts []model.TracePoint) (model.Recording, int64, error)
	Recording(ctx context.Context, id int64) (model.Recording, error)
}

// Matcher runs the engines for a stored recording.
type Matcher interface {
	MatchRecording(ctx context.Context, recordingID int64) (model.Assignment, error)
	Segments(ctx context.Context, recordingID int64) ([]model.MatchedSegment, error)
}

// Server holds the handler dependencies.
type Server struct {
	recordings Recordings
	matcher    Matcher
	maxUpload  int64
	log        *zap.Logger
}

// New returns a Server. maxUploadBytes caps the multipart body.
func New(recordings Recordings, matcher Matcher, maxUploadBytes int64, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{recordings: recordings, matcher: matcher, maxUpload: maxUploadBytes, log: log.Named("api")}
}

// Routes builds the router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/upload/", s.upload)
	r.Get("/matched-lines/{recording_id}", s.matchedLines)
	return r
}

// RequestIDHeader carries the per-request id.
const RequestIDHeader = "X-Request-ID"

type ctxKey struct{}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

// RequestID returns the id assigned to the request, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)))
	})
}

// UploadResponse is returned by POST /upload/.
type UploadResponse struct {
	RecordingID   int64  `json:"recording_id"`
	Points        int64  `json:"points"`
	MatchedEdges  int    `json:"matched_edges"`
	MatchedPoints int    `json:"matched_points"`
	Warning       string `json:"warning,omitempty"`
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("file field: %w", err))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("read upload: %w", err))
		return
	}

	pts, err := ingest.ParseTrace(header.Filename, data, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		name = strings.TrimSuffix(header.Filename, filepath.Ext(header.Filename))
	}
	ctx := r.Context()
	rec, n, err := s.recordings.ImportTrace(ctx, name, pts)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	resp := UploadResponse{RecordingID: rec.ID, Points: n}
	a, err := s.matcher.MatchRecording(ctx, rec.ID)
	switch {
	case errors.Is(err, matching.ErrEmptyInput):
		resp.Warning = "no road edges near trace"
	case err != nil:
		s.fail(w, r, err)
		return
	default:
		resp.MatchedEdges = len(a)
		resp.MatchedPoints = a.MatchedCount()
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) matchedLines(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "recording_id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("recording_id must be a positive integer"))
		return
	}
	ctx := r.Context()
	if _, err := s.recordings.Recording(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		s.fail(w, r, err)
		return
	}

	segs, err := s.matcher.Segments(ctx, id)
	if err != nil {
		var inconsistent *segments.InconsistentIndexError
		var missing *segments.MissingPointError
		if errors.As(err, &inconsistent) || errors.As(err, &missing) {
			writeError(w, http.StatusConflict, err)
			return
		}
		s.fail(w, r, err)
		return
	}

	switch r.URL.Query().Get("format") {
	case "", "geojson":
		body, err := feature.Marshal(segs)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	case "polyline":
		writeJSON(w, http.StatusOK, feature.Polylines(segs))
	default:
		writeError(w, http.StatusBadRequest, errors.New("format must be geojson or polyline"))
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error("request failed",
		zap.String("request_id", RequestID(r.Context())),
		zap.String("path", r.URL.Path),
		zap.Error(err))
	writeError(w, http.StatusInternalServerError, errors.New("internal error"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
