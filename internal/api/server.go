// Package api exposes the detection pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opsline/anomalyd/internal/detector"
	"github.com/opsline/anomalyd/internal/logger"
	"github.com/opsline/anomalyd/internal/metrics"
	"github.com/opsline/anomalyd/internal/schema"
)

var tracer = otel.Tracer("api")

const (
	defaultAnomalyLimit = 100
	maxAnomalyLimit     = 1000
)

// Deps are the server's collaborators.
type Deps struct {
	Log      *logger.Logger
	Detector *detector.Service
	Hub      *Hub
}

// Config holds the listen address.
type Config struct{ Addr string }

// Server is the HTTP front end.
type Server struct {
	d Deps
	c Config
}

func NewServer(d Deps, c Config) *Server { return &Server{d: d, c: c} }

// Router builds the full route tree. Split out from Run for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { metrics.Handler().ServeHTTP(w, r) })

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleRoot)
		r.Get("/metrics", s.handleMetrics)
		r.Post("/stream/multi-source", s.handleStream)
		r.Get("/anomalies", s.handleAnomalies)
		r.Delete("/anomalies", s.handleClearAnomalies)
		r.Get("/anomalies/live", s.d.Hub.ServeHTTP)
		r.Post("/train", s.handleTrain)
		r.Post("/feedback", s.handleFeedback)
	})
	return r
}

// Run serves until ctx is done, then drains with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.c.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.d.Log.Info().Str("addr", s.c.Addr).Msg("http server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.d.Hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "anomaly detection service is active"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if !s.d.Detector.Healthy() {
		status = "untrained"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "GET /api/v1/metrics")
	defer span.End()
	writeJSON(w, http.StatusOK, s.d.Detector.Metrics())
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "POST /api/v1/stream/multi-source")
	defer span.End()

	var req schema.StreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	span.SetAttributes(attribute.Int("batch_size", len(req.Logs)))

	results, err := s.d.Detector.ProcessBatch(ctx, req.Logs, req.Tags)
	switch {
	case errors.Is(err, detector.ErrNoLogs):
		writeError(w, http.StatusBadRequest, "no logs provided in the request")
		return
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		writeError(w, http.StatusInternalServerError, "request deadline exceeded during stream processing")
		return
	case err != nil:
		s.d.Log.Error().Err(err).Msg("stream processing failed")
		writeError(w, http.StatusInternalServerError, "an internal error occurred during stream processing")
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "GET /api/v1/anomalies")
	defer span.End()

	limit := defaultAnomalyLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxAnomalyLimit {
			writeError(w, http.StatusBadRequest, "limit must be an integer between 1 and 1000")
			return
		}
		limit = n
	}
	recent := s.d.Detector.History().Recent(limit)
	if recent == nil {
		recent = []schema.AnomalyRecord{}
	}
	writeJSON(w, http.StatusOK, recent)
}

func (s *Server) handleClearAnomalies(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "DELETE /api/v1/anomalies")
	defer span.End()
	s.d.Detector.History().Clear()
	writeJSON(w, http.StatusOK, map[string]string{"message": "all anomaly records have been cleared"})
}

func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "POST /api/v1/train")
	defer span.End()

	var req schema.TrainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	jobID, err := s.d.Detector.Train(req.Logs)
	if errors.Is(err, detector.ErrNoLogs) {
		writeError(w, http.StatusBadRequest, "no logs provided for training")
		return
	}
	span.SetAttributes(attribute.String("job_id", jobID))
	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": "model training started in the background",
		"job_id":  jobID,
	})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	_, span := tracer.Start(r.Context(), "POST /api/v1/feedback")
	defer span.End()

	var req schema.FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	n, err := s.d.Detector.Feedback(req.Feedback)
	switch {
	case errors.Is(err, detector.ErrNoLogs):
		writeError(w, http.StatusBadRequest, "no feedback records provided")
		return
	case err != nil:
		s.d.Log.Error().Err(err).Msg("feedback store failed")
		writeError(w, http.StatusInternalServerError, "failed to store feedback")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"message": "feedback received",
		"count":   n,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
