// Package server exposes the forwarder over HTTP: producers
// post notifications, operators read counters and metrics.
package server

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/vivangkumar/forward/pkg/forwarder"
)

// maxBodySize bounds an ingest request body.
const maxBodySize = 64 << 10

type notificationForwarder interface {
	SendNotification(subjectKey, value, username, token string, history forwarder.History) error
	Stats() forwarder.Stats
	MetricsRegistry() *prometheus.Registry
}

// HistoryFunc returns the History for a subject. It may return nil.
type HistoryFunc func(subject string) forwarder.History

// NotificationRequest is the body of POST /v1/notifications.
type NotificationRequest struct {
	SubjectKey string `json:"subjectKey" validate:"required,max=1024"`
	Value      string `json:"value" validate:"required"`
	Username   string `json:"username"`

	// Token defaults to the Authorization header.
	Token string `json:"token"`
}

// Server routes HTTP requests to a forwarder.
type Server struct {
	f         notificationForwarder
	history   HistoryFunc
	validator *validator.Validate
	logger    *logrus.Logger
}

// New constructs a Server. history may be nil.
func New(f notificationForwarder, history HistoryFunc, logger *logrus.Logger) *Server {
	if history == nil {
		history = func(string) forwarder.History { return nil }
	}

	return &Server{
		f:         f,
		history:   history,
		validator: validator.New(),
		logger:    logger,
	}
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		text(w, http.StatusOK, "ok")
	})

	if reg := s.f.MetricsRegistry(); reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/notifications", s.postNotification)
		r.Get("/stats", s.getStats)
	})

	return r
}

// postNotification handles POST /v1/notifications.
func (s *Server) postNotification(w http.ResponseWriter, r *http.Request) {
	var req NotificationRequest

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(&req); err != nil {
		errorJSON(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.validator.Struct(req); err != nil {
		validationError(w, err)
		return
	}

	if req.Token == "" {
		req.Token = r.Header.Get("Authorization")
	}

	err := s.f.SendNotification(req.SubjectKey, req.Value, req.Username, req.Token, s.history(req.SubjectKey))

	var qfe *forwarder.QueueFullError
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "enqueued"})
	case errors.As(err, &qfe):
		secs := int(math.Ceil(qfe.RetryAfter().Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		errorJSON(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, forwarder.ErrDisabled), errors.Is(err, forwarder.ErrDisposed):
		errorJSON(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.WithError(err).Error("failed to enqueue notification")
		errorJSON(w, http.StatusInternalServerError, "internal error")
	}
}

// getStats handles GET /v1/stats.
func (s *Server) getStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.f.Stats())
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.WithFields(logrus.Fields{
			"request_id":  middleware.GetReqID(r.Context()),
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("http request")
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logrus.WithError(err).Error("failed to encode response")
	}
}

func text(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func errorJSON(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"message": message},
	})
}

func validationError(w http.ResponseWriter, err error) {
	var details any = err.Error()

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]map[string]string, 0, len(verrs))
		for _, e := range verrs {
			fields = append(fields, map[string]string{
				"field":   e.Field(),
				"message": e.Tag(),
			})
		}
		details = fields
	}

	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error": map[string]any{
			"message": "validation error",
			"details": details,
		},
	})
}
