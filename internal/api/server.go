package api

import (
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"segment-coordinator/internal/cache"
	"segment-coordinator/internal/config"
	"segment-coordinator/internal/coordinator"
	"segment-coordinator/internal/ratelimit"
	"segment-coordinator/internal/telemetry"
)

const requestIDHeader = "X-Request-ID"

// Server wires HTTP handlers for the coordinator API.
type Server struct {
	cfg     config.Config
	svc     *coordinator.Service
	limiter *ratelimit.TokenBucket
	cache   *cache.SummaryCache
	log     logrus.FieldLogger
}

// New constructs the API server. limiter and summaries may be nil, which
// disables rate limiting and summary caching respectively.
func New(cfg config.Config, svc *coordinator.Service, limiter *ratelimit.TokenBucket, summaries *cache.SummaryCache, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		cfg:     cfg,
		svc:     svc,
		limiter: limiter,
		cache:   summaries,
		log:     log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.With(s.adminOnly).Post("/", s.handleCreateJob)

		r.Route("/{job}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Get("/summary", s.handleSummary)
			r.With(s.rateLimited).Post("/job-tickets", s.handleIssueTicket)
			r.Put("/job-tickets", s.handleSubmitTicket)

			r.Group(func(r chi.Router) {
				r.Use(s.adminOnly)
				r.Patch("/", s.handleUpdateJob)
				r.Delete("/", s.handleDeleteJob)
				r.Get("/submissions", s.handleListSubmissions)
				r.Get("/submissions/{id}", s.handleGetSubmission)
				r.Patch("/submissions/{id}", s.handleUpdateSubmission)
				r.Post("/submission", s.handleAddSubmission)
				r.Get("/results/{length}", s.handleResultsByLength)
			})
		})
	})
	return r
}

// requestLogger tags each request with an id and logs its outcome.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.WithFields(logrus.Fields{
			"request_id": id,
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
			"remote":     clientAddress(r),
		}).Debug("http request")
	})
}

// adminOnly admits requests carrying the configured API key. With no key
// configured every privileged request is refused.
func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("x-api-key")
		if key == "" {
			key = r.URL.Query().Get("api-key")
		}
		if s.cfg.APIKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimited spends one token per request from the caller's bucket.
func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		allowed, _, err := s.limiter.Allow(r.Context(), clientAddress(r))
		if err != nil {
			s.log.WithError(err).Error("rate limiter unavailable")
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientAddress is the caller's IP, without port when one is present.
func clientAddress(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

// fail maps a coordinator error onto its HTTP status.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var code int
	switch coordinator.KindOf(err) {
	case coordinator.KindNotFound:
		code = http.StatusNotFound
	case coordinator.KindConflict:
		code = http.StatusConflict
	case coordinator.KindValidation:
		code = http.StatusBadRequest
	default:
		s.log.WithError(err).WithFields(logrus.Fields{
			"request_id": w.Header().Get(requestIDHeader),
			"path":       r.URL.Path,
		}).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, code, errorResponse{Error: err.Error(), Reason: coordinator.ReasonOf(err)})
}
