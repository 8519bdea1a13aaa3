package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"segment-coordinator/internal/coordinator"
	"segment-coordinator/internal/telemetry"
)

type createJobRequest struct {
	ID string `json:"job"`
	coordinator.JobDefinition
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func int64Param(w http.ResponseWriter, raw, name string) (int64, bool) {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return v, true
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.svc.ListJobs(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !decode(w, r, &req) {
		return
	}
	job, err := s.svc.CreateJob(r.Context(), req.ID, req.JobDefinition)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.GetJob(r.Context(), chi.URLParam(r, "job"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job")
	var def coordinator.JobDefinition
	if !decode(w, r, &def) {
		return
	}
	job, err := s.svc.UpdateJob(r.Context(), jobID, def)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.invalidate(r.Context(), jobID)
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job")
	if err := s.svc.DeleteJob(r.Context(), jobID); err != nil {
		s.fail(w, r, err)
		return
	}
	s.invalidate(r.Context(), jobID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleIssueTicket(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.IssueTicket(r.Context(), chi.URLParam(r, "job"), clientAddress(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleSubmitTicket(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job")
	var in coordinator.TicketSubmission
	if !decode(w, r, &in) {
		return
	}
	sub, err := s.svc.SubmitTicket(r.Context(), jobID, in, clientAddress(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.invalidate(r.Context(), jobID)
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleAddSubmission(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job")
	var in coordinator.DirectSubmission
	if !decode(w, r, &in) {
		return
	}
	sub, err := s.svc.AddSubmission(r.Context(), jobID, in, clientAddress(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.invalidate(r.Context(), jobID)
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	var seedIndex int64
	if raw := r.URL.Query().Get("seedindex"); raw != "" {
		var ok bool
		if seedIndex, ok = int64Param(w, raw, "seedindex"); !ok {
			return
		}
	}
	subs, err := s.svc.ListSubmissions(r.Context(), chi.URLParam(r, "job"), seedIndex)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(w, chi.URLParam(r, "id"), "submission id")
	if !ok {
		return
	}
	sub, err := s.svc.GetSubmission(r.Context(), chi.URLParam(r, "job"), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleUpdateSubmission(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job")
	id, ok := int64Param(w, chi.URLParam(r, "id"), "submission id")
	if !ok {
		return
	}
	var upd coordinator.SubmissionUpdate
	if !decode(w, r, &upd) {
		return
	}
	sub, err := s.svc.UpdateSubmission(r.Context(), jobID, id, upd)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.invalidate(r.Context(), jobID)
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleResultsByLength(w http.ResponseWriter, r *http.Request) {
	length, ok := int64Param(w, chi.URLParam(r, "length"), "length")
	if !ok {
		return
	}
	series, err := s.svc.ResultsByLength(r.Context(), chi.URLParam(r, "job"), int(length))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, series)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job")
	if s.cache != nil {
		sum, hit, err := s.cache.Get(r.Context(), jobID)
		if err != nil {
			s.log.WithError(err).WithField("job", jobID).Warn("summary cache read failed")
		}
		if hit {
			telemetry.SummaryCacheHits.Inc()
			writeJSON(w, http.StatusOK, sum)
			return
		}
	}
	var (
		gen    int64
		genErr error
	)
	if s.cache != nil {
		gen, genErr = s.cache.Generation(r.Context(), jobID)
		if genErr != nil {
			s.log.WithError(genErr).WithField("job", jobID).Warn("summary cache read failed")
		}
	}
	sum, err := s.svc.Summary(r.Context(), jobID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if s.cache != nil && genErr == nil {
		stored, err := s.cache.Set(r.Context(), jobID, gen, sum)
		if err != nil {
			s.log.WithError(err).WithField("job", jobID).Warn("summary cache write failed")
		} else if !stored {
			s.log.WithField("job", jobID).Debug("summary changed while computing; not cached")
		}
	}
	writeJSON(w, http.StatusOK, sum)
}

// invalidate drops the cached summary after a write that may change it.
func (s *Server) invalidate(ctx context.Context, jobID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, jobID); err != nil {
		s.log.WithError(err).WithField("job", jobID).Warn("summary cache invalidation failed")
	}
}
