package api

import (
	"encoding/json"
	"errors"
	"extrato-queue/internal/jobs"
	"extrato-queue/internal/models"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// multipartMemory is how much of an upload is buffered in memory before spilling to disk
const multipartMemory = 8 << 20

// SubmitJob handles job submission
func (s *Server) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req models.JobSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, fmt.Errorf("invalid request body: %w", models.ErrInvalidInput))
		return
	}

	job, created, err := s.queue.Submit(r.Context(), requesterFrom(r.Context()), req.Period, req.Customer)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, job.View())
}

// LatestJob returns the requester's newest job, or null
func (s *Server) LatestJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.LatestForRequester(r.Context(), requesterFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if job == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, job.View())
}

// DownloadPDF streams the PDF of a finished job
func (s *Server) DownloadPDF(w http.ResponseWriter, r *http.Request) {
	jobID, err := jobIDParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	art, err := s.queue.FetchArtifact(r.Context(), jobID, requesterFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer art.Body.Close()

	w.Header().Set("Content-Type", art.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", art.FileName))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, art.Body); err != nil {
		s.logger.Warn("pdf download interrupted", "job_id", jobID, "error", err)
	}
}

// GetMetrics returns queue counters to administrators
func (s *Server) GetMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.queue.Metrics(r.Context(), requesterFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

// AgentNext claims the oldest pending job. 204 means the queue is idle.
func (s *Server) AgentNext(w http.ResponseWriter, r *http.Request) {
	job, err := s.agent.ClaimNext(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, job.View())
}

// AgentComplete accepts the generated PDF as the multipart field "pdf"
func (s *Server) AgentComplete(w http.ResponseWriter, r *http.Request) {
	jobID, err := jobIDParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if s.cfg.MaxPDFBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxPDFBytes)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{
				Detail: fmt.Sprintf("pdf exceeds %d bytes", tooLarge.Limit),
			})
			return
		}
		s.writeError(w, r, fmt.Errorf("invalid multipart body: %w", models.ErrInvalidInput))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("pdf")
	if err != nil {
		s.writeError(w, r, fmt.Errorf("missing pdf field: %w", models.ErrInvalidInput))
		return
	}
	defer file.Close()

	job, err := s.agent.ReportSuccess(r.Context(), jobID, jobs.Upload{
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Body:        file,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job.View())
}

// AgentFail records a generation failure. The message comes from the query or form.
func (s *Server) AgentFail(w http.ResponseWriter, r *http.Request) {
	jobID, err := jobIDParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	job, err := s.agent.ReportFailure(r.Context(), jobID, r.FormValue("message"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job.View())
}

func jobIDParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job id %q: %w", raw, models.ErrInvalidInput)
	}
	return id, nil
}
