package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/media_relay/internal/job"
	"github.com/italolelis/media_relay/internal/logctx"
	"github.com/italolelis/media_relay/internal/orchestrator"
	"github.com/italolelis/media_relay/internal/quota"
	"github.com/italolelis/media_relay/internal/storage"
	"golang.org/x/crypto/bcrypt"
)

const (
	maxRequestBody   = 64 * 1024
	subscriberBuffer = 32
)

// JobService is the orchestrator surface exposed over HTTP.
type JobService interface {
	Submit(ctx context.Context, req job.FetchRequest) (string, error)
	Cancel(jobID string) error
	Status(ctx context.Context, jobID string) (job.Status, error)
	Subscribe(buffer int) (<-chan job.Status, func())
}

type SubmitResponse struct {
	JobID string `json:"job_id"`
}

type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type PlanRequest struct {
	Tier string `json:"tier"`
}

type JobsHandler struct {
	username     string
	passwordHash []byte
	jobs         JobService
	plans        storage.PlanRepository
	tiers        quota.PlanTable
}

// NewJobsHandler creates the jobs API. An empty username disables basic
// auth; plans may be nil to disable plan assignment. Only tiers present in
// tiers can be assigned.
func NewJobsHandler(username, passwordHash string, jobs JobService, plans storage.PlanRepository, tiers quota.PlanTable) *JobsHandler {
	return &JobsHandler{
		username:     username,
		passwordHash: []byte(passwordHash),
		jobs:         jobs,
		plans:        plans,
		tiers:        tiers,
	}
}

func (h *JobsHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.basicAuthMiddleware)

	r.Post("/jobs", h.HandleSubmit)
	r.Get("/jobs/{jobID}", h.HandleStatus)
	r.Delete("/jobs/{jobID}", h.HandleCancel)
	r.Get("/jobs/{jobID}/events", h.HandleEvents)

	if h.plans != nil {
		r.Put("/users/{userID}/plan", h.HandleSetPlan)
	}

	return r
}

// HandleSubmit admits a fetch request.
func (h *JobsHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req job.FetchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "")

		return
	}

	if req.RequestID == "" {
		req.RequestID = logctx.RequestID(r.Context())
	}

	id, err := h.jobs.Submit(r.Context(), req)
	if err != nil {
		var admErr *quota.AdmissionError

		switch {
		case errors.As(err, &admErr):
			status := http.StatusUnprocessableEntity
			if admErr.Reason == quota.ReasonRateLimited {
				status = http.StatusTooManyRequests
			}

			logger.InfoContext(r.Context(), "request rejected", "user_id", req.UserID, "reason", admErr.Reason)
			writeError(w, status, admErr.Error(), string(admErr.Reason))
		case errors.Is(err, orchestrator.ErrInvalidRequest):
			writeError(w, http.StatusBadRequest, err.Error(), "")
		default:
			logger.ErrorContext(r.Context(), "failed to submit job", "user_id", req.UserID, "err", err)
			writeError(w, http.StatusInternalServerError, "failed to submit job", "")
		}

		return
	}

	writeJSON(w, http.StatusAccepted, SubmitResponse{JobID: id})
}

func (h *JobsHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.jobs.Status(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		h.writeLookupError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, st)
}

func (h *JobsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if err := h.jobs.Cancel(chi.URLParam(r, "jobID")); err != nil {
		h.writeLookupError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// HandleEvents streams status changes of one job as Server-Sent Events until
// the job is terminal or the client goes away.
func (h *JobsHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "")

		return
	}

	// Subscribe before reading the current status so no change is missed.
	events, unsubscribe := h.jobs.Subscribe(subscriberBuffer)
	defer unsubscribe()

	st, err := h.jobs.Status(r.Context(), jobID)
	if err != nil {
		h.writeLookupError(w, r, err)

		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, st); err != nil {
		return
	}

	flusher.Flush()

	for !st.Terminal() {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}

			if ev.JobID != jobID {
				continue
			}

			st = ev

			if err := writeEvent(w, st); err != nil {
				return
			}

			flusher.Flush()
		}
	}
}

func (h *JobsHandler) HandleSetPlan(w http.ResponseWriter, r *http.Request) {
	var req PlanRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil || req.Tier == "" {
		writeError(w, http.StatusBadRequest, "invalid request body", "")

		return
	}

	tier := quota.ParseTier(req.Tier)
	if _, ok := h.tiers[tier]; !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown tier %q", req.Tier), "")

		return
	}

	userID := chi.URLParam(r, "userID")

	if err := h.plans.SetPlan(r.Context(), userID, tier); err != nil {
		logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "failed to set plan", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to set plan", "")

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *JobsHandler) writeLookupError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, orchestrator.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found", "")

		return
	}

	logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "failed to look up job", "err", err)
	writeError(w, http.StatusInternalServerError, "failed to look up job", "")
}

func (h *JobsHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.username == "" {
			next.ServeHTTP(w, r)

			return
		}

		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="media_relay"`)
			writeError(w, http.StatusUnauthorized, "invalid authorization format", "")

			return
		}

		if username != h.username || bcrypt.CompareHashAndPassword(h.passwordHash, []byte(password)) != nil {
			writeError(w, http.StatusUnauthorized, "invalid username or password", "")

			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeEvent(w http.ResponseWriter, st job.Status) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "event: status\ndata: %s\n\n", payload)

	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, reason string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Reason: reason})
}
