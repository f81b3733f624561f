// Package api exposes the admission gate over HTTP: job submission,
// status, cancellation, queue stats and the service health endpoint.
package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/rudderlabs/rudder-go-kit/config"
	kithttputil "github.com/rudderlabs/rudder-go-kit/httputil"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"

	"github.com/jobgate/jobgate/health"
	"github.com/jobgate/jobgate/jsonrs"
	"github.com/jobgate/jobgate/model"
	"github.com/jobgate/jobgate/repo"
)

type admitter interface {
	Admit(ctx context.Context, req model.AdmissionRequest) (*model.Accepted, error)
	Status(ctx context.Context, jobID uuid.UUID) (*model.JobStatusView, error)
	Cancel(ctx context.Context, jobID uuid.UUID) error
}

type statsSource interface {
	Snapshot(ctx context.Context) (health.SystemStats, error)
}

type submitJobRequest struct {
	OwnerID                  string         `json:"owner_id"`
	JobType                  string         `json:"job_type"`
	Params                   map[string]any `json:"params"`
	Priority                 int            `json:"priority"`
	QueueClass               string         `json:"queue_class"`
	TenantTier               string         `json:"tenant_tier"`
	EstimatedDurationSeconds float64        `json:"estimated_duration_seconds"`
	IdempotencyKey           string         `json:"idempotency_key"`
	MaxRetries               int            `json:"max_retries"`
}

type errorResponse struct {
	Error             string             `json:"error"`
	Reason            model.RejectReason `json:"reason,omitempty"`
	RetryAfterSeconds int                `json:"retry_after_seconds,omitempty"`
	CurrentDepth      int                `json:"current_depth,omitempty"`
	MaxDepth          int                `json:"max_depth,omitempty"`
}

type Api struct {
	logger       logger.Logger
	statsFactory stats.Stats
	db           *sql.DB
	admission    admitter
	health       statsSource

	config struct {
		webPort             int
		readerHeaderTimeout time.Duration
		healthTimeout       time.Duration
	}

	stats struct {
		requests map[string]stats.Measurement
	}
}

func NewApi(
	conf *config.Config,
	log logger.Logger,
	statsFactory stats.Stats,
	db *sql.DB,
	admission admitter,
	healthSource statsSource,
) *Api {
	a := &Api{
		logger:       log.Child("api"),
		statsFactory: statsFactory,
		db:           db,
		admission:    admission,
		health:       healthSource,
	}
	a.config.webPort = conf.GetInt("HTTP.webPort", 8080)
	a.config.readerHeaderTimeout = conf.GetDuration("HTTP.readerHeaderTimeout", 3, time.Second)
	a.config.healthTimeout = conf.GetDuration("HTTP.healthTimeout", 10, time.Second)

	a.stats.requests = make(map[string]stats.Measurement)
	for _, endpoint := range []string{"submit", "status", "cancel", "stats", "health"} {
		a.stats.requests[endpoint] = statsFactory.NewTaggedStat("jobgate_http_requests", stats.CountType, stats.Tags{
			"endpoint": endpoint,
		})
	}
	return a
}

func (a *Api) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.config.webPort),
		Handler:           a.Handler(),
		ReadHeaderTimeout: a.config.readerHeaderTimeout,
	}
	a.logger.Infof("starting http server on %d", a.config.webPort)
	return kithttputil.ListenAndServe(ctx, srv)
}

func (a *Api) Handler() http.Handler {
	srvMux := chi.NewRouter()
	srvMux.Post("/v1/jobs", a.submitJobHandler)
	srvMux.Get("/v1/jobs/{jobID}", a.jobStatusHandler)
	srvMux.Post("/v1/jobs/{jobID}/cancel", a.cancelJobHandler)
	srvMux.Get("/v1/stats", a.statsHandler)
	srvMux.Get("/health", a.healthHandler)
	return srvMux
}

func (a *Api) submitJobHandler(w http.ResponseWriter, r *http.Request) {
	a.stats.requests["submit"].Increment()

	var payload submitJobRequest
	if err := jsonrs.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	if payload.OwnerID == "" || payload.JobType == "" {
		writeError(w, http.StatusBadRequest, errorResponse{Error: "owner_id and job_type are required"})
		return
	}
	if payload.Priority == 0 {
		payload.Priority = model.PriorityNormal
	}
	tier, ok := model.ParseTenantTier(payload.TenantTier)
	if !ok {
		a.logger.Warnf("unknown tenant tier %q for owner %s, treating as free", payload.TenantTier, payload.OwnerID)
	}

	accepted, err := a.admission.Admit(r.Context(), model.AdmissionRequest{
		OwnerID:           payload.OwnerID,
		JobType:           payload.JobType,
		Params:            payload.Params,
		Priority:          payload.Priority,
		QueueClass:        model.QueueClass(payload.QueueClass),
		TenantTier:        tier,
		EstimatedDuration: time.Duration(payload.EstimatedDurationSeconds * float64(time.Second)),
		IdempotencyKey:    payload.IdempotencyKey,
		MaxRetries:        payload.MaxRetries,
	})
	if err != nil {
		a.writeAdmissionError(w, err)
		return
	}

	status := http.StatusAccepted
	if accepted.Existing {
		status = http.StatusOK
	}
	writeJSON(w, status, accepted)
}

func (a *Api) jobStatusHandler(w http.ResponseWriter, r *http.Request) {
	a.stats.requests["status"].Increment()

	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errorResponse{Error: "invalid job id"})
		return
	}

	view, err := a.admission.Status(r.Context(), jobID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, errorResponse{Error: "job not found"})
	case err != nil:
		a.logger.Errorf("job status: %v", err)
		writeError(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	default:
		writeJSON(w, http.StatusOK, view)
	}
}

func (a *Api) cancelJobHandler(w http.ResponseWriter, r *http.Request) {
	a.stats.requests["cancel"].Increment()

	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errorResponse{Error: "invalid job id"})
		return
	}

	err = a.admission.Cancel(r.Context(), jobID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, errorResponse{Error: "job not found"})
	case errors.Is(err, repo.ErrInvalidTransition):
		writeError(w, http.StatusConflict, errorResponse{Error: "job already finished"})
	case err != nil:
		a.logger.Errorf("job cancel: %v", err)
		writeError(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *Api) statsHandler(w http.ResponseWriter, r *http.Request) {
	a.stats.requests["stats"].Increment()

	snapshot, err := a.health.Snapshot(r.Context())
	if err != nil {
		a.logger.Errorf("stats snapshot: %v", err)
		writeError(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (a *Api) healthHandler(w http.ResponseWriter, r *http.Request) {
	a.stats.requests["health"].Increment()

	ctx, cancel := context.WithTimeout(r.Context(), a.config.healthTimeout)
	defer cancel()

	if err := a.db.PingContext(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, errorResponse{Error: "cannot reach job store"})
		return
	}
	snapshot, err := a.health.Snapshot(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, errorResponse{Error: "cannot read queue stats"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"server": "UP",
		"db":     "UP",
		"health": snapshot.Health,
	})
}

// writeAdmissionError maps a policy rejection onto its HTTP shape:
// quota and saturation refusals are 429 with a Retry-After hint,
// a class the tier may not use is 403. Anything else is internal.
func (a *Api) writeAdmissionError(w http.ResponseWriter, err error) {
	rejection, ok := model.AsRejection(err)
	if !ok {
		a.logger.Errorf("job admission: %v", err)
		writeError(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	resp := errorResponse{
		Error:        rejection.Message,
		Reason:       rejection.Reason,
		CurrentDepth: rejection.CurrentDepth,
		MaxDepth:     rejection.MaxDepth,
	}
	status := http.StatusTooManyRequests
	if rejection.Reason == model.ReasonInvalidQueueClass {
		status = http.StatusForbidden
	}
	if rejection.RetryAfter > 0 {
		seconds := int(rejection.RetryAfter / time.Second)
		resp.RetryAfterSeconds = seconds
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}
	writeError(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = jsonrs.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, resp errorResponse) {
	writeJSON(w, status, resp)
}
