// Package handlers provides the HTTP handlers of the $cql operation.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/phast-fr/cql-proxy/internal/api/middleware"
	"github.com/phast-fr/cql-proxy/internal/async"
	"github.com/phast-fr/cql-proxy/internal/execution"
	"github.com/phast-fr/cql-proxy/internal/fhir/r4"
)

// maxBodyBytes bounds a Parameters body.
const maxBodyBytes = 8 << 20

// Executor runs a $cql request. *execution.Service implements it.
type Executor interface {
	Execute(ctx context.Context, req execution.Request) *r4.Bundle
}

// Submitter enqueues a $cql request. *async.Submitter implements it.
type Submitter interface {
	Submit(ctx context.Context, req execution.Request, clientKey string) (*async.ExecutionRequested, error)
}

// CQLHandler serves the $cql operations.
type CQLHandler struct {
	executor  Executor
	submitter Submitter
	logger    *zap.Logger
}

// NewCQLHandler creates a handler. submitter may be nil, in which case
// $cql-async answers 501.
func NewCQLHandler(executor Executor, submitter Submitter, logger *zap.Logger) *CQLHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CQLHandler{
		executor:  executor,
		submitter: submitter,
		logger:    logger,
	}
}

// Routes returns the handler routes
func (h *CQLHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/$cql", h.Execute)
	r.Post("/$cql-async", h.Submit)
	return r
}

// SubmitResponse acknowledges an async execution.
type SubmitResponse struct {
	ExecutionID string    `json:"executionId"`
	Status      string    `json:"status"`
	RequestedAt time.Time `json:"requestedAt"`
}

// Execute handles POST /$cql. Statement failures are reported inside the
// Bundle with a 200; only a malformed request is a 400.
func (h *CQLHandler) Execute(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("cql-handler").Start(r.Context(), "cql.operation")
	defer span.End()

	req, ok := h.decode(w, r)
	if !ok {
		span.SetStatus(codes.Error, "invalid request")
		return
	}
	if req.PatientID != "" {
		span.SetAttributes(attribute.String("cql.patient_id", req.PatientID))
	}

	bundle := h.executor.Execute(ctx, req)

	h.logger.Debug("cql executed",
		zap.String("request_id", middleware.RequestIDFrom(ctx)),
		zap.Int("entries", len(bundle.Entry)))

	writeResource(w, http.StatusOK, bundle)
}

// Submit handles POST /$cql-async. An Idempotency-Key header makes
// resubmissions return the same execution id.
func (h *CQLHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("cql-handler").Start(r.Context(), "cql.submit")
	defer span.End()

	if h.submitter == nil {
		middleware.WriteOutcome(w, http.StatusNotImplemented, "not-supported", "asynchronous execution is not enabled")
		return
	}

	req, ok := h.decode(w, r)
	if !ok {
		span.SetStatus(codes.Error, "invalid request")
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key != "" {
		// Keys are per client.
		key = middleware.ClientIDFrom(ctx) + ":" + key
	}
	msg, err := h.submitter.Submit(ctx, req, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.logger.Error("submit failed",
			zap.String("request_id", middleware.RequestIDFrom(ctx)),
			zap.Error(err))
		middleware.WriteOutcome(w, http.StatusServiceUnavailable, "transient", "failed to enqueue execution")
		return
	}
	span.SetAttributes(attribute.String("cql.execution_id", msg.ExecutionID))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(SubmitResponse{
		ExecutionID: msg.ExecutionID,
		Status:      async.StatusSubmitted,
		RequestedAt: msg.RequestedAt,
	})
}

// decode reads the Parameters body into a Request, writing a 400 when it
// cannot.
func (h *CQLHandler) decode(w http.ResponseWriter, r *http.Request) (execution.Request, bool) {
	var params r4.Parameters
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&params); err != nil {
		middleware.WriteOutcome(w, http.StatusBadRequest, "invalid", "invalid Parameters body: "+err.Error())
		return execution.Request{}, false
	}
	if params.ResourceType != "Parameters" {
		middleware.WriteOutcome(w, http.StatusBadRequest, "invalid", "expected a Parameters resource")
		return execution.Request{}, false
	}

	req, err := execution.RequestFromParameters(&params)
	if err != nil {
		var reqErr *execution.RequestError
		if errors.As(err, &reqErr) {
			middleware.WriteOutcome(w, http.StatusBadRequest, "required", reqErr.Error())
		} else {
			middleware.WriteOutcome(w, http.StatusBadRequest, "invalid", err.Error())
		}
		return execution.Request{}, false
	}
	return req, true
}

func writeResource(w http.ResponseWriter, status int, res r4.Resource) {
	w.Header().Set("Content-Type", middleware.FHIRContentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(res)
}
