// Package async runs $cql requests out of band: the API submits them to
// Kafka and workers execute them exactly once, publishing the result
// Bundle and an audit record.
package async

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/phast-fr/cql-proxy/internal/execution"
	"github.com/phast-fr/cql-proxy/pkg/idempotency"
)

// Event types, also used as the outbox event_type.
const (
	EventExecutionRequested = "ExecutionRequested"
	EventExecutionCompleted = "ExecutionCompleted"
	EventExecutionAudited   = "ExecutionAudited"
)

// Async request outcomes reported to the Observer.
const (
	StatusSubmitted = "submitted"
	StatusCompleted = "completed"
	StatusDuplicate = "duplicate"
	StatusFailed    = "failed"
	StatusRejected  = "rejected"
)

// executionNamespace scopes execution ids derived from client keys.
var executionNamespace = uuid.MustParse("5b0f6c3e-3f47-4d39-9a43-2a6b8d1c7e51")

// ExecutionRequested asks a worker to run a request. It carries the
// request credentials, so the request topic must be access controlled.
type ExecutionRequested struct {
	ExecutionID    string            `json:"executionId"`
	IdempotencyKey string            `json:"idempotencyKey"`
	Request        execution.Request `json:"request"`
	RequestedAt    time.Time         `json:"requestedAt"`
}

// NewExecutionRequested wraps req in a message. A non-empty clientKey
// yields the same execution id on every call, so a client retrying a
// submission does not execute it twice.
func NewExecutionRequested(req execution.Request, clientKey string, now time.Time) *ExecutionRequested {
	id := uuid.New()
	if clientKey != "" {
		id = uuid.NewSHA1(executionNamespace, []byte(clientKey))
	}
	return &ExecutionRequested{
		ExecutionID:    id.String(),
		IdempotencyKey: idempotency.GenerateKey(id.String()),
		Request:        req,
		RequestedAt:    now.UTC(),
	}
}

// ExecutionCompleted carries the result Bundle of an execution.
type ExecutionCompleted struct {
	ExecutionID string          `json:"executionId"`
	Bundle      json.RawMessage `json:"bundle"`
	Statements  int             `json:"statements"`
	Errors      int             `json:"errors"`
	DurationMS  int64           `json:"durationMs"`
	CompletedAt time.Time       `json:"completedAt"`
}

// ExecutionAudited is the audit record of an execution. It holds no
// credentials and no results.
type ExecutionAudited struct {
	ExecutionID    string    `json:"executionId"`
	IdempotencyKey string    `json:"idempotencyKey"`
	PatientID      string    `json:"patientId,omitempty"`
	DataServiceURI string    `json:"dataServiceUri"`
	Statements     int       `json:"statements"`
	Errors         int       `json:"errors"`
	DurationMS     int64     `json:"durationMs"`
	RequestedAt    time.Time `json:"requestedAt"`
	CompletedAt    time.Time `json:"completedAt"`
}
