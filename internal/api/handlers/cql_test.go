package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/phast-fr/cql-proxy/internal/async"
	"github.com/phast-fr/cql-proxy/internal/execution"
	"github.com/phast-fr/cql-proxy/internal/fhir/r4"
)

type stubExecutor struct {
	got execution.Request
}

func (e *stubExecutor) Execute(_ context.Context, req execution.Request) *r4.Bundle {
	e.got = req
	p := r4.NewParameters("Two")
	p.AddString("value", "2")
	return r4.NewCollection([]r4.Resource{p})
}

type stubSubmitter struct {
	clientKey string
	err       error
}

func (s *stubSubmitter) Submit(_ context.Context, req execution.Request, clientKey string) (*async.ExecutionRequested, error) {
	s.clientKey = clientKey
	if s.err != nil {
		return nil, s.err
	}
	return async.NewExecutionRequested(req, clientKey, time.Now()), nil
}

func parametersBody(t *testing.T, skip ...string) string {
	t.Helper()
	req := execution.Request{
		Code:                  "library Test define \"Two\": 1 + 1",
		PatientID:             "p1",
		LibraryServiceURI:     "http://lib",
		TerminologyServiceURI: "http://tx",
		DataServiceURI:        "http://data",
		DataServiceToken:      "token",
	}
	p := req.Parameters()
	kept := p.Parameter[:0]
	for _, param := range p.Parameter {
		drop := false
		for _, s := range skip {
			drop = drop || param.Name == s
		}
		if !drop {
			kept = append(kept, param)
		}
	}
	p.Parameter = kept

	body, err := json.Marshal(p)
	require.NoError(t, err)
	return string(body)
}

func serve(h *CQLHandler, path, body string, header http.Header) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Mount("/", h.Routes())
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeOutcome(t *testing.T, rec *httptest.ResponseRecorder) *r4.OperationOutcome {
	t.Helper()
	var outcome r4.OperationOutcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	require.Equal(t, "OperationOutcome", outcome.ResourceType)
	require.NotEmpty(t, outcome.Issue)
	return &outcome
}

func TestCQLHandler_Execute(t *testing.T) {
	exec := &stubExecutor{}
	h := NewCQLHandler(exec, nil, zaptest.NewLogger(t))

	rec := serve(h, "/$cql", parametersBody(t), nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/fhir+json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "p1", exec.got.PatientID)
	assert.Equal(t, "token", exec.got.DataServiceToken)

	var bundle r4.Bundle
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bundle))
	assert.Equal(t, r4.BundleTypeCollection, bundle.Type)
	require.Len(t, bundle.Entry, 1)
	assert.Equal(t, "Two", bundle.Entry[0].FullURL)
}

func TestCQLHandler_Execute_BadRequest(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode string
		wantText string
	}{
		{"not json", "{", "invalid", "invalid Parameters body"},
		{"wrong resource", `{"resourceType":"Patient"}`, "invalid", "expected a Parameters resource"},
		{"missing keys", "", "required", "dataServiceUri, dataServiceAccessToken"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := tt.body
			if body == "" {
				body = parametersBody(t, execution.ParamDataServiceURI, execution.ParamDataServiceToken)
			}
			rec := serve(NewCQLHandler(&stubExecutor{}, nil, nil), "/$cql", body, nil)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			outcome := decodeOutcome(t, rec)
			assert.Equal(t, tt.wantCode, outcome.Issue[0].Code)
			assert.Contains(t, outcome.Issue[0].Diagnostics, tt.wantText)
		})
	}
}

func TestCQLHandler_Submit(t *testing.T) {
	sub := &stubSubmitter{}
	h := NewCQLHandler(&stubExecutor{}, sub, nil)

	header := http.Header{"Idempotency-Key": []string{"retry-1"}}
	rec := serve(h, "/$cql-async", parametersBody(t), header)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, ":retry-1", sub.clientKey, "no authenticated client")

	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, async.NewExecutionRequested(execution.Request{}, ":retry-1", time.Now()).ExecutionID, resp.ExecutionID)
	assert.Equal(t, async.StatusSubmitted, resp.Status)
}

func TestCQLHandler_Submit_Errors(t *testing.T) {
	rec := serve(NewCQLHandler(&stubExecutor{}, nil, nil), "/$cql-async", parametersBody(t), nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
	assert.Equal(t, "not-supported", decodeOutcome(t, rec).Issue[0].Code)

	h := NewCQLHandler(&stubExecutor{}, &stubSubmitter{err: errors.New("broker down")}, nil)
	rec = serve(h, "/$cql-async", parametersBody(t), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "broker down")

	rec = serve(h, "/$cql-async", parametersBody(t, execution.ParamCode), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthHandler(t *testing.T) {
	var failing error
	h := NewHealthHandler(map[string]Check{
		"kafka":    func(context.Context) error { return nil },
		"database": func(context.Context) error { return failing },
	})

	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.JSONEq(t, `{"status":"UP"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"UP","checks":{"kafka":"UP","database":"UP"}}`, rec.Body.String())

	failing = errors.New("connection refused")
	rec = httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"DOWN","checks":{"kafka":"UP","database":"connection refused"}}`, rec.Body.String())
}
