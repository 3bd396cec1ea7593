// Package fhirtest provides an in-memory FHIR repository served over
// httptest for provider and handler tests.
package fhirtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/phast-fr/cql-proxy/internal/cql/runtime"
	"github.com/phast-fr/cql-proxy/internal/fhir/r4"
)

// Request is one recorded call.
type Request struct {
	Method        string
	Path          string
	Query         url.Values
	Authorization string
}

// Server is a fake FHIR repository.
type Server struct {
	*httptest.Server

	mu         sync.Mutex
	resources  map[string][]r4.Resource
	expansions map[string][]runtime.Code
	statuses   map[string]int
	requests   []Request
}

// NewServer starts a server that is closed with the test.
func NewServer(t testing.TB) *Server {
	s := &Server{
		resources:  make(map[string][]r4.Resource),
		expansions: make(map[string][]runtime.Code),
		statuses:   make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Add stores resources.
func (s *Server) Add(resources ...r4.Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, res := range resources {
		s.resources[res.TypeName()] = append(s.resources[res.TypeName()], res)
	}
}

// SetExpansion defines the $expand result of the ValueSet with the given id.
func (s *Server) SetExpansion(id string, codes ...runtime.Code) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expansions[id] = codes
}

// SetStatus forces every call whose path starts with prefix to fail with status.
func (s *Server) SetStatus(prefix string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[prefix] = status
}

// Requests returns the calls received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// ResetRequests forgets recorded calls.
func (s *Server) ResetRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, Request{
		Method:        r.Method,
		Path:          r.URL.Path,
		Query:         r.URL.Query(),
		Authorization: r.Header.Get("Authorization"),
	})

	for prefix, status := range s.statuses {
		if strings.HasPrefix(r.URL.Path, prefix) {
			writeJSON(w, status, r4.NewErrorOutcome("exception", http.StatusText(status)))
			return
		}
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch len(parts) {
	case 1:
		writeJSON(w, http.StatusOK, s.search(parts[0], r.URL.Query()))
	case 2:
		if res := s.find(parts[0], parts[1]); res != nil {
			writeJSON(w, http.StatusOK, res)
			return
		}
		writeJSON(w, http.StatusNotFound, r4.NewErrorOutcome("not-found", parts[0]+"/"+parts[1]+" not found"))
	case 3:
		if parts[0] == "ValueSet" && parts[2] == "$expand" {
			s.expand(w, parts[1])
			return
		}
		writeJSON(w, http.StatusBadRequest, r4.NewErrorOutcome("not-supported", "unsupported operation "+parts[2]))
	default:
		writeJSON(w, http.StatusBadRequest, r4.NewErrorOutcome("invalid", "unsupported path"))
	}
}

func (s *Server) find(resourceType, id string) r4.Resource {
	for _, res := range s.resources[resourceType] {
		if res.GetID() == id {
			return res
		}
	}
	return nil
}

func (s *Server) expand(w http.ResponseWriter, id string) {
	res := s.find("ValueSet", id)
	if res == nil {
		writeJSON(w, http.StatusNotFound, r4.NewErrorOutcome("not-found", "ValueSet/"+id+" not found"))
		return
	}
	vs := *res.(*r4.ValueSet)
	vs.Expansion = &r4.ValueSetExpansion{}
	for _, c := range s.expansions[id] {
		vs.Expansion.Contains = append(vs.Expansion.Contains, r4.ValueSetContains{
			System:  r4.URI(c.System),
			Version: r4.String(c.Version),
			Code:    r4.Code(c.Code),
			Display: r4.String(c.Display),
		})
	}
	writeJSON(w, http.StatusOK, &vs)
}

func (s *Server) search(resourceType string, q url.Values) *r4.Bundle {
	bundle := r4.NewBundle(r4.BundleTypeSearchset)
	for _, res := range s.resources[resourceType] {
		if s.matches(res, q) {
			bundle.Entry = append(bundle.Entry, r4.BundleEntry{
				FullURL:  resourceType + "/" + res.GetID(),
				Resource: res,
			})
		}
	}
	bundle.SetTotal(len(bundle.Entry))
	return bundle
}

func (s *Server) matches(res r4.Resource, q url.Values) bool {
	for key := range q {
		value := q.Get(key)
		switch key {
		case "_id":
			if res.GetID() != value {
				return false
			}
		case "url":
			if canonicalURL(res) != value {
				return false
			}
		case "name", "version":
			lib, ok := res.(*r4.Library)
			if !ok {
				return false
			}
			if key == "name" && string(lib.Name) != value {
				return false
			}
			if key == "version" && string(lib.Version) != value {
				return false
			}
		case "subject":
			if subjectOf(res) != value {
				return false
			}
		case "code":
			if !hasAnyToken(codesOf(res), strings.Split(value, ",")) {
				return false
			}
		case "code:in":
			if !s.inValueSet(codesOf(res), value) {
				return false
			}
		}
	}
	return true
}

func (s *Server) inValueSet(codings []r4.Coding, vsURL string) bool {
	for _, res := range s.resources["ValueSet"] {
		if canonicalURL(res) != vsURL {
			continue
		}
		for _, c := range s.expansions[res.GetID()] {
			for _, coding := range codings {
				if string(coding.System) == c.System && string(coding.Code) == c.Code {
					return true
				}
			}
		}
	}
	return false
}

func canonicalURL(res r4.Resource) string {
	switch v := res.(type) {
	case *r4.ValueSet:
		return string(v.URL)
	case *r4.Library:
		return string(v.URL)
	}
	return ""
}

func subjectOf(res r4.Resource) string {
	switch v := res.(type) {
	case *r4.Condition:
		return string(v.Subject.Reference)
	case *r4.Observation:
		if v.Subject != nil {
			return string(v.Subject.Reference)
		}
	case *r4.MedicationStatement:
		return string(v.Subject.Reference)
	}
	return ""
}

func codesOf(res r4.Resource) []r4.Coding {
	switch v := res.(type) {
	case *r4.Condition:
		if v.Code != nil {
			return v.Code.Coding
		}
	case *r4.Observation:
		return v.Code.Coding
	case *r4.MedicationStatement:
		if v.MedicationCodeableConcept != nil {
			return v.MedicationCodeableConcept.Coding
		}
	}
	return nil
}

func hasAnyToken(codings []r4.Coding, tokens []string) bool {
	for _, token := range tokens {
		system, code, found := strings.Cut(token, "|")
		if !found {
			system, code = "", token
		}
		for _, coding := range codings {
			if string(coding.Code) == code && (system == "" || string(coding.System) == system) {
				return true
			}
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
