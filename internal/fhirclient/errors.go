package fhirclient

import (
	"errors"
	"fmt"

	"github.com/phast-fr/cql-proxy/internal/fhir/r4"
)

// NotFoundError is returned for 404 and 410 responses.
type NotFoundError struct {
	URL     string
	Outcome *r4.OperationOutcome
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("resource not found: %s", e.URL)
}

// StatusError is returned for any other non-2xx response.
type StatusError struct {
	StatusCode int
	URL        string
	Outcome    *r4.OperationOutcome
}

func (e *StatusError) Error() string {
	if e.Outcome != nil && len(e.Outcome.Issue) > 0 {
		return fmt.Sprintf("%s returned %d: %s", e.URL, e.StatusCode, e.Outcome.Summary())
	}
	return fmt.Sprintf("%s returned %d", e.URL, e.StatusCode)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
