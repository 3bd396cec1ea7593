package execution

import (
	"fmt"
	"strings"

	"github.com/phast-fr/cql-proxy/internal/fhir/r4"
)

// Parameter names of the $cql operation.
const (
	ParamCode                  = "code"
	ParamPatientID             = "patientId"
	ParamLibraryServiceURI     = "libraryServiceUri"
	ParamLibraryCredential     = "libraryCredential"
	ParamTerminologyServiceURI = "terminologyServiceUri"
	ParamTerminologyCredential = "terminologyCredential"
	ParamDataServiceURI        = "dataServiceUri"
	ParamDataServiceToken      = "dataServiceAccessToken"
)

// Request is one $cql invocation.
type Request struct {
	Code                  string `json:"code"`
	PatientID             string `json:"patientId,omitempty"`
	LibraryServiceURI     string `json:"libraryServiceUri"`
	LibraryCredential     string `json:"libraryCredential,omitempty"`
	TerminologyServiceURI string `json:"terminologyServiceUri"`
	TerminologyCredential string `json:"terminologyCredential,omitempty"`
	DataServiceURI        string `json:"dataServiceUri"`
	DataServiceToken      string `json:"dataServiceAccessToken"`
}

// RequestError reports the required parameters a request is missing.
type RequestError struct {
	Missing []string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("Missing required parameter(s): %s", strings.Join(e.Missing, ", "))
}

// RequestFromParameters reads a Request from the operation parameters.
// Every key except patientId and the two credentials is required.
func RequestFromParameters(p *r4.Parameters) (Request, error) {
	if p == nil {
		p = r4.NewParameters("")
	}
	get := func(name string) string {
		v, _ := p.GetString(name)
		return v
	}
	req := Request{
		Code:                  get(ParamCode),
		PatientID:             get(ParamPatientID),
		LibraryServiceURI:     get(ParamLibraryServiceURI),
		LibraryCredential:     get(ParamLibraryCredential),
		TerminologyServiceURI: get(ParamTerminologyServiceURI),
		TerminologyCredential: get(ParamTerminologyCredential),
		DataServiceURI:        get(ParamDataServiceURI),
		DataServiceToken:      get(ParamDataServiceToken),
	}
	return req, req.Validate()
}

// Validate returns a *RequestError naming every missing required key.
func (r Request) Validate() error {
	var missing []string
	for _, f := range []struct {
		name  string
		value string
	}{
		{ParamCode, r.Code},
		{ParamLibraryServiceURI, r.LibraryServiceURI},
		{ParamTerminologyServiceURI, r.TerminologyServiceURI},
		{ParamDataServiceURI, r.DataServiceURI},
		{ParamDataServiceToken, r.DataServiceToken},
	} {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return &RequestError{Missing: missing}
	}
	return nil
}

// Parameters renders the request back into operation parameters, omitting
// empty optional keys.
func (r Request) Parameters() *r4.Parameters {
	p := r4.NewParameters("")
	add := func(name, value string) {
		if value != "" {
			p.AddString(name, value)
		}
	}
	add(ParamCode, r.Code)
	add(ParamPatientID, r.PatientID)
	add(ParamLibraryServiceURI, r.LibraryServiceURI)
	add(ParamLibraryCredential, r.LibraryCredential)
	add(ParamTerminologyServiceURI, r.TerminologyServiceURI)
	add(ParamTerminologyCredential, r.TerminologyCredential)
	add(ParamDataServiceURI, r.DataServiceURI)
	add(ParamDataServiceToken, r.DataServiceToken)
	return p
}

// String describes the request for logs without its credentials.
func (r Request) String() string {
	return fmt.Sprintf("patient=%q data=%s terminology=%s library=%s",
		r.PatientID, r.DataServiceURI, r.TerminologyServiceURI, r.LibraryServiceURI)
}
