package execution

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phast-fr/cql-proxy/internal/fhir/r4"
)

func TestRequestFromParameters(t *testing.T) {
	want := Request{
		Code:                  "define \"Two\": 1 + 1",
		PatientID:             "p1",
		LibraryServiceURI:     "http://library",
		TerminologyServiceURI: "http://terminology",
		TerminologyCredential: "user:pass",
		DataServiceURI:        "http://data",
		DataServiceToken:      "token",
	}

	got, err := RequestFromParameters(want.Parameters())
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, hasCredential := want.Parameters().Get(ParamLibraryCredential)
	assert.False(t, hasCredential, "empty optional keys are omitted")
}

func TestRequestFromParameters_Missing(t *testing.T) {
	p := r4.NewParameters("")
	p.AddString(ParamCode, "define \"A\": 1")
	p.AddString(ParamDataServiceURI, "http://data")

	_, err := RequestFromParameters(p)

	var re *RequestError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, []string{ParamLibraryServiceURI, ParamTerminologyServiceURI, ParamDataServiceToken}, re.Missing)
	assert.Equal(t, "Missing required parameter(s): libraryServiceUri, terminologyServiceUri, dataServiceAccessToken", err.Error())

	_, err = RequestFromParameters(nil)
	require.True(t, errors.As(err, &re))
	assert.Len(t, re.Missing, 5)
}

func TestRequest_String(t *testing.T) {
	r := Request{PatientID: "p1", DataServiceURI: "http://data", DataServiceToken: "secret"}
	assert.NotContains(t, r.String(), "secret")
	assert.Contains(t, r.String(), `patient="p1"`)
}
