package fhirclient

import (
	"net/url"
	"sort"
	"strings"

	"github.com/phast-fr/cql-proxy/internal/cql/runtime"
)

// SearchParams builds a FHIR search query. A nil *SearchParams encodes to
// the empty query.
type SearchParams struct {
	values url.Values
}

// Params starts an empty search.
func Params() *SearchParams {
	return &SearchParams{values: url.Values{}}
}

// Add appends a raw parameter.
func (p *SearchParams) Add(key, value string) *SearchParams {
	p.values.Add(key, value)
	return p
}

// WithID filters on the logical id.
func (p *SearchParams) WithID(id string) *SearchParams {
	return p.Add("_id", id)
}

// WithSubject filters on the subject reference.
func (p *SearchParams) WithSubject(ref string) *SearchParams {
	return p.Add("subject", ref)
}

// WithCodes filters on any of the given codes (token OR list).
func (p *SearchParams) WithCodes(param string, codes []runtime.Code) *SearchParams {
	tokens := make([]string, 0, len(codes))
	for _, c := range codes {
		tokens = append(tokens, c.Token())
	}
	return p.Add(param, strings.Join(tokens, ","))
}

// WithValueSet asks the server to expand the value set itself.
func (p *SearchParams) WithValueSet(param, valueSet string) *SearchParams {
	return p.Add(param+":in", valueSet)
}

// WithURL filters canonical resources on their url.
func (p *SearchParams) WithURL(u string) *SearchParams {
	return p.Add("url", u)
}

// Get returns the first value of key.
func (p *SearchParams) Get(key string) string {
	if p == nil {
		return ""
	}
	return p.values.Get(key)
}

// Encode renders the query with keys sorted.
func (p *SearchParams) Encode() string {
	if p == nil || len(p.values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(p.values))
	for k := range p.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		for _, v := range p.values[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(escapeValue(v))
		}
	}
	return b.String()
}

// escapeValue keeps FHIR token separators readable.
func escapeValue(v string) string {
	escaped := url.QueryEscape(v)
	escaped = strings.ReplaceAll(escaped, "%7C", "|")
	return strings.ReplaceAll(escaped, "%2C", ",")
}
