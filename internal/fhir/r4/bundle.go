package r4

import (
	"encoding/json"
	"fmt"
)

// Bundle types
const (
	BundleTypeCollection = "collection"
	BundleTypeSearchset  = "searchset"
)

// Bundle represents a FHIR R4 Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Meta         *Meta         `json:"meta,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleLink is a paging or self link.
type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// BundleEntry is one entry of a Bundle.
type BundleEntry struct {
	FullURL  string   `json:"fullUrl,omitempty"`
	Resource Resource `json:"resource,omitempty"`
}

// UnmarshalJSON decodes the polymorphic resource of an entry.
func (e *BundleEntry) UnmarshalJSON(data []byte) error {
	var raw struct {
		FullURL  string          `json:"fullUrl"`
		Resource json.RawMessage `json:"resource"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.FullURL = raw.FullURL
	e.Resource = nil
	if len(raw.Resource) > 0 && string(raw.Resource) != "null" {
		res, err := DecodeResource(raw.Resource)
		if err != nil {
			return fmt.Errorf("bundle entry %q: %w", raw.FullURL, err)
		}
		e.Resource = res
	}
	return nil
}

// NewBundle creates an empty bundle of the given type.
func NewBundle(bundleType string) *Bundle {
	return &Bundle{ResourceType: "Bundle", Type: bundleType}
}

// NewCollection wraps resources in a collection bundle. Each entry's fullUrl
// is the resource id.
func NewCollection(resources []Resource) *Bundle {
	b := NewBundle(BundleTypeCollection)
	for _, res := range resources {
		entry := BundleEntry{Resource: res}
		if res != nil {
			entry.FullURL = res.GetID()
		}
		b.Entry = append(b.Entry, entry)
	}
	b.SetTotal(len(b.Entry))
	return b
}

// SetTotal sets the bundle total.
func (b *Bundle) SetTotal(n int) {
	b.Total = &n
}

// TotalOrLen returns the declared total, falling back to the entry count.
func (b *Bundle) TotalOrLen() int {
	if b.Total != nil {
		return *b.Total
	}
	return len(b.Entry)
}

// Resources returns the embedded resources, skipping empty entries.
func (b *Bundle) Resources() []Resource {
	if b == nil {
		return nil
	}
	out := make([]Resource, 0, len(b.Entry))
	for _, e := range b.Entry {
		if e.Resource != nil {
			out = append(out, e.Resource)
		}
	}
	return out
}

// Next returns the next-page link, if any.
func (b *Bundle) Next() string {
	for _, l := range b.Link {
		if l.Relation == "next" {
			return l.URL
		}
	}
	return ""
}

// Parameters represents a FHIR R4 Parameters resource.
type Parameters struct {
	ResourceType string      `json:"resourceType"`
	ID           string      `json:"id,omitempty"`
	Parameter    []Parameter `json:"parameter,omitempty"`
}

// Parameter is a single named value of a Parameters resource.
type Parameter struct {
	Name        string      `json:"name"`
	ValueString *string     `json:"valueString,omitempty"`
	Resource    Resource    `json:"resource,omitempty"`
	Part        []Parameter `json:"part,omitempty"`
}

// UnmarshalJSON decodes the polymorphic resource of a parameter.
func (p *Parameter) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name        string          `json:"name"`
		ValueString *string         `json:"valueString"`
		Resource    json.RawMessage `json:"resource"`
		Part        []Parameter     `json:"part"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.Name = raw.Name
	p.ValueString = raw.ValueString
	p.Part = raw.Part
	p.Resource = nil
	if len(raw.Resource) > 0 && string(raw.Resource) != "null" {
		res, err := DecodeResource(raw.Resource)
		if err != nil {
			return fmt.Errorf("parameter %q: %w", raw.Name, err)
		}
		p.Resource = res
	}
	return nil
}

// NewParameters creates an empty Parameters resource.
func NewParameters(id string) *Parameters {
	return &Parameters{ResourceType: "Parameters", ID: id}
}

// AddString appends a valueString parameter.
func (p *Parameters) AddString(name, value string) {
	p.Parameter = append(p.Parameter, Parameter{Name: name, ValueString: &value})
}

// AddResource appends a resource parameter.
func (p *Parameters) AddResource(name string, res Resource) {
	p.Parameter = append(p.Parameter, Parameter{Name: name, Resource: res})
}

// Get returns the first parameter with the given name.
func (p *Parameters) Get(name string) (*Parameter, bool) {
	for i := range p.Parameter {
		if p.Parameter[i].Name == name {
			return &p.Parameter[i], true
		}
	}
	return nil, false
}

// GetString returns the valueString of the named parameter.
func (p *Parameters) GetString(name string) (string, bool) {
	param, ok := p.Get(name)
	if !ok || param.ValueString == nil {
		return "", false
	}
	return *param.ValueString, true
}

func (*Bundle) TypeName() string     { return "Bundle" }
func (*Parameters) TypeName() string { return "Parameters" }

func (b *Bundle) GetID() string     { return b.ID }
func (p *Parameters) GetID() string { return p.ID }

func (b *Bundle) Accept(v Visitor)     { v.VisitBundle(b) }
func (p *Parameters) Accept(v Visitor) { v.VisitParameters(p) }
