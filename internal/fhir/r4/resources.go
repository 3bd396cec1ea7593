package r4

import (
	"encoding/json"
	"fmt"
)

// Resource is an Element that stands on its own in a repository.
type Resource interface {
	Element
	GetID() string
}

// Patient represents a FHIR R4 Patient resource.
type Patient struct {
	ResourceType    string       `json:"resourceType"`
	ID              string       `json:"id,omitempty"`
	Meta            *Meta        `json:"meta,omitempty"`
	Identifier      []Identifier `json:"identifier,omitempty"`
	Active          *Boolean     `json:"active,omitempty"`
	Name            []HumanName  `json:"name,omitempty"`
	Gender          Code         `json:"gender,omitempty"` // male | female | other | unknown
	BirthDate       *Date        `json:"birthDate,omitempty"`
	DeceasedBoolean *Boolean     `json:"deceasedBoolean,omitempty"`
}

// Condition represents a FHIR R4 Condition resource.
type Condition struct {
	ResourceType       string            `json:"resourceType"`
	ID                 string            `json:"id,omitempty"`
	Meta               *Meta             `json:"meta,omitempty"`
	ClinicalStatus     *CodeableConcept  `json:"clinicalStatus,omitempty"`
	VerificationStatus *CodeableConcept  `json:"verificationStatus,omitempty"`
	Category           []CodeableConcept `json:"category,omitempty"`
	Code               *CodeableConcept  `json:"code,omitempty"`
	Subject            Reference         `json:"subject"`
	OnsetDateTime      *DateTime         `json:"onsetDateTime,omitempty"`
	AbatementDateTime  *DateTime         `json:"abatementDateTime,omitempty"`
	AbatementAge       *Age              `json:"abatementAge,omitempty"`
	AbatementPeriod    *Period           `json:"abatementPeriod,omitempty"`
	AbatementRange     *Range            `json:"abatementRange,omitempty"`
	AbatementString    *String           `json:"abatementString,omitempty"`
	RecordedDate       *DateTime         `json:"recordedDate,omitempty"`
}

// Observation represents a FHIR R4 Observation resource.
type Observation struct {
	ResourceType         string            `json:"resourceType"`
	ID                   string            `json:"id,omitempty"`
	Meta                 *Meta             `json:"meta,omitempty"`
	Status               ObservationStatus `json:"status"`
	Category             []CodeableConcept `json:"category,omitempty"`
	Code                 CodeableConcept   `json:"code"`
	Subject              *Reference        `json:"subject,omitempty"`
	EffectiveDateTime    *DateTime         `json:"effectiveDateTime,omitempty"`
	Issued               string            `json:"issued,omitempty"`
	ValueQuantity        *Quantity         `json:"valueQuantity,omitempty"`
	ValueCodeableConcept *CodeableConcept  `json:"valueCodeableConcept,omitempty"`
	ValueString          *String           `json:"valueString,omitempty"`
	ValueBoolean         *Boolean          `json:"valueBoolean,omitempty"`
	ValueInteger         *Integer          `json:"valueInteger,omitempty"`
	ValueRange           *Range            `json:"valueRange,omitempty"`
	ValueRatio           *Ratio            `json:"valueRatio,omitempty"`
	ValueSampledData     *SampledData      `json:"valueSampledData,omitempty"`
	ValueTime            *Time             `json:"valueTime,omitempty"`
	ValueDateTime        *DateTime         `json:"valueDateTime,omitempty"`
	ValuePeriod          *Period           `json:"valuePeriod,omitempty"`
	Interpretation       []CodeableConcept `json:"interpretation,omitempty"`
}

// MedicationStatement represents a FHIR R4 MedicationStatement resource.
type MedicationStatement struct {
	ResourceType              string           `json:"resourceType"`
	ID                        string           `json:"id,omitempty"`
	Meta                      *Meta            `json:"meta,omitempty"`
	Status                    Code             `json:"status"`
	MedicationCodeableConcept *CodeableConcept `json:"medicationCodeableConcept,omitempty"`
	MedicationReference       *Reference       `json:"medicationReference,omitempty"`
	Subject                   Reference        `json:"subject"`
	EffectiveDateTime         *DateTime        `json:"effectiveDateTime,omitempty"`
	EffectivePeriod           *Period          `json:"effectivePeriod,omitempty"`
	DateAsserted              *DateTime        `json:"dateAsserted,omitempty"`
}

// ValueSet represents a FHIR R4 ValueSet resource.
type ValueSet struct {
	ResourceType string             `json:"resourceType"`
	ID           string             `json:"id,omitempty"`
	Meta         *Meta              `json:"meta,omitempty"`
	URL          URI                `json:"url,omitempty"`
	Version      String             `json:"version,omitempty"`
	Name         String             `json:"name,omitempty"`
	Status       Code               `json:"status,omitempty"`
	Expansion    *ValueSetExpansion `json:"expansion,omitempty"`
}

// ValueSetExpansion is the flattened content of a value set.
type ValueSetExpansion struct {
	Identifier URI                `json:"identifier,omitempty"`
	Timestamp  DateTime           `json:"timestamp,omitempty"`
	Total      *Integer           `json:"total,omitempty"`
	Contains   []ValueSetContains `json:"contains,omitempty"`
}

// ValueSetContains is one code of an expansion.
type ValueSetContains struct {
	System   URI                `json:"system,omitempty"`
	Version  String             `json:"version,omitempty"`
	Code     Code               `json:"code,omitempty"`
	Display  String             `json:"display,omitempty"`
	Contains []ValueSetContains `json:"contains,omitempty"`
}

// Library represents a FHIR R4 Library resource carrying logic source.
type Library struct {
	ResourceType string          `json:"resourceType"`
	ID           string          `json:"id,omitempty"`
	Meta         *Meta           `json:"meta,omitempty"`
	URL          URI             `json:"url,omitempty"`
	Version      String          `json:"version,omitempty"`
	Name         String          `json:"name,omitempty"`
	Status       Code            `json:"status,omitempty"`
	Type         CodeableConcept `json:"type"`
	Content      []Attachment    `json:"content,omitempty"`
}

// ContentOfType returns the first attachment with the given content type.
func (l *Library) ContentOfType(contentType string) *Attachment {
	for i := range l.Content {
		if string(l.Content[i].ContentType) == contentType {
			return &l.Content[i]
		}
	}
	return nil
}

// RawResource holds a resource type the proxy has no struct for. Its JSON is
// carried through untouched.
type RawResource struct {
	Type string
	ID   string
	Raw  json.RawMessage
}

// MarshalJSON returns the original document.
func (r *RawResource) MarshalJSON() ([]byte, error) {
	if len(r.Raw) == 0 {
		return json.Marshal(map[string]string{"resourceType": r.Type, "id": r.ID})
	}
	return r.Raw, nil
}

func (*Patient) TypeName() string             { return "Patient" }
func (*Condition) TypeName() string           { return "Condition" }
func (*Observation) TypeName() string         { return "Observation" }
func (*MedicationStatement) TypeName() string { return "MedicationStatement" }
func (*ValueSet) TypeName() string            { return "ValueSet" }
func (*Library) TypeName() string             { return "Library" }
func (r *RawResource) TypeName() string       { return r.Type }

func (p *Patient) GetID() string             { return p.ID }
func (c *Condition) GetID() string           { return c.ID }
func (o *Observation) GetID() string         { return o.ID }
func (m *MedicationStatement) GetID() string { return m.ID }
func (v *ValueSet) GetID() string            { return v.ID }
func (l *Library) GetID() string             { return l.ID }
func (r *RawResource) GetID() string         { return r.ID }

func (p *Patient) Accept(v Visitor)             { v.VisitPatient(p) }
func (c *Condition) Accept(v Visitor)           { v.VisitCondition(c) }
func (o *Observation) Accept(v Visitor)         { v.VisitObservation(o) }
func (m *MedicationStatement) Accept(v Visitor) { v.VisitMedicationStatement(m) }
func (s *ValueSet) Accept(v Visitor)            { v.VisitValueSet(s) }
func (l *Library) Accept(v Visitor)             { v.VisitLibrary(l) }
func (r *RawResource) Accept(v Visitor)         { v.VisitRawResource(r) }

// DecodeResource unmarshals a resource, choosing the struct from its
// resourceType. Unknown types come back as *RawResource.
func DecodeResource(data []byte) (Resource, error) {
	var head struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to decode resource: %w", err)
	}
	if head.ResourceType == "" {
		return nil, fmt.Errorf("failed to decode resource: missing resourceType")
	}

	var res Resource
	switch head.ResourceType {
	case "Patient":
		res = &Patient{}
	case "Condition":
		res = &Condition{}
	case "Observation":
		res = &Observation{}
	case "MedicationStatement":
		res = &MedicationStatement{}
	case "ValueSet":
		res = &ValueSet{}
	case "Library":
		res = &Library{}
	case "Bundle":
		res = &Bundle{}
	case "Parameters":
		res = &Parameters{}
	case "OperationOutcome":
		res = &OperationOutcome{}
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return &RawResource{Type: head.ResourceType, ID: head.ID, Raw: raw}, nil
	}
	if err := json.Unmarshal(data, res); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", head.ResourceType, err)
	}
	return res, nil
}
