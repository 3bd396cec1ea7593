package r4

// Meta contains metadata about a resource.
type Meta struct {
	VersionID   string   `json:"versionId,omitempty"`
	LastUpdated string   `json:"lastUpdated,omitempty"`
	Source      string   `json:"source,omitempty"`
	Profile     []string `json:"profile,omitempty"`
	Tag         []Coding `json:"tag,omitempty"`
}

// Identifier represents a FHIR Identifier.
type Identifier struct {
	Use    Code             `json:"use,omitempty"` // usual | official | temp | secondary | old
	Type   *CodeableConcept `json:"type,omitempty"`
	System URI              `json:"system,omitempty"`
	Value  String           `json:"value,omitempty"`
	Period *Period          `json:"period,omitempty"`
}

// CodeableConcept represents a concept with text and codings.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   String   `json:"text,omitempty"`
}

// HasCoding reports whether the concept carries the given system and code.
func (c *CodeableConcept) HasCoding(system, code string) bool {
	for _, coding := range c.Coding {
		if string(coding.System) == system && string(coding.Code) == code {
			return true
		}
	}
	return false
}

// Coding represents a code from a terminology system.
type Coding struct {
	System       URI     `json:"system,omitempty"`
	Version      String  `json:"version,omitempty"`
	Code         Code    `json:"code,omitempty"`
	Display      String  `json:"display,omitempty"`
	UserSelected Boolean `json:"userSelected,omitempty"`
}

// Reference represents a reference to another resource.
type Reference struct {
	Reference String `json:"reference,omitempty"`
	Type      URI    `json:"type,omitempty"`
	Display   String `json:"display,omitempty"`
}

// Period represents a time period.
type Period struct {
	Start DateTime `json:"start,omitempty"`
	End   DateTime `json:"end,omitempty"`
}

// Quantity represents a measured amount.
type Quantity struct {
	Value      *Decimal `json:"value,omitempty"`
	Comparator Code     `json:"comparator,omitempty"` // < | <= | >= | >
	Unit       String   `json:"unit,omitempty"`
	System     URI      `json:"system,omitempty"`
	Code       Code     `json:"code,omitempty"`
}

// Age is a Quantity with a duration unit.
type Age struct {
	Quantity
}

// Range represents a range of values.
type Range struct {
	Low  *Quantity `json:"low,omitempty"`
	High *Quantity `json:"high,omitempty"`
}

// Ratio represents a ratio between two quantities.
type Ratio struct {
	Numerator   *Quantity `json:"numerator,omitempty"`
	Denominator *Quantity `json:"denominator,omitempty"`
}

// SampledData is a series of measurements taken by a device.
type SampledData struct {
	Origin     Quantity `json:"origin"`
	Period     Decimal  `json:"period"`
	Factor     *Decimal `json:"factor,omitempty"`
	Dimensions Integer  `json:"dimensions"`
	Data       String   `json:"data,omitempty"`
}

// HumanName represents a human name.
type HumanName struct {
	Use    Code     `json:"use,omitempty"` // usual | official | temp | nickname | anonymous | old | maiden
	Text   String   `json:"text,omitempty"`
	Family String   `json:"family,omitempty"`
	Given  []String `json:"given,omitempty"`
}

// Attachment carries inline or referenced content.
type Attachment struct {
	ContentType Code   `json:"contentType,omitempty"`
	Data        []byte `json:"data,omitempty"`
	URL         URI    `json:"url,omitempty"`
	Title       String `json:"title,omitempty"`
}

func (*CodeableConcept) TypeName() string { return "CodeableConcept" }
func (*Coding) TypeName() string          { return "Coding" }
func (*Quantity) TypeName() string        { return "Quantity" }
func (*Age) TypeName() string             { return "Age" }
func (*Period) TypeName() string          { return "Period" }
func (*Range) TypeName() string           { return "Range" }
func (*Ratio) TypeName() string           { return "Ratio" }
func (*SampledData) TypeName() string     { return "SampledData" }
func (*Reference) TypeName() string       { return "Reference" }
func (*Identifier) TypeName() string      { return "Identifier" }
func (*HumanName) TypeName() string       { return "HumanName" }

func (c *CodeableConcept) Accept(v Visitor) { v.VisitCodeableConcept(c) }
func (c *Coding) Accept(v Visitor)          { v.VisitCoding(c) }
func (q *Quantity) Accept(v Visitor)        { v.VisitQuantity(q) }
func (a *Age) Accept(v Visitor)             { v.VisitAge(a) }
func (p *Period) Accept(v Visitor)          { v.VisitPeriod(p) }
func (r *Range) Accept(v Visitor)           { v.VisitRange(r) }
func (r *Ratio) Accept(v Visitor)           { v.VisitRatio(r) }
func (s *SampledData) Accept(v Visitor)     { v.VisitSampledData(s) }
func (r *Reference) Accept(v Visitor)       { v.VisitReference(r) }
func (i *Identifier) Accept(v Visitor)      { v.VisitIdentifier(i) }
func (h *HumanName) Accept(v Visitor)       { v.VisitHumanName(h) }

// Common code systems
const (
	SystemSNOMED                = "http://snomed.info/sct"
	SystemLOINC                 = "http://loinc.org"
	SystemRxNorm                = "http://www.nlm.nih.gov/research/umls/rxnorm"
	SystemUCUM                  = "http://unitsofmeasure.org"
	SystemICD10                 = "http://hl7.org/fhir/sid/icd-10"
	SystemConditionClinical     = "http://terminology.hl7.org/CodeSystem/condition-clinical"
	SystemConditionVerification = "http://terminology.hl7.org/CodeSystem/condition-ver-status"
)
