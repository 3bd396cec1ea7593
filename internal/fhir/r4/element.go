// Package r4 provides FHIR R4 data structures for the CQL execution proxy.
package r4

import (
	"github.com/shopspring/decimal"
)

// Element is implemented by every R4 value the CQL runtime can navigate.
// The set is closed: adding a type means adding a method to Visitor, so every
// visitor in the module stops compiling until it handles the new shape.
type Element interface {
	TypeName() string
	Accept(v Visitor)
}

// Visitor dispatches on the concrete shape of an Element.
type Visitor interface {
	VisitPatient(*Patient)
	VisitCondition(*Condition)
	VisitObservation(*Observation)
	VisitMedicationStatement(*MedicationStatement)
	VisitValueSet(*ValueSet)
	VisitLibrary(*Library)
	VisitBundle(*Bundle)
	VisitParameters(*Parameters)
	VisitOperationOutcome(*OperationOutcome)
	VisitRawResource(*RawResource)

	VisitCodeableConcept(*CodeableConcept)
	VisitCoding(*Coding)
	VisitQuantity(*Quantity)
	VisitAge(*Age)
	VisitPeriod(*Period)
	VisitRange(*Range)
	VisitRatio(*Ratio)
	VisitSampledData(*SampledData)
	VisitReference(*Reference)
	VisitIdentifier(*Identifier)
	VisitHumanName(*HumanName)

	VisitString(String)
	VisitCode(Code)
	VisitURI(URI)
	VisitBoolean(Boolean)
	VisitInteger(Integer)
	VisitDecimal(Decimal)
	VisitDate(Date)
	VisitDateTime(DateTime)
	VisitTime(Time)
	VisitObservationStatus(ObservationStatus)
}

// String is the FHIR string primitive.
type String string

// Code is the FHIR code primitive.
type Code string

// URI is the FHIR uri primitive.
type URI string

// Boolean is the FHIR boolean primitive.
type Boolean bool

// Integer is the FHIR integer primitive.
type Integer int32

// Date is the FHIR date primitive (YYYY, YYYY-MM or YYYY-MM-DD).
type Date string

// DateTime is the FHIR dateTime primitive.
type DateTime string

// Time is the FHIR time primitive.
type Time string

// ObservationStatus is the status code of an Observation.
type ObservationStatus string

// Observation statuses
const (
	ObservationRegistered     ObservationStatus = "registered"
	ObservationPreliminary    ObservationStatus = "preliminary"
	ObservationFinal          ObservationStatus = "final"
	ObservationAmended        ObservationStatus = "amended"
	ObservationCorrected      ObservationStatus = "corrected"
	ObservationCancelled      ObservationStatus = "cancelled"
	ObservationEnteredInError ObservationStatus = "entered-in-error"
	ObservationUnknown        ObservationStatus = "unknown"
)

// Decimal is the FHIR decimal primitive. It keeps the exact textual precision
// and is serialized as a bare JSON number.
type Decimal struct {
	decimal.Decimal
}

// NewDecimal parses a decimal literal.
func NewDecimal(s string) (Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Decimal{}, err
	}
	return Decimal{Decimal: d}, nil
}

// MustDecimal is NewDecimal for literals known to be valid.
func MustDecimal(s string) Decimal {
	d, err := NewDecimal(s)
	if err != nil {
		panic(err)
	}
	return d
}

// MarshalJSON writes the decimal as a JSON number.
func (d Decimal) MarshalJSON() ([]byte, error) {
	return []byte(d.Decimal.String()), nil
}

// UnmarshalJSON accepts both quoted and bare numbers.
func (d *Decimal) UnmarshalJSON(data []byte) error {
	return d.Decimal.UnmarshalJSON(data)
}

func (String) TypeName() string            { return "String" }
func (Code) TypeName() string              { return "Code" }
func (URI) TypeName() string               { return "Uri" }
func (Boolean) TypeName() string           { return "Boolean" }
func (Integer) TypeName() string           { return "Integer" }
func (Decimal) TypeName() string           { return "Decimal" }
func (Date) TypeName() string              { return "Date" }
func (DateTime) TypeName() string          { return "DateTime" }
func (Time) TypeName() string              { return "Time" }
func (ObservationStatus) TypeName() string { return "ObservationStatus" }

func (s String) Accept(v Visitor)            { v.VisitString(s) }
func (c Code) Accept(v Visitor)              { v.VisitCode(c) }
func (u URI) Accept(v Visitor)               { v.VisitURI(u) }
func (b Boolean) Accept(v Visitor)           { v.VisitBoolean(b) }
func (i Integer) Accept(v Visitor)           { v.VisitInteger(i) }
func (d Decimal) Accept(v Visitor)           { v.VisitDecimal(d) }
func (d Date) Accept(v Visitor)              { v.VisitDate(d) }
func (d DateTime) Accept(v Visitor)          { v.VisitDateTime(d) }
func (t Time) Accept(v Visitor)              { v.VisitTime(t) }
func (s ObservationStatus) Accept(v Visitor) { v.VisitObservationStatus(s) }
