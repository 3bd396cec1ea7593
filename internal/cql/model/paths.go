package model

import (
	"github.com/phast-fr/cql-proxy/internal/cql/runtime"
	"github.com/phast-fr/cql-proxy/internal/fhir/r4"
)

// pathVisitor holds the per-type path tables. found is set when the path is
// supported for the visited type, even if the value itself is absent.
type pathVisitor struct {
	path  string
	value any
	found bool
}

func (v *pathVisitor) set(value any) {
	v.value = value
	v.found = true
}

func (v *pathVisitor) VisitPatient(p *r4.Patient) {
	switch v.path {
	case "birthDate.value":
		if p.BirthDate == nil {
			v.set(nil)
			return
		}
		d, err := runtime.ParseDate(string(*p.BirthDate))
		if err != nil {
			v.set(nil)
			return
		}
		v.set(d)
	case "birthDate":
		v.set(deref(p.BirthDate))
	case "gender":
		v.set(nonZero(p.Gender))
	case "id":
		v.set(nonZero(p.ID))
	}
}

func (v *pathVisitor) VisitCondition(c *r4.Condition) {
	switch v.path {
	case "verificationStatus":
		v.set(ptr(c.VerificationStatus))
	case "clinicalStatus":
		v.set(ptr(c.ClinicalStatus))
	case "abatement":
		v.set(first(
			deref(c.AbatementString),
			ptr(c.AbatementAge),
			ptr(c.AbatementPeriod),
			ptr(c.AbatementRange),
			deref(c.AbatementDateTime),
		))
	case "code":
		v.set(ptr(c.Code))
	case "id":
		v.set(nonZero(c.ID))
	}
}

func (v *pathVisitor) VisitObservation(o *r4.Observation) {
	switch v.path {
	case "value":
		v.set(first(
			ptr(o.ValueQuantity),
			deref(o.ValueString),
			deref(o.ValueBoolean),
			deref(o.ValueInteger),
			ptr(o.ValuePeriod),
			ptr(o.ValueCodeableConcept),
			deref(o.ValueDateTime),
			ptr(o.ValueRange),
			ptr(o.ValueRatio),
			ptr(o.ValueSampledData),
			deref(o.ValueTime),
		))
	case "status":
		v.set(nonZero(o.Status))
	case "code":
		v.set(&o.Code)
	case "id":
		v.set(nonZero(o.ID))
	}
}

func (v *pathVisitor) VisitMedicationStatement(m *r4.MedicationStatement) {
	switch v.path {
	case "status":
		v.set(nonZero(m.Status))
	case "medication":
		v.set(first(ptr(m.MedicationCodeableConcept), ptr(m.MedicationReference)))
	case "id":
		v.set(nonZero(m.ID))
	}
}

func (v *pathVisitor) VisitValueSet(s *r4.ValueSet) {
	switch v.path {
	case "url":
		v.set(nonZero(s.URL))
	case "id":
		v.set(nonZero(s.ID))
	}
}

func (v *pathVisitor) VisitLibrary(l *r4.Library) {
	if v.path == "id" {
		v.set(nonZero(l.ID))
	}
}

func (v *pathVisitor) VisitBundle(*r4.Bundle)                     {}
func (v *pathVisitor) VisitParameters(*r4.Parameters)             {}
func (v *pathVisitor) VisitOperationOutcome(*r4.OperationOutcome) {}
func (v *pathVisitor) VisitRawResource(*r4.RawResource)           {}

func (v *pathVisitor) VisitCodeableConcept(c *r4.CodeableConcept) {
	switch v.path {
	case "coding":
		codings := make([]*r4.Coding, len(c.Coding))
		for i := range c.Coding {
			codings[i] = &c.Coding[i]
		}
		v.set(codings)
	case "text", "display":
		v.set(nonZero(c.Text))
	}
}

func (v *pathVisitor) VisitCoding(c *r4.Coding) {
	switch v.path {
	case "code", "value":
		v.set(nonZero(c.Code))
	case "system":
		v.set(nonZero(c.System))
	case "version":
		v.set(nonZero(c.Version))
	case "display":
		v.set(nonZero(c.Display))
	}
}

func (v *pathVisitor) VisitQuantity(q *r4.Quantity) {
	switch v.path {
	case "value":
		if q.Value == nil {
			v.set(nil)
			return
		}
		v.set(q.Value.Decimal)
	case "comparator":
		v.set(nonZero(q.Comparator))
	case "system":
		v.set(nonZero(q.System))
	case "unit":
		v.set(nonZero(q.Unit))
	case "code":
		v.set(nonZero(q.Code))
	}
}

// Age is a Quantity and shares its table.
func (v *pathVisitor) VisitAge(a *r4.Age) {
	v.VisitQuantity(&a.Quantity)
}

func (v *pathVisitor) VisitPeriod(p *r4.Period) {
	switch v.path {
	case "start":
		v.set(nonZero(p.Start))
	case "end":
		v.set(nonZero(p.End))
	}
}

func (v *pathVisitor) VisitRange(r *r4.Range) {
	switch v.path {
	case "low":
		v.set(ptr(r.Low))
	case "high":
		v.set(ptr(r.High))
	}
}

func (v *pathVisitor) VisitReference(r *r4.Reference) {
	if v.path == "reference" {
		v.set(nonZero(r.Reference))
	}
}

func (v *pathVisitor) VisitRatio(*r4.Ratio)             {}
func (v *pathVisitor) VisitSampledData(*r4.SampledData) {}
func (v *pathVisitor) VisitIdentifier(*r4.Identifier)   {}
func (v *pathVisitor) VisitHumanName(*r4.HumanName)     {}

func (v *pathVisitor) VisitString(s r4.String) {
	if v.path == "value" {
		v.set(string(s))
	}
}

func (v *pathVisitor) VisitCode(c r4.Code) {
	if v.path == "value" {
		v.set(string(c))
	}
}

func (v *pathVisitor) VisitURI(u r4.URI) {
	if v.path == "value" {
		v.set(string(u))
	}
}

func (v *pathVisitor) VisitDecimal(d r4.Decimal) {
	if v.path == "value" {
		v.set(d.Decimal)
	}
}

func (v *pathVisitor) VisitObservationStatus(s r4.ObservationStatus) {
	if v.path == "value" {
		v.set(string(s))
	}
}

func (v *pathVisitor) VisitBoolean(b r4.Boolean) {
	if v.path == "value" {
		v.set(bool(b))
	}
}

func (v *pathVisitor) VisitInteger(i r4.Integer) {
	if v.path == "value" {
		v.set(int64(i))
	}
}

func (v *pathVisitor) VisitDate(d r4.Date) {
	if v.path == "value" {
		parsed, err := runtime.ParseDate(string(d))
		if err != nil {
			v.set(nil)
			return
		}
		v.set(parsed)
	}
}

func (v *pathVisitor) VisitDateTime(r4.DateTime) {}
func (v *pathVisitor) VisitTime(r4.Time)         {}

// ptr returns p as an interface value, or an untyped nil.
func ptr[T any](p *T) any {
	if p == nil {
		return nil
	}
	return p
}

// deref returns *p, or an untyped nil.
func deref[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

// nonZero returns v, or an untyped nil for the zero value.
func nonZero[T comparable](v T) any {
	var zero T
	if v == zero {
		return nil
	}
	return v
}

// first returns the first non-nil choice.
func first(choices ...any) any {
	for _, c := range choices {
		if c != nil {
			return c
		}
	}
	return nil
}
