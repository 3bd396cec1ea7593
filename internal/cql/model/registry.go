package model

import (
	"reflect"
	"time"

	"github.com/shopspring/decimal"

	"github.com/phast-fr/cql-proxy/internal/cql/runtime"
	"github.com/phast-fr/cql-proxy/internal/fhir/r4"
)

// registry maps qualified type names to Go types. FHIR types live under
// DefaultPackageName, CQL system types under System.
var registry = map[string]reflect.Type{
	"System.Any":      reflect.TypeOf((*any)(nil)).Elem(),
	"System.Boolean":  reflect.TypeOf(false),
	"System.Integer":  reflect.TypeOf(int64(0)),
	"System.Decimal":  reflect.TypeOf(decimal.Decimal{}),
	"System.String":   reflect.TypeOf(""),
	"System.Date":     reflect.TypeOf(runtime.Date{}),
	"System.DateTime": reflect.TypeOf(time.Time{}),
	"System.Code":     reflect.TypeOf(runtime.Code{}),
	"System.Concept":  reflect.TypeOf(runtime.Concept{}),
	"System.Quantity": reflect.TypeOf(runtime.Quantity{}),
	"System.Interval": reflect.TypeOf(runtime.Interval{}),
	"System.ValueSet": reflect.TypeOf(&runtime.ValueSetInfo{}),
}

func init() {
	fhirTypes := []any{
		&r4.Patient{},
		&r4.Condition{},
		&r4.Observation{},
		&r4.MedicationStatement{},
		&r4.ValueSet{},
		&r4.Library{},
		&r4.Bundle{},
		&r4.Parameters{},
		&r4.OperationOutcome{},
		&r4.CodeableConcept{},
		&r4.Coding{},
		&r4.Quantity{},
		&r4.Age{},
		&r4.Period{},
		&r4.Range{},
		&r4.Ratio{},
		&r4.SampledData{},
		&r4.Reference{},
		&r4.Identifier{},
		&r4.HumanName{},
		r4.String(""),
		r4.Code(""),
		r4.URI(""),
		r4.Boolean(false),
		r4.Integer(0),
		r4.Decimal{},
		r4.Date(""),
		r4.DateTime(""),
		r4.Time(""),
		r4.ObservationStatus(""),
	}
	for _, v := range fhirTypes {
		el := v.(r4.Element)
		registry[DefaultPackageName+"."+el.TypeName()] = reflect.TypeOf(v)
	}
	// FHIR spells some primitives in lower case.
	registry[DefaultPackageName+".string"] = reflect.TypeOf(r4.String(""))
	registry[DefaultPackageName+".code"] = reflect.TypeOf(r4.Code(""))
	registry[DefaultPackageName+".uri"] = reflect.TypeOf(r4.URI(""))
	registry[DefaultPackageName+".boolean"] = reflect.TypeOf(r4.Boolean(false))
	registry[DefaultPackageName+".integer"] = reflect.TypeOf(r4.Integer(0))
	registry[DefaultPackageName+".decimal"] = reflect.TypeOf(r4.Decimal{})
	registry[DefaultPackageName+".date"] = reflect.TypeOf(r4.Date(""))
	registry[DefaultPackageName+".dateTime"] = reflect.TypeOf(r4.DateTime(""))
}
