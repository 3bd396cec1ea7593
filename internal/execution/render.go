package execution

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/phast-fr/cql-proxy/internal/cql/engine"
	"github.com/phast-fr/cql-proxy/internal/cql/model"
	"github.com/phast-fr/cql-proxy/internal/cql/runtime"
	"github.com/phast-fr/cql-proxy/internal/fhir/r4"
)

// Statement result parameter names.
const (
	partLocation   = "location"
	partValue      = "value"
	partResultType = "resultType"
	partError      = "error"
)

// errorID names the entry of a request-level failure.
const errorID = "Error"

// addValue appends the value part of a statement result: a resource, a
// Bundle of resources, or text.
func addValue(p *r4.Parameters, v any) {
	switch res := v.(type) {
	case nil:
		p.AddString(partValue, "null")
	case engine.RetrieveResult:
		p.AddResource(partValue, r4.NewCollection(res))
	case []any:
		if resources, ok := resourcesOf(res); ok {
			p.AddResource(partValue, r4.NewCollection(resources))
			return
		}
		p.AddString(partValue, render(res))
	case r4.Resource:
		p.AddResource(partValue, res)
	default:
		p.AddString(partValue, render(v))
	}
}

// resourcesOf reports whether list holds resources, judged by its first
// element. Non-resource elements become empty entries.
func resourcesOf(list []any) ([]r4.Resource, bool) {
	if len(list) == 0 {
		return nil, false
	}
	if _, ok := list[0].(r4.Resource); !ok {
		return nil, false
	}
	out := make([]r4.Resource, len(list))
	for i, v := range list {
		out[i], _ = v.(r4.Resource)
	}
	return out, true
}

// render formats a value as statement result text.
func render(v any) string {
	switch x := model.Primitive(v).(type) {
	case nil:
		return "null"
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case decimal.Decimal:
		return x.String()
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case fmt.Stringer:
		return x.String()
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = render(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case r4.Element:
		if b, err := json.Marshal(x); err == nil {
			return string(b)
		}
	}
	return fmt.Sprint(v)
}

// resultType names the kind of a statement result.
func resultType(v any) string {
	switch x := v.(type) {
	case nil:
		return "Null"
	case decimal.Decimal:
		return "Decimal"
	case []any:
		return "List"
	case engine.RetrieveResult:
		return "Retrieve"
	case int64:
		return "Integer"
	case string:
		return "String"
	case bool:
		return "Boolean"
	case time.Time:
		return "DateTime"
	case runtime.Date:
		return "Date"
	case runtime.Code:
		return "Code"
	case runtime.Concept:
		return "Concept"
	case runtime.Quantity:
		return "Quantity"
	case runtime.Interval:
		return "Interval"
	case *runtime.ValueSetInfo:
		return "ValueSet"
	case runtime.CodeSystemInfo:
		return "CodeSystem"
	case r4.Element:
		return x.TypeName()
	}
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}

// Summary counts the entries of a result Bundle and those reporting an
// error.
func Summary(b *r4.Bundle) (total, failed int) {
	if b == nil {
		return 0, 0
	}
	for _, e := range b.Entry {
		p, ok := e.Resource.(*r4.Parameters)
		if !ok {
			continue
		}
		if _, hasError := p.Get(partError); hasError {
			failed++
		}
	}
	return len(b.Entry), failed
}
