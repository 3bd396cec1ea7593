package engine

import (
	"context"
	"fmt"

	"github.com/phast-fr/cql-proxy/internal/cql/runtime"
	"github.com/phast-fr/cql-proxy/internal/fhir/r4"
)

// FHIRHelpers serves the external conversion functions of the FHIRHelpers
// library, turning FHIR elements into CQL system values.
type FHIRHelpers struct{}

// Evaluate implements FunctionProvider.
func (FHIRHelpers) Evaluate(_ context.Context, name string, args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("FHIRHelpers.%s expects one argument, got %d", name, len(args))
	}
	v := args[0]
	if v == nil {
		return nil, nil
	}

	switch name {
	case "ToString":
		return toStringFunc(nil, v)
	case "ToBoolean":
		return toBoolean(nil, v)
	case "ToInteger":
		return toInteger(nil, v)
	case "ToDecimal":
		return toDecimalFunc(nil, v)
	case "ToDate":
		return toDate(nil, v)
	case "ToDateTime":
		return toDateTime(nil, v)
	case "ToCode":
		switch c := v.(type) {
		case *r4.Coding:
			return codingToCode(c), nil
		case runtime.Code:
			return c, nil
		}
	case "ToConcept":
		return toConcept(nil, v)
	case "ToQuantity":
		switch q := v.(type) {
		case *r4.Quantity:
			return quantityOf(q), nil
		case *r4.Age:
			return quantityOf(&q.Quantity), nil
		case runtime.Quantity:
			return q, nil
		}
	default:
		return nil, fmt.Errorf("Could not resolve external function FHIRHelpers.%s.", name)
	}
	return nil, fmt.Errorf("FHIRHelpers.%s cannot convert %s", name, typeName(v))
}

func quantityOf(q *r4.Quantity) any {
	if q.Value == nil {
		return nil
	}
	unit := string(q.Code)
	if unit == "" {
		unit = string(q.Unit)
	}
	return runtime.Quantity{Value: q.Value.Decimal, Unit: unit}
}
