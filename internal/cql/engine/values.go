package engine

import (
	"fmt"
	"reflect"

	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"github.com/shopspring/decimal"

	"github.com/phast-fr/cql-proxy/internal/fhir/r4"
)

// RetrieveResult is the value of a retrieve expression.
type RetrieveResult []r4.Resource

// objectType is the CEL type of every value CEL has no native form for:
// FHIR elements, decimals, dates and the CQL system structures.
var objectType = types.NewOpaqueType("cql.Object")

type objectVal struct {
	value any
}

func (o objectVal) ConvertToNative(t reflect.Type) (any, error) {
	if reflect.TypeOf(o.value).AssignableTo(t) {
		return o.value, nil
	}
	return nil, fmt.Errorf("type conversion error from %T to %v", o.value, t)
}

func (o objectVal) ConvertToType(t ref.Type) ref.Val {
	switch t {
	case objectType:
		return o
	case types.TypeType:
		return objectType
	case types.StringType:
		return types.String(fmt.Sprint(o.value))
	}
	return types.NewErr("type conversion error from %s to %s", objectType, t)
}

func (o objectVal) Equal(other ref.Val) ref.Val {
	ov, ok := other.(objectVal)
	return types.Bool(ok && reflect.DeepEqual(o.value, ov.value))
}

func (o objectVal) Type() ref.Type { return objectType }

func (o objectVal) Value() any { return o.value }

// retrieveList is a list that remembers it came from a retrieve.
type retrieveList struct {
	traits.Lister
	resources RetrieveResult
}

func (l retrieveList) Value() any { return l.resources }

// adapter converts evaluation values to CEL values.
type adapter struct{}

func (a adapter) NativeToValue(value any) ref.Val {
	switch v := value.(type) {
	case ref.Val:
		return v
	case nil:
		return types.NullValue
	case bool:
		return types.Bool(v)
	case int:
		return types.Int(v)
	case int32:
		return types.Int(v)
	case int64:
		return types.Int(v)
	case float64:
		return objectVal{decimal.NewFromFloat(v)}
	case string:
		return types.String(v)
	case RetrieveResult:
		return retrieveList{Lister: types.NewDynamicList(a, []r4.Resource(v)), resources: v}
	case []any:
		return types.NewDynamicList(a, v)
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return types.NullValue
		}
	case reflect.Slice:
		if rv.IsNil() {
			return types.NullValue
		}
		return types.NewDynamicList(a, value)
	}
	return objectVal{value}
}

// native converts a CEL value back to the Go value functions operate on.
// Lists become []any, CEL doubles become decimals.
func native(v ref.Val) any {
	switch val := v.(type) {
	case nil, types.Null:
		return nil
	case retrieveList:
		return val.resources
	case objectVal:
		return val.value
	case types.Double:
		return decimal.NewFromFloat(float64(val))
	case types.Uint:
		return int64(val)
	case traits.Lister:
		out := make([]any, 0, int(val.Size().(types.Int)))
		for it := val.Iterator(); it.HasNext() == types.True; {
			out = append(out, native(it.Next()))
		}
		return out
	}
	return v.Value()
}

// asList returns the elements of a list value. Any slice but []byte counts
// as a list.
func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case RetrieveResult:
		out := make([]any, len(l))
		for i, res := range l {
			out[i] = res
		}
		return out, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice || rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
