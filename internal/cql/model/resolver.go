// Package model maps CQL property paths and type names onto the FHIR R4
// structures of internal/fhir/r4.
package model

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/phast-fr/cql-proxy/internal/cql/runtime"
	"github.com/phast-fr/cql-proxy/internal/fhir/r4"
)

// DefaultPackageName is the namespace FHIR R4 types are registered under.
const DefaultPackageName = "fhir.r4"

// Contexts that never narrow a retrieve by subject.
const (
	ContextUnspecified = "Unspecified"
	ContextPopulation  = "Population"
)

// ErrNotImplemented is returned by resolver capabilities this model does not support.
var ErrNotImplemented = errors.New("not implemented")

// UnknownTypeError is returned when a type name resolves in neither the
// resolver's namespace nor the global registry.
type UnknownTypeError struct {
	TypeName    string
	PackageName string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("Could not resolve type %s. Primary package for this resolver is %s", e.TypeName, e.PackageName)
}

// Resolver is the FHIR R4 model resolver.
type Resolver struct {
	packageName string
	logger      *zap.Logger
}

// NewResolver creates a resolver bound to the fhir.r4 namespace.
func NewResolver(logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		packageName: DefaultPackageName,
		logger:      logger,
	}
}

// PackageName returns the namespace searched first by ResolveType.
func (r *Resolver) PackageName() string {
	return r.packageName
}

// SetPackageName rebinds the primary namespace.
func (r *Resolver) SetPackageName(name string) {
	r.packageName = name
}

// ResolvePath returns the value at path on target, or nil when the
// (type, path) pair is not supported. It never fails.
func (r *Resolver) ResolvePath(target any, path string) any {
	el, ok := target.(r4.Element)
	if !ok || isNilPointer(el) {
		r.unresolved(target, path)
		return nil
	}

	v := &pathVisitor{path: path}
	el.Accept(v)
	if !v.found {
		r.unresolved(target, path)
		return nil
	}
	return v.value
}

func (r *Resolver) unresolved(target any, path string) {
	r.logger.Info("unresolved path",
		zap.String("target", fmt.Sprintf("%T", target)),
		zap.String("path", path),
	)
}

// ContextPath returns the search path a retrieve of targetType narrows on
// inside contextType. The second result is false when either input is empty.
func (r *Resolver) ContextPath(contextType, targetType string) (string, bool) {
	if contextType == "" || targetType == "" {
		return "", false
	}

	if contextType != ContextUnspecified && contextType != ContextPopulation {
		if contextType == "Patient" && targetType == "MedicationStatement" {
			return "subject", true
		}
		if contextType == targetType {
			return "id", true
		}
	}
	return "subject", true
}

// ResolveType looks typeName up in the resolver's namespace first, then as a
// bare name.
func (r *Resolver) ResolveType(typeName string) (reflect.Type, error) {
	if t, ok := registry[r.packageName+"."+typeName]; ok {
		return t, nil
	}
	if t, ok := registry[typeName]; ok {
		return t, nil
	}
	return nil, &UnknownTypeError{TypeName: typeName, PackageName: r.packageName}
}

// ResolveTypeOf returns the runtime type of value.
func (r *Resolver) ResolveTypeOf(value any) reflect.Type {
	return reflect.TypeOf(value)
}

// Is reports whether value is an instance of t.
func (r *Resolver) Is(value any, t reflect.Type) bool {
	if value == nil || t == nil {
		return false
	}
	return reflect.TypeOf(value).AssignableTo(t)
}

// As narrows value to t. A mismatch yields nil, or an error when strict.
func (r *Resolver) As(value any, t reflect.Type, strict bool) (any, error) {
	if value == nil {
		return nil, nil
	}
	if r.Is(value, t) {
		return value, nil
	}
	if strict {
		return nil, fmt.Errorf("invalid cast from %T to %v", value, t)
	}
	return nil, nil
}

// CreateInstance returns a zero instance of the named type. Resources come
// back with their resourceType set.
func (r *Resolver) CreateInstance(typeName string) (any, error) {
	t, err := r.ResolveType(typeName)
	if err != nil {
		return nil, err
	}
	if t.Kind() != reflect.Pointer {
		return reflect.Zero(t).Interface(), nil
	}
	v := reflect.New(t.Elem())
	if f := v.Elem().FieldByName("ResourceType"); f.IsValid() && f.Kind() == reflect.String {
		f.SetString(t.Elem().Name())
	}
	return v.Interface(), nil
}

// SetValue is not supported: resources are read-only inside an evaluation.
func (r *Resolver) SetValue(target any, path string, value any) error {
	return fmt.Errorf("set %s on %T: %w", path, target, ErrNotImplemented)
}

// ObjectEqual compares two values with CQL equality. Primitive elements
// compare by their value. The second result is false when either side is nil,
// in which case equality is unknown.
func (r *Resolver) ObjectEqual(left, right any) (bool, bool) {
	if left == nil || right == nil {
		return false, false
	}
	l, r2 := Primitive(left), Primitive(right)

	switch lv := l.(type) {
	case decimal.Decimal:
		rv, ok := asDecimal(r2)
		return ok && lv.Equal(rv), true
	case int64:
		if rv, ok := r2.(int64); ok {
			return lv == rv, true
		}
		if rv, ok := asDecimal(r2); ok {
			return decimal.NewFromInt(lv).Equal(rv), true
		}
		return false, true
	case float64:
		rv, ok := asDecimal(r2)
		return ok && decimal.NewFromFloat(lv).Equal(rv), true
	case runtime.Date:
		if rv, ok := r2.(runtime.Date); ok {
			c, certain := lv.Compare(rv)
			return c == 0, certain
		}
		return false, true
	case *r4.Coding:
		if rv, ok := r2.(*r4.Coding); ok {
			return *lv == *rv, true
		}
		return false, true
	}
	return reflect.DeepEqual(l, r2), true
}

// ObjectEquivalent compares two values with CQL equivalence: strings ignore
// case and surrounding whitespace, codes compare on code and system, and two
// nils are equivalent.
func (r *Resolver) ObjectEquivalent(left, right any) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	l, r2 := Primitive(left), Primitive(right)

	if ls, ok := l.(string); ok {
		rs, ok := r2.(string)
		return ok && strings.EqualFold(strings.TrimSpace(ls), strings.TrimSpace(rs))
	}
	if lc, ok := asCode(l); ok {
		rc, ok := asCode(r2)
		return ok && lc.Equivalent(rc)
	}
	eq, _ := r.ObjectEqual(left, right)
	return eq
}

// Primitive unwraps FHIR primitive elements to their Go value. Any other
// value is returned unchanged.
func Primitive(value any) any {
	switch v := value.(type) {
	case r4.String:
		return string(v)
	case r4.Code:
		return string(v)
	case r4.URI:
		return string(v)
	case r4.ObservationStatus:
		return string(v)
	case r4.DateTime:
		return string(v)
	case r4.Time:
		return string(v)
	case r4.Boolean:
		return bool(v)
	case r4.Integer:
		return int64(v)
	case r4.Decimal:
		return v.Decimal
	case r4.Date:
		if d, err := runtime.ParseDate(string(v)); err == nil {
			return d
		}
		return string(v)
	}
	return value
}

func asDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, true
	case int64:
		return decimal.NewFromInt(n), true
	case float64:
		return decimal.NewFromFloat(n), true
	}
	return decimal.Decimal{}, false
}

func asCode(v any) (runtime.Code, bool) {
	switch c := v.(type) {
	case runtime.Code:
		return c, true
	case *r4.Coding:
		return runtime.Code{Code: string(c.Code), System: string(c.System)}, true
	}
	return runtime.Code{}, false
}

func isNilPointer(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}
