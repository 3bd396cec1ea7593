package engine

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/phast-fr/cql-proxy/internal/cql/model"
	"github.com/phast-fr/cql-proxy/internal/cql/runtime"
	"github.com/phast-fr/cql-proxy/internal/fhir/r4"
)

var errMultipleElements = errors.New("Expected a list with at most one element, but found a list with multiple elements.")

// divisionPrecision is the scale of decimal division results.
const divisionPrecision = 8

// dateTimeLayouts are the accepted DateTime literal forms, most precise first.
var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02T15",
	"2006-01-02",
}

func parseDateTime(s string) (time.Time, error) {
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid datetime %q", s)
}

// typeName names the CQL type of v for error messages.
func typeName(v any) string {
	switch x := v.(type) {
	case nil:
		return "Null"
	case bool:
		return "System.Boolean"
	case int64:
		return "System.Integer"
	case decimal.Decimal:
		return "System.Decimal"
	case string:
		return "System.String"
	case runtime.Date:
		return "System.Date"
	case time.Time:
		return "System.DateTime"
	case runtime.Code:
		return "System.Code"
	case runtime.Concept:
		return "System.Concept"
	case runtime.Quantity:
		return "System.Quantity"
	case runtime.Interval:
		return "System.Interval"
	case *runtime.ValueSetInfo:
		return "System.ValueSet"
	case r4.Element:
		return "FHIR." + x.TypeName()
	case []any, RetrieveResult:
		return "List"
	}
	return fmt.Sprintf("%T", v)
}

func unresolvedOperator(name string, args ...any) error {
	types := make([]string, len(args))
	for i, a := range args {
		types[i] = typeName(a)
	}
	return fmt.Errorf("Could not resolve call to operator %s(%s).", name, strings.Join(types, ", "))
}

func isFHIRPrimitive(v any) bool {
	switch v.(type) {
	case r4.String, r4.Code, r4.URI, r4.ObservationStatus, r4.DateTime, r4.Time,
		r4.Boolean, r4.Integer, r4.Decimal, r4.Date:
		return true
	}
	return false
}

// prim unwraps FHIR primitives. DateTime primitives become time.Time.
func prim(v any) any {
	if dt, ok := v.(r4.DateTime); ok {
		if t, err := parseDateTime(string(dt)); err == nil {
			return t
		}
		return string(dt)
	}
	return model.Primitive(v)
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := prim(v).(type) {
	case decimal.Decimal:
		return n, true
	case int64:
		return decimal.NewFromInt(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case float64:
		return decimal.NewFromFloat(n), true
	}
	return decimal.Decimal{}, false
}

func toInt(v any) (int64, bool) {
	switch n := prim(v).(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	b, ok := prim(v).(bool)
	return b, ok
}

func toStr(v any) (string, bool) {
	s, ok := prim(v).(string)
	return s, ok
}

// temporal converts dates, datetimes and their FHIR or string forms.
func temporal(v any) (any, bool) {
	switch t := prim(v).(type) {
	case runtime.Date, time.Time:
		return t, true
	case string:
		if d, err := runtime.ParseDate(t); err == nil {
			return d, true
		}
		if dt, err := parseDateTime(t); err == nil {
			return dt, true
		}
	}
	return nil, false
}

func isTemporal(v any) bool {
	switch prim(v).(type) {
	case runtime.Date, time.Time:
		return true
	}
	return false
}

// compare orders a and b. known is false when either side is null or the
// comparison is uncertain at the precisions involved.
func compare(name string, a, b any) (c int, known bool, err error) {
	if a == nil || b == nil {
		return 0, false, nil
	}
	if isTemporal(a) || isTemporal(b) {
		ta, okA := temporal(a)
		tb, okB := temporal(b)
		if !okA || !okB {
			return 0, false, unresolvedOperator(name, a, b)
		}
		switch x := ta.(type) {
		case runtime.Date:
			if y, ok := tb.(time.Time); ok {
				tb = runtime.DateOf(y)
			}
			c, known = x.Compare(tb.(runtime.Date))
			return c, known, nil
		case time.Time:
			switch y := tb.(type) {
			case time.Time:
				return x.Compare(y), true, nil
			case runtime.Date:
				c, known = runtime.DateOf(x).Compare(y)
				return c, known, nil
			}
		}
	}

	pa, pb := prim(a), prim(b)
	switch x := pa.(type) {
	case string:
		if y, ok := pb.(string); ok {
			return strings.Compare(x, y), true, nil
		}
	case runtime.Quantity:
		if y, ok := pb.(runtime.Quantity); ok && x.Unit == y.Unit {
			return x.Value.Cmp(y.Value), true, nil
		}
	}
	if x, ok := toDecimal(pa); ok {
		if y, ok := toDecimal(pb); ok {
			return x.Cmp(y), true, nil
		}
	}
	return 0, false, unresolvedOperator(name, a, b)
}

func comparison(name string, accept func(c int) bool) nativeFunc {
	return func(_ *scope, args []any) (any, error) {
		if err := arity(name, args, 2); err != nil {
			return nil, err
		}
		c, known, err := compare(name, args[0], args[1])
		if err != nil || !known {
			return nil, err
		}
		return accept(c), nil
	}
}

// equal is CQL equality: nil when either side is null or the answer is
// uncertain.
func (s *scope) equal(a, b any) any {
	if a == nil || b == nil {
		return nil
	}
	la, aList := asList(a)
	lb, bList := asList(b)
	if aList || bList {
		if !aList || !bList || len(la) != len(lb) {
			return false
		}
		for i := range la {
			switch s.equal(la[i], lb[i]) {
			case nil:
				return nil
			case false:
				return false
			}
		}
		return true
	}
	if isTemporal(a) || isTemporal(b) {
		c, known, err := compare("Equal", a, b)
		if err != nil {
			return false
		}
		if !known {
			return nil
		}
		return c == 0
	}
	eq, known := s.c.resolver(s.lib).ObjectEqual(prim(a), prim(b))
	if !known {
		return nil
	}
	return eq
}

// codesOf returns the codes carried by a code or concept value.
func codesOf(v any) ([]runtime.Code, bool) {
	switch c := v.(type) {
	case runtime.Code:
		return []runtime.Code{c}, true
	case runtime.Concept:
		return c.Codes, true
	case *r4.Coding:
		return []runtime.Code{codingToCode(c)}, true
	case *r4.CodeableConcept:
		out := make([]runtime.Code, len(c.Coding))
		for i := range c.Coding {
			out[i] = codingToCode(&c.Coding[i])
		}
		return out, true
	}
	return nil, false
}

func codingToCode(c *r4.Coding) runtime.Code {
	return runtime.Code{
		Code:    string(c.Code),
		System:  string(c.System),
		Version: string(c.Version),
		Display: string(c.Display),
	}
}

// equivalent is CQL equivalence, which is never null.
func (s *scope) equivalent(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	la, aList := asList(a)
	lb, bList := asList(b)
	if aList || bList {
		if !aList || !bList || len(la) != len(lb) {
			return false
		}
		for i := range la {
			if !s.equivalent(la[i], lb[i]) {
				return false
			}
		}
		return true
	}
	if ca, ok := codesOf(a); ok {
		cb, ok := codesOf(b)
		if !ok {
			return false
		}
		for _, x := range ca {
			for _, y := range cb {
				if x.Equivalent(y) {
					return true
				}
			}
		}
		return false
	}
	if isTemporal(a) || isTemporal(b) {
		c, known, err := compare("Equivalent", a, b)
		return err == nil && known && c == 0
	}
	return s.c.resolver(s.lib).ObjectEquivalent(prim(a), prim(b))
}

// arithmetic applies ints when both operands are integers and decs otherwise.
// Either operand null yields null.
func arithmetic(name string, ints func(a, b int64) any, decs func(a, b decimal.Decimal) any) func(a, b any) (any, error) {
	return func(a, b any) (any, error) {
		if a == nil || b == nil {
			return nil, nil
		}
		if ints != nil {
			if x, ok := toInt(a); ok {
				if y, ok := toInt(b); ok {
					return ints(x, y), nil
				}
			}
		}
		x, okA := toDecimal(a)
		y, okB := toDecimal(b)
		if !okA || !okB {
			return nil, unresolvedOperator(name, a, b)
		}
		return decs(x, y), nil
	}
}

// checked returns n, or null when ok is false. Integer results that do not
// fit are null rather than wrapped.
func checked(n int64, ok bool) any {
	if !ok {
		return nil
	}
	return n
}

func addInts(a, b int64) (int64, bool) {
	c := a + b
	return c, (a^c)&(b^c) >= 0
}

func subtractInts(a, b int64) (int64, bool) {
	c := a - b
	return c, (a^b)&(a^c) >= 0
}

func multiplyInts(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	if (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		return 0, false
	}
	c := a * b
	return c, c/b == a
}

var (
	addNumbers = arithmetic("Add",
		func(a, b int64) any { return checked(addInts(a, b)) },
		func(a, b decimal.Decimal) any { return a.Add(b) })
	subtractNumbers = arithmetic("Subtract",
		func(a, b int64) any { return checked(subtractInts(a, b)) },
		func(a, b decimal.Decimal) any { return a.Sub(b) })
	multiplyNumbers = arithmetic("Multiply",
		func(a, b int64) any { return checked(multiplyInts(a, b)) },
		func(a, b decimal.Decimal) any { return a.Mul(b) })
	divideNumbers = arithmetic("Divide", nil,
		func(a, b decimal.Decimal) any {
			if b.IsZero() {
				return nil
			}
			return a.DivRound(b, divisionPrecision)
		})
	truncatedDivideNumbers = arithmetic("TruncatedDivide",
		func(a, b int64) any {
			if b == 0 || (a == math.MinInt64 && b == -1) {
				return nil
			}
			return a / b
		},
		func(a, b decimal.Decimal) any {
			if b.IsZero() {
				return nil
			}
			return a.Div(b).Truncate(0)
		})
	moduloNumbers = arithmetic("Modulo",
		func(a, b int64) any {
			if b == 0 {
				return nil
			}
			return a % b
		},
		func(a, b decimal.Decimal) any {
			if b.IsZero() {
				return nil
			}
			return a.Mod(b)
		})
)

// add handles numbers, strings, quantities and date arithmetic.
func add(a, b any, sign int) (any, error) {
	name := "Add"
	if sign < 0 {
		name = "Subtract"
	}
	if a == nil || b == nil {
		return nil, nil
	}
	if q, ok := prim(b).(runtime.Quantity); ok {
		switch x := prim(a).(type) {
		case runtime.Date:
			return shiftDate(x, q, sign)
		case time.Time:
			return shiftDateTime(x, q, sign)
		case runtime.Quantity:
			if x.Unit != q.Unit {
				return nil, unresolvedOperator(name, a, b)
			}
			if sign < 0 {
				return runtime.Quantity{Value: x.Value.Sub(q.Value), Unit: x.Unit}, nil
			}
			return runtime.Quantity{Value: x.Value.Add(q.Value), Unit: x.Unit}, nil
		}
	}
	if sign > 0 {
		if x, ok := toStr(a); ok {
			if y, ok := toStr(b); ok {
				return x + y, nil
			}
		}
		return addNumbers(a, b)
	}
	return subtractNumbers(a, b)
}

// calendarUnit normalises a UCUM or CQL duration unit.
func calendarUnit(unit string) string {
	switch strings.Trim(unit, "'") {
	case "year", "years", "a":
		return "year"
	case "month", "months", "mo":
		return "month"
	case "week", "weeks", "wk":
		return "week"
	case "day", "days", "d":
		return "day"
	case "hour", "hours", "h":
		return "hour"
	case "minute", "minutes", "min":
		return "minute"
	case "second", "seconds", "s":
		return "second"
	}
	return ""
}

func shiftDate(d runtime.Date, q runtime.Quantity, sign int) (any, error) {
	n := int(q.Value.IntPart()) * sign
	month, day := d.Month, d.Day
	if month == 0 {
		month = time.January
	}
	if day == 0 {
		day = 1
	}
	t := time.Date(d.Year, month, day, 0, 0, 0, 0, time.UTC)
	switch calendarUnit(q.Unit) {
	case "year":
		t = addMonths(t, 12*n)
	case "month":
		t = addMonths(t, n)
	case "week":
		t = t.AddDate(0, 0, 7*n)
	case "day":
		t = t.AddDate(0, 0, n)
	default:
		return nil, fmt.Errorf("Invalid duration unit %s for a date.", q.Unit)
	}
	out := runtime.DateOf(t)
	out.Precision = d.Precision
	return out, nil
}

func shiftDateTime(t time.Time, q runtime.Quantity, sign int) (any, error) {
	n := int(q.Value.IntPart()) * sign
	switch calendarUnit(q.Unit) {
	case "year":
		return addMonths(t, 12*n), nil
	case "month":
		return addMonths(t, n), nil
	case "week":
		return t.AddDate(0, 0, 7*n), nil
	case "day":
		return t.AddDate(0, 0, n), nil
	case "hour":
		return t.Add(time.Duration(n) * time.Hour), nil
	case "minute":
		return t.Add(time.Duration(n) * time.Minute), nil
	case "second":
		return t.Add(time.Duration(n) * time.Second), nil
	}
	return nil, fmt.Errorf("Invalid duration unit %s for a datetime.", q.Unit)
}

// addMonths moves t by n months, clamping the day to the end of the target
// month.
func addMonths(t time.Time, n int) time.Time {
	first := time.Date(t.Year(), t.Month(), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	target := first.AddDate(0, n, 0)
	last := target.AddDate(0, 1, -1).Day()
	day := t.Day()
	if day > last {
		day = last
	}
	return target.AddDate(0, 0, day-1)
}

func arity(name string, args []any, counts ...int) error {
	for _, n := range counts {
		if len(args) == n {
			return nil
		}
	}
	return fmt.Errorf("Could not resolve call to operator %s with %d arguments.", name, len(args))
}

func singletonFrom(v any) (any, error) {
	list, ok := asList(v)
	if !ok {
		return v, nil
	}
	switch len(list) {
	case 0:
		return nil, nil
	case 1:
		return list[0], nil
	}
	return nil, errMultipleElements
}
