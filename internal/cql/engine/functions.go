package engine

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/phast-fr/cql-proxy/internal/cql/model"
	"github.com/phast-fr/cql-proxy/internal/cql/runtime"
	"github.com/phast-fr/cql-proxy/internal/fhir/r4"
)

// system is the CQL system function library. Every operator the compiler
// emits is listed here.
var system = map[string]nativeFunc{
	// Logic
	"And":     binary("And", and),
	"Or":      binary("Or", or),
	"Xor":     binary("Xor", xor),
	"Implies": binary("Implies", implies),
	"Not": unary("Not", func(_ *scope, v any) (any, error) {
		if b, ok := toBool(v); ok {
			return !b, nil
		}
		return nil, nil
	}),
	"IsNull": unary("IsNull", func(_ *scope, v any) (any, error) { return v == nil, nil }),
	"IsTrue": unary("IsTrue", func(_ *scope, v any) (any, error) {
		b, ok := toBool(v)
		return ok && b, nil
	}),
	"IsFalse": unary("IsFalse", func(_ *scope, v any) (any, error) {
		b, ok := toBool(v)
		return ok && !b, nil
	}),

	// Comparison
	"Equal": binary("Equal", func(s *scope, a, b any) (any, error) { return s.equal(a, b), nil }),
	"NotEqual": binary("NotEqual", func(s *scope, a, b any) (any, error) {
		if eq, ok := s.equal(a, b).(bool); ok {
			return !eq, nil
		}
		return nil, nil
	}),
	"Equivalent":     binary("Equivalent", func(s *scope, a, b any) (any, error) { return s.equivalent(a, b), nil }),
	"Less":           comparison("Less", func(c int) bool { return c < 0 }),
	"LessOrEqual":    comparison("LessOrEqual", func(c int) bool { return c <= 0 }),
	"Greater":        comparison("Greater", func(c int) bool { return c > 0 }),
	"GreaterOrEqual": comparison("GreaterOrEqual", func(c int) bool { return c >= 0 }),

	// Arithmetic
	"Add":             binary("Add", func(_ *scope, a, b any) (any, error) { return add(a, b, 1) }),
	"Subtract":        binary("Subtract", func(_ *scope, a, b any) (any, error) { return add(a, b, -1) }),
	"Multiply":        binary("Multiply", dropScope(multiplyNumbers)),
	"Divide":          binary("Divide", dropScope(divideNumbers)),
	"TruncatedDivide": binary("TruncatedDivide", dropScope(truncatedDivideNumbers)),
	"Modulo":          binary("Modulo", dropScope(moduloNumbers)),
	"Negate":          unary("Negate", negate),

	// Strings
	"Concatenate": concatenate,
	"Length":      unary("Length", length),
	"Upper":       stringFunc("Upper", strings.ToUpper),
	"Lower":       stringFunc("Lower", strings.ToLower),
	"StartsWith": binary("StartsWith", func(_ *scope, a, b any) (any, error) {
		return stringPredicate("StartsWith", a, b, strings.HasPrefix)
	}),
	"EndsWith": binary("EndsWith", func(_ *scope, a, b any) (any, error) {
		return stringPredicate("EndsWith", a, b, strings.HasSuffix)
	}),
	"Substring": substring,
	"Combine":   combine,

	// Conversion and types
	"ToString":   unary("ToString", toStringFunc),
	"ToInteger":  unary("ToInteger", toInteger),
	"ToDecimal":  unary("ToDecimal", toDecimalFunc),
	"ToBoolean":  unary("ToBoolean", toBoolean),
	"ToDate":     unary("ToDate", toDate),
	"ToDateTime": unary("ToDateTime", toDateTime),
	"ToConcept":  unary("ToConcept", toConcept),
	"ToList":     unary("ToList", toList),
	"Is":         isType,
	"As":         asType,

	// Lists and aggregates
	"Exists":        unary("Exists", exists),
	"Count":         unary("Count", count),
	"Sum":           unary("Sum", sum),
	"Avg":           unary("Avg", avg),
	"Min":           extreme("Min", -1),
	"Max":           extreme("Max", 1),
	"First":         unary("First", first),
	"Last":          unary("Last", last),
	"SingletonFrom": unary("SingletonFrom", func(_ *scope, v any) (any, error) { return singletonFrom(v) }),
	"Distinct":      unary("Distinct", distinct),
	"Flatten":       unary("Flatten", flatten),
	"Coalesce":      coalesce,
	"In":            binary("In", in),
	"Indexer":       binary("Indexer", indexer),
	"Property":      binary("Property", property),

	// Dates
	"Today":                 today,
	"Now":                   now,
	"Date":                  dateSelector,
	"DateTime":              dateTimeSelector,
	"AgeInYears":            ageInYears,
	"AgeInYearsAt":          unary("AgeInYearsAt", ageInYearsAt),
	"CalculateAgeInYears":   unary("CalculateAgeInYears", calculateAgeInYears),
	"CalculateAgeInYearsAt": binary("CalculateAgeInYearsAt", calculateAgeInYearsAt),

	// Selectors
	"Interval": intervalSelector,
	"Quantity": quantitySelector,
	"Code":     codeSelector,

	// Terminology and data
	"Expand":     unary("Expand", expand),
	"InValueSet": binary("InValueSet", inValueSet),
	"Retrieve":   retrieveFunc,
}

func unary(name string, fn func(s *scope, v any) (any, error)) nativeFunc {
	return func(s *scope, args []any) (any, error) {
		if err := arity(name, args, 1); err != nil {
			return nil, err
		}
		return fn(s, args[0])
	}
}

func binary(name string, fn func(s *scope, a, b any) (any, error)) nativeFunc {
	return func(s *scope, args []any) (any, error) {
		if err := arity(name, args, 2); err != nil {
			return nil, err
		}
		return fn(s, args[0], args[1])
	}
}

func dropScope(fn func(a, b any) (any, error)) func(*scope, any, any) (any, error) {
	return func(_ *scope, a, b any) (any, error) { return fn(a, b) }
}

// Three-valued logic.

func and(_ *scope, a, b any) (any, error) {
	x, okA := toBool(a)
	y, okB := toBool(b)
	switch {
	case okA && !x, okB && !y:
		return false, nil
	case okA && okB:
		return true, nil
	}
	return nil, nil
}

func or(_ *scope, a, b any) (any, error) {
	x, okA := toBool(a)
	y, okB := toBool(b)
	switch {
	case okA && x, okB && y:
		return true, nil
	case okA && okB:
		return false, nil
	}
	return nil, nil
}

func xor(_ *scope, a, b any) (any, error) {
	x, okA := toBool(a)
	y, okB := toBool(b)
	if !okA || !okB {
		return nil, nil
	}
	return x != y, nil
}

func implies(_ *scope, a, b any) (any, error) {
	x, okA := toBool(a)
	y, okB := toBool(b)
	switch {
	case okA && !x, okB && y:
		return true, nil
	case okA && okB:
		return false, nil
	}
	return nil, nil
}

// Arithmetic.

func negate(_ *scope, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if n, ok := toInt(v); ok {
		if n == math.MinInt64 {
			return nil, nil
		}
		return -n, nil
	}
	if d, ok := toDecimal(v); ok {
		return d.Neg(), nil
	}
	if q, ok := prim(v).(runtime.Quantity); ok {
		return runtime.Quantity{Value: q.Value.Neg(), Unit: q.Unit}, nil
	}
	return nil, unresolvedOperator("Negate", v)
}

// Strings.

// concatenate treats null operands as empty strings.
func concatenate(_ *scope, args []any) (any, error) {
	var b strings.Builder
	for _, a := range args {
		if a == nil {
			continue
		}
		s, ok := toStr(a)
		if !ok {
			return nil, unresolvedOperator("Concatenate", args...)
		}
		b.WriteString(s)
	}
	return b.String(), nil
}

func length(_ *scope, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := toStr(v); ok {
		return int64(len([]rune(s))), nil
	}
	if l, ok := asList(v); ok {
		return int64(len(l)), nil
	}
	return nil, unresolvedOperator("Length", v)
}

func stringFunc(name string, fn func(string) string) nativeFunc {
	return unary(name, func(_ *scope, v any) (any, error) {
		if v == nil {
			return nil, nil
		}
		s, ok := toStr(v)
		if !ok {
			return nil, unresolvedOperator(name, v)
		}
		return fn(s), nil
	})
}

func stringPredicate(name string, a, b any, fn func(s, affix string) bool) (any, error) {
	if a == nil || b == nil {
		return nil, nil
	}
	s, okA := toStr(a)
	affix, okB := toStr(b)
	if !okA || !okB {
		return nil, unresolvedOperator(name, a, b)
	}
	return fn(s, affix), nil
}

func substring(_ *scope, args []any) (any, error) {
	if err := arity("Substring", args, 2, 3); err != nil {
		return nil, err
	}
	for _, a := range args {
		if a == nil {
			return nil, nil
		}
	}
	s, okS := toStr(args[0])
	start, okStart := toInt(args[1])
	if !okS || !okStart {
		return nil, unresolvedOperator("Substring", args...)
	}
	runes := []rune(s)
	if start < 0 || start >= int64(len(runes)) {
		return nil, nil
	}
	end := int64(len(runes))
	if len(args) == 3 {
		n, ok := toInt(args[2])
		if !ok {
			return nil, unresolvedOperator("Substring", args...)
		}
		end = min(end, start+n)
	}
	return string(runes[start:end]), nil
}

func combine(_ *scope, args []any) (any, error) {
	if err := arity("Combine", args, 1, 2); err != nil {
		return nil, err
	}
	list, ok := asList(args[0])
	if !ok {
		return nil, nil
	}
	sep := ""
	if len(args) == 2 && args[1] != nil {
		sep, _ = toStr(args[1])
	}
	parts := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := toStr(item); ok {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, sep), nil
}

// Conversions.

func toStringFunc(_ *scope, v any) (any, error) {
	switch x := prim(v).(type) {
	case nil:
		return nil, nil
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case decimal.Decimal:
		return x.String(), nil
	case time.Time:
		return x.Format(time.RFC3339Nano), nil
	case fmt.Stringer:
		return x.String(), nil
	}
	return nil, unresolvedOperator("ToString", v)
}

func toInteger(_ *scope, v any) (any, error) {
	switch x := prim(v).(type) {
	case nil:
		return nil, nil
	case int64:
		return x, nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return nil, nil
		}
		return n, nil
	}
	return nil, unresolvedOperator("ToInteger", v)
}

func toDecimalFunc(_ *scope, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if d, ok := toDecimal(v); ok {
		return d, nil
	}
	switch x := prim(v).(type) {
	case bool:
		if x {
			return decimal.NewFromInt(1), nil
		}
		return decimal.Zero, nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(x))
		if err != nil {
			return nil, nil
		}
		return d, nil
	}
	return nil, unresolvedOperator("ToDecimal", v)
}

func toBoolean(_ *scope, v any) (any, error) {
	switch x := prim(v).(type) {
	case nil:
		return nil, nil
	case bool:
		return x, nil
	case int64:
		switch x {
		case 1:
			return true, nil
		case 0:
			return false, nil
		}
		return nil, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "t", "yes", "y", "1":
			return true, nil
		case "false", "f", "no", "n", "0":
			return false, nil
		}
		return nil, nil
	}
	return nil, unresolvedOperator("ToBoolean", v)
}

func toDate(_ *scope, v any) (any, error) {
	switch x := prim(v).(type) {
	case nil:
		return nil, nil
	case runtime.Date:
		return x, nil
	case time.Time:
		return runtime.DateOf(x), nil
	case string:
		if d, err := runtime.ParseDate(x); err == nil {
			return d, nil
		}
		if t, err := parseDateTime(x); err == nil {
			return runtime.DateOf(t), nil
		}
		return nil, nil
	}
	return nil, unresolvedOperator("ToDate", v)
}

func toDateTime(_ *scope, v any) (any, error) {
	switch x := prim(v).(type) {
	case nil:
		return nil, nil
	case time.Time:
		return x, nil
	case runtime.Date:
		return time.Date(x.Year, max(x.Month, time.January), max(x.Day, 1), 0, 0, 0, 0, time.UTC), nil
	case string:
		t, err := parseDateTime(x)
		if err != nil {
			return nil, nil
		}
		return t, nil
	}
	return nil, unresolvedOperator("ToDateTime", v)
}

func toConcept(_ *scope, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if list, ok := asList(v); ok {
		concept := runtime.Concept{}
		for _, item := range list {
			codes, ok := codesOf(item)
			if !ok {
				return nil, unresolvedOperator("ToConcept", v)
			}
			concept.Codes = append(concept.Codes, codes...)
		}
		return concept, nil
	}
	codes, ok := codesOf(v)
	if !ok {
		return nil, unresolvedOperator("ToConcept", v)
	}
	concept := runtime.Concept{Codes: codes}
	if cc, ok := v.(*r4.CodeableConcept); ok {
		concept.Display = string(cc.Text)
	}
	return concept, nil
}

func toList(_ *scope, v any) (any, error) {
	if v == nil {
		return []any{}, nil
	}
	if l, ok := asList(v); ok {
		return l, nil
	}
	return []any{v}, nil
}

// typeCandidates resolves a type specifier. Unqualified names are looked up
// in the library's model first, then in System.
func (s *scope) typeCandidates(name string) ([]reflect.Type, error) {
	r := s.c.resolver(s.lib)
	switch {
	case strings.HasPrefix(name, "System."):
		t, err := r.ResolveType(name)
		if err != nil {
			return nil, err
		}
		return []reflect.Type{t}, nil
	case strings.Contains(name, "."):
		_, local, _ := strings.Cut(name, ".")
		t, err := r.ResolveType(local)
		if err != nil {
			return nil, err
		}
		return []reflect.Type{t}, nil
	}
	var out []reflect.Type
	if t, err := r.ResolveType(name); err == nil {
		out = append(out, t)
	}
	t, err := r.ResolveType("System." + name)
	if err == nil {
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, err
	}
	return out, nil
}

func isType(s *scope, args []any) (any, error) {
	if err := arity("Is", args, 2); err != nil {
		return nil, err
	}
	name, _ := args[1].(string)
	candidates, err := s.typeCandidates(name)
	if err != nil {
		return nil, err
	}
	r := s.c.resolver(s.lib)
	for _, t := range candidates {
		if r.Is(args[0], t) {
			return true, nil
		}
	}
	return false, nil
}

func asType(s *scope, args []any) (any, error) {
	if err := arity("As", args, 2, 3); err != nil {
		return nil, err
	}
	name, _ := args[1].(string)
	strict := false
	if len(args) == 3 {
		strict, _ = args[2].(bool)
	}
	candidates, err := s.typeCandidates(name)
	if err != nil {
		return nil, err
	}
	r := s.c.resolver(s.lib)
	for _, t := range candidates {
		if r.Is(args[0], t) {
			return args[0], nil
		}
	}
	return r.As(args[0], candidates[0], strict)
}

// Lists and aggregates.

func exists(_ *scope, v any) (any, error) {
	if v == nil {
		return false, nil
	}
	list, ok := asList(v)
	if !ok {
		return true, nil
	}
	for _, item := range list {
		if item != nil {
			return true, nil
		}
	}
	return false, nil
}

func nonNull(v any) []any {
	list, ok := asList(v)
	if !ok {
		if v == nil {
			return nil
		}
		return []any{v}
	}
	out := make([]any, 0, len(list))
	for _, item := range list {
		if item != nil {
			out = append(out, item)
		}
	}
	return out
}

func count(_ *scope, v any) (any, error) {
	return int64(len(nonNull(v))), nil
}

func sum(_ *scope, v any) (any, error) {
	items := nonNull(v)
	if len(items) == 0 {
		return nil, nil
	}
	var total any = items[0]
	for _, item := range items[1:] {
		next, err := add(total, item, 1)
		if err != nil {
			return nil, err
		}
		total = next
	}
	return prim(total), nil
}

func avg(_ *scope, v any) (any, error) {
	items := nonNull(v)
	if len(items) == 0 {
		return nil, nil
	}
	total := decimal.Zero
	for _, item := range items {
		d, ok := toDecimal(item)
		if !ok {
			return nil, unresolvedOperator("Avg", item)
		}
		total = total.Add(d)
	}
	return total.DivRound(decimal.NewFromInt(int64(len(items))), divisionPrecision), nil
}

func extreme(name string, want int) nativeFunc {
	return unary(name, func(_ *scope, v any) (any, error) {
		items := nonNull(v)
		if len(items) == 0 {
			return nil, nil
		}
		best := items[0]
		for _, item := range items[1:] {
			c, known, err := compare(name, item, best)
			if err != nil {
				return nil, err
			}
			if known && c == want {
				best = item
			}
		}
		return prim(best), nil
	})
}

func first(_ *scope, v any) (any, error) {
	list, ok := asList(v)
	if !ok || len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func last(_ *scope, v any) (any, error) {
	list, ok := asList(v)
	if !ok || len(list) == 0 {
		return nil, nil
	}
	return list[len(list)-1], nil
}

func distinct(s *scope, v any) (any, error) {
	list, ok := asList(v)
	if !ok {
		return v, nil
	}
	out := make([]any, 0, len(list))
	for _, item := range list {
		dup := false
		for _, seen := range out {
			if item == nil && seen == nil || s.equal(item, seen) == true {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, item)
		}
	}
	return out, nil
}

func flatten(_ *scope, v any) (any, error) {
	list, ok := asList(v)
	if !ok {
		return v, nil
	}
	var out []any
	for _, item := range list {
		if inner, ok := asList(item); ok {
			out = append(out, inner...)
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

// coalesce returns the first non-null argument, or the first non-null
// element of a single list argument.
func coalesce(_ *scope, args []any) (any, error) {
	if len(args) == 1 {
		if list, ok := asList(args[0]); ok {
			args = list
		}
	}
	for _, a := range args {
		if a != nil {
			return a, nil
		}
	}
	return nil, nil
}

// in tests membership in a list, an interval, a value set or a code.
func in(s *scope, x, collection any) (any, error) {
	switch col := collection.(type) {
	case nil:
		return false, nil
	case *runtime.ValueSetInfo:
		return inValueSet(s, x, col)
	case runtime.Code:
		if x == nil {
			return nil, nil
		}
		return s.equivalent(x, col), nil
	case runtime.Interval:
		return inInterval(x, col)
	}
	list, ok := asList(collection)
	if !ok {
		return nil, unresolvedOperator("In", x, collection)
	}
	if x == nil {
		return nil, nil
	}
	var unknown bool
	for _, item := range list {
		switch s.equal(x, item) {
		case true:
			return true, nil
		case nil:
			unknown = true
		}
	}
	if unknown {
		return nil, nil
	}
	return false, nil
}

func inInterval(x any, iv runtime.Interval) (any, error) {
	if x == nil {
		return nil, nil
	}
	if iv.Low != nil {
		c, known, err := compare("In", iv.Low, x)
		if err != nil {
			return nil, err
		}
		if !known {
			return nil, nil
		}
		if c > 0 || (c == 0 && !iv.LowClosed) {
			return false, nil
		}
	}
	if iv.High != nil {
		c, known, err := compare("In", x, iv.High)
		if err != nil {
			return nil, err
		}
		if !known {
			return nil, nil
		}
		if c > 0 || (c == 0 && !iv.HighClosed) {
			return false, nil
		}
	}
	return true, nil
}

func indexer(_ *scope, target, index any) (any, error) {
	if target == nil || index == nil {
		return nil, nil
	}
	i, ok := toInt(index)
	if !ok {
		return nil, unresolvedOperator("Indexer", target, index)
	}
	if s, ok := toStr(target); ok {
		runes := []rune(s)
		if i < 0 || i >= int64(len(runes)) {
			return nil, nil
		}
		return string(runes[i]), nil
	}
	list, ok := asList(target)
	if !ok {
		return nil, unresolvedOperator("Indexer", target, index)
	}
	if i < 0 || i >= int64(len(list)) {
		return nil, nil
	}
	return list[i], nil
}

// property navigates path on target. On a list it collects the non-null
// values of every element, flattening nested lists.
func property(s *scope, target, path any) (any, error) {
	name, ok := path.(string)
	if !ok {
		return nil, unresolvedOperator("Property", target, path)
	}
	if target == nil {
		return nil, nil
	}
	if list, ok := asList(target); ok {
		out := []any{}
		for _, item := range list {
			v, err := property(s, item, name)
			if err != nil {
				return nil, err
			}
			if inner, ok := asList(v); ok {
				out = append(out, nonNull(inner)...)
			} else if v != nil {
				out = append(out, v)
			}
		}
		return out, nil
	}

	switch t := target.(type) {
	case runtime.Code:
		return fieldOf(name, map[string]any{"code": t.Code, "system": t.System, "version": t.Version, "display": t.Display}), nil
	case runtime.Concept:
		codes := make([]any, len(t.Codes))
		for i, c := range t.Codes {
			codes[i] = c
		}
		return fieldOf(name, map[string]any{"codes": codes, "display": t.Display}), nil
	case runtime.Quantity:
		return fieldOf(name, map[string]any{"value": t.Value, "unit": t.Unit}), nil
	case runtime.Interval:
		return fieldOf(name, map[string]any{"low": t.Low, "high": t.High, "lowClosed": t.LowClosed, "highClosed": t.HighClosed}), nil
	case *runtime.ValueSetInfo:
		return fieldOf(name, map[string]any{"id": t.ID, "version": t.Version}), nil
	case r4.DateTime:
		if name == "value" {
			return prim(t), nil
		}
		return nil, nil
	}
	if isFHIRPrimitive(target) && name == "value" {
		return model.Primitive(target), nil
	}
	return s.c.resolver(s.lib).ResolvePath(target, name), nil
}

func fieldOf(name string, fields map[string]any) any {
	v := fields[name]
	if str, ok := v.(string); ok && str == "" {
		return nil
	}
	return v
}

// Dates.

func today(s *scope, args []any) (any, error) {
	if err := arity("Today", args, 0); err != nil {
		return nil, err
	}
	return runtime.DateOf(s.c.now), nil
}

func now(s *scope, args []any) (any, error) {
	if err := arity("Now", args, 0); err != nil {
		return nil, err
	}
	return s.c.now, nil
}

func dateSelector(_ *scope, args []any) (any, error) {
	if err := arity("Date", args, 1, 2, 3); err != nil {
		return nil, err
	}
	if args[0] == nil {
		return nil, nil
	}
	if str, ok := args[0].(string); ok && len(args) == 1 {
		return runtime.ParseDate(str)
	}
	parts := make([]int, len(args))
	for i, a := range args {
		n, ok := toInt(a)
		if !ok {
			return nil, unresolvedOperator("Date", args...)
		}
		parts[i] = int(n)
	}
	d := runtime.Date{Year: parts[0], Precision: runtime.Precision(len(parts))}
	if len(parts) > 1 {
		d.Month = time.Month(parts[1])
	}
	if len(parts) > 2 {
		d.Day = parts[2]
	}
	return d, nil
}

func dateTimeSelector(_ *scope, args []any) (any, error) {
	if err := arity("DateTime", args, 1, 2, 3, 4, 5, 6); err != nil {
		return nil, err
	}
	if args[0] == nil {
		return nil, nil
	}
	if str, ok := args[0].(string); ok && len(args) == 1 {
		return parseDateTime(str)
	}
	parts := []int{0, 1, 1, 0, 0, 0}
	for i, a := range args {
		n, ok := toInt(a)
		if !ok {
			return nil, unresolvedOperator("DateTime", args...)
		}
		parts[i] = int(n)
	}
	return time.Date(parts[0], time.Month(parts[1]), parts[2], parts[3], parts[4], parts[5], 0, time.UTC), nil
}

// birthDate returns the birth date of the Patient context subject.
func (s *scope) birthDate() (any, error) {
	patient, err := s.c.contextResource(s.lib, "Patient")
	if err != nil || patient == nil {
		return nil, err
	}
	return s.c.resolver(s.lib).ResolvePath(patient, "birthDate.value"), nil
}

func ageInYears(s *scope, args []any) (any, error) {
	if err := arity("AgeInYears", args, 0); err != nil {
		return nil, err
	}
	birth, err := s.birthDate()
	if err != nil {
		return nil, err
	}
	return calculateAgeInYearsAt(s, birth, runtime.DateOf(s.c.now))
}

func ageInYearsAt(s *scope, asOf any) (any, error) {
	birth, err := s.birthDate()
	if err != nil {
		return nil, err
	}
	return calculateAgeInYearsAt(s, birth, asOf)
}

func calculateAgeInYears(s *scope, birth any) (any, error) {
	return calculateAgeInYearsAt(s, birth, runtime.DateOf(s.c.now))
}

func calculateAgeInYearsAt(s *scope, birth, asOf any) (any, error) {
	if birth == nil || asOf == nil {
		return nil, nil
	}
	from, err := toDate(s, birth)
	if err != nil {
		return nil, err
	}
	until, err := toDate(s, asOf)
	if err != nil {
		return nil, err
	}
	fromDate, okFrom := from.(runtime.Date)
	untilDate, okUntil := until.(runtime.Date)
	if !okFrom || !okUntil {
		return nil, nil
	}
	return int64(fromDate.YearsBetween(untilDate)), nil
}

// Selectors.

func intervalSelector(_ *scope, args []any) (any, error) {
	if err := arity("Interval", args, 4); err != nil {
		return nil, err
	}
	lowClosed, _ := args[2].(bool)
	highClosed, _ := args[3].(bool)
	return runtime.Interval{Low: args[0], LowClosed: lowClosed, High: args[1], HighClosed: highClosed}, nil
}

func quantitySelector(_ *scope, args []any) (any, error) {
	if err := arity("Quantity", args, 2); err != nil {
		return nil, err
	}
	value, ok := toDecimal(args[0])
	if !ok {
		return nil, unresolvedOperator("Quantity", args...)
	}
	unit, _ := args[1].(string)
	return runtime.Quantity{Value: value, Unit: unit}, nil
}

func codeSelector(_ *scope, args []any) (any, error) {
	if err := arity("Code", args, 2, 3); err != nil {
		return nil, err
	}
	code := runtime.Code{}
	code.Code, _ = args[0].(string)
	code.System, _ = args[1].(string)
	if len(args) == 3 {
		code.Display, _ = args[2].(string)
	}
	return code, nil
}

// Terminology and data.

func expand(s *scope, v any) (any, error) {
	vs, ok := v.(*runtime.ValueSetInfo)
	if !ok {
		if v == nil {
			return nil, nil
		}
		return nil, unresolvedOperator("Expand", v)
	}
	codes, err := s.c.expand(vs)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(codes))
	for i, c := range codes {
		out[i] = c
	}
	return out, nil
}

func inValueSet(s *scope, x, v any) (any, error) {
	if x == nil {
		return false, nil
	}
	vs, ok := v.(*runtime.ValueSetInfo)
	if !ok {
		return nil, unresolvedOperator("InValueSet", x, v)
	}
	codes, ok := codesOf(x)
	if !ok {
		str, isString := toStr(x)
		if !isString {
			return nil, unresolvedOperator("InValueSet", x, v)
		}
		codes = []runtime.Code{{Code: str}}
	}
	expansion, err := s.c.expand(vs)
	if err != nil {
		return nil, err
	}
	for _, c := range codes {
		for _, e := range expansion {
			if c.Code == e.Code && (c.System == "" || c.System == e.System) {
				return true, nil
			}
		}
	}
	return false, nil
}

func retrieveFunc(s *scope, args []any) (any, error) {
	if err := arity("Retrieve", args, 1, 3); err != nil {
		return nil, err
	}
	dataType, ok := args[0].(string)
	if !ok {
		return nil, unresolvedOperator("Retrieve", args...)
	}
	req := retrieveArgs{dataType: dataType}
	if len(args) == 3 {
		req.codePath, _ = args[1].(string)
		req.ref = args[2]
		if req.ref == nil {
			return RetrieveResult{}, nil
		}
	}
	return s.c.retrieve(s.lib, req)
}
