// Package runtime holds the CQL system values exchanged between the engine
// and its providers.
package runtime

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Code is a (system, code, version, display) tuple.
type Code struct {
	Code    string `json:"code"`
	System  string `json:"system,omitempty"`
	Version string `json:"version,omitempty"`
	Display string `json:"display,omitempty"`
}

// String renders the code the way CQL prints it.
func (c Code) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Code { code: %s, system: %s", c.Code, c.System)
	if c.Version != "" {
		fmt.Fprintf(&b, ", version: %s", c.Version)
	}
	if c.Display != "" {
		fmt.Fprintf(&b, ", display: %s", c.Display)
	}
	b.WriteString(" }")
	return b.String()
}

// Token is the system|code form used in FHIR token search.
func (c Code) Token() string {
	if c.System == "" {
		return c.Code
	}
	return c.System + "|" + c.Code
}

// Equivalent compares on code and system only.
func (c Code) Equivalent(other Code) bool {
	return c.Code == other.Code && c.System == other.System
}

// Concept is a set of codes with an optional display.
type Concept struct {
	Codes   []Code `json:"codes"`
	Display string `json:"display,omitempty"`
}

func (c Concept) String() string {
	parts := make([]string, len(c.Codes))
	for i, code := range c.Codes {
		parts[i] = code.String()
	}
	return "Concept { codes: [" + strings.Join(parts, ", ") + "], display: " + c.Display + " }"
}

// Quantity is a decimal value with a UCUM unit.
type Quantity struct {
	Value decimal.Decimal `json:"value"`
	Unit  string          `json:"unit,omitempty"`
}

func (q Quantity) String() string {
	if q.Unit == "" {
		return q.Value.String()
	}
	return q.Value.String() + " '" + q.Unit + "'"
}

// Interval is a closed or half-open range of comparable values.
type Interval struct {
	Low        any  `json:"low"`
	LowClosed  bool `json:"lowClosed"`
	High       any  `json:"high"`
	HighClosed bool `json:"highClosed"`
}

func (i Interval) String() string {
	open, closeBr := "(", ")"
	if i.LowClosed {
		open = "["
	}
	if i.HighClosed {
		closeBr = "]"
	}
	return fmt.Sprintf("Interval%s%v, %v%s", open, i.Low, i.High, closeBr)
}

// CodeSystemInfo names a code system binding of a value set reference.
type CodeSystemInfo struct {
	ID      string
	Version string
}

// ValueSetInfo is a value set reference. ID starts as the canonical URL or
// identifier found in the script and is rebound to the repository id once
// resolved.
type ValueSetInfo struct {
	ID          string
	Version     string
	CodeSystems []CodeSystemInfo

	resolved bool
}

// NewValueSetInfo returns an unresolved reference.
func NewValueSetInfo(id string) *ValueSetInfo {
	return &ValueSetInfo{ID: id}
}

// Resolved reports whether ID already names a concrete repository id.
func (v *ValueSetInfo) Resolved() bool {
	return v.resolved
}

// Bind rebinds the reference to a concrete repository id.
func (v *ValueSetInfo) Bind(id string) {
	v.ID = id
	v.resolved = true
}

func (v *ValueSetInfo) String() string {
	return "ValueSet { id: " + v.ID + " }"
}

// Precision of a Date.
type Precision int

const (
	PrecisionYear Precision = iota + 1
	PrecisionMonth
	PrecisionDay
)

// Date is a CQL Date with year, month or day precision.
type Date struct {
	Year      int
	Month     time.Month
	Day       int
	Precision Precision
}

// ParseDate parses YYYY, YYYY-MM or YYYY-MM-DD.
func ParseDate(s string) (Date, error) {
	layouts := []struct {
		layout    string
		precision Precision
	}{
		{"2006-01-02", PrecisionDay},
		{"2006-01", PrecisionMonth},
		{"2006", PrecisionYear},
	}
	for _, l := range layouts {
		if len(s) != len(l.layout) {
			continue
		}
		t, err := time.Parse(l.layout, s)
		if err != nil {
			return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
		}
		return Date{Year: t.Year(), Month: t.Month(), Day: t.Day(), Precision: l.precision}, nil
	}
	return Date{}, fmt.Errorf("invalid date %q", s)
}

// DateOf truncates a time to day precision.
func DateOf(t time.Time) Date {
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day(), Precision: PrecisionDay}
}

func (d Date) String() string {
	switch d.Precision {
	case PrecisionYear:
		return fmt.Sprintf("%04d", d.Year)
	case PrecisionMonth:
		return fmt.Sprintf("%04d-%02d", d.Year, int(d.Month))
	default:
		return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
	}
}

// Compare orders two dates at the coarser of both precisions. The second
// result is false when the comparison is uncertain.
func (d Date) Compare(other Date) (int, bool) {
	p := d.Precision
	if other.Precision < p {
		p = other.Precision
	}
	steps := []struct {
		a, b int
		at   Precision
	}{
		{d.Year, other.Year, PrecisionYear},
		{int(d.Month), int(other.Month), PrecisionMonth},
		{d.Day, other.Day, PrecisionDay},
	}
	for _, s := range steps {
		if s.at > p {
			break
		}
		if s.a < s.b {
			return -1, true
		}
		if s.a > s.b {
			return 1, true
		}
	}
	if d.Precision != other.Precision {
		return 0, false
	}
	return 0, true
}

// YearsBetween returns the number of whole years from d to until.
func (d Date) YearsBetween(until Date) int {
	years := until.Year - d.Year
	if until.Month < d.Month || (until.Month == d.Month && until.Day < d.Day) {
		years--
	}
	return years
}
