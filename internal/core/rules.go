package core

// rules.go defines the typed rule table consumed by the row validator.
//
// A rule declares the fields it reads and returns an Outcome: Ok with an
// optional parsed value, a FieldErr, or a StructuralErr. Rules reading one
// field are field rules and run first, in declaration order. Rules reading
// two or more fields are structural rules and run after every field rule,
// against the parsed values the field rules produced.

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Env is the explicit environment a row is validated against. Validation
// never reads the wall clock.
type Env struct {
	Today time.Time
}

// Input is what a rule sees: trimmed raw cells, the values parsed so far,
// and the environment.
type Input struct {
	Raw    map[string]string
	Values map[string]any
	Env    Env
}

// Str returns the trimmed raw cell for a field.
func (in Input) Str(field string) string {
	return in.Raw[field]
}

// Value returns the parsed value of a field as T.
func Value[T any](in Input, field string) (T, bool) {
	v, ok := in.Values[field].(T)
	return v, ok
}

type outcomeKind int

const (
	outcomeOk outcomeKind = iota
	outcomeFieldError
	outcomeStructuralError
)

// Outcome is the result of applying one rule.
type Outcome struct {
	kind    outcomeKind
	value   any
	Code    string
	Message string
}

// Ok passes the rule. A non-nil value replaces the field's parsed value for
// the rules that follow.
func Ok(value any) Outcome {
	return Outcome{kind: outcomeOk, value: value}
}

// FieldErr fails the rule with an error attributed to the rule's field.
func FieldErr(code, format string, args ...any) Outcome {
	return Outcome{kind: outcomeFieldError, Code: code, Message: fmt.Sprintf(format, args...)}
}

// StructuralErr fails the rule with an error attributed to all of its fields.
func StructuralErr(code, format string, args ...any) Outcome {
	return Outcome{kind: outcomeStructuralError, Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsOk reports whether the rule passed.
func (o Outcome) IsOk() bool { return o.kind == outcomeOk }

// Rule is one entry of a rule table.
type Rule interface {
	Name() string
	Fields() []string
	Apply(in Input) Outcome
}

// Materializer turns the parsed values of a valid row into the payload
// stored on its submission.
type Materializer func(in Input) (payload any, keys SubmissionKeys)

// RuleSet is an immutable, validated rule table for one intake schema.
// Build it once at startup and share it; it holds no mutable state.
type RuleSet struct {
	version     string
	columns     []Column
	position    map[string]int
	fieldRules  []Rule
	structRules []Rule
	materialize Materializer
}

// NewRuleSet checks the table and returns a RuleSet. Every problem found is
// reported, wrapped in ErrMalformedRuleSet.
func NewRuleSet(version string, columns []Column, rules []Rule, materialize Materializer) (*RuleSet, error) {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if len(columns) == 0 {
		bad("no columns declared")
	}
	if materialize == nil {
		bad("no materializer")
	}

	rs := &RuleSet{
		version:     version,
		columns:     append([]Column(nil), columns...),
		position:    make(map[string]int, len(columns)),
		materialize: materialize,
	}

	headers := make(map[string]bool, len(columns))
	for i, c := range columns {
		if c.Key == "" || strings.TrimSpace(c.Header) == "" {
			bad("column %d has an empty key or header", i+1)
			continue
		}
		if _, dup := rs.position[c.Key]; dup {
			bad("duplicate column key %q", c.Key)
		}
		h := strings.ToLower(strings.TrimSpace(c.Header))
		if headers[h] {
			bad("duplicate column header %q", c.Header)
		}
		headers[h] = true
		rs.position[c.Key] = i
	}

	names := make(map[string]bool, len(rules))
	for i, r := range rules {
		if r == nil {
			bad("rule %d is nil", i+1)
			continue
		}
		if r.Name() == "" {
			bad("rule %d has no name", i+1)
		} else if names[r.Name()] {
			bad("duplicate rule name %q", r.Name())
		}
		names[r.Name()] = true

		fields := r.Fields()
		if len(fields) == 0 {
			bad("rule %q reads no fields", r.Name())
			continue
		}
		seen := make(map[string]bool, len(fields))
		for _, f := range fields {
			if _, ok := rs.position[f]; !ok {
				bad("rule %q reads unknown field %q", r.Name(), f)
			}
			if seen[f] {
				bad("rule %q reads field %q twice", r.Name(), f)
			}
			seen[f] = true
		}

		if len(fields) == 1 {
			rs.fieldRules = append(rs.fieldRules, r)
		} else {
			rs.structRules = append(rs.structRules, r)
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrMalformedRuleSet, errors.Join(errs...))
	}
	return rs, nil
}

// Version identifies the rule table.
func (rs *RuleSet) Version() string { return rs.version }

// Columns returns the intake schema in column order.
func (rs *RuleSet) Columns() []Column {
	return append([]Column(nil), rs.columns...)
}

// Position returns the zero-based column position of a field.
func (rs *RuleSet) Position(field string) (int, bool) {
	i, ok := rs.position[field]
	return i, ok
}

// ColumnRef returns the spreadsheet letter of a field's column.
func (rs *RuleSet) ColumnRef(field string) string {
	i, ok := rs.position[field]
	if !ok {
		return ""
	}
	return ColumnLetter(i)
}

// FieldForRef resolves a spreadsheet letter or a field key to a field key.
func (rs *RuleSet) FieldForRef(ref string) (string, bool) {
	if _, ok := rs.position[ref]; ok {
		return ref, true
	}
	i, ok := ColumnIndex(ref)
	if !ok || i >= len(rs.columns) {
		return "", false
	}
	return rs.columns[i].Key, true
}

// ColumnLetter converts a zero-based column index to its spreadsheet
// letter: 0 -> A, 25 -> Z, 26 -> AA.
func ColumnLetter(i int) string {
	if i < 0 {
		return ""
	}
	var b []byte
	for n := i + 1; n > 0; n = (n - 1) / 26 {
		b = append([]byte{byte('A' + (n-1)%26)}, b...)
	}
	return string(b)
}

// ColumnIndex parses a spreadsheet letter (case-insensitive) to a
// zero-based index.
func ColumnIndex(ref string) (int, bool) {
	ref = strings.ToUpper(strings.TrimSpace(ref))
	if ref == "" || len(ref) > 3 {
		return 0, false
	}
	n := 0
	for _, c := range ref {
		if c < 'A' || c > 'Z' {
			return 0, false
		}
		n = n*26 + int(c-'A'+1)
	}
	return n - 1, true
}

// =============================================================================
// Rule builders
// =============================================================================

type fieldRule struct {
	name    string
	field   string
	onEmpty bool
	check   func(v any, in Input) Outcome
}

func (r fieldRule) Name() string     { return r.name }
func (r fieldRule) Fields() []string { return []string{r.field} }

func (r fieldRule) Apply(in Input) Outcome {
	if !r.onEmpty && in.Str(r.field) == "" {
		return Ok(nil)
	}
	return r.check(in.Values[r.field], in)
}

// Check builds a field rule over the field's current parsed value. The rule
// is skipped for empty cells; pair it with Required when the cell must be
// filled in. A value of the wrong type fails the field, which means the
// rules are declared in the wrong order.
func Check[T any](name, field string, fn func(v T, in Input) Outcome) Rule {
	return fieldRule{
		name:  name,
		field: field,
		check: func(v any, in Input) Outcome {
			tv, ok := v.(T)
			if !ok {
				return FieldErr(CodeInvalid, "%s could not be read", field)
			}
			return fn(tv, in)
		},
	}
}

// Required fails empty cells.
func Required(field, label string) Rule {
	return fieldRule{
		name:    "required:" + field,
		field:   field,
		onEmpty: true,
		check: func(_ any, in Input) Outcome {
			if in.Str(field) == "" {
				return FieldErr(CodeRequired, "Enter the %s", label)
			}
			return Ok(nil)
		},
	}
}

// MaxLength fails cells longer than n characters.
func MaxLength(field, label string, n int) Rule {
	return Check("max_length:"+field, field, func(s string, _ Input) Outcome {
		if len([]rune(s)) > n {
			return FieldErr(CodeTooLong, "%s must be %d characters or less", label, n)
		}
		return Ok(nil)
	})
}

// OneOf fails cells outside the allowed values (case-insensitive) and
// normalizes the value to its canonical spelling.
func OneOf(field, label string, allowed ...string) Rule {
	return Check("one_of:"+field, field, func(s string, _ Input) Outcome {
		for _, a := range allowed {
			if strings.EqualFold(s, a) {
				return Ok(a)
			}
		}
		return FieldErr(CodeInvalidEnum, "%s must be one of: %s", label, strings.Join(allowed, ", "))
	})
}

// CalendarDate parses the cell as a calendar date and replaces the value
// with a time.Time at midnight UTC. Impossible dates such as 30/02/2025 and
// non-numeric parts are rejected before any business rule sees the value.
func CalendarDate(field, label string) Rule {
	return Check("date:"+field, field, func(s string, _ Input) Outcome {
		d, err := ParseCalendarDate(s)
		if err != nil {
			return FieldErr(CodeInvalidDate, "%s must be a real date in the format DD/MM/YYYY", label)
		}
		return Ok(d)
	})
}

// Cross builds a structural rule over two or more fields. It is evaluated
// only when every field it reads passed its field rules.
func Cross(name string, fields []string, fn func(in Input) Outcome) Rule {
	return crossRule{name: name, fields: fields, check: fn}
}

type crossRule struct {
	name   string
	fields []string
	check  func(in Input) Outcome
}

func (r crossRule) Name() string           { return r.name }
func (r crossRule) Fields() []string       { return append([]string(nil), r.fields...) }
func (r crossRule) Apply(in Input) Outcome { return r.check(in) }

// Common row error codes.
const (
	CodeRequired    = "REQUIRED"
	CodeInvalid     = "INVALID"
	CodeInvalidDate = "INVALID_DATE"
	CodeInvalidEnum = "INVALID_ENUM"
	CodeTooLong     = "TOO_LONG"
	CodeRowTimeout  = "ROW_TIMEOUT"
	CodeRowPanic    = "ROW_FAILED"
)
