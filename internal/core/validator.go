package core

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Validate applies the rule set to one raw row. The result is a pure
// function of the row, the rule set and env.
//
// Only the first failing field rule per field is reported. Structural
// errors are reported in addition to field errors, but a structural rule is
// not evaluated when one of its fields already failed.
func (rs *RuleSet) Validate(raw RawRow, env Env) Row {
	in := Input{
		Raw:    make(map[string]string, len(rs.columns)),
		Values: make(map[string]any, len(rs.columns)),
		Env:    env,
	}
	for _, c := range rs.columns {
		in.Raw[c.Key] = ""
	}
	for _, f := range raw.Fields {
		v := strings.TrimSpace(f.Value)
		in.Raw[f.Column] = v
	}
	for k, v := range in.Raw {
		in.Values[k] = v
	}

	row := Row{
		RowID:     raw.RowID,
		RawFields: append([]Field(nil), raw.Fields...),
	}

	failed := make(map[string]bool)
	for _, r := range rs.fieldRules {
		field := r.Fields()[0]
		if failed[field] {
			continue
		}
		out := r.Apply(in)
		if out.IsOk() {
			if out.value != nil {
				in.Values[field] = out.value
			}
			continue
		}
		failed[field] = true
		if out.kind == outcomeStructuralError {
			row.StructuralErrors = append(row.StructuralErrors, StructuralError{
				Fields: []string{field}, Code: out.Code, Message: out.Message,
			})
			continue
		}
		row.FieldErrors = append(row.FieldErrors, FieldError{
			Field: field, Code: out.Code, Message: out.Message,
		})
	}

	for _, r := range rs.structRules {
		fields := r.Fields()
		if anyFailed(fields, failed) {
			continue
		}
		out := r.Apply(in)
		if out.IsOk() {
			continue
		}
		if out.kind == outcomeFieldError {
			// Blame the first field only; it still counts as structural
			// because it came from a cross-field check.
			fields = fields[:1]
		}
		row.StructuralErrors = append(row.StructuralErrors, StructuralError{
			Fields: fields, Code: out.Code, Message: out.Message,
		})
	}

	sort.SliceStable(row.FieldErrors, func(i, j int) bool {
		return rs.position[row.FieldErrors[i].Field] < rs.position[row.FieldErrors[j].Field]
	})

	if row.HasErrors() {
		return row
	}

	payload, keys := rs.materialize(in)
	b, err := json.Marshal(payload)
	if err != nil {
		row.StructuralErrors = append(row.StructuralErrors, StructuralError{
			Fields:  []string{rs.columns[0].Key},
			Code:    CodeInvalid,
			Message: fmt.Sprintf("row could not be stored: %v", err),
		})
		return row
	}
	row.Value = &RowValue{Payload: b, Keys: keys}
	return row
}

func anyFailed(fields []string, failed map[string]bool) bool {
	for _, f := range fields {
		if failed[f] {
			return true
		}
	}
	return false
}

// rowFailure builds an invalid row carrying a single structural error on the
// first column. Used when a row could not be evaluated at all.
func (rs *RuleSet) rowFailure(raw RawRow, code, message string) Row {
	return Row{
		RowID:     raw.RowID,
		RawFields: append([]Field(nil), raw.Fields...),
		StructuralErrors: []StructuralError{{
			Fields:  []string{rs.columns[0].Key},
			Code:    code,
			Message: message,
		}},
	}
}
