package database

import (
	"strconv"
	"strings"
)

// WhereBuilder assembles a parameterized WHERE clause. Placeholders are
// numbered in the order conditions are added.
type WhereBuilder struct {
	conditions []string
	args       []any
	argIndex   int
}

// NewWhereBuilder returns an empty builder whose first placeholder is $1.
func NewWhereBuilder() *WhereBuilder {
	return &WhereBuilder{argIndex: 1}
}

// Add appends "column = $n". Empty values are skipped so optional filters
// can be added unconditionally.
func (wb *WhereBuilder) Add(column, value string) {
	if value == "" {
		return
	}
	wb.AddValue(column, value)
}

// AddValue appends "column = $n" for any value.
func (wb *WhereBuilder) AddValue(column string, value any) {
	wb.AddExpr(column+" = ?", value)
}

// AddExpr appends an expression containing exactly one ? placeholder.
func (wb *WhereBuilder) AddExpr(expr string, value any) {
	wb.conditions = append(wb.conditions, strings.Replace(expr, "?", "$"+strconv.Itoa(wb.argIndex), 1))
	wb.args = append(wb.args, value)
	wb.argIndex++
}

// AddContains appends a case-insensitive substring match. Empty values are
// skipped.
func (wb *WhereBuilder) AddContains(column, value string) {
	if value == "" {
		return
	}
	wb.AddExpr(column+" ILIKE ?", "%"+escapeLike(value)+"%")
}

// AddRaw appends a condition without arguments.
func (wb *WhereBuilder) AddRaw(cond string) {
	wb.conditions = append(wb.conditions, cond)
}

// Build returns " WHERE a AND b" and its arguments, or "" and nil.
func (wb *WhereBuilder) Build() (string, []any) {
	if len(wb.conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(wb.conditions, " AND "), wb.args
}

// NextArgIndex is the number of the next placeholder, for LIMIT/OFFSET.
func (wb *WhereBuilder) NextArgIndex() int {
	return wb.argIndex
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
