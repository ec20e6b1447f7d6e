package core

import (
	"sort"

	"github.com/google/uuid"
)

// Aggregate groups row errors by column. Count is the number of distinct
// rows with at least one error touching the column, whatever the number or
// kind of errors on that row. The representative code and message come from
// the lowest row ordinal, field errors taking precedence over structural
// errors on the same row. Output is ordered by column position, so running
// it twice over the same rows yields the same result regardless of input
// order.
func (rs *RuleSet) Aggregate(batchID uuid.UUID, rows []Row) []ErrorColumn {
	type acc struct {
		rows    map[int]bool
		firstAt int
		rank    int // 0 field error, 1 structural
		code    string
		message string
	}
	byField := make(map[string]*acc)

	note := func(field string, rowID, rank int, code, message string) {
		a, ok := byField[field]
		if !ok {
			a = &acc{rows: make(map[int]bool), firstAt: rowID, rank: rank, code: code, message: message}
			byField[field] = a
		}
		a.rows[rowID] = true
		if rowID < a.firstAt || (rowID == a.firstAt && rank < a.rank) {
			a.firstAt, a.rank, a.code, a.message = rowID, rank, code, message
		}
	}

	for _, r := range rows {
		for _, fe := range r.FieldErrors {
			note(fe.Field, r.RowID, 0, fe.Code, fe.Message)
		}
		for _, se := range r.StructuralErrors {
			for _, f := range se.Fields {
				note(f, r.RowID, 1, se.Code, se.Message)
			}
		}
	}

	out := make([]ErrorColumn, 0, len(byField))
	for field, a := range byField {
		col := ErrorColumn{
			BatchID:   batchID,
			ColumnRef: rs.ColumnRef(field),
			Field:     field,
			Count:     len(a.rows),
			ErrorCode: a.code,
			Message:   a.message,
		}
		if i, ok := rs.position[field]; ok {
			col.Header = rs.columns[i].Header
		}
		out = append(out, col)
	}
	sort.Slice(out, func(i, j int) bool {
		return rs.position[out[i].Field] < rs.position[out[j].Field]
	})
	return out
}
