package core

import (
	"reflect"
	"testing"

	"github.com/google/uuid"
)

func TestAggregate(t *testing.T) {
	rs := testRuleSet(t)
	batchID := uuid.New()

	rows := []Row{
		{RowID: 3, FieldErrors: []FieldError{{Field: "date", Code: CodeInvalidDate, Message: "bad date 3"}}},
		{RowID: 1, Value: &RowValue{}},
		{
			RowID:            2,
			FieldErrors:      []FieldError{{Field: "qty", Code: "QTY_NUMBER", Message: "qty 2"}},
			StructuralErrors: []StructuralError{{Fields: []string{"ref", "producer"}, Code: "REF_SELF", Message: "self 2"}},
		},
		{
			RowID:            5,
			FieldErrors:      []FieldError{{Field: "date", Code: "DATE_PAST", Message: "past 5"}},
			StructuralErrors: []StructuralError{{Fields: []string{"date"}, Code: CodeRowTimeout, Message: "timeout 5"}},
		},
	}

	got := rs.Aggregate(batchID, rows)

	want := []ErrorColumn{
		{BatchID: batchID, ColumnRef: "A", Field: "ref", Header: "Reference", Count: 1, ErrorCode: "REF_SELF", Message: "self 2"},
		{BatchID: batchID, ColumnRef: "B", Field: "producer", Header: "Producer", Count: 1, ErrorCode: "REF_SELF", Message: "self 2"},
		{BatchID: batchID, ColumnRef: "C", Field: "date", Header: "Collection Date", Count: 2, ErrorCode: CodeInvalidDate, Message: "bad date 3"},
		{BatchID: batchID, ColumnRef: "D", Field: "qty", Header: "Quantity", Count: 1, ErrorCode: "QTY_NUMBER", Message: "qty 2"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Aggregate() =\n%+v\nwant\n%+v", got, want)
	}
}

func TestAggregate_CountsRowsNotErrors(t *testing.T) {
	rs := testRuleSet(t)
	rows := []Row{{
		RowID:       1,
		FieldErrors: []FieldError{{Field: "date", Code: CodeInvalidDate}},
		StructuralErrors: []StructuralError{
			{Fields: []string{"date", "qty"}, Code: "X"},
			{Fields: []string{"date"}, Code: "Y"},
		},
	}}

	got := rs.Aggregate(uuid.Nil, rows)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Field != "date" || got[0].Count != 1 || got[0].ErrorCode != CodeInvalidDate {
		t.Errorf("date column = %+v, want count 1 with field error code", got[0])
	}
}

func TestAggregate_OrderIndependent(t *testing.T) {
	rs := testRuleSet(t)
	env := Env{Today: testToday}
	var rows []Row
	for i, date := range []string{"31/02/2025", "01/01/2025", "10/03/2025", "bad"} {
		rows = append(rows, rs.Validate(rawRow(i+1, "producer", "P", "date", date, "qty", "1"), env))
	}
	reversed := make([]Row, len(rows))
	for i, r := range rows {
		reversed[len(rows)-1-i] = r
	}

	a := rs.Aggregate(uuid.Nil, rows)
	b := rs.Aggregate(uuid.Nil, reversed)
	if !reflect.DeepEqual(a, b) {
		t.Errorf("Aggregate depends on input order:\n%+v\n%+v", a, b)
	}
	if len(a) != 1 || a[0].Count != 3 || a[0].ErrorCode != CodeInvalidDate {
		t.Errorf("Aggregate() = %+v, want one date column with count 3", a)
	}
}

func TestAggregate_NoErrors(t *testing.T) {
	rs := testRuleSet(t)
	got := rs.Aggregate(uuid.Nil, []Row{{RowID: 1, Value: &RowValue{}}})
	if len(got) != 0 {
		t.Errorf("Aggregate() = %+v, want empty", got)
	}
}
