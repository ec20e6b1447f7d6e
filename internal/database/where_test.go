package database

import (
	"reflect"
	"testing"
)

func TestNewWhereBuilder(t *testing.T) {
	wb := NewWhereBuilder()
	if wb.argIndex != 1 {
		t.Errorf("expected argIndex to be 1, got %d", wb.argIndex)
	}
	clause, args := wb.Build()
	if clause != "" || args != nil {
		t.Errorf("empty builder = %q %v, want empty", clause, args)
	}
}

func TestWhereBuilder(t *testing.T) {
	tests := []struct {
		name       string
		build      func(wb *WhereBuilder)
		wantClause string
		wantArgs   []any
		wantNext   int
	}{
		{
			name:       "single condition",
			build:      func(wb *WhereBuilder) { wb.Add("status", "Processing") },
			wantClause: " WHERE status = $1",
			wantArgs:   []any{"Processing"},
			wantNext:   2,
		},
		{
			name: "empty values skipped",
			build: func(wb *WhereBuilder) {
				wb.Add("external_ref", "")
				wb.AddContains("producer_name", "")
				wb.Add("account_id", "acct")
			},
			wantClause: " WHERE account_id = $1",
			wantArgs:   []any{"acct"},
			wantNext:   2,
		},
		{
			name: "mixed expressions",
			build: func(wb *WhereBuilder) {
				wb.AddValue("batch_id", 7)
				wb.AddExpr("? = ANY(ewc_codes)", "20 03 01")
				wb.AddRaw("has_errors")
				wb.AddContains("producer_name", "acme")
			},
			wantClause: " WHERE batch_id = $1 AND $2 = ANY(ewc_codes) AND has_errors AND producer_name ILIKE $3",
			wantArgs:   []any{7, "20 03 01", "%acme%"},
			wantNext:   4,
		},
		{
			name:       "like wildcards escaped",
			build:      func(wb *WhereBuilder) { wb.AddContains("producer_name", `50%_off\`) },
			wantClause: " WHERE producer_name ILIKE $1",
			wantArgs:   []any{`%50\%\_off\\%`},
			wantNext:   2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wb := NewWhereBuilder()
			tt.build(wb)
			clause, args := wb.Build()
			if clause != tt.wantClause {
				t.Errorf("clause = %q, want %q", clause, tt.wantClause)
			}
			if !reflect.DeepEqual(args, tt.wantArgs) {
				t.Errorf("args = %v, want %v", args, tt.wantArgs)
			}
			if got := wb.NextArgIndex(); got != tt.wantNext {
				t.Errorf("NextArgIndex() = %d, want %d", got, tt.wantNext)
			}
		})
	}
}
