package core

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/JonMunkholm/bulkwaste/internal/content"
)

// =============================================================================
// Test fixtures
// =============================================================================

// testToday is a Monday.
var testToday = time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)

const testHeader = "Reference,Producer,Collection Date,Quantity"

var testColumns = []Column{
	{Key: "ref", Header: "Reference"},
	{Key: "producer", Header: "Producer", Required: true},
	{Key: "date", Header: "Collection Date", Required: true},
	{Key: "qty", Header: "Quantity", Required: true},
}

// testRules is a small waste-like rule table:
//
//	producer  required, max 20 chars
//	date      required, calendar date, not before today
//	qty       required, positive integer
//	ref+producer  structural: ref "SELF" is not allowed for producer "Self"
func testRules() []Rule {
	return []Rule{
		Required("producer", "producer"),
		MaxLength("producer", "Producer", 20),
		Required("date", "collection date"),
		CalendarDate("date", "Collection date"),
		Check("date:not_past", "date", func(d time.Time, in Input) Outcome {
			if d.Before(in.Env.Today) {
				return FieldErr("DATE_PAST", "Collection date must be today or in the future")
			}
			return Ok(nil)
		}),
		Required("qty", "quantity"),
		Check("qty:number", "qty", func(s string, _ Input) Outcome {
			n, err := strconv.Atoi(s)
			if err != nil {
				return FieldErr("QTY_NUMBER", "Quantity must be a whole number")
			}
			return Ok(n)
		}),
		Check("qty:positive", "qty", func(n int, _ Input) Outcome {
			if n <= 0 {
				return FieldErr("QTY_POSITIVE", "Quantity must be more than 0")
			}
			return Ok(nil)
		}),
		Cross("ref_not_self", []string{"ref", "producer"}, func(in Input) Outcome {
			if strings.EqualFold(in.Str("ref"), "SELF") && strings.EqualFold(in.Str("producer"), "Self") {
				return StructuralErr("REF_SELF", "Reference cannot be SELF for producer Self")
			}
			return Ok(nil)
		}),
	}
}

func testMaterialize(in Input) (any, SubmissionKeys) {
	d, _ := Value[time.Time](in, "date")
	n, _ := Value[int](in, "qty")
	return map[string]any{
			"producer": in.Str("producer"),
			"date":     d.Format("2006-01-02"),
			"quantity": n,
		}, SubmissionKeys{
			CollectionDate: d,
			EWCCodes:       []string{"20 03 01"},
			ProducerName:   in.Str("producer"),
			ExternalRef:    in.Str("ref"),
		}
}

func testRuleSet(t testing.TB) *RuleSet {
	t.Helper()
	rs, err := NewRuleSet("test-v1", testColumns, testRules(), testMaterialize)
	if err != nil {
		t.Fatalf("NewRuleSet() error = %v", err)
	}
	return rs
}

func csvOf(lines ...string) []byte {
	return []byte(strings.Join(lines, "\n") + "\n")
}

// validLine returns a data line that passes testRules for ordinal i.
func validLine(i int) string {
	return fmt.Sprintf("REF-%03d,Producer %d,10/03/2025,%d", i, i, i)
}

func validCSV(n int) []byte {
	lines := []string{testHeader}
	for i := 1; i <= n; i++ {
		lines = append(lines, validLine(i))
	}
	return csvOf(lines...)
}

func rawRow(id int, kv ...string) RawRow {
	r := RawRow{RowID: id}
	for _, c := range testColumns {
		v := ""
		for i := 0; i+1 < len(kv); i += 2 {
			if kv[i] == c.Key {
				v = kv[i+1]
			}
		}
		r.Fields = append(r.Fields, Field{Column: c.Key, Value: v})
	}
	return r
}

// =============================================================================
// Service harness
// =============================================================================

type recordingQueue struct {
	mu   sync.Mutex
	jobs []Job
}

func (q *recordingQueue) Enqueue(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *recordingQueue) drain() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := q.jobs
	q.jobs = nil
	return jobs
}

type harness struct {
	svc   *Service
	store *MemoryStore
	queue *recordingQueue
}

func newHarness(t testing.TB) *harness {
	t.Helper()
	h := &harness{store: NewMemoryStore(), queue: &recordingQueue{}}
	h.svc = NewService(h.store, content.NewMemory(), h.queue, testRuleSet(t), Options{
		RowWorkers: 4,
		Now:        func() time.Time { return testToday.Add(9 * time.Hour) },
	})
	return h
}

// submit uploads content and runs the queued job to completion.
func (h *harness) submit(t testing.TB, account string, data []byte) Batch {
	t.Helper()
	ctx := context.Background()
	b, err := h.svc.SubmitContent(ctx, SubmitRequest{AccountID: account, FileName: "movements.csv", Content: data})
	if err != nil {
		t.Fatalf("SubmitContent() error = %v", err)
	}
	h.runJobs(t)
	got, err := h.store.GetBatch(ctx, account, b.ID)
	if err != nil {
		t.Fatalf("GetBatch() error = %v", err)
	}
	return got
}

func (h *harness) runJobs(t testing.TB) {
	t.Helper()
	for _, job := range h.queue.drain() {
		if err := h.svc.ProcessBatch(context.Background(), job); err != nil {
			t.Fatalf("ProcessBatch() error = %v", err)
		}
	}
}
