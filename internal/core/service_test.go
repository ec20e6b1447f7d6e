package core

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/JonMunkholm/bulkwaste/internal/content"
)

const acct = "acct-1"

func TestScenario_InvalidDateFailsValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	b := h.submit(t, acct, csvOf(testHeader, validLine(1), "REF-002,Producer 2,31/02/2025,2", validLine(3)))

	if b.Status != StatusFailedValidation {
		t.Fatalf("Status = %s, want %s", b.Status, StatusFailedValidation)
	}
	if b.RowCount != 3 {
		t.Errorf("RowCount = %d, want 3", b.RowCount)
	}

	row, err := h.svc.GetRow(ctx, acct, b.ID, 2)
	if err != nil {
		t.Fatalf("GetRow() error = %v", err)
	}
	if len(row.FieldErrors) != 1 || row.FieldErrors[0].Field != "date" || row.FieldErrors[0].Code != CodeInvalidDate {
		t.Errorf("row 2 FieldErrors = %+v, want one INVALID_DATE on date", row.FieldErrors)
	}
	if row.Value != nil {
		t.Error("invalid row has a value")
	}

	for _, ref := range []string{"C", "c", "date"} {
		col, err := h.svc.GetColumn(ctx, acct, b.ID, ref)
		if err != nil {
			t.Fatalf("GetColumn(%q) error = %v", ref, err)
		}
		if col.Count != 1 || col.ColumnRef != "C" || col.ErrorCode != CodeInvalidDate {
			t.Errorf("GetColumn(%q) = %+v, want count 1 on C", ref, col)
		}
	}

	valid, err := h.svc.GetRow(ctx, acct, b.ID, 1)
	if err != nil || !valid.Valid() {
		t.Errorf("row 1 = %+v, %v, want valid", valid, err)
	}
}

func TestScenario_BlankRecordKeepsLaterOrdinals(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	b := h.submit(t, acct, csvOf(testHeader, validLine(1), ",,,", "REF-003,Producer 3,30/02/2025,3", ",,,"))

	if b.RowCount != 3 {
		t.Fatalf("RowCount = %d, want 3", b.RowCount)
	}
	blank, err := h.svc.GetRow(ctx, acct, b.ID, 2)
	if err != nil {
		t.Fatalf("GetRow(2) error = %v", err)
	}
	if len(blank.FieldErrors) == 0 || blank.FieldErrors[0].Code != CodeRequired {
		t.Errorf("row 2 FieldErrors = %+v, want REQUIRED", blank.FieldErrors)
	}
	row, err := h.svc.GetRow(ctx, acct, b.ID, 3)
	if err != nil {
		t.Fatalf("GetRow(3) error = %v", err)
	}
	if len(row.FieldErrors) != 1 || row.FieldErrors[0].Code != CodeInvalidDate {
		t.Errorf("row 3 FieldErrors = %+v, want one INVALID_DATE", row.FieldErrors)
	}
	if _, err := h.svc.GetRow(ctx, acct, b.ID, 4); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRow(4) error = %v, want ErrNotFound for trailing blank", err)
	}
}

func TestScenario_MissingHeaderFailsCsvValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	b := h.submit(t, acct, csvOf(validLine(1), validLine(2)))

	if b.Status != StatusFailedCsvValidation {
		t.Fatalf("Status = %s, want %s", b.Status, StatusFailedCsvValidation)
	}
	if b.CsvError == nil || b.CsvError.Code != CsvCodeHeaderMismatch {
		t.Errorf("CsvError = %+v, want %s", b.CsvError, CsvCodeHeaderMismatch)
	}
	rows, err := h.svc.ListRows(ctx, acct, b.ID, RowQuery{})
	if err != nil {
		t.Fatalf("ListRows() error = %v", err)
	}
	if rows.Total != 0 {
		t.Errorf("rows stored = %d, want 0", rows.Total)
	}
	if _, err := h.svc.GetRow(ctx, acct, b.ID, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRow() error = %v, want ErrNotFound", err)
	}

	st, err := h.svc.GetBatchStatus(ctx, acct, b.ID)
	if err != nil {
		t.Fatalf("GetBatchStatus() error = %v", err)
	}
	if !st.Terminal || st.CsvError == nil {
		t.Errorf("status = %+v, want terminal with csv error", st)
	}
}

func TestScenario_FinalizeLargeBatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	b := h.submit(t, acct, validCSV(500))
	if b.Status != StatusPassedValidation {
		t.Fatalf("Status = %s, want %s", b.Status, StatusPassedValidation)
	}

	ids, err := h.svc.FinalizeBatch(ctx, acct, b.ID)
	if err != nil {
		t.Fatalf("FinalizeBatch() error = %v", err)
	}
	if len(ids) != 500 {
		t.Fatalf("len(ids) = %d, want 500", len(ids))
	}
	for i, id := range ids {
		if id != SubmissionID(b.ID, i+1) {
			t.Fatalf("ids[%d] = %s, want id of row %d", i, id, i+1)
		}
	}

	page, err := h.svc.ListSubmissions(ctx, acct, b.ID, SubmissionQuery{PageRequest: PageRequest{Page: 1, PageSize: 50}})
	if err != nil {
		t.Fatalf("ListSubmissions() error = %v", err)
	}
	if len(page.Data) != 50 || page.Total != 500 || page.TotalPages != 10 {
		t.Fatalf("page = %d items, total %d, pages %d", len(page.Data), page.Total, page.TotalPages)
	}
	for i, s := range page.Data {
		if s.RowID != i+1 {
			t.Errorf("Data[%d].RowID = %d, want %d", i, s.RowID, i+1)
		}
	}

	last, err := h.svc.ListSubmissions(ctx, acct, b.ID, SubmissionQuery{PageRequest: PageRequest{Page: 10, PageSize: 50}})
	if err != nil {
		t.Fatalf("ListSubmissions() error = %v", err)
	}
	if last.Data[0].RowID != 451 || last.Data[49].RowID != 500 {
		t.Errorf("page 10 spans rows %d..%d, want 451..500", last.Data[0].RowID, last.Data[49].RowID)
	}

	got, _ := h.svc.GetBatch(ctx, acct, b.ID)
	if got.Status != StatusSubmitted || got.SubmittedAt == nil {
		t.Errorf("batch = %s submitted at %v, want Submitted", got.Status, got.SubmittedAt)
	}
}

func TestScenario_FinalizeTwiceIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.submit(t, acct, validCSV(12))

	first, err := h.svc.FinalizeBatch(ctx, acct, b.ID)
	if err != nil {
		t.Fatalf("first FinalizeBatch() error = %v", err)
	}
	before, _ := h.svc.GetBatch(ctx, acct, b.ID)

	second, err := h.svc.FinalizeBatch(ctx, acct, b.ID)
	if err != nil {
		t.Fatalf("second FinalizeBatch() error = %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("second call ids differ:\n%v\n%v", first, second)
	}

	page, _ := h.svc.ListSubmissions(ctx, acct, b.ID, SubmissionQuery{})
	if page.Total != 12 {
		t.Errorf("stored submissions = %d, want 12", page.Total)
	}
	after, _ := h.svc.GetBatch(ctx, acct, b.ID)
	if !after.SubmittedAt.Equal(*before.SubmittedAt) {
		t.Errorf("SubmittedAt moved from %v to %v", before.SubmittedAt, after.SubmittedAt)
	}
}

func TestFinalizeBatch_RejectsUnfinishedOrFailedBatches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	failed := h.submit(t, acct, csvOf(testHeader, "REF,,10/03/2025,1"))
	csvFailed := h.submit(t, acct, csvOf(testHeader))
	processing, err := h.svc.SubmitContent(ctx, SubmitRequest{AccountID: acct, FileName: "p.csv", Content: validCSV(1)})
	if err != nil {
		t.Fatalf("SubmitContent() error = %v", err)
	}

	for _, b := range []Batch{failed, csvFailed, processing} {
		_, err := h.svc.FinalizeBatch(ctx, acct, b.ID)
		if !errors.Is(err, ErrInvalidStateTransition) {
			t.Errorf("FinalizeBatch(%s) error = %v, want ErrInvalidStateTransition", b.Status, err)
		}
		var te *TransitionError
		if errors.As(err, &te) && te.To != StatusSubmitted {
			t.Errorf("TransitionError.To = %s, want Submitted", te.To)
		}
		page, _ := h.svc.ListSubmissions(ctx, acct, b.ID, SubmissionQuery{})
		if page.Total != 0 {
			t.Errorf("%s batch has %d submissions", b.Status, page.Total)
		}
	}
}

func TestTenantIsolation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.submit(t, acct, validCSV(3))

	other := "acct-2"
	if _, err := h.svc.GetBatchStatus(ctx, other, b.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetBatchStatus() error = %v, want ErrNotFound", err)
	}
	if _, err := h.svc.GetRow(ctx, other, b.ID, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRow() error = %v, want ErrNotFound", err)
	}
	if _, err := h.svc.GetColumn(ctx, other, b.ID, "A"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetColumn() error = %v, want ErrNotFound", err)
	}
	if _, err := h.svc.FinalizeBatch(ctx, other, b.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("FinalizeBatch() error = %v, want ErrNotFound", err)
	}
	list, err := h.svc.ListBatches(ctx, other, PageRequest{})
	if err != nil || list.Total != 0 {
		t.Errorf("ListBatches() = %d, %v, want 0 batches", list.Total, err)
	}

	got, _ := h.svc.GetBatch(ctx, acct, b.ID)
	if got.Status != StatusPassedValidation {
		t.Errorf("owner's batch changed to %s", got.Status)
	}
}

func TestGetBatchStatus_WhileProcessing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	b, err := h.svc.SubmitContent(ctx, SubmitRequest{AccountID: acct, FileName: "m.csv", Content: validCSV(2)})
	if err != nil {
		t.Fatalf("SubmitContent() error = %v", err)
	}
	st, err := h.svc.GetBatchStatus(ctx, acct, b.ID)
	if err != nil {
		t.Fatalf("GetBatchStatus() error = %v", err)
	}
	if st.Status != StatusProcessing || st.Terminal {
		t.Errorf("status = %s terminal=%v, want Processing", st.Status, st.Terminal)
	}
	if st.PollAfter != DefaultPollInterval || st.GiveUpAfter != DefaultPollGiveUp {
		t.Errorf("poll hints = %v/%v", st.PollAfter, st.GiveUpAfter)
	}

	h.runJobs(t)
	st, _ = h.svc.GetBatchStatus(ctx, acct, b.ID)
	if st.Status != StatusPassedValidation || !st.Terminal || st.RowCount != 2 {
		t.Errorf("status = %+v, want PassedValidation with 2 rows", st)
	}
	if st.ErrorSummary != nil {
		t.Errorf("ErrorSummary = %+v, want nil for a passed batch", st.ErrorSummary)
	}
}

func TestGetBatchStatus_ErrorSummary(t *testing.T) {
	h := newHarness(t)
	b := h.submit(t, acct, csvOf(testHeader, "R1,,bad,0", "R2,P,bad,1"))

	st, err := h.svc.GetBatchStatus(context.Background(), acct, b.ID)
	if err != nil {
		t.Fatalf("GetBatchStatus() error = %v", err)
	}
	var refs []string
	for _, c := range st.ErrorSummary {
		refs = append(refs, fmt.Sprintf("%s:%d", c.ColumnRef, c.Count))
	}
	if want := []string{"B:1", "C:2", "D:1"}; !reflect.DeepEqual(refs, want) {
		t.Errorf("ErrorSummary = %v, want %v", refs, want)
	}
}

func TestSubmitContent_InvalidRequests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.svc.SubmitContent(ctx, SubmitRequest{AccountID: acct}); !errors.Is(err, ErrEmptyContent) {
		t.Errorf("empty content error = %v, want ErrEmptyContent", err)
	}
	if _, err := h.svc.SubmitContent(ctx, SubmitRequest{AccountID: " ", Content: validCSV(1)}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("blank account error = %v, want ErrInvalidInput", err)
	}
	if jobs := h.queue.drain(); len(jobs) != 0 {
		t.Errorf("queued %d jobs for rejected uploads", len(jobs))
	}
}

func TestSubmitContent_ContentRefIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := SubmitRequest{AccountID: acct, FileName: "m.csv", ContentRef: "upload-42", Content: validCSV(2)}

	first, err := h.svc.SubmitContent(ctx, req)
	if err != nil {
		t.Fatalf("SubmitContent() error = %v", err)
	}
	second, err := h.svc.SubmitContent(ctx, req)
	if err != nil {
		t.Fatalf("second SubmitContent() error = %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("second upload created batch %s, want %s", second.ID, first.ID)
	}
	// Still processing, so the job is queued again; the second run is a no-op
	if n := len(h.queue.jobs); n != 2 {
		t.Errorf("queued jobs = %d, want 2", n)
	}
	h.runJobs(t)

	third, err := h.svc.SubmitContent(ctx, req)
	if err != nil {
		t.Fatalf("third SubmitContent() error = %v", err)
	}
	if third.ID != first.ID || third.Status != StatusPassedValidation {
		t.Errorf("third = %s %s, want original batch PassedValidation", third.ID, third.Status)
	}
	if jobs := h.queue.drain(); len(jobs) != 0 {
		t.Errorf("queued %d jobs for a finished batch", len(jobs))
	}

	// Same ref under another account is a different batch
	other, err := h.svc.SubmitContent(ctx, SubmitRequest{AccountID: "acct-2", FileName: "m.csv", ContentRef: "upload-42", Content: validCSV(1)})
	if err != nil {
		t.Fatalf("SubmitContent() error = %v", err)
	}
	if other.ID == first.ID {
		t.Error("content ref leaked across accounts")
	}
}

func TestProcessBatch_Redelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.submit(t, acct, csvOf(testHeader, validLine(1), "R2,P,bad,1"))

	before, _ := h.svc.GetBatch(ctx, acct, b.ID)
	if err := h.svc.ProcessBatch(ctx, Job{BatchID: b.ID, AccountID: acct}); err != nil {
		t.Fatalf("redelivered ProcessBatch() error = %v", err)
	}
	after, _ := h.svc.GetBatch(ctx, acct, b.ID)
	if !reflect.DeepEqual(before, after) {
		t.Errorf("redelivery changed the batch:\n%+v\n%+v", before, after)
	}

	if err := h.svc.ProcessBatch(ctx, Job{BatchID: uuid.New(), AccountID: acct}); err != nil {
		t.Errorf("unknown batch ProcessBatch() error = %v, want nil", err)
	}
}

// gatedContent blocks the first Get until release is closed.
type gatedContent struct {
	ContentStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedContent) Get(ctx context.Context, key string) ([]byte, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.ContentStore.Get(ctx, key)
}

func TestProcessBatch_LateDeliveryCannotOverwriteSubmitted(t *testing.T) {
	store := NewMemoryStore()
	queue := &recordingQueue{}
	gate := &gatedContent{ContentStore: content.NewMemory(), entered: make(chan struct{}), release: make(chan struct{})}
	svc := NewService(store, gate, queue, testRuleSet(t), Options{
		Now: func() time.Time { return testToday.Add(9 * time.Hour) },
	})
	ctx := context.Background()

	req := SubmitRequest{AccountID: acct, FileName: "m.csv", ContentRef: "ref-7", Content: validCSV(3)}
	b, err := svc.SubmitContent(ctx, req)
	if err != nil {
		t.Fatalf("SubmitContent() error = %v", err)
	}
	if _, err := svc.SubmitContent(ctx, req); err != nil {
		t.Fatalf("resubmit error = %v", err)
	}
	jobs := queue.drain()
	if len(jobs) != 2 {
		t.Fatalf("queued jobs = %d, want 2", len(jobs))
	}

	slow := make(chan error, 1)
	go func() { slow <- svc.ProcessBatch(ctx, jobs[0]) }()
	<-gate.entered

	if err := svc.ProcessBatch(ctx, jobs[1]); err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	ids, err := svc.FinalizeBatch(ctx, acct, b.ID)
	if err != nil {
		t.Fatalf("FinalizeBatch() error = %v", err)
	}

	close(gate.release)
	if err := <-slow; err != nil {
		t.Fatalf("late ProcessBatch() error = %v, want nil", err)
	}

	got, _ := svc.GetBatch(ctx, acct, b.ID)
	if got.Status != StatusSubmitted {
		t.Fatalf("Status = %s, want Submitted", got.Status)
	}
	again, err := svc.FinalizeBatch(ctx, acct, b.ID)
	if err != nil {
		t.Fatalf("second FinalizeBatch() error = %v", err)
	}
	if !reflect.DeepEqual(again, ids) {
		t.Errorf("second FinalizeBatch() = %v, want %v", again, ids)
	}
}

func TestMemoryStore_CompleteValidationOnlyFromProcessing(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	b := Batch{ID: uuid.New(), AccountID: acct, Status: StatusProcessing, CreatedAt: testToday}
	if err := m.SaveBatch(ctx, b); err != nil {
		t.Fatalf("SaveBatch() error = %v", err)
	}

	done := b
	done.Status = StatusFailedValidation
	rows := []Row{{RowID: 1, FieldErrors: []FieldError{{Field: "date", Code: "INVALID_DATE"}}}}
	applied, err := m.CompleteValidation(ctx, done, rows, nil)
	if err != nil || !applied {
		t.Fatalf("CompleteValidation() = %v, %v, want true, nil", applied, err)
	}

	passed := b
	passed.Status = StatusPassedValidation
	applied, err = m.CompleteValidation(ctx, passed, []Row{{RowID: 1}}, nil)
	if err != nil || applied {
		t.Fatalf("second CompleteValidation() = %v, %v, want false, nil", applied, err)
	}
	got, _ := m.GetBatch(ctx, acct, b.ID)
	if got.Status != StatusFailedValidation {
		t.Errorf("Status = %s, want FailedValidation", got.Status)
	}
	if row, _ := m.GetRow(ctx, acct, b.ID, 1); !row.HasErrors() {
		t.Errorf("row 1 = %+v, want the first result kept", row)
	}

	foreign := b
	foreign.AccountID = "acct-2"
	if _, err := m.CompleteValidation(ctx, foreign, nil, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign account error = %v, want ErrNotFound", err)
	}
}

func TestProcessBatch_ValidatedOnUploadDay(t *testing.T) {
	h := newHarness(t)
	b := h.submit(t, acct, validCSV(1))
	if !b.ValidatedOn.Equal(testToday) {
		t.Errorf("ValidatedOn = %v, want %v", b.ValidatedOn, testToday)
	}
}

func TestProcessBatch_RowTimeoutAndPanic(t *testing.T) {
	// Runs after qty:number, so it sees the parsed int
	slow := Check("qty:slow", "qty", func(n int, _ Input) Outcome {
		switch n {
		case 999:
			time.Sleep(300 * time.Millisecond)
		case 666:
			panic("boom")
		}
		return Ok(nil)
	})
	rs, err := NewRuleSet("slow", testColumns, append(testRules(), slow), testMaterialize)
	if err != nil {
		t.Fatalf("NewRuleSet() error = %v", err)
	}

	store := NewMemoryStore()
	queue := &recordingQueue{}
	svc := NewService(store, content.NewMemory(), queue, rs, Options{
		RowWorkers: 2,
		RowTimeout: 50 * time.Millisecond,
		Now:        func() time.Time { return testToday },
	})
	ctx := context.Background()

	b, err := svc.SubmitContent(ctx, SubmitRequest{
		AccountID: acct,
		FileName:  "m.csv",
		Content:   csvOf(testHeader, validLine(1), "R2,P,10/03/2025,999", "R3,P,10/03/2025,666"),
	})
	if err != nil {
		t.Fatalf("SubmitContent() error = %v", err)
	}
	for _, job := range queue.drain() {
		if err := svc.ProcessBatch(ctx, job); err != nil {
			t.Fatalf("ProcessBatch() error = %v", err)
		}
	}

	got, _ := store.GetBatch(ctx, acct, b.ID)
	if got.Status != StatusFailedValidation {
		t.Fatalf("Status = %s, want FailedValidation", got.Status)
	}
	for rowID, code := range map[int]string{2: CodeRowTimeout, 3: CodeRowPanic} {
		row, err := store.GetRow(ctx, acct, b.ID, rowID)
		if err != nil {
			t.Fatalf("GetRow(%d) error = %v", rowID, err)
		}
		if len(row.StructuralErrors) != 1 || row.StructuralErrors[0].Code != code {
			t.Errorf("row %d errors = %+v, want %s", rowID, row.StructuralErrors, code)
		}
	}
	if row, _ := store.GetRow(ctx, acct, b.ID, 1); !row.Valid() {
		t.Errorf("row 1 = %+v, want valid", row)
	}
}

func TestGetColumn_NotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.submit(t, acct, csvOf(testHeader, "R1,P,bad,1"))

	for _, ref := range []string{"A", "Z", "weight"} {
		if _, err := h.svc.GetColumn(ctx, acct, b.ID, ref); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetColumn(%q) error = %v, want ErrNotFound", ref, err)
		}
	}
	if _, err := h.svc.GetColumn(ctx, acct, uuid.New(), "Z"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown batch error = %v, want ErrNotFound", err)
	}
}

func TestListRows_OnlyInvalid(t *testing.T) {
	h := newHarness(t)
	b := h.submit(t, acct, csvOf(testHeader, validLine(1), "R2,P,bad,1", validLine(3), "R4,,10/03/2025,1"))

	page, err := h.svc.ListRows(context.Background(), acct, b.ID, RowQuery{OnlyInvalid: true})
	if err != nil {
		t.Fatalf("ListRows() error = %v", err)
	}
	var ids []int
	for _, r := range page.Data {
		ids = append(ids, r.RowID)
	}
	if want := []int{2, 4}; !reflect.DeepEqual(ids, want) {
		t.Errorf("invalid rows = %v, want %v", ids, want)
	}
}

func TestListSubmissions_Filters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.submit(t, acct, csvOf(testHeader, validLine(1), validLine(2), "REF-X,Other Co,11/03/2025,5"))
	if _, err := h.svc.FinalizeBatch(ctx, acct, b.ID); err != nil {
		t.Fatalf("FinalizeBatch() error = %v", err)
	}

	mar10 := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		filter SubmissionFilter
		want   []int
	}{
		{"none", SubmissionFilter{}, []int{1, 2, 3}},
		{"collection date", SubmissionFilter{CollectionDate: &mar10}, []int{1, 2}},
		{"producer substring", SubmissionFilter{ProducerName: "other"}, []int{3}},
		{"external ref", SubmissionFilter{ExternalRef: "REF-002"}, []int{2}},
		{"ewc code", SubmissionFilter{EWCCode: "20 03 01"}, []int{1, 2, 3}},
		{"ewc code miss", SubmissionFilter{EWCCode: "17 01 01"}, nil},
		{"combined", SubmissionFilter{CollectionDate: &mar10, ProducerName: "producer 1"}, []int{1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := h.svc.ListSubmissions(ctx, acct, b.ID, SubmissionQuery{Filter: tt.filter})
			if err != nil {
				t.Fatalf("ListSubmissions() error = %v", err)
			}
			var ids []int
			for _, s := range page.Data {
				ids = append(ids, s.RowID)
			}
			if !reflect.DeepEqual(ids, tt.want) {
				t.Errorf("rows = %v, want %v", ids, tt.want)
			}
		})
	}
}

func TestDownloadCsv(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.submit(t, acct, csvOf(testHeader, validLine(1), `"Ref, quoted",Acme,10/03/2025,2`))

	if _, err := h.svc.DownloadCsv(ctx, acct, b.ID); !errors.Is(err, ErrNotSubmitted) {
		t.Fatalf("DownloadCsv() before finalize error = %v, want ErrNotSubmitted", err)
	}
	if _, err := h.svc.FinalizeBatch(ctx, acct, b.ID); err != nil {
		t.Fatalf("FinalizeBatch() error = %v", err)
	}

	data, err := h.svc.DownloadCsv(ctx, acct, b.ID)
	if err != nil {
		t.Fatalf("DownloadCsv() error = %v", err)
	}
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("exported csv does not parse: %v", err)
	}
	want := [][]string{
		strings.Split(testHeader, ","),
		{"REF-001", "Producer 1", "10/03/2025", "1"},
		{"Ref, quoted", "Acme", "10/03/2025", "2"},
	}
	if !reflect.DeepEqual(records, want) {
		t.Errorf("records = %v, want %v", records, want)
	}

	// The export can be uploaded again as a new batch
	again := h.submit(t, acct, data)
	if again.Status != StatusPassedValidation || again.RowCount != 2 {
		t.Errorf("re-upload = %s with %d rows, want PassedValidation with 2", again.Status, again.RowCount)
	}

	if _, err := h.svc.DownloadCsv(ctx, "acct-2", b.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("other account error = %v, want ErrNotFound", err)
	}
}

func TestDownloadXlsx(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.submit(t, acct, validCSV(3))
	if _, err := h.svc.FinalizeBatch(ctx, acct, b.ID); err != nil {
		t.Fatalf("FinalizeBatch() error = %v", err)
	}

	data, err := h.svc.DownloadXlsx(ctx, acct, b.ID)
	if err != nil {
		t.Fatalf("DownloadXlsx() error = %v", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("OpenReader() error = %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(exportSheet)
	if err != nil {
		t.Fatalf("GetRows() error = %v", err)
	}
	if len(rows) != 4 || rows[3][1] != "Producer 3" {
		t.Errorf("rows = %v, want header plus 3 rows", rows)
	}
}

func TestListBatches(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.submit(t, acct, validCSV(1))
	}
	page, err := h.svc.ListBatches(context.Background(), acct, PageRequest{Page: 1, PageSize: 2})
	if err != nil {
		t.Fatalf("ListBatches() error = %v", err)
	}
	if page.Total != 3 || len(page.Data) != 2 || page.TotalPages != 2 {
		t.Errorf("page = %d of %d, %d pages", len(page.Data), page.Total, page.TotalPages)
	}
}
