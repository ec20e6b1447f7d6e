package core

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Repository. Each operation holds one lock,
// which makes every write atomic with respect to every read.
type MemoryStore struct {
	mu          sync.RWMutex
	batches     map[uuid.UUID]Batch
	rows        map[uuid.UUID][]Row
	columns     map[uuid.UUID][]ErrorColumn
	submissions map[uuid.UUID][]Submission // by batch, row order
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches:     make(map[uuid.UUID]Batch),
		rows:        make(map[uuid.UUID][]Row),
		columns:     make(map[uuid.UUID][]ErrorColumn),
		submissions: make(map[uuid.UUID][]Submission),
	}
}

var _ Repository = (*MemoryStore)(nil)

func (m *MemoryStore) SaveBatch(_ context.Context, b Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[b.ID] = copyBatch(b)
	return nil
}

func (m *MemoryStore) GetBatch(_ context.Context, accountID string, batchID uuid.UUID) (Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.ownedBatch(accountID, batchID)
	if !ok {
		return Batch{}, ErrNotFound
	}
	return copyBatch(b), nil
}

func (m *MemoryStore) FindBatchByContentRef(_ context.Context, accountID, contentRef string) (Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *Batch
	for _, b := range m.batches {
		if b.AccountID != accountID || b.ContentRef != contentRef || contentRef == "" {
			continue
		}
		if found == nil || b.CreatedAt.Before(found.CreatedAt) {
			b := b
			found = &b
		}
	}
	if found == nil {
		return Batch{}, ErrNotFound
	}
	return copyBatch(*found), nil
}

func (m *MemoryStore) ListBatches(_ context.Context, accountID string, page PageRequest) (PageResult[Batch], error) {
	m.mu.RLock()
	var owned []Batch
	for _, b := range m.batches {
		if b.AccountID == accountID {
			owned = append(owned, copyBatch(b))
		}
	}
	m.mu.RUnlock()

	sort.Slice(owned, func(i, j int) bool {
		if !owned[i].CreatedAt.Equal(owned[j].CreatedAt) {
			return owned[i].CreatedAt.After(owned[j].CreatedAt)
		}
		return owned[i].ID.String() < owned[j].ID.String()
	})
	return paginate(owned, page), nil
}

func (m *MemoryStore) CompleteValidation(_ context.Context, b Batch, rows []Row, cols []ErrorColumn) (bool, error) {
	rowsCp := make([]Row, len(rows))
	for i, r := range rows {
		rowsCp[i] = copyRow(r)
		rowsCp[i].BatchID = b.ID
	}
	sort.SliceStable(rowsCp, func(i, j int) bool { return rowsCp[i].RowID < rowsCp[j].RowID })
	colsCp := make([]ErrorColumn, len(cols))
	for i, c := range cols {
		c.BatchID = b.ID
		colsCp[i] = c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.ownedBatch(b.AccountID, b.ID)
	if !ok {
		return false, ErrNotFound
	}
	if stored.Status != StatusProcessing {
		return false, nil
	}
	m.rows[b.ID] = rowsCp
	m.columns[b.ID] = colsCp
	m.batches[b.ID] = copyBatch(b)
	return true, nil
}

func (m *MemoryStore) GetRow(_ context.Context, accountID string, batchID uuid.UUID, rowID int) (Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.ownedBatch(accountID, batchID); !ok {
		return Row{}, ErrNotFound
	}
	rows := m.rows[batchID]
	i := sort.Search(len(rows), func(i int) bool { return rows[i].RowID >= rowID })
	if i == len(rows) || rows[i].RowID != rowID {
		return Row{}, ErrNotFound
	}
	return copyRow(rows[i]), nil
}

func (m *MemoryStore) GetColumn(_ context.Context, accountID string, batchID uuid.UUID, field string) (ErrorColumn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.ownedBatch(accountID, batchID); !ok {
		return ErrorColumn{}, ErrNotFound
	}
	for _, c := range m.columns[batchID] {
		if c.Field == field {
			return c, nil
		}
	}
	return ErrorColumn{}, ErrNotFound
}

func (m *MemoryStore) ListRows(_ context.Context, accountID string, batchID uuid.UUID, q RowQuery) (PageResult[Row], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.ownedBatch(accountID, batchID); !ok {
		return PageResult[Row]{}, ErrNotFound
	}
	var selected []Row
	for _, r := range m.rows[batchID] {
		if q.OnlyInvalid && !r.HasErrors() {
			continue
		}
		selected = append(selected, copyRow(r))
	}
	return paginate(selected, q.PageRequest), nil
}

func (m *MemoryStore) CommitSubmissions(_ context.Context, accountID string, batchID uuid.UUID, subs []Submission) ([]Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.ownedBatch(accountID, batchID)
	if !ok {
		return nil, ErrNotFound
	}
	if b.Status == StatusSubmitted {
		return copySubmissions(m.submissions[batchID]), nil
	}
	if _, err := Transition(b.Status, StatusSubmitted); err != nil {
		return nil, err
	}

	stored := copySubmissions(subs)
	sort.SliceStable(stored, func(i, j int) bool { return stored[i].RowID < stored[j].RowID })
	m.submissions[batchID] = stored

	now := b.UpdatedAt
	if len(stored) > 0 {
		now = stored[0].CreatedAt
	}
	b.Status = StatusSubmitted
	b.SubmittedAt = &now
	b.UpdatedAt = now
	m.batches[batchID] = b
	return copySubmissions(stored), nil
}

func (m *MemoryStore) ListSubmissions(_ context.Context, accountID string, batchID uuid.UUID, q SubmissionQuery) (PageResult[Submission], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.ownedBatch(accountID, batchID); !ok {
		return PageResult[Submission]{}, ErrNotFound
	}
	var selected []Submission
	for _, s := range m.submissions[batchID] {
		if MatchSubmission(q.Filter, s) {
			selected = append(selected, s)
		}
	}
	return paginate(copySubmissions(selected), q.PageRequest), nil
}

func (m *MemoryStore) ownedBatch(accountID string, batchID uuid.UUID) (Batch, bool) {
	b, ok := m.batches[batchID]
	if !ok || b.AccountID != accountID {
		return Batch{}, false
	}
	return b, true
}

// MatchSubmission reports whether a submission satisfies every set filter.
func MatchSubmission(f SubmissionFilter, s Submission) bool {
	if f.CollectionDate != nil && !DateOf(s.Keys.CollectionDate).Equal(DateOf(*f.CollectionDate)) {
		return false
	}
	if f.EWCCode != "" {
		found := false
		for _, c := range s.Keys.EWCCodes {
			if c == f.EWCCode {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ProducerName != "" && !strings.Contains(strings.ToLower(s.Keys.ProducerName), strings.ToLower(f.ProducerName)) {
		return false
	}
	if f.ExternalRef != "" && s.Keys.ExternalRef != f.ExternalRef {
		return false
	}
	return true
}

func copyBatch(b Batch) Batch {
	b.Headers = append([]string(nil), b.Headers...)
	b.ErrorSummary = append([]ErrorColumn(nil), b.ErrorSummary...)
	if b.CsvError != nil {
		e := *b.CsvError
		b.CsvError = &e
	}
	if b.SubmittedAt != nil {
		t := *b.SubmittedAt
		b.SubmittedAt = &t
	}
	return b
}

func copyRow(r Row) Row {
	r.RawFields = append([]Field(nil), r.RawFields...)
	r.FieldErrors = append([]FieldError(nil), r.FieldErrors...)
	r.StructuralErrors = append([]StructuralError(nil), r.StructuralErrors...)
	for i := range r.StructuralErrors {
		r.StructuralErrors[i].Fields = append([]string(nil), r.StructuralErrors[i].Fields...)
	}
	if r.Value != nil {
		v := *r.Value
		v.Payload = append([]byte(nil), v.Payload...)
		v.Keys.EWCCodes = append([]string(nil), v.Keys.EWCCodes...)
		r.Value = &v
	}
	return r
}

func copySubmissions(subs []Submission) []Submission {
	out := make([]Submission, len(subs))
	for i, s := range subs {
		s.Payload = append([]byte(nil), s.Payload...)
		s.RawFields = append([]Field(nil), s.RawFields...)
		s.Keys.EWCCodes = append([]string(nil), s.Keys.EWCCodes...)
		out[i] = s
	}
	return out
}
