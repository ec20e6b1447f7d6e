package core

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/JonMunkholm/bulkwaste/internal/logging"
	"github.com/google/uuid"
)

// Defaults for zero Options fields.
const (
	DefaultRowWorkers   = 8
	DefaultRowTimeout   = 2 * time.Second
	DefaultPollInterval = 3 * time.Second
	DefaultPollGiveUp   = 5 * time.Minute
)

// Options tunes the service. Zero values fall back to the defaults above.
type Options struct {
	RowWorkers           int           // Rows validated in parallel within one batch
	RowTimeout           time.Duration // Budget for validating a single row
	MaxRows              int           // Data rows allowed per file, zero for unlimited
	MaxConcurrentBatches int
	SlotWait             time.Duration
	PollInterval         time.Duration // Suggested delay between status polls
	PollGiveUp           time.Duration // Suggested total wait before a client gives up
	Location             *time.Location
	Now                  func() time.Time
}

func (o *Options) setDefaults() {
	if o.RowWorkers <= 0 {
		o.RowWorkers = DefaultRowWorkers
	}
	if o.RowTimeout <= 0 {
		o.RowTimeout = DefaultRowTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.PollGiveUp <= 0 {
		o.PollGiveUp = DefaultPollGiveUp
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Service is the batch ingestion pipeline: intake, background validation,
// status polling, drill-down, finalize and export.
type Service struct {
	repo      Repository
	content   ContentStore
	queue     Enqueuer
	rules     *RuleSet
	tokenizer Tokenizer
	limiter   *BatchLimiter
	opts      Options
}

// NewService wires the pipeline. The rule set is fixed for the life of the
// service.
func NewService(repo Repository, content ContentStore, queue Enqueuer, rules *RuleSet, opts Options) *Service {
	opts.setDefaults()
	return &Service{
		repo:      repo,
		content:   content,
		queue:     queue,
		rules:     rules,
		tokenizer: Tokenizer{Columns: rules.Columns(), MaxRows: opts.MaxRows},
		limiter:   NewBatchLimiter(opts.MaxConcurrentBatches, opts.SlotWait),
		opts:      opts,
	}
}

// Rules returns the rule set the service validates with.
func (s *Service) Rules() *RuleSet { return s.rules }

// SubmitRequest is one upload.
type SubmitRequest struct {
	AccountID  string
	FileName   string
	ContentRef string // Optional caller idempotency key
	Content    []byte
}

// SubmitContent stores the upload, creates a batch in Processing and queues
// it for validation. It returns without waiting for validation.
//
// A repeated ContentRef for the same account returns the batch created the
// first time. If that batch is still Processing its job is queued again,
// which is harmless because processing skips batches that have moved on.
func (s *Service) SubmitContent(ctx context.Context, req SubmitRequest) (Batch, error) {
	if strings.TrimSpace(req.AccountID) == "" {
		return Batch{}, fmt.Errorf("%w: account id is required", ErrInvalidInput)
	}
	if len(req.Content) == 0 {
		return Batch{}, ErrEmptyContent
	}

	if req.ContentRef != "" {
		existing, err := s.repo.FindBatchByContentRef(ctx, req.AccountID, req.ContentRef)
		switch {
		case err == nil:
			return s.resume(ctx, existing)
		case !errors.Is(err, ErrNotFound):
			return Batch{}, fmt.Errorf("find batch by content ref: %w", err)
		}
	}

	now := s.opts.Now().UTC()
	b := Batch{
		ID:         uuid.New(),
		AccountID:  req.AccountID,
		Status:     StatusProcessing,
		FileName:   filepath.Base(req.FileName),
		ContentRef: req.ContentRef,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	b.ContentKey = contentKey(b)

	if err := s.content.Put(ctx, b.ContentKey, req.Content); err != nil {
		return Batch{}, fmt.Errorf("store content: %w", err)
	}
	if err := s.repo.SaveBatch(ctx, b); err != nil {
		if errors.Is(err, ErrConflict) && req.ContentRef != "" {
			existing, ferr := s.repo.FindBatchByContentRef(ctx, req.AccountID, req.ContentRef)
			if ferr == nil {
				return s.resume(ctx, existing)
			}
		}
		return Batch{}, fmt.Errorf("save batch: %w", err)
	}

	if err := s.queue.Enqueue(ctx, Job{BatchID: b.ID, AccountID: b.AccountID}); err != nil {
		return Batch{}, fmt.Errorf("enqueue batch %s: %w", b.ID, err)
	}

	logging.WithFields(ctx, "batch_id", b.ID, "account_id", b.AccountID).
		Info("batch accepted", "file", b.FileName, "bytes", len(req.Content))
	return b, nil
}

func (s *Service) resume(ctx context.Context, b Batch) (Batch, error) {
	if b.Status == StatusProcessing {
		if err := s.queue.Enqueue(ctx, Job{BatchID: b.ID, AccountID: b.AccountID}); err != nil {
			return Batch{}, fmt.Errorf("enqueue batch %s: %w", b.ID, err)
		}
	}
	return b, nil
}

func contentKey(b Batch) string {
	ext := strings.ToLower(filepath.Ext(b.FileName))
	if ext == "" {
		ext = ".csv"
	}
	return b.AccountID + "/" + b.ID.String() + ext
}

// BatchStatus is the poll response. Clients poll every PollAfter until
// Terminal is true, and give up after GiveUpAfter in total.
type BatchStatus struct {
	BatchID      uuid.UUID     `json:"batchId"`
	Status       Status        `json:"status"`
	Terminal     bool          `json:"terminal"`
	RowCount     int           `json:"rowCount"`
	ErrorSummary []ErrorColumn `json:"errorSummary,omitempty"`
	CsvError     *CsvError     `json:"csvError,omitempty"`
	PollAfter    time.Duration `json:"-"`
	GiveUpAfter  time.Duration `json:"-"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// GetBatchStatus is safe to call repeatedly; it never blocks on processing.
func (s *Service) GetBatchStatus(ctx context.Context, accountID string, batchID uuid.UUID) (BatchStatus, error) {
	b, err := s.repo.GetBatch(ctx, accountID, batchID)
	if err != nil {
		return BatchStatus{}, err
	}
	st := BatchStatus{
		BatchID:     b.ID,
		Status:      b.Status,
		Terminal:    b.Status.Terminal(),
		RowCount:    b.RowCount,
		CsvError:    b.CsvError,
		PollAfter:   s.opts.PollInterval,
		GiveUpAfter: s.opts.PollGiveUp,
		CreatedAt:   b.CreatedAt,
		UpdatedAt:   b.UpdatedAt,
	}
	if b.Status == StatusFailedValidation {
		st.ErrorSummary = b.ErrorSummary
	}
	return st, nil
}

// GetBatch returns the full batch record.
func (s *Service) GetBatch(ctx context.Context, accountID string, batchID uuid.UUID) (Batch, error) {
	return s.repo.GetBatch(ctx, accountID, batchID)
}

// ListBatches returns the account's batches, newest first.
func (s *Service) ListBatches(ctx context.Context, accountID string, page PageRequest) (PageResult[Batch], error) {
	page.Normalize()
	return s.repo.ListBatches(ctx, accountID, page)
}

// GetRow returns one row of a batch by ordinal.
func (s *Service) GetRow(ctx context.Context, accountID string, batchID uuid.UUID, rowID int) (Row, error) {
	if rowID < 1 {
		return Row{}, ErrNotFound
	}
	return s.repo.GetRow(ctx, accountID, batchID, rowID)
}

// GetColumn returns the error aggregate of a column, addressed by
// spreadsheet letter or field key.
func (s *Service) GetColumn(ctx context.Context, accountID string, batchID uuid.UUID, ref string) (ErrorColumn, error) {
	field, ok := s.rules.FieldForRef(ref)
	if !ok {
		if _, err := s.repo.GetBatch(ctx, accountID, batchID); err != nil {
			return ErrorColumn{}, err
		}
		return ErrorColumn{}, ErrNotFound
	}
	return s.repo.GetColumn(ctx, accountID, batchID, field)
}

// ListRows pages through a batch's rows in ordinal order.
func (s *Service) ListRows(ctx context.Context, accountID string, batchID uuid.UUID, q RowQuery) (PageResult[Row], error) {
	q.Normalize()
	return s.repo.ListRows(ctx, accountID, batchID, q)
}

// FinalizeBatch commits every row of a PassedValidation batch as a
// submission and returns their ids in row order. Calling it again on the
// Submitted batch returns the same ids and writes nothing.
func (s *Service) FinalizeBatch(ctx context.Context, accountID string, batchID uuid.UUID) ([]uuid.UUID, error) {
	b, err := s.repo.GetBatch(ctx, accountID, batchID)
	if err != nil {
		return nil, err
	}

	var subs []Submission
	switch b.Status {
	case StatusSubmitted:
	case StatusPassedValidation:
		subs, err = s.buildSubmissions(ctx, b)
		if err != nil {
			return nil, err
		}
	default:
		return nil, &TransitionError{From: b.Status, To: StatusSubmitted}
	}

	stored, err := s.repo.CommitSubmissions(ctx, accountID, batchID, subs)
	if err != nil {
		return nil, fmt.Errorf("commit submissions: %w", err)
	}

	ids := make([]uuid.UUID, len(stored))
	for i, sub := range stored {
		ids[i] = sub.ID
	}

	logging.WithFields(ctx, "batch_id", batchID, "account_id", accountID).
		Info("batch finalized", "submissions", len(ids), "was_submitted", b.Status == StatusSubmitted)
	return ids, nil
}

func (s *Service) buildSubmissions(ctx context.Context, b Batch) ([]Submission, error) {
	rows, err := s.allRows(ctx, b)
	if err != nil {
		return nil, err
	}
	now := s.opts.Now().UTC()
	subs := make([]Submission, 0, len(rows))
	for _, r := range rows {
		if !r.Valid() {
			return nil, fmt.Errorf("row %d of batch %s has no validated value", r.RowID, b.ID)
		}
		subs = append(subs, Submission{
			ID:        SubmissionID(b.ID, r.RowID),
			AccountID: b.AccountID,
			BatchID:   b.ID,
			RowID:     r.RowID,
			Keys:      r.Value.Keys,
			Payload:   r.Value.Payload,
			RawFields: r.RawFields,
			CreatedAt: now,
		})
	}
	return subs, nil
}

func (s *Service) allRows(ctx context.Context, b Batch) ([]Row, error) {
	q := RowQuery{PageRequest: PageRequest{Page: 1, PageSize: MaxPageSize}}
	var rows []Row
	for {
		page, err := s.repo.ListRows(ctx, b.AccountID, b.ID, q)
		if err != nil {
			return nil, fmt.Errorf("list rows: %w", err)
		}
		rows = append(rows, page.Data...)
		if q.Page >= page.TotalPages {
			return rows, nil
		}
		q.Page++
	}
}

// ListSubmissions pages through a batch's committed submissions in row
// order, narrowed by the query's filters.
func (s *Service) ListSubmissions(ctx context.Context, accountID string, batchID uuid.UUID, q SubmissionQuery) (PageResult[Submission], error) {
	q.Normalize()
	return s.repo.ListSubmissions(ctx, accountID, batchID, q)
}

// LimiterStatus reports batch validation slots in use.
func (s *Service) LimiterStatus() LimiterStatus {
	return s.limiter.Status()
}

// WaitForBatches blocks until no batch is being validated.
func (s *Service) WaitForBatches(ctx context.Context) error {
	return s.limiter.WaitForDrain(ctx)
}
