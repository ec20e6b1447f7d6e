// Package database is the PostgreSQL implementation of core.Repository.
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/JonMunkholm/bulkwaste/internal/core"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the interface for database operations.
// Satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Store persists batches in Postgres. Multi-statement writes run in one
// transaction so readers never observe a partial set.
type Store struct {
	pool *pgxpool.Pool
}

var _ core.Repository = (*Store)(nil)

// NewStore returns a Store backed by pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const batchColumns = `id, account_id, status, file_name, COALESCE(content_ref, ''), content_key,
	headers, row_count, error_summary, csv_error, validated_on, created_at, updated_at, submitted_at`

const rowColumns = `batch_id, row_id, raw_fields, value, field_errors, structural_errors`

const columnColumns = `batch_id, column_ref, field, header, error_count, error_code, message`

const submissionColumns = `id, account_id, batch_id, row_id, collection_date, ewc_codes,
	producer_name, external_ref, payload, raw_fields, created_at`

// withTx runs fn in a transaction that is rolled back unless fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ============================================================================
// Batches
// ============================================================================

func (s *Store) SaveBatch(ctx context.Context, b core.Batch) error {
	summary, err := json.Marshal(emptyIfNil(b.ErrorSummary))
	if err != nil {
		return fmt.Errorf("encode error summary: %w", err)
	}
	var csvErr []byte
	if b.CsvError != nil {
		if csvErr, err = json.Marshal(b.CsvError); err != nil {
			return fmt.Errorf("encode csv error: %w", err)
		}
	}
	var validatedOn *time.Time
	if !b.ValidatedOn.IsZero() {
		d := core.DateOf(b.ValidatedOn)
		validatedOn = &d
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO batches (id, account_id, status, file_name, content_ref, content_key,
			headers, row_count, error_summary, csv_error, validated_on, created_at, updated_at, submitted_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			file_name = EXCLUDED.file_name,
			content_key = EXCLUDED.content_key,
			headers = EXCLUDED.headers,
			row_count = EXCLUDED.row_count,
			error_summary = EXCLUDED.error_summary,
			csv_error = EXCLUDED.csv_error,
			validated_on = EXCLUDED.validated_on,
			updated_at = EXCLUDED.updated_at,
			submitted_at = EXCLUDED.submitted_at`,
		b.ID, b.AccountID, string(b.Status), b.FileName, b.ContentRef, b.ContentKey,
		emptyIfNil(b.Headers), b.RowCount, summary, csvErr, validatedOn, b.CreatedAt, b.UpdatedAt, b.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("save batch %s: %w", b.ID, mapError(err))
	}
	return nil
}

func (s *Store) GetBatch(ctx context.Context, accountID string, batchID uuid.UUID) (core.Batch, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE id = $1 AND account_id = $2`,
		batchID, accountID)
	b, err := scanBatch(row)
	if err != nil {
		return core.Batch{}, mapError(err)
	}
	return b, nil
}

func (s *Store) FindBatchByContentRef(ctx context.Context, accountID, contentRef string) (core.Batch, error) {
	if contentRef == "" {
		return core.Batch{}, core.ErrNotFound
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+batchColumns+` FROM batches
		WHERE account_id = $1 AND content_ref = $2
		ORDER BY created_at LIMIT 1`,
		accountID, contentRef)
	b, err := scanBatch(row)
	if err != nil {
		return core.Batch{}, mapError(err)
	}
	return b, nil
}

func (s *Store) ListBatches(ctx context.Context, accountID string, page core.PageRequest) (core.PageResult[core.Batch], error) {
	page.Normalize()

	wb := NewWhereBuilder()
	wb.Add("account_id", accountID)
	whereClause, args := wb.Build()

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM batches"+whereClause, args...).Scan(&total); err != nil {
		return core.PageResult[core.Batch]{}, fmt.Errorf("count batches: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM batches%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		batchColumns, whereClause, wb.NextArgIndex(), wb.NextArgIndex()+1)
	rows, err := s.pool.Query(ctx, query, append(args, page.PageSize, page.Offset())...)
	if err != nil {
		return core.PageResult[core.Batch]{}, fmt.Errorf("list batches: %w", err)
	}
	batches, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (core.Batch, error) {
		return scanBatch(r)
	})
	if err != nil {
		return core.PageResult[core.Batch]{}, fmt.Errorf("scan batches: %w", err)
	}
	return core.NewPageResult(batches, total, page), nil
}

func scanBatch(row pgx.Row) (core.Batch, error) {
	var (
		b           core.Batch
		status      string
		summary     []byte
		csvErr      []byte
		validatedOn *time.Time
	)
	err := row.Scan(&b.ID, &b.AccountID, &status, &b.FileName, &b.ContentRef, &b.ContentKey,
		&b.Headers, &b.RowCount, &summary, &csvErr, &validatedOn, &b.CreatedAt, &b.UpdatedAt, &b.SubmittedAt)
	if err != nil {
		return core.Batch{}, err
	}
	b.Status = core.Status(status)
	if len(summary) > 0 {
		if err := json.Unmarshal(summary, &b.ErrorSummary); err != nil {
			return core.Batch{}, fmt.Errorf("decode error summary: %w", err)
		}
	}
	if len(csvErr) > 0 {
		b.CsvError = &core.CsvError{}
		if err := json.Unmarshal(csvErr, b.CsvError); err != nil {
			return core.Batch{}, fmt.Errorf("decode csv error: %w", err)
		}
	}
	if validatedOn != nil {
		b.ValidatedOn = core.DateOf(*validatedOn)
	}
	return b, nil
}

// ownsBatch reports ErrNotFound unless the batch exists and belongs to the
// account.
func ownsBatch(ctx context.Context, db DBTX, accountID string, batchID uuid.UUID) error {
	var one int
	err := db.QueryRow(ctx, `SELECT 1 FROM batches WHERE id = $1 AND account_id = $2`, batchID, accountID).Scan(&one)
	return mapError(err)
}

// ============================================================================
// Rows and error columns
// ============================================================================

// CompleteValidation locks the batch row and writes rows, error columns
// and the terminal status only while the stored status is Processing.
func (s *Store) CompleteValidation(ctx context.Context, b core.Batch, rows []core.Row, cols []core.ErrorColumn) (bool, error) {
	values, err := rowValues(b.ID, rows)
	if err != nil {
		return false, err
	}
	summary, err := json.Marshal(emptyIfNil(b.ErrorSummary))
	if err != nil {
		return false, fmt.Errorf("encode error summary: %w", err)
	}
	var csvErr []byte
	if b.CsvError != nil {
		if csvErr, err = json.Marshal(b.CsvError); err != nil {
			return false, fmt.Errorf("encode csv error: %w", err)
		}
	}
	var validatedOn *time.Time
	if !b.ValidatedOn.IsZero() {
		d := core.DateOf(b.ValidatedOn)
		validatedOn = &d
	}

	applied := false
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx,
			`SELECT status FROM batches WHERE id = $1 AND account_id = $2 FOR UPDATE`,
			b.ID, b.AccountID).Scan(&status)
		if err != nil {
			return mapError(err)
		}
		if core.Status(status) != core.StatusProcessing {
			return nil
		}

		if err := replaceRows(ctx, tx, b.ID, values); err != nil {
			return err
		}
		if err := replaceColumns(ctx, tx, b.ID, cols); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE batches SET status = $2, headers = $3, row_count = $4, error_summary = $5,
				csv_error = $6, validated_on = $7, updated_at = $8
			WHERE id = $1`,
			b.ID, string(b.Status), emptyIfNil(b.Headers), b.RowCount, summary, csvErr, validatedOn, b.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update batch %s: %w", b.ID, mapError(err))
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func rowValues(batchID uuid.UUID, rows []core.Row) ([][]any, error) {
	values := make([][]any, 0, len(rows))
	for _, r := range rows {
		raw, err := json.Marshal(emptyIfNil(r.RawFields))
		if err != nil {
			return nil, fmt.Errorf("encode row %d: %w", r.RowID, err)
		}
		var value []byte
		if r.Value != nil {
			if value, err = json.Marshal(r.Value); err != nil {
				return nil, fmt.Errorf("encode row %d: %w", r.RowID, err)
			}
		}
		fieldErrs, err := json.Marshal(emptyIfNil(r.FieldErrors))
		if err != nil {
			return nil, fmt.Errorf("encode row %d: %w", r.RowID, err)
		}
		structErrs, err := json.Marshal(emptyIfNil(r.StructuralErrors))
		if err != nil {
			return nil, fmt.Errorf("encode row %d: %w", r.RowID, err)
		}
		values = append(values, []any{batchID, r.RowID, raw, value, fieldErrs, structErrs, r.HasErrors()})
	}
	return values, nil
}

func replaceRows(ctx context.Context, tx pgx.Tx, batchID uuid.UUID, values [][]any) error {
	if _, err := tx.Exec(ctx, `DELETE FROM batch_rows WHERE batch_id = $1`, batchID); err != nil {
		return fmt.Errorf("clear rows: %w", err)
	}
	if len(values) == 0 {
		return nil
	}
	_, err := tx.CopyFrom(ctx,
		pgx.Identifier{"batch_rows"},
		[]string{"batch_id", "row_id", "raw_fields", "value", "field_errors", "structural_errors", "has_errors"},
		pgx.CopyFromRows(values),
	)
	if err != nil {
		return fmt.Errorf("copy rows: %w", mapError(err))
	}
	return nil
}

func replaceColumns(ctx context.Context, tx pgx.Tx, batchID uuid.UUID, cols []core.ErrorColumn) error {
	if _, err := tx.Exec(ctx, `DELETE FROM error_columns WHERE batch_id = $1`, batchID); err != nil {
		return fmt.Errorf("clear columns: %w", err)
	}
	for i, c := range cols {
		_, err := tx.Exec(ctx, `
			INSERT INTO error_columns (batch_id, position, column_ref, field, header, error_count, error_code, message)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			batchID, i, c.ColumnRef, c.Field, c.Header, c.Count, c.ErrorCode, c.Message)
		if err != nil {
			return fmt.Errorf("insert column %s: %w", c.Field, mapError(err))
		}
	}
	return nil
}

func (s *Store) GetRow(ctx context.Context, accountID string, batchID uuid.UUID, rowID int) (core.Row, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT r.batch_id, r.row_id, r.raw_fields, r.value, r.field_errors, r.structural_errors
		FROM batch_rows r JOIN batches b ON b.id = r.batch_id
		WHERE b.account_id = $1 AND r.batch_id = $2 AND r.row_id = $3`,
		accountID, batchID, rowID)
	r, err := scanRow(row)
	if err != nil {
		return core.Row{}, mapError(err)
	}
	return r, nil
}

func (s *Store) GetColumn(ctx context.Context, accountID string, batchID uuid.UUID, field string) (core.ErrorColumn, error) {
	var c core.ErrorColumn
	err := s.pool.QueryRow(ctx, `
		SELECT c.batch_id, c.column_ref, c.field, c.header, c.error_count, c.error_code, c.message
		FROM error_columns c JOIN batches b ON b.id = c.batch_id
		WHERE b.account_id = $1 AND c.batch_id = $2 AND c.field = $3`,
		accountID, batchID, field,
	).Scan(&c.BatchID, &c.ColumnRef, &c.Field, &c.Header, &c.Count, &c.ErrorCode, &c.Message)
	if err != nil {
		return core.ErrorColumn{}, mapError(err)
	}
	return c, nil
}

func (s *Store) ListRows(ctx context.Context, accountID string, batchID uuid.UUID, q core.RowQuery) (core.PageResult[core.Row], error) {
	q.Normalize()
	if err := ownsBatch(ctx, s.pool, accountID, batchID); err != nil {
		return core.PageResult[core.Row]{}, err
	}

	wb := NewWhereBuilder()
	wb.AddValue("batch_id", batchID)
	if q.OnlyInvalid {
		wb.AddRaw("has_errors")
	}
	whereClause, args := wb.Build()

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM batch_rows"+whereClause, args...).Scan(&total); err != nil {
		return core.PageResult[core.Row]{}, fmt.Errorf("count rows: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM batch_rows%s ORDER BY row_id LIMIT $%d OFFSET $%d`,
		rowColumns, whereClause, wb.NextArgIndex(), wb.NextArgIndex()+1)
	rows, err := s.pool.Query(ctx, query, append(args, q.PageSize, q.Offset())...)
	if err != nil {
		return core.PageResult[core.Row]{}, fmt.Errorf("list rows: %w", err)
	}
	data, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (core.Row, error) {
		return scanRow(r)
	})
	if err != nil {
		return core.PageResult[core.Row]{}, fmt.Errorf("scan rows: %w", err)
	}
	return core.NewPageResult(data, total, q.PageRequest), nil
}

func scanRow(row pgx.Row) (core.Row, error) {
	var r core.Row
	var raw, value, fieldErrs, structErrs []byte
	if err := row.Scan(&r.BatchID, &r.RowID, &raw, &value, &fieldErrs, &structErrs); err != nil {
		return core.Row{}, err
	}
	if err := json.Unmarshal(raw, &r.RawFields); err != nil {
		return core.Row{}, fmt.Errorf("decode row %d: %w", r.RowID, err)
	}
	if len(value) > 0 {
		r.Value = &core.RowValue{}
		if err := json.Unmarshal(value, r.Value); err != nil {
			return core.Row{}, fmt.Errorf("decode row %d: %w", r.RowID, err)
		}
	}
	if err := json.Unmarshal(fieldErrs, &r.FieldErrors); err != nil {
		return core.Row{}, fmt.Errorf("decode row %d: %w", r.RowID, err)
	}
	if err := json.Unmarshal(structErrs, &r.StructuralErrors); err != nil {
		return core.Row{}, fmt.Errorf("decode row %d: %w", r.RowID, err)
	}
	if len(r.FieldErrors) == 0 {
		r.FieldErrors = nil
	}
	if len(r.StructuralErrors) == 0 {
		r.StructuralErrors = nil
	}
	return r, nil
}

// ============================================================================
// Submissions
// ============================================================================

func (s *Store) CommitSubmissions(ctx context.Context, accountID string, batchID uuid.UUID, subs []core.Submission) ([]core.Submission, error) {
	stored := append([]core.Submission(nil), subs...)
	sort.SliceStable(stored, func(i, j int) bool { return stored[i].RowID < stored[j].RowID })

	var result []core.Submission
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx,
			`SELECT status FROM batches WHERE id = $1 AND account_id = $2 FOR UPDATE`,
			batchID, accountID).Scan(&status)
		if err != nil {
			return mapError(err)
		}

		if core.Status(status) == core.StatusSubmitted {
			result, err = querySubmissions(ctx, tx, `SELECT `+submissionColumns+`
				FROM submissions WHERE batch_id = $1 ORDER BY row_id`, batchID)
			return err
		}
		if _, err := core.Transition(core.Status(status), core.StatusSubmitted); err != nil {
			return err
		}

		if err := copySubmissions(ctx, tx, stored); err != nil {
			return err
		}

		now := time.Now().UTC()
		if len(stored) > 0 {
			now = stored[0].CreatedAt
		}
		_, err = tx.Exec(ctx,
			`UPDATE batches SET status = $2, submitted_at = $3, updated_at = $3 WHERE id = $1`,
			batchID, string(core.StatusSubmitted), now)
		if err != nil {
			return fmt.Errorf("mark submitted: %w", err)
		}
		result = stored
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func copySubmissions(ctx context.Context, tx pgx.Tx, subs []core.Submission) error {
	if len(subs) == 0 {
		return nil
	}
	values := make([][]any, 0, len(subs))
	for _, sub := range subs {
		raw, err := json.Marshal(emptyIfNil(sub.RawFields))
		if err != nil {
			return fmt.Errorf("encode submission %d: %w", sub.RowID, err)
		}
		values = append(values, []any{
			sub.ID, sub.AccountID, sub.BatchID, sub.RowID,
			core.DateOf(sub.Keys.CollectionDate), emptyIfNil(sub.Keys.EWCCodes),
			sub.Keys.ProducerName, sub.Keys.ExternalRef,
			[]byte(sub.Payload), raw, sub.CreatedAt,
		})
	}
	_, err := tx.CopyFrom(ctx,
		pgx.Identifier{"submissions"},
		[]string{"id", "account_id", "batch_id", "row_id", "collection_date", "ewc_codes",
			"producer_name", "external_ref", "payload", "raw_fields", "created_at"},
		pgx.CopyFromRows(values),
	)
	if err != nil {
		return fmt.Errorf("copy submissions: %w", mapError(err))
	}
	return nil
}

func (s *Store) ListSubmissions(ctx context.Context, accountID string, batchID uuid.UUID, q core.SubmissionQuery) (core.PageResult[core.Submission], error) {
	q.Normalize()
	if err := ownsBatch(ctx, s.pool, accountID, batchID); err != nil {
		return core.PageResult[core.Submission]{}, err
	}

	wb := NewWhereBuilder()
	wb.AddValue("batch_id", batchID)
	if q.Filter.CollectionDate != nil {
		wb.AddValue("collection_date", core.DateOf(*q.Filter.CollectionDate))
	}
	if q.Filter.EWCCode != "" {
		wb.AddExpr("? = ANY(ewc_codes)", q.Filter.EWCCode)
	}
	wb.AddContains("producer_name", q.Filter.ProducerName)
	wb.Add("external_ref", q.Filter.ExternalRef)
	whereClause, args := wb.Build()

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM submissions"+whereClause, args...).Scan(&total); err != nil {
		return core.PageResult[core.Submission]{}, fmt.Errorf("count submissions: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM submissions%s ORDER BY row_id LIMIT $%d OFFSET $%d`,
		submissionColumns, whereClause, wb.NextArgIndex(), wb.NextArgIndex()+1)
	data, err := querySubmissions(ctx, s.pool, query, append(args, q.PageSize, q.Offset())...)
	if err != nil {
		return core.PageResult[core.Submission]{}, err
	}
	return core.NewPageResult(data, total, q.PageRequest), nil
}

func querySubmissions(ctx context.Context, db DBTX, query string, args ...any) ([]core.Submission, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	subs, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (core.Submission, error) {
		var (
			sub          core.Submission
			payload, raw []byte
		)
		err := r.Scan(&sub.ID, &sub.AccountID, &sub.BatchID, &sub.RowID,
			&sub.Keys.CollectionDate, &sub.Keys.EWCCodes, &sub.Keys.ProducerName, &sub.Keys.ExternalRef,
			&payload, &raw, &sub.CreatedAt)
		if err != nil {
			return core.Submission{}, err
		}
		sub.Keys.CollectionDate = core.DateOf(sub.Keys.CollectionDate)
		sub.Payload = json.RawMessage(payload)
		if err := json.Unmarshal(raw, &sub.RawFields); err != nil {
			return core.Submission{}, fmt.Errorf("decode submission %d: %w", sub.RowID, err)
		}
		return sub, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan submissions: %w", err)
	}
	return subs, nil
}

// emptyIfNil keeps NOT NULL array and jsonb columns from receiving NULL.
func emptyIfNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
