package core

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
)

const exportSheet = "Submissions"

// DownloadCsv regenerates the committed submissions of a batch as CSV. The
// header is the intake schema's, so the file can be corrected and uploaded
// again as a new batch.
func (s *Service) DownloadCsv(ctx context.Context, accountID string, batchID uuid.UUID) ([]byte, error) {
	records, err := s.exportRecords(ctx, accountID, batchID)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(records); err != nil {
		return nil, fmt.Errorf("write csv: %w", err)
	}
	return buf.Bytes(), nil
}

// DownloadXlsx is DownloadCsv as a single-sheet workbook.
func (s *Service) DownloadXlsx(ctx context.Context, accountID string, batchID uuid.UUID) ([]byte, error) {
	records, err := s.exportRecords(ctx, accountID, batchID)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName(f.GetSheetName(0), exportSheet); err != nil {
		return nil, fmt.Errorf("name sheet: %w", err)
	}
	for i, rec := range records {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return nil, err
		}
		values := make([]any, len(rec))
		for j, v := range rec {
			values[j] = v
		}
		if err := f.SetSheetRow(exportSheet, cell, &values); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+1, err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// exportRecords returns the header followed by one record per submission in
// row order.
func (s *Service) exportRecords(ctx context.Context, accountID string, batchID uuid.UUID) ([][]string, error) {
	b, err := s.repo.GetBatch(ctx, accountID, batchID)
	if err != nil {
		return nil, err
	}
	if b.Status != StatusSubmitted {
		return nil, fmt.Errorf("%w: batch is %s", ErrNotSubmitted, b.Status)
	}

	columns := s.rules.Columns()
	header := make([]string, len(columns))
	for i, c := range columns {
		header[i] = c.Header
	}
	records := [][]string{header}

	q := SubmissionQuery{PageRequest: PageRequest{Page: 1, PageSize: MaxPageSize}}
	for {
		page, err := s.repo.ListSubmissions(ctx, accountID, batchID, q)
		if err != nil {
			return nil, fmt.Errorf("list submissions: %w", err)
		}
		for _, sub := range page.Data {
			rec := make([]string, len(columns))
			for _, f := range sub.RawFields {
				if i, ok := s.rules.Position(f.Column); ok {
					rec[i] = f.Value
				}
			}
			records = append(records, rec)
		}
		if q.Page >= page.TotalPages {
			return records, nil
		}
		q.Page++
	}
}
