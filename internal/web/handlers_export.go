package web

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// handleExportCSV downloads the committed submissions of a batch in the
// intake layout.
func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	s.export(w, r, "csv", "text/csv; charset=utf-8", s.service.DownloadCsv)
}

// handleExportXLSX is handleExportCSV as a workbook.
func (s *Server) handleExportXLSX(w http.ResponseWriter, r *http.Request) {
	s.export(w, r, "xlsx", xlsxContentType, s.service.DownloadXlsx)
}

type downloadFunc func(ctx context.Context, accountID string, batchID uuid.UUID) ([]byte, error)

func (s *Server) export(w http.ResponseWriter, r *http.Request, ext, contentType string, download downloadFunc) {
	batchID, err := batchIDParam(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	data, err := download(r.Context(), accountID(r), batchID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="submissions-%s.%s"`, batchID, ext))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}
