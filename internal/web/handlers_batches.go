package web

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/JonMunkholm/bulkwaste/internal/core"
	"github.com/JonMunkholm/bulkwaste/internal/schema"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// multipartMemory is how much of a multipart form is kept in memory before
// spilling to temporary files.
const multipartMemory = 8 << 20

type submitResponse struct {
	BatchID uuid.UUID   `json:"batchId"`
	Status  core.Status `json:"status"`
}

// handleSubmit accepts a multipart upload and queues it for validation.
// It answers 202 before any row is checked.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Upload.MaxFileSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		s.respondError(w, r, formError(err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, r, fmt.Errorf("%w: no file provided", core.ErrInvalidInput))
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		s.respondError(w, r, fmt.Errorf("read upload: %w", err))
		return
	}

	contentRef := r.FormValue("contentRef")
	if contentRef == "" {
		contentRef = r.Header.Get("Idempotency-Key")
	}

	b, err := s.service.SubmitContent(r.Context(), core.SubmitRequest{
		AccountID:  core.AccountIDFromContext(r.Context()),
		FileName:   header.Filename,
		ContentRef: contentRef,
		Content:    content,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/batches/"+b.ID.String())
	writeJSON(w, http.StatusAccepted, submitResponse{BatchID: b.ID, Status: b.Status})
}

// formError keeps body-limit errors intact and marks everything else as a
// bad request.
func formError(err error) error {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) || core.MapError(err).Code == "REQ003" {
		return err
	}
	return fmt.Errorf("%w: invalid multipart form: %v", core.ErrInvalidInput, err)
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.ListBatches(r.Context(), accountID(r), pageRequest(r))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type statusResponse struct {
	core.BatchStatus
	PollAfterSeconds   int `json:"pollAfterSeconds,omitempty"`
	GiveUpAfterSeconds int `json:"giveUpAfterSeconds,omitempty"`
}

// handleBatchStatus is the poll endpoint. While the batch is processing the
// response carries Retry-After with the suggested poll interval.
func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	batchID, err := batchIDParam(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	st, err := s.service.GetBatchStatus(r.Context(), accountID(r), batchID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	resp := statusResponse{BatchStatus: st}
	if !st.Terminal {
		resp.PollAfterSeconds = seconds(st.PollAfter)
		resp.GiveUpAfterSeconds = seconds(st.GiveUpAfter)
		w.Header().Set("Retry-After", strconv.Itoa(resp.PollAfterSeconds))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListRows(w http.ResponseWriter, r *http.Request) {
	batchID, err := batchIDParam(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	q := core.RowQuery{PageRequest: pageRequest(r)}
	if v := r.URL.Query().Get("invalid"); v != "" {
		q.OnlyInvalid, err = strconv.ParseBool(v)
		if err != nil {
			s.respondError(w, r, fmt.Errorf("%w: invalid must be true or false", core.ErrInvalidInput))
			return
		}
	}

	result, err := s.service.ListRows(r.Context(), accountID(r), batchID, q)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetRow(w http.ResponseWriter, r *http.Request) {
	batchID, err := batchIDParam(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	rowID, err := strconv.Atoi(chi.URLParam(r, "rowID"))
	if err != nil || rowID < 1 {
		s.respondError(w, r, fmt.Errorf("%w: row id must be a positive number", core.ErrInvalidInput))
		return
	}

	row, err := s.service.GetRow(r.Context(), accountID(r), batchID, rowID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// handleGetColumn accepts a spreadsheet letter ("G") or a field key.
func (s *Server) handleGetColumn(w http.ResponseWriter, r *http.Request) {
	batchID, err := batchIDParam(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	col, err := s.service.GetColumn(r.Context(), accountID(r), batchID, chi.URLParam(r, "columnRef"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, col)
}

type finalizeResponse struct {
	BatchID       uuid.UUID   `json:"batchId"`
	SubmissionIDs []uuid.UUID `json:"submissionIds"`
}

// handleFinalize commits the valid rows. Calling it again for a submitted
// batch returns the same ids.
func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	batchID, err := batchIDParam(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	ids, err := s.service.FinalizeBatch(r.Context(), accountID(r), batchID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if ids == nil {
		ids = []uuid.UUID{}
	}
	writeJSON(w, http.StatusOK, finalizeResponse{BatchID: batchID, SubmissionIDs: ids})
}

func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	batchID, err := batchIDParam(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	filter, err := submissionFilter(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	result, err := s.service.ListSubmissions(r.Context(), accountID(r), batchID,
		core.SubmissionQuery{PageRequest: pageRequest(r), Filter: filter})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type healthResponse struct {
	Status  string             `json:"status"`
	Batches core.LimiterStatus `json:"batches"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Batches: s.service.LimiterStatus()})
}

func accountID(r *http.Request) string {
	return core.AccountIDFromContext(r.Context())
}

func batchIDParam(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "batchID"))
	if err != nil {
		// A malformed id can never name a batch
		return uuid.Nil, fmt.Errorf("%w: batch %q", core.ErrNotFound, chi.URLParam(r, "batchID"))
	}
	return id, nil
}

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil || i < 1 {
		return defaultVal
	}
	return i
}

func pageRequest(r *http.Request) core.PageRequest {
	page := core.PageRequest{
		Page:     parseIntParam(r, "page", 1),
		PageSize: parseIntParam(r, "page_size", core.DefaultPageSize),
	}
	page.Normalize()
	return page
}

// submissionFilter reads the submission filters from the query string.
// collection_date is a calendar day in YYYY-MM-DD form; ewc_code accepts
// any spelling of a code, with or without spaces or a hazardous marker.
func submissionFilter(r *http.Request) (core.SubmissionFilter, error) {
	q := r.URL.Query()
	f := core.SubmissionFilter{
		ProducerName: q.Get("producer_name"),
		ExternalRef:  q.Get("external_ref"),
	}
	if v := q.Get("ewc_code"); v != "" {
		code, ok := schema.NormalizeEWCCode(v)
		if !ok {
			return core.SubmissionFilter{}, fmt.Errorf("%w: ewc_code must be a 6 digit EWC code", core.ErrInvalidInput)
		}
		f.EWCCode = code
	}
	if v := q.Get("collection_date"); v != "" {
		d, err := time.Parse(time.DateOnly, v)
		if err != nil {
			return core.SubmissionFilter{}, fmt.Errorf("%w: collection_date must be YYYY-MM-DD", core.ErrInvalidInput)
		}
		f.CollectionDate = &d
	}
	return f, nil
}

func seconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}
