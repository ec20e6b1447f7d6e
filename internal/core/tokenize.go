package core

// tokenize.go turns uploaded bytes into ordered raw rows.
//
// Both delimited text and XLSX workbooks are accepted; a workbook is
// recognised by its ZIP signature and only its first sheet is read. The
// first non-empty record must be the header row. Columns are matched by
// header text, case-insensitively, so their order in the file is free.
// Every record after the header keeps its position as its ordinal. A blank
// record between data rows is a row like any other and fails the required
// checks; blank records after the last data row are export padding and are
// dropped.

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
)

var (
	utf8BOM    = []byte{0xEF, 0xBB, 0xBF}
	zipMagic   = []byte{'P', 'K', 0x03, 0x04}
	errNoSheet = errors.New("workbook has no sheets")
)

// Tokenized is the output of a successful tokenize pass.
type Tokenized struct {
	Headers []string // Header row as it appeared in the file
	Rows    []RawRow
}

// Tokenizer parses uploads against one intake schema.
type Tokenizer struct {
	Columns []Column
	MaxRows int // Zero means unlimited
}

// Tokenize parses content. Any failure is a *CsvFormatError.
func (t Tokenizer) Tokenize(content []byte) (*Tokenized, error) {
	content = bytes.TrimPrefix(content, utf8BOM)
	if len(bytes.TrimSpace(content)) == 0 {
		return nil, newCsvError(CsvCodeEmpty, "the file is empty")
	}

	var (
		records [][]string
		err     error
	)
	if bytes.HasPrefix(content, zipMagic) {
		records, err = readWorkbook(content)
	} else {
		records, err = readDelimited(sanitizeUTF8(content))
	}
	if err != nil {
		return nil, newCsvError(CsvCodeMalformed, "the file could not be read: %v", err)
	}

	headerAt := -1
	for i, rec := range records {
		if !isEmptyRecord(rec) {
			headerAt = i
			break
		}
	}
	if headerAt < 0 {
		return nil, newCsvError(CsvCodeEmpty, "the file is empty")
	}

	header := records[headerAt]
	idx, err := t.matchHeader(header)
	if err != nil {
		return nil, err
	}

	out := &Tokenized{}
	for _, h := range header {
		out.Headers = append(out.Headers, cleanCell(h))
	}

	data := records[headerAt+1:]
	for len(data) > 0 && isEmptyRecord(data[len(data)-1]) {
		data = data[:len(data)-1]
	}
	for i, rec := range data {
		ordinal := i + 1
		if t.MaxRows > 0 && ordinal > t.MaxRows {
			return nil, newCsvError(CsvCodeTooManyRows, "the file has more than %d rows", t.MaxRows)
		}
		row := RawRow{RowID: ordinal, Fields: make([]Field, 0, len(t.Columns))}
		for _, c := range t.Columns {
			v := ""
			if pos, ok := idx[c.Key]; ok && pos < len(rec) {
				v = cleanCell(rec[pos])
			}
			row.Fields = append(row.Fields, Field{Column: c.Key, Value: v})
		}
		out.Rows = append(out.Rows, row)
	}

	if len(out.Rows) == 0 {
		return nil, newCsvError(CsvCodeNoRows, "the file has a header row but no data rows")
	}
	return out, nil
}

// matchHeader maps every schema column present in the header to its
// position. Missing required columns fail the whole file.
func (t Tokenizer) matchHeader(header []string) (HeaderIndex, error) {
	pos := make(map[string]int, len(header))
	for i, h := range header {
		key := strings.ToLower(cleanCell(h))
		if _, dup := pos[key]; !dup && key != "" {
			pos[key] = i
		}
	}

	idx := make(HeaderIndex, len(t.Columns))
	var missing []string
	for _, c := range t.Columns {
		i, ok := pos[strings.ToLower(strings.TrimSpace(c.Header))]
		if !ok {
			i, ok = pos[strings.ToLower(c.Key)]
		}
		if ok {
			idx[c.Key] = i
			continue
		}
		if c.Required {
			missing = append(missing, c.Header)
		}
	}

	if len(missing) > 0 {
		return nil, newCsvError(CsvCodeHeaderMismatch,
			"the header row is missing required columns: %s", strings.Join(missing, ", "))
	}
	if len(idx) == 0 {
		return nil, newCsvError(CsvCodeHeaderMismatch, "the header row has no recognised columns")
	}
	return idx, nil
}

func readDelimited(content []byte) ([][]string, error) {
	r := csv.NewReader(bytes.NewReader(content))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	return r.ReadAll()
}

func readWorkbook(content []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errNoSheet
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	return rows, nil
}

// sanitizeUTF8 replaces invalid byte sequences with U+FFFD.
func sanitizeUTF8(data []byte) []byte {
	if utf8.Valid(data) {
		return data
	}
	return bytes.ToValidUTF8(data, []byte("\uFFFD"))
}

// cleanCell trims whitespace and unwraps spreadsheet formula literals such
// as ="0012345", which exports use to keep leading zeros.
func cleanCell(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, `="`) && strings.HasSuffix(s, `"`) && len(s) >= 3 {
		s = s[2 : len(s)-1]
	}
	return s
}

func isEmptyRecord(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
