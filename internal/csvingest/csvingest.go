// Package csvingest turns uploaded CSV text into raw transaction records.
//
// The format is deliberately simple: the first line is a header row, every
// later non-blank line is a value row, and fields are separated by commas
// with no quoting or escaping.
package csvingest

import (
	"errors"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/finomaly/finomaly/internal/txn"
)

var (
	ErrNoFile = errors.New("please upload a CSV file first")
	ErrNotCSV = errors.New("please upload a valid CSV file")
)

// csvMediaTypes are the declared media types accepted as CSV. Browsers on
// Windows commonly declare .csv uploads as application/vnd.ms-excel.
var csvMediaTypes = map[string]bool{
	"text/csv":                    true,
	"application/csv":             true,
	"text/comma-separated-values": true,
	"application/vnd.ms-excel":    true,
}

// CheckMediaType rejects an upload whose declared media type is not CSV.
// An empty or generic declaration (application/octet-stream) falls back to
// the file extension.
func CheckMediaType(contentType, filename string) error {
	if contentType == "" && filename == "" {
		return ErrNoFile
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err == nil && csvMediaTypes[strings.ToLower(mt)] {
		return nil
	}
	if contentType == "" || strings.EqualFold(mt, "application/octet-stream") {
		if strings.EqualFold(filepath.Ext(filename), ".csv") {
			return nil
		}
	}
	return ErrNotCSV
}

// Parse splits CSV text into records keyed by the trimmed header names.
// Blank lines are skipped. Values beyond the header width are dropped and
// missing trailing values leave the key absent. A row never aborts parsing.
func Parse(text string) []txn.Record {
	lines := splitLines(text)
	if len(lines) == 0 {
		return []txn.Record{}
	}

	headers := splitFields(lines[0])
	records := make([]txn.Record, 0, len(lines)-1)
	for _, line := range lines[1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		values := splitFields(line)
		rec := make(txn.Record, len(headers))
		for i, h := range headers {
			if h == "" || i >= len(values) {
				continue
			}
			rec[h] = values[i]
		}
		records = append(records, rec)
	}
	return records
}

// ParseReader reads r fully and parses it. Read errors are returned; the
// content itself never produces an error.
func ParseReader(r io.Reader) ([]txn.Record, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Parse(string(data)), nil
}

// Normalize parses CSV text straight into normalized transactions.
func Normalize(text string) []txn.Normalized {
	return txn.NormalizeAll(Parse(text))
}

func splitLines(text string) []string {
	text = strings.TrimPrefix(text, "\ufeff")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func splitFields(line string) []string {
	parts := strings.Split(line, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
