// Package csvstream lazily parses delimited report text into sanitized rows.
//
// Parsing is single pass: the returned sequence reads the input as it is
// consumed and can be abandoned early. Every cell passes through Sanitize.
package csvstream

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
)

const utf8BOM = "\ufeff"

// Row is one record keyed by header name, in header order.
type Row struct {
	columns []string
	values  []string
}

// Get returns the value of column, or "" when the column is unknown.
func (r Row) Get(column string) string {
	for i, c := range r.columns {
		if c == column {
			return r.values[i]
		}
	}
	return ""
}

// Lookup is Get with a presence flag.
func (r Row) Lookup(column string) (string, bool) {
	for i, c := range r.columns {
		if c == column {
			return r.values[i], true
		}
	}
	return "", false
}

// Columns returns the header names in order.
func (r Row) Columns() []string { return append([]string(nil), r.columns...) }

// Values returns the sanitized values in header order.
func (r Row) Values() []string { return append([]string(nil), r.values...) }

// Len is the number of columns.
func (r Row) Len() int { return len(r.columns) }

// Map copies the row into a map.
func (r Row) Map() map[string]string {
	m := make(map[string]string, len(r.columns))
	for i, c := range r.columns {
		m[c] = r.values[i]
	}
	return m
}

type options struct {
	comma rune
}

// Option configures the parser.
type Option func(*options)

// WithDelimiter sets the field delimiter (default ',').
func WithDelimiter(r rune) Option {
	return func(o *options) { o.comma = r }
}

// Parse parses text. See ParseReader.
func Parse(text string, opts ...Option) iter.Seq2[Row, error] {
	return ParseReader(strings.NewReader(text), opts...)
}

// ParseReader yields one Row per data record of r. The first record is the
// header. Blank lines are skipped, short records are padded with "", fields
// past the last header are dropped. A malformed record yields a single error
// and ends the sequence.
func ParseReader(r io.Reader, opts ...Option) iter.Seq2[Row, error] {
	cfg := options{comma: ','}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(yield func(Row, error) bool) {
		cr := csv.NewReader(r)
		cr.Comma = cfg.comma
		cr.FieldsPerRecord = -1
		cr.LazyQuotes = true

		header, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			yield(Row{}, fmt.Errorf("csvstream: read header: %w", err))
			return
		}
		columns := append([]string(nil), header...)
		columns[0] = strings.TrimPrefix(columns[0], utf8BOM)

		for {
			record, err := cr.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Row{}, fmt.Errorf("csvstream: %w", err))
				return
			}
			if len(columns) > 1 && len(record) == 1 && record[0] == "" {
				continue
			}

			values := make([]string, len(columns))
			for i := range columns {
				if i < len(record) {
					values[i] = Sanitize(record[i])
				}
			}
			if !yield(Row{columns: columns, values: values}, nil) {
				return
			}
		}
	}
}

// Collect drains seq into a slice, stopping at the first error.
func Collect(seq iter.Seq2[Row, error]) ([]Row, error) {
	var rows []Row
	for row, err := range seq {
		if err != nil {
			return rows, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}
