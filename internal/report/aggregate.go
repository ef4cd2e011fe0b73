// Package report turns asynchronously generated CSV reports into cashflow
// summaries.
package report

import (
	"fmt"
	"iter"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/pysugar/finlink/internal/apperr"
	"github.com/pysugar/finlink/internal/csvstream"
)

// Columns names the report columns holding money in and money out.
type Columns struct {
	Credit string `yaml:"credit_column" json:"credit_column"`
	Debit  string `yaml:"debit_column" json:"debit_column"`
}

func (c Columns) validate() error {
	if strings.TrimSpace(c.Credit) == "" || strings.TrimSpace(c.Debit) == "" {
		return apperr.New(apperr.KindConfig, "report.aggregate", "credit and debit columns must be configured")
	}
	return nil
}

// Totals is the result of Aggregate.
type Totals struct {
	TotalInflow      decimal.Decimal
	TotalOutflow     decimal.Decimal
	TransactionCount int
}

// Aggregate sums the credit column into TotalInflow and the absolute debit
// column into TotalOutflow. Cells that do not parse as decimals count as
// zero; every row counts as one transaction. The header must contain both
// columns.
func Aggregate(rows iter.Seq2[csvstream.Row, error], cols Columns) (Totals, error) {
	if err := cols.validate(); err != nil {
		return Totals{}, err
	}
	t := Totals{TotalInflow: decimal.Zero, TotalOutflow: decimal.Zero}
	checked := false
	for row, err := range rows {
		if err != nil {
			return Totals{}, apperr.Wrap(err, apperr.KindSchemaMismatch, "report.aggregate")
		}
		if !checked {
			if err := checkHeader(row, cols); err != nil {
				return Totals{}, err
			}
			checked = true
		}
		t.TotalInflow = t.TotalInflow.Add(parseAmount(row.Get(cols.Credit)))
		t.TotalOutflow = t.TotalOutflow.Add(parseAmount(row.Get(cols.Debit)).Abs())
		t.TransactionCount++
	}
	return t, nil
}

func checkHeader(row csvstream.Row, cols Columns) error {
	var missing []string
	for _, c := range []string{cols.Credit, cols.Debit} {
		if _, ok := row.Lookup(c); !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return apperr.New(apperr.KindSchemaMismatch, "report.aggregate",
		fmt.Sprintf("report header %v lacks column(s) %v", row.Columns(), missing))
}

func parseAmount(v string) decimal.Decimal {
	v = strings.TrimPrefix(strings.TrimSpace(v), "+")
	if v == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero
	}
	return d
}
