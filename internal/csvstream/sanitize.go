package csvstream

import "regexp"

// Neutralizer is prepended to cells that a spreadsheet would evaluate as a formula.
const Neutralizer = "'"

var signedDecimal = regexp.MustCompile(`^[+-]?\d+(\.\d+)?$`)

// Sanitize defuses spreadsheet formula injection in a single cell.
//
// A leading '=' or '@', tab or carriage return always gets the neutralizer.
// A leading '+' or '-' gets it only when the value is not a plain signed
// decimal, so amounts such as "-75.00" survive untouched. The neutralizer
// itself triggers no rule, which makes Sanitize idempotent.
func Sanitize(v string) string {
	if v == "" {
		return v
	}
	switch v[0] {
	case '=', '@', '\t', '\r':
		return Neutralizer + v
	case '+', '-':
		if signedDecimal.MatchString(v) {
			return v
		}
		return Neutralizer + v
	}
	return v
}
