// Package exposition renders the newest metrics row as a Prometheus text
// exposition document.
//
// Every column becomes an unlabeled gauge: a `# HELP` line, a `# TYPE` line
// and a single sample, in the order the columns were declared in the table.
//
package exposition

import (
	"math"
	"strconv"
	"strings"

	"github.com/accprom/acc-exporter/pkg/store"
)

// DefaultPrefix is the namespace prepended to every metric name.
//
const DefaultPrefix = "acc_"

// Document is an ordered list of exposition lines, without line terminators.
//
type Document []string

// String joins the lines, terminating each one with a newline.
//
func (d Document) String() string {
	var b strings.Builder
	for _, line := range d {
		b.WriteString(line)
		b.WriteByte('\n')
	}

	return b.String()
}

// Bytes is the wire form of the document.
//
func (d Document) Bytes() []byte {
	return []byte(d.String())
}

// Formatter turns rows into documents.
//
type Formatter struct {
	prefix string
}

// NewFormatter creates a Formatter using prefix as the metric namespace. An
// empty prefix falls back to DefaultPrefix.
//
func NewFormatter(prefix string) *Formatter {
	if prefix == "" {
		prefix = DefaultPrefix
	}

	return &Formatter{prefix: prefix}
}

// Format renders row into exactly three lines per column.
//
func (f *Formatter) Format(row store.Row) Document {
	doc := make(Document, 0, 3*len(row))

	for _, col := range row {
		name := MetricName(f.prefix, col.Name)
		value, unit := RenderValue(col.Value)

		help := strings.TrimSpace(col.Name)
		if unit != "" {
			help += " (unit: " + unit + ")"
		}

		doc = append(doc,
			"# HELP "+name+" "+escapeHelp(help),
			"# TYPE "+name+" gauge",
			name+" "+value,
		)
	}

	return doc
}

// MetricName derives the metric name for a column.
//
//	"Z Some Col" -> "acc_z_some_col"
//
func MetricName(prefix, column string) string {
	return prefix + strings.ReplaceAll(
		strings.ToLower(strings.TrimSpace(column)), " ", "_",
	)
}

// RenderValue renders v as a sample value. For text of the form
// `<number> <unit>` the unit is returned separately so it can be attached to
// the help text.
//
func RenderValue(v store.Value) (value, unit string) {
	switch v.Kind {
	case store.KindInteger:
		return strconv.FormatInt(v.Int, 10), ""
	case store.KindFloat:
		return formatFloat(v.Float), ""
	case store.KindText:
		return renderText(v.Text)
	default:
		return "NaN", ""
	}
}

func renderText(text string) (value, unit string) {
	trimmed := strings.TrimSpace(text)

	// a sample is a single line.
	if strings.ContainsAny(trimmed, "\r\n") {
		return "NaN", ""
	}

	switch strings.ToLower(trimmed) {
	case "true":
		return "1", ""
	case "false":
		return "0", ""
	case "":
		return "NaN", ""
	}

	if idx := strings.IndexFunc(trimmed, isSpace); idx > 0 {
		number, rest := trimmed[:idx], strings.TrimSpace(trimmed[idx:])
		if _, err := strconv.ParseFloat(number, 64); err == nil {
			return number, rest
		}
	}

	return trimmed, ""
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t'
}

// formatFloat renders f in plain decimal notation, keeping exponents for
// magnitudes outside [1e-4, 1e16).
//
//	750000000.5 -> 750000000.5
//	1e-07       -> 1e-07
//
func formatFloat(f float64) string {
	switch abs := math.Abs(f); {
	case math.IsInf(f, +1):
		return "+Inf"
	case math.IsInf(f, -1):
		return "-Inf"
	case math.IsNaN(f):
		return "NaN"
	case abs == 0 || (abs >= 1e-4 && abs < 1e16):
		return strconv.FormatFloat(f, 'f', -1, 64)
	default:
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
}

var helpEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`)

func escapeHelp(s string) string {
	return helpEscaper.Replace(s)
}
