package train

import (
	"fmt"
	"io"
	"strings"
)

// Columns are the report headers. Values are right-aligned to the header width.
var Columns = []string{"run   ", "epoch", "train_loss", "train_acc", "val_acc", "tta_val_acc", "total_time_seconds"}

// EvalEpoch is printed in the epoch column of the final evaluation row.
const EvalEpoch = "eval"

// Metric is an optional report value; the zero value prints as an empty cell.
type Metric struct {
	Value float64
	Valid bool
}

// Some returns a valid metric.
func Some(v float64) Metric {
	return Metric{Value: v, Valid: true}
}

func (m Metric) String() string {
	if !m.Valid {
		return ""
	}
	return fmt.Sprintf("%0.4f", m.Value)
}

// Row is one line of the report: an epoch or the final evaluation.
type Row struct {
	Run       string // empty on every row but the first of a run
	Epoch     string
	TrainLoss Metric
	TrainAcc  Metric
	ValAcc    Metric
	TTAValAcc Metric
	TotalTime Metric
}

func (r Row) cells() []string {
	return []string{
		r.Run,
		r.Epoch,
		r.TrainLoss.String(),
		r.TrainAcc.String(),
		r.ValAcc.String(),
		r.TTAValAcc.String(),
		r.TotalTime.String(),
	}
}

// Reporter prints the fixed-width training table.
//
//	--------------------------------------------------------------------...
//	|  run     |  epoch  |  train_loss  |  train_acc  |  val_acc  |  ...
//	--------------------------------------------------------------------...
//	|  warmup  |      0  |      2.3412  |     0.1020  |   0.1000  |  ...
type Reporter struct {
	w io.Writer
}

// NewReporter creates a reporter writing to w.
func NewReporter(w io.Writer) *Reporter {
	return &Reporter{w: w}
}

// Header prints the column names between two rules.
func (r *Reporter) Header() {
	line := formatColumns(Columns)
	rule := strings.Repeat("-", len(line))
	fmt.Fprintln(r.w, rule)
	fmt.Fprintln(r.w, line)
	fmt.Fprintln(r.w, rule)
}

// Row prints a row; a final row is followed by a rule.
func (r *Reporter) Row(row Row, final bool) {
	cells := row.cells()
	for i, c := range cells {
		cells[i] = fmt.Sprintf("%*s", len(Columns[i]), c)
	}
	line := formatColumns(cells)
	fmt.Fprintln(r.w, line)
	if final {
		fmt.Fprintln(r.w, strings.Repeat("-", len(line)))
	}
}

// Summary prints the accuracy statistics of a session.
func (r *Reporter) Summary(s *Summary) {
	fmt.Fprintf(r.w, "lr=%.4f width_factor=%.1f - Mean: %.4f    Std: %.4f\n", s.LR, s.WidthFactor, s.Mean, s.Std)
}

func formatColumns(cells []string) string {
	var b strings.Builder
	for _, c := range cells {
		b.WriteString("|  ")
		b.WriteString(c)
		b.WriteString("  ")
	}
	b.WriteString("|")
	return b.String()
}
