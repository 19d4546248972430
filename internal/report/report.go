// Package report renders batch fingerprinting results as Markdown.
package report

import (
	"fmt"
	"io"
	"strconv"

	"github.com/nao1215/markdown"

	"github.com/Brownie44l1/fp-stamp/internal/stamp"
)

// LowAccuracy is the self-check accuracy below which a batch is flagged.
const LowAccuracy = 0.95

// Batch describes one batch run for the report header.
type Batch struct {
	Input   string
	Archive string
	Seed    int64
	Result  stamp.BatchResult
}

// WriteMarkdown writes a summary, per-image metrics and skipped inputs.
func WriteMarkdown(w io.Writer, b Batch) error {
	md := markdown.NewMarkdown(w)
	res := b.Result

	md.H1("Fingerprint Batch Report")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Input", "`" + b.Input + "`"},
			{"Archive", "`" + b.Archive + "`"},
			{"Request ID", res.RequestID},
			{"Seed", strconv.FormatInt(b.Seed, 10)},
			{"Fingerprint", "`" + res.Fingerprint + "`"},
			{"Images", strconv.Itoa(len(res.Outputs))},
			{"Skipped", strconv.Itoa(len(res.Skipped))},
			{"MSE", formatFloat(res.Metrics.MeanSquaredError)},
			{"Bit accuracy", formatPercent(res.Metrics.BitwiseAccuracy)},
		},
	})
	md.PlainText("")

	switch {
	case res.Metrics.BitwiseAccuracy < LowAccuracy:
		md.Cautionf("Self-check bit accuracy %s is below %s.",
			formatPercent(res.Metrics.BitwiseAccuracy), formatPercent(LowAccuracy))
	case len(res.Skipped) > 0:
		md.Warningf("%d input(s) could not be decoded and were left out.", len(res.Skipped))
	default:
		md.Tip("Every input was fingerprinted.")
	}
	md.PlainText("")

	md.H2("Images")
	md.PlainText("")
	rows := make([][]string, 0, len(res.Outputs))
	for _, out := range res.Outputs {
		rows = append(rows, []string{
			strconv.Itoa(out.Index), out.Name, formatFloat(out.MSE), formatPercent(out.BitwiseAccuracy),
		})
	}
	md.Table(markdown.TableSet{
		Header: []string{"#", "Name", "MSE", "Bit accuracy"},
		Rows:   rows,
	})
	md.PlainText("")

	if len(res.Skipped) > 0 {
		md.H2("Skipped")
		md.PlainText("")
		items := make([]string, 0, len(res.Skipped))
		for _, s := range res.Skipped {
			items = append(items, fmt.Sprintf("%d `%s`: %s", s.Index, s.Name, s.Reason))
		}
		md.BulletList(items...)
		md.PlainText("")
	}

	return md.Build()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

func formatPercent(v float64) string {
	return fmt.Sprintf("%.2f%%", v*100)
}
