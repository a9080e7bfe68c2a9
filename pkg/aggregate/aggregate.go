// Package aggregate builds per-step measurement tables and commits them to
// the experiment log.
package aggregate

import (
	"github.com/sci-bots/optodetect/pkg/explog"
	"github.com/sci-bots/optodetect/pkg/sampling"
)

// Table is the ordered sequence of sample rows for one protocol step,
// spanning all detectors sampled that step. Never mutated after commit.
type Table struct {
	Rows []sampling.Row
}

// Empty reports whether the table holds no rows.
func (t Table) Empty() bool {
	return len(t.Rows) == 0
}

// Detector returns the rows produced by the named detector, in acquisition
// order.
func (t Table) Detector(name string) []sampling.Row {
	var rows []sampling.Row
	for _, r := range t.Rows {
		if r.Detector == name {
			rows = append(rows, r)
		}
	}
	return rows
}

// Build concatenates per-detector sample sequences in the given order.
// Rows are not reordered by timestamp; the detector iteration order is the
// table order.
func Build(sequences ...[]sampling.Row) Table {
	var total int
	for _, seq := range sequences {
		total += len(seq)
	}

	rows := make([]sampling.Row, 0, total)
	for _, seq := range sequences {
		rows = append(rows, seq...)
	}
	return Table{Rows: rows}
}

// Commit appends the table to the experiment log under the given source name.
// An empty table appends nothing, so the log is not polluted with empty
// step records. Commit must be called exactly once per step, after sampling
// completes and before threshold dispatch runs.
func Commit(log explog.Log, source string, table Table) bool {
	if table.Empty() {
		return false
	}
	log.AddData(table, source)
	return true
}
