// Package table holds station observations as a long table keyed by
// (station, datetime), with the expansion to a full station x datetime grid
// and the outer merge of per-variable tables.
package table

import (
	"cmp"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/denabel/GeoCliP/internal/models"
)

var ErrDuplicateKey = errors.New("duplicate station/datetime")

type Key struct {
	StationID string
	Time      time.Time
}

// Row is one station-datetime observation. Values is aligned with the
// owning table's variables; a null entry is an explicit missing value.
type Row struct {
	StationID string
	Time      time.Time
	Values    []sql.NullFloat64
	Quality   sql.NullInt64
}

func (r Row) key() Key { return Key{StationID: r.StationID, Time: r.Time} }

// Table is a sparse station x datetime table. Rows keep insertion order
// until Sort is called.
type Table struct {
	variables []models.Variable
	rows      []Row
	index     map[Key]int
}

func New(vars ...models.Variable) *Table {
	return &Table{
		variables: slices.Clone(vars),
		index:     make(map[Key]int),
	}
}

func (t *Table) Variables() []models.Variable { return slices.Clone(t.variables) }

func (t *Table) Len() int { return len(t.rows) }

// Rows returns the table rows. Callers must not modify them.
func (t *Table) Rows() []Row { return t.rows }

// Column returns the position of v in Row.Values, or -1.
func (t *Table) Column(v models.Variable) int {
	return slices.Index(t.variables, v)
}

// Insert adds a row. A second row for the same (station, datetime) is
// rejected with ErrDuplicateKey.
func (t *Table) Insert(r Row) error {
	if len(r.Values) != len(t.variables) {
		return fmt.Errorf("row %s %s: got %d values, want %d", r.StationID, r.Time.Format(time.DateOnly), len(r.Values), len(t.variables))
	}
	r.Time = r.Time.UTC()
	k := r.key()
	if _, ok := t.index[k]; ok {
		return fmt.Errorf("%w: %s %s", ErrDuplicateKey, r.StationID, r.Time.Format(time.DateTime))
	}
	r.Values = slices.Clone(r.Values)
	t.index[k] = len(t.rows)
	t.rows = append(t.rows, r)
	return nil
}

func (t *Table) Get(stationID string, at time.Time) (Row, bool) {
	i, ok := t.index[Key{StationID: stationID, Time: at.UTC()}]
	if !ok {
		return Row{}, false
	}
	return t.rows[i], true
}

// Stations returns the distinct station ids in ascending order.
func (t *Table) Stations() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range t.rows {
		if _, ok := seen[r.StationID]; ok {
			continue
		}
		seen[r.StationID] = struct{}{}
		out = append(out, r.StationID)
	}
	slices.SortFunc(out, CompareStationIDs)
	return out
}

// Times returns the distinct datetimes in ascending order.
func (t *Table) Times() []time.Time {
	seen := make(map[time.Time]struct{})
	var out []time.Time
	for _, r := range t.rows {
		if _, ok := seen[r.Time]; ok {
			continue
		}
		seen[r.Time] = struct{}{}
		out = append(out, r.Time)
	}
	slices.SortFunc(out, func(a, b time.Time) int { return a.Compare(b) })
	return out
}

// Sort orders rows by (station, datetime) ascending.
func (t *Table) Sort() {
	slices.SortFunc(t.rows, compareRows)
	for i, r := range t.rows {
		t.index[r.key()] = i
	}
}

func compareRows(a, b Row) int {
	if c := CompareStationIDs(a.StationID, b.StationID); c != 0 {
		return c
	}
	return a.Time.Compare(b.Time)
}

// CompareStationIDs orders numeric ids by value and anything else
// lexicographically.
func CompareStationIDs(a, b string) int {
	if isDigits(a) && isDigits(b) {
		a, b = strings.TrimLeft(a, "0"), strings.TrimLeft(b, "0")
		if len(a) != len(b) {
			return cmp.Compare(len(a), len(b))
		}
	}
	return strings.Compare(a, b)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// NullCount returns the number of null cells of variable v.
func (t *Table) NullCount(v models.Variable) int {
	col := t.Column(v)
	if col < 0 {
		return 0
	}
	n := 0
	for _, r := range t.rows {
		if !r.Values[col].Valid {
			n++
		}
	}
	return n
}

// Filter returns a new table with the rows for which keep returns true.
func (t *Table) Filter(keep func(Row) bool) *Table {
	out := New(t.variables...)
	for _, r := range t.rows {
		if keep(r) {
			out.index[r.key()] = len(out.rows)
			r.Values = slices.Clone(r.Values)
			out.rows = append(out.rows, r)
		}
	}
	return out
}

// Select returns a table holding only variable v.
func (t *Table) Select(v models.Variable) (*Table, error) {
	col := t.Column(v)
	if col < 0 {
		return nil, fmt.Errorf("select %s: variable not in table", v)
	}
	out := New(v)
	for _, r := range t.rows {
		out.index[r.key()] = len(out.rows)
		out.rows = append(out.rows, Row{
			StationID: r.StationID,
			Time:      r.Time,
			Values:    []sql.NullFloat64{r.Values[col]},
			Quality:   r.Quality,
		})
	}
	return out, nil
}
