package table

import (
	"database/sql"
	"fmt"
	"slices"
)

// Expand returns the full grid of the distinct stations and datetimes
// present in t, sorted by (station, datetime). Pairs missing from t are
// inserted with a null for every variable. Expanding an expanded table
// yields the same rows.
func Expand(t *Table) *Table {
	stations := t.Stations()
	times := t.Times()

	out := New(t.variables...)
	out.rows = make([]Row, 0, len(stations)*len(times))
	for _, st := range stations {
		for _, at := range times {
			r, ok := t.Get(st, at)
			if !ok {
				r = Row{
					StationID: st,
					Time:      at,
					Values:    make([]sql.NullFloat64, len(t.variables)),
				}
			} else {
				r.Values = slices.Clone(r.Values)
			}
			out.index[r.key()] = len(out.rows)
			out.rows = append(out.rows, r)
		}
	}
	return out
}

// MergeOuter joins tables on (station, datetime) keeping every key present
// in any of them. Variables are concatenated in argument order and must not
// repeat; a variable absent for a key is null. The quality flag is taken
// from the first table that has one.
func MergeOuter(tables ...*Table) (*Table, error) {
	offsets := make([]int, len(tables))
	merged := New()
	for i, t := range tables {
		offsets[i] = len(merged.variables)
		for _, v := range t.variables {
			if slices.Contains(merged.variables, v) {
				return nil, fmt.Errorf("merge: variable %s appears in more than one table", v)
			}
			merged.variables = append(merged.variables, v)
		}
	}

	width := len(merged.variables)
	for i, t := range tables {
		for _, r := range t.rows {
			k := r.key()
			idx, ok := merged.index[k]
			if !ok {
				idx = len(merged.rows)
				merged.index[k] = idx
				merged.rows = append(merged.rows, Row{
					StationID: r.StationID,
					Time:      r.Time,
					Values:    make([]sql.NullFloat64, width),
				})
			}
			dst := &merged.rows[idx]
			copy(dst.Values[offsets[i]:], r.Values)
			if !dst.Quality.Valid {
				dst.Quality = r.Quality
			}
		}
	}
	merged.Sort()
	return merged, nil
}
