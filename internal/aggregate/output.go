package aggregate

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/denabel/GeoCliP/internal/fsutil"
)

// ColDistrict is the district id column of the output table.
const ColDistrict = "AGS"

// OutputName is the file name of the district table for a cutoff.
func OutputName(cutoffKm float64) string {
	return fmt.Sprintf("district_values_%skm.csv", strconv.FormatFloat(cutoffKm, 'f', -1, 64))
}

// WriteCSV writes one row per district with one column per variable. A
// missing value is an empty cell.
func WriteCSV(w io.Writer, r *Result) error {
	cw := csv.NewWriter(w)
	header := []string{ColDistrict}
	for _, v := range r.Variables {
		header = append(header, v.String())
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	rec := make([]string, len(header))
	for i, id := range r.Districts {
		rec[0] = id
		for k := range r.Variables {
			rec[k+1] = ""
			if dv := r.Value(i, k); dv.Value.Valid {
				rec[k+1] = strconv.FormatFloat(dv.Value.Float64, 'f', -1, 64)
			}
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func WriteFile(path string, r *Result) error {
	return fsutil.WriteFileAtomic(path, func(w io.Writer) error { return WriteCSV(w, r) })
}
