package models

import (
	"database/sql"
	"time"
)

// Variable names follow the DWD column codes of the hourly TU product.
type Variable string

const (
	VarTemperature Variable = "TT_TU" // air temperature 2 m, degC
	VarHumidity    Variable = "RF_TU" // relative humidity, %
)

// MissingValue is the DWD sentinel for a missing reading.
const MissingValue = -999.0

func (v Variable) String() string { return string(v) }

type Station struct {
	StationID string
	Name      string
	Latitude  float64
	Longitude float64
	Elevation float64
}

// HourlyObservation is one row of a DWD produkt file.
type HourlyObservation struct {
	StationID   string
	ObservedAt  time.Time
	Temp        sql.NullFloat64
	Humidity    sql.NullFloat64
	QualityFlag sql.NullInt64 // QN_9
	Flags       []string
}

// Value returns the reading for a variable.
func (o HourlyObservation) Value(v Variable) sql.NullFloat64 {
	switch v {
	case VarTemperature:
		return o.Temp
	case VarHumidity:
		return o.Humidity
	default:
		return sql.NullFloat64{}
	}
}

type District struct {
	ID        string // AGS
	Name      string
	Longitude float64
	Latitude  float64
}

type DistrictStatus string

const (
	DistrictOK          DistrictStatus = "ok"
	DistrictNoStations  DistrictStatus = "no_stations_in_range"
	DistrictNoReference DistrictStatus = "no_reference"
)

// DistrictValue is one aggregated value per district and variable.
type DistrictValue struct {
	DistrictID string
	Variable   Variable
	Value      sql.NullFloat64
	Status     DistrictStatus
	Stations   int // stations within the cutoff radius
}

// Rejection is an input row excluded during a run.
type Rejection struct {
	Stage  string
	Source string
	Line   int
	Reason string
}

// Archive identifies a downloaded station archive by content digest.
type Archive struct {
	Name      string
	StationID string
	SHA256    string
	Bytes     int64
}
