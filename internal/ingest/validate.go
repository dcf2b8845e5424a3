package ingest

import (
	"database/sql"

	"github.com/denabel/GeoCliP/internal/models"
)

const (
	FlagTempOutOfRange  = "temp_out_of_range"
	FlagHumidityInvalid = "humidity_invalid"
)

const (
	minPlausibleTemp = -60.0
	maxPlausibleTemp = 60.0
)

func ValidateObservation(obs *models.HourlyObservation) []string {
	var flags []string

	if obs.Temp.Valid {
		if obs.Temp.Float64 < minPlausibleTemp || obs.Temp.Float64 > maxPlausibleTemp {
			flags = append(flags, FlagTempOutOfRange)
		}
	}

	if obs.Humidity.Valid {
		if obs.Humidity.Float64 < 0 || obs.Humidity.Float64 > 100 {
			flags = append(flags, FlagHumidityInvalid)
		}
	}

	return flags
}

// Sanitize records the plausibility flags on obs and nulls the flagged values.
func Sanitize(obs *models.HourlyObservation) {
	obs.Flags = ValidateObservation(obs)
	for _, f := range obs.Flags {
		switch f {
		case FlagTempOutOfRange:
			obs.Temp = sql.NullFloat64{}
		case FlagHumidityInvalid:
			obs.Humidity = sql.NullFloat64{}
		}
	}
}
