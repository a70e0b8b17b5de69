package ingest

import (
	"math"

	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/models"
)

const (
	FlagValueMissing      = "value_missing"
	FlagValueNotFinite    = "value_not_finite"
	FlagDischargeNegative = "discharge_negative"
	FlagTimestampInvalid  = "timestamp_invalid"
	FlagQualityUnknown    = "quality_unknown"
)

// ValidateObservation returns quality flags for a discharge reading. Flagged
// readings are still passed through; alignment decides what to drop.
func ValidateObservation(obs *models.Observation) []string {
	var flags []string

	if obs.At.IsZero() {
		flags = append(flags, FlagTimestampInvalid)
	}

	if !obs.Value.Valid {
		flags = append(flags, FlagValueMissing)
	} else {
		v := obs.Value.Float64
		if math.IsNaN(v) || math.IsInf(v, 0) {
			flags = append(flags, FlagValueNotFinite)
		} else if v < 0 {
			flags = append(flags, FlagDischargeNegative)
		}
	}

	if obs.Quality != "" && !obs.Quality.Valid() {
		flags = append(flags, FlagQualityUnknown)
	}

	return flags
}
