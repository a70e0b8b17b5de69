package cache

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/geoskimoto/usgs-streamflow-dashboard/internal/models"
)

// codecVersion is bumped whenever wireSeries changes shape. Blobs written
// with another version are treated as misses.
const codecVersion = 1

type wireSeries struct {
	Version      int               `msgpack:"v"`
	StationID    string            `msgpack:"station"`
	Source       string            `msgpack:"source"`
	Observations []wireObservation `msgpack:"obs"`
}

type wireObservation struct {
	At      time.Time `msgpack:"t"`
	Value   *float64  `msgpack:"v"`
	Quality string    `msgpack:"q,omitempty"`
}

func encodeSeries(series *models.RawSeries) ([]byte, error) {
	w := wireSeries{
		Version:      codecVersion,
		StationID:    series.StationID,
		Source:       string(series.Source),
		Observations: make([]wireObservation, len(series.Observations)),
	}
	for i, obs := range series.Observations {
		wo := wireObservation{At: obs.At, Quality: string(obs.Quality)}
		if obs.Value.Valid {
			v := obs.Value.Float64
			wo.Value = &v
		}
		w.Observations[i] = wo
	}
	return msgpack.Marshal(&w)
}

func decodeSeries(b []byte) (*models.RawSeries, error) {
	var w wireSeries
	if err := msgpack.Unmarshal(b, &w); err != nil {
		return nil, err
	}
	if w.Version != codecVersion {
		return nil, fmt.Errorf("unsupported cache payload version %d", w.Version)
	}

	series := &models.RawSeries{
		StationID:    w.StationID,
		Source:       models.Source(w.Source),
		Observations: make([]models.Observation, len(w.Observations)),
	}
	for i, wo := range w.Observations {
		// msgpack decodes timestamps in the local zone.
		obs := models.Observation{Quality: models.Quality(wo.Quality)}
		if !wo.At.IsZero() {
			obs.At = models.NaiveUTC(wo.At)
		}
		if wo.Value != nil {
			obs.Value.Float64 = *wo.Value
			obs.Value.Valid = true
		}
		series.Observations[i] = obs
	}
	return series, nil
}
