package sink

import (
	"context"

	"codeberg.org/mutker/powerlog/internal/logger"
	"codeberg.org/mutker/powerlog/internal/pipeline"
)

// Monitor logs records instead of persisting them.
type Monitor struct{}

func NewMonitor() *Monitor {
	return &Monitor{}
}

func (*Monitor) Append(_ context.Context, rec *pipeline.Record) error {
	event := logger.Info().Time("timestamp", rec.Time)
	for _, sample := range rec.Power {
		event.Float64(sample.Rail+"_voltage", sample.Voltage).
			Float64(sample.Rail+"_current", sample.Current).
			Float64(sample.Rail+"_power", sample.Power)
	}
	if w := rec.Weather; w != nil {
		event.Float64("temperature", w.Temperature).
			Float64("humidity", w.Humidity).
			Float64("cloud_coverage", w.CloudCoverage)
	} else {
		event.Bool("weather_absent", true)
	}
	event.Msg("record")

	return nil
}

func (*Monitor) Close() error {
	return nil
}
