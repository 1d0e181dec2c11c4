package sink_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"codeberg.org/mutker/powerlog/internal/pipeline"
	"codeberg.org/mutker/powerlog/internal/sensor"
	"codeberg.org/mutker/powerlog/internal/sink"
	"codeberg.org/mutker/powerlog/internal/weather"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(withWeather bool) *pipeline.Record {
	rec := &pipeline.Record{
		Time: time.Unix(1700000000, 500_000_000).UTC(),
		Power: []sensor.Sample{
			{Rail: "solar", Voltage: 12.5, Current: 150, Power: 1875},
			{Rail: "battery", Voltage: 11.9, Current: -80, Power: 952},
		},
	}
	if withWeather {
		rec.Weather = &weather.Sample{
			Temperature:   11.92,
			Humidity:      65,
			Pressure:      1013,
			Visibility:    10000,
			WindSpeed:     2.4,
			WindDirection: 270,
			CloudCoverage: 75,
			ConditionID:   201,
			FetchedAt:     time.Unix(1699999000, 0),
		}
	}
	return rec
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func TestCSVHeaderAndRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.csv")
	s, err := sink.NewCSV(path, []string{"solar", "battery"})
	require.NoError(t, err)

	require.NoError(t, s.Append(context.Background(), testRecord(true)))
	require.NoError(t, s.Append(context.Background(), testRecord(false)))
	require.NoError(t, s.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 3)

	assert.Equal(t,
		"timestamp,solar_voltage,solar_current,solar_power,battery_voltage,battery_current,battery_power,"+
			"temperature,humidity,pressure,visibility,wind_speed,wind_direction,cloud_coverage,condition",
		lines[0])
	assert.Equal(t, "1700000000.500,12.5,150,1875,11.9,-80,952,11.92,65,1013,10000,2.4,270,75,201", lines[1])

	// Absent weather is a designated empty marker, never a numeric zero.
	assert.Equal(t, "1700000000.500,12.5,150,1875,11.9,-80,952,,,,,,,,", lines[2])
}

func TestCSVAppendsToExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.csv")

	s, err := sink.NewCSV(path, []string{"solar", "battery"})
	require.NoError(t, err)
	require.NoError(t, s.Append(context.Background(), testRecord(false)))
	require.NoError(t, s.Close())

	// Reopening must append, not truncate, and must not repeat the header.
	s, err = sink.NewCSV(path, []string{"solar", "battery"})
	require.NoError(t, err)
	require.NoError(t, s.Append(context.Background(), testRecord(true)))
	require.NoError(t, s.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "timestamp,"))
	assert.False(t, strings.HasPrefix(lines[1], "timestamp,"))
	assert.False(t, strings.HasPrefix(lines[2], "timestamp,"))
}

func TestCSVRailMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.csv")
	s, err := sink.NewCSV(path, []string{"solar"})
	require.NoError(t, err)
	defer s.Close()

	err = s.Append(context.Background(), testRecord(false))
	require.Error(t, err)

	lines := readLines(t, path)
	assert.Len(t, lines, 1, "a rejected record must not be partially written")
}

func TestCSVCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "records.csv")
	s, err := sink.NewCSV(path, []string{"solar"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestMonitorSink(t *testing.T) {
	s := sink.NewMonitor()
	require.NoError(t, s.Append(context.Background(), testRecord(true)))
	require.NoError(t, s.Append(context.Background(), testRecord(false)))
	require.NoError(t, s.Close())
}

func TestMultiSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.csv")
	csv, err := sink.NewCSV(path, []string{"solar", "battery"})
	require.NoError(t, err)

	m := sink.Multi{csv, sink.NewMonitor()}
	require.NoError(t, m.Append(context.Background(), testRecord(true)))
	require.NoError(t, m.Close())

	assert.Len(t, readLines(t, path), 2)
}
