package sensor

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"codeberg.org/mutker/powerlog/internal/config"
	"codeberg.org/mutker/powerlog/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const foxessSeriesBody = `{"errno": 0, "result": [
	{"variable": "pv1Volt", "unit": "V", "data": [
		{"time": "2023-11-24 18:02:00 CET+0100", "value": 230.1},
		{"time": "2023-11-24 18:06:30 CET+0100", "value": 233.1}]},
	{"variable": "pv1Current", "unit": "A", "data": [
		{"time": "2023-11-24 18:06:30 CET+0100", "value": 3.4}]},
	{"variable": "pv1Power", "unit": "kW", "data": [
		{"time": "2023-11-24 18:06:30 CET+0100", "value": 0.792}]}
]}`

func testFoxESSReader(t *testing.T, handler http.HandlerFunc) *foxessReader {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	f := newFoxESSReader(config.Rail{
		Label:      "inverter",
		Type:       config.RailFoxESS,
		URL:        srv.URL,
		APIKey:     "key123",
		InverterID: "inv-1",
		Variables:  []string{"pv1Volt", "pv1Current", "pv1Power"},
		Timeout:    time.Second,
	})
	f.now = func() time.Time { return time.Date(2023, 11, 24, 18, 10, 0, 0, time.UTC) }
	return f
}

func TestFoxESSRead(t *testing.T) {
	var gotToken string
	var gotQuery foxessQuery
	f := testFoxESSReader(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/c/v0/device/history/raw", r.URL.Path)
		gotToken = r.Header.Get("token")
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotQuery))
		_, _ = w.Write([]byte(foxessSeriesBody))
	})

	sample, err := f.read()
	require.NoError(t, err)

	// Newest entry per series, converted to volts/milliamps/milliwatts.
	assert.Equal(t, "inverter", sample.Rail)
	assert.InDelta(t, 233.1, sample.Voltage, 1e-9)
	assert.InDelta(t, 3400, sample.Current, 1e-9)
	assert.InDelta(t, 792000, sample.Power, 1e-6)

	assert.Equal(t, "key123", gotToken)
	assert.Equal(t, "inv-1", gotQuery.DeviceID)
	assert.Equal(t, []string{"pv1Volt", "pv1Current", "pv1Power"}, gotQuery.Variables)
	assert.Equal(t, "day", gotQuery.Timespan)
	assert.Equal(t, foxessBeginDate{Year: 2023, Month: 11, Day: 24}, gotQuery.BeginDate)
}

func TestFoxESSRemoteFault(t *testing.T) {
	f := testFoxESSReader(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"errno": 40000, "result": []}`))
	})

	_, err := f.read()
	require.Error(t, err)
	assert.Equal(t, ErrRemoteFault, errors.CodeOf(err))
}

func TestFoxESSBadStatus(t *testing.T) {
	f := testFoxESSReader(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := f.read()
	require.Error(t, err)
	assert.Equal(t, ErrBadStatus, errors.CodeOf(err))
}

func TestFoxESSSeriesCountMismatch(t *testing.T) {
	f := testFoxESSReader(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"errno": 0, "result": [
			{"variable": "pv1Volt", "data": [{"value": 230.1}]}
		]}`))
	})

	_, err := f.read()
	require.Error(t, err)
	assert.Equal(t, ErrBadPayload, errors.CodeOf(err))
}

func TestFoxESSEmptySeries(t *testing.T) {
	f := testFoxESSReader(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"errno": 0, "result": [
			{"variable": "pv1Volt", "data": []},
			{"variable": "pv1Current", "data": []},
			{"variable": "pv1Power", "data": []}
		]}`))
	})

	_, err := f.read()
	require.Error(t, err)
	assert.Equal(t, ErrBadPayload, errors.CodeOf(err))
}
