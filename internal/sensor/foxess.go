package sensor

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"codeberg.org/mutker/powerlog/internal/config"
	"codeberg.org/mutker/powerlog/internal/errors"
)

// foxessReader queries the FoxESS cloud for one inverter's raw history
// and reads the newest value of each configured variable. Exactly three
// variables are configured per rail, in voltage, current, power order;
// the API returns series in request order. The cloud reports volts,
// amps and kilowatts, converted here to the record units.
type foxessReader struct {
	rail config.Rail
	http *http.Client
	now  func() time.Time
}

func newFoxESSReader(rail config.Rail) *foxessReader {
	return &foxessReader{
		rail: rail,
		http: &http.Client{Timeout: rail.Timeout},
		now:  time.Now,
	}
}

type foxessBeginDate struct {
	Year   int `json:"year"`
	Month  int `json:"month"`
	Day    int `json:"day"`
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
	Second int `json:"second"`
}

type foxessQuery struct {
	DeviceID  string          `json:"deviceId"`
	Variables []string        `json:"variables"`
	Timespan  string          `json:"timespan"`
	BeginDate foxessBeginDate `json:"BeginDate"`
}

func (f *foxessReader) read() (Sample, error) {
	values, err := f.query()
	if err != nil {
		return Sample{}, err
	}

	return Sample{
		Rail:    f.rail.Label,
		Voltage: values[0],
		Current: values[1] * 1000, // A to mA
		Power:   values[2] * 1e6,  // kW to mW
		Time:    f.now(),
	}, nil
}

func (f *foxessReader) query() ([]float64, error) {
	errFactory := errors.New()

	day := f.now().UTC()
	body, err := json.Marshal(foxessQuery{
		DeviceID:  f.rail.InverterID,
		Variables: f.rail.Variables,
		Timespan:  "day",
		BeginDate: foxessBeginDate{
			Year:  day.Year(),
			Month: int(day.Month()),
			Day:   day.Day(),
		},
	})
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrInternal, err)
	}

	req, err := http.NewRequest(http.MethodPost, f.rail.URL+"/c/v0/device/history/raw", bytes.NewReader(body))
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidArgument, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("token", f.rail.APIKey)
	// The cloud rejects the default client identification.
	req.Header.Set("User-Agent", "")

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, errFactory.Wrap(ErrDeviceIO, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errFactory.WithData(ErrBadStatus, resp.StatusCode)
	}

	var payload struct {
		Errno  int `json:"errno"`
		Result []struct {
			Variable string `json:"variable"`
			Data     []struct {
				Value float64 `json:"value"`
			} `json:"data"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, errFactory.Wrap(ErrBadPayload, err)
	}
	if payload.Errno != 0 {
		return nil, errFactory.WithData(ErrRemoteFault, payload.Errno)
	}
	if len(payload.Result) != len(f.rail.Variables) {
		return nil, errFactory.WithData(ErrBadPayload, "series count does not match requested variables")
	}

	values := make([]float64, 0, len(payload.Result))
	for _, series := range payload.Result {
		// Raw history lags real time; the newest entry is the best
		// available reading.
		if len(series.Data) == 0 {
			return nil, errFactory.WithData(ErrBadPayload, "empty series for "+series.Variable)
		}
		values = append(values, series.Data[len(series.Data)-1].Value)
	}
	return values, nil
}
