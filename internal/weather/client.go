// Package weather fetches observations from the OpenWeatherMap current
// weather endpoint. One request per fetch, bounded by a configurable
// timeout; no internal retry. A circuit breaker fast-fails fetches while
// the provider is known to be down so the slow loop never piles up on a
// dead remote.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"codeberg.org/mutker/powerlog/internal/config"
	"codeberg.org/mutker/powerlog/internal/errors"
	"github.com/sony/gobreaker"
)

// Sample is one complete observation. It is immutable; the correlator
// replaces it wholesale on every successful fetch.
type Sample struct {
	Temperature   float64 // °C
	Humidity      float64 // %
	Pressure      float64 // hPa
	Visibility    float64 // m, 0 when the provider omits it
	WindSpeed     float64 // m/s
	WindDirection float64 // °
	CloudCoverage float64 // %
	ConditionID   int     // OpenWeatherMap condition code
	FetchedAt     time.Time
}

type Client struct {
	cfg     config.Weather
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	now     func() time.Time
}

func NewClient(cfg config.Weather) *Client {
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: cfg.Timeout,
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "openweathermap",
			MaxRequests: 3,
			Interval:    time.Minute,
			Timeout:     2 * time.Minute,
		}),
		now: time.Now,
	}
}

// Fetch performs a single observation request.
func (c *Client) Fetch(ctx context.Context) (*Sample, error) {
	errFactory := errors.New()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errFactory.Wrap(ErrCircuitOpen, err)
		}
		return nil, err
	}

	sample, ok := result.(*Sample)
	if !ok {
		return nil, errFactory.New(errors.ErrInternal)
	}
	return sample, nil
}

func (c *Client) fetch(ctx context.Context) (*Sample, error) {
	errFactory := errors.New()

	query := url.Values{}
	query.Set("lat", fmt.Sprintf("%g", c.cfg.Latitude))
	query.Set("lon", fmt.Sprintf("%g", c.cfg.Longitude))
	query.Set("appid", c.cfg.AppID)
	query.Set("units", "metric")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidArgument, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errFactory.Wrap(ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, errFactory.New(ErrRateLimited)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errFactory.WithData(ErrBadStatus, resp.StatusCode)
	}

	return c.decode(resp)
}

func (c *Client) decode(resp *http.Response) (*Sample, error) {
	errFactory := errors.New()

	var payload struct {
		Weather []struct {
			ID int `json:"id"`
		} `json:"weather"`
		Main *struct {
			Temp     float64 `json:"temp"`
			Pressure float64 `json:"pressure"`
			Humidity float64 `json:"humidity"`
		} `json:"main"`
		// The provider omits visibility in some conditions; 0 stands
		// for "not reported".
		Visibility float64 `json:"visibility"`
		Wind       *struct {
			Speed float64 `json:"speed"`
			Deg   float64 `json:"deg"`
		} `json:"wind"`
		Clouds *struct {
			All float64 `json:"all"`
		} `json:"clouds"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, errFactory.Wrap(ErrMalformedPayload, err)
	}

	// A sample is cached only when complete; a partial observation must
	// never reach the record stream.
	if payload.Main == nil || payload.Wind == nil || payload.Clouds == nil || len(payload.Weather) == 0 {
		return nil, errFactory.WithData(ErrMalformedPayload, "incomplete observation")
	}

	return &Sample{
		Temperature:   payload.Main.Temp,
		Humidity:      payload.Main.Humidity,
		Pressure:      payload.Main.Pressure,
		Visibility:    payload.Visibility,
		WindSpeed:     payload.Wind.Speed,
		WindDirection: payload.Wind.Deg,
		CloudCoverage: payload.Clouds.All,
		ConditionID:   payload.Weather[0].ID,
		FetchedAt:     c.now(),
	}, nil
}
