// Package pipeline drives the acquisition and correlation of power and
// weather telemetry. Two independently clocked loops share one pipeline
// instance: the fast loop samples every configured rail and emits one
// merged record per tick, the slow loop refreshes a cached weather
// observation. The loops communicate only through that cache, so a
// failure in one source never stalls the other.
package pipeline

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/powerlog/internal/errors"
	"codeberg.org/mutker/powerlog/internal/logger"
	"codeberg.org/mutker/powerlog/internal/sensor"
	"codeberg.org/mutker/powerlog/internal/weather"
)

// PowerReader samples a single rail. No retry is expected; a failed read
// costs one cycle and the next tick starts fresh.
type PowerReader interface {
	Read(rail string) (sensor.Sample, error)
}

// WeatherFetcher performs one bounded observation fetch.
type WeatherFetcher interface {
	Fetch(ctx context.Context) (*weather.Sample, error)
}

// RecordSink appends merged records to a durable, append-only store.
type RecordSink interface {
	Append(ctx context.Context, rec *Record) error
}

// Record is the unit handed to the sink: one power sample per configured
// rail plus the freshest cached weather observation. Weather is nil when
// no complete observation is available.
type Record struct {
	Time    time.Time
	Power   []sensor.Sample
	Weather *weather.Sample
}

type Config struct {
	PowerInterval   time.Duration
	WeatherInterval time.Duration
	// Rails lists the rail labels to sample each fast tick, in record
	// column order.
	Rails []string
	// WeatherMaxAge bounds cache staleness; once exceeded, records carry
	// weather as absent. Zero disables the bound.
	WeatherMaxAge time.Duration
}

// Counters is a snapshot of the pipeline's failure and emit counters.
type Counters struct {
	RecordsEmitted uint64
	CyclesSkipped  uint64
	ReadFailures   map[string]uint64
	FetchFailures  uint64
	SinkFailures   uint64
}

// Pipeline is a single explicitly constructed instance; it holds no
// package state, so independent instances do not interfere.
type Pipeline struct {
	cfg     Config
	reader  PowerReader
	fetcher WeatherFetcher
	sink    RecordSink

	// cache holds the most recent complete observation. Written only by
	// the slow loop, snapshot-read by the fast loop.
	cacheMu sync.RWMutex
	cache   *weather.Sample

	countMu  sync.Mutex
	counters Counters

	now func() time.Time
}

func New(cfg Config, reader PowerReader, fetcher WeatherFetcher, sink RecordSink) (*Pipeline, error) {
	errFactory := errors.New()

	if cfg.PowerInterval <= 0 || cfg.WeatherInterval <= 0 {
		return nil, errFactory.New(errors.ErrInvalidInterval)
	}
	if len(cfg.Rails) == 0 {
		return nil, errFactory.WithData(errors.ErrInvalidConfig, "no rails to sample")
	}
	if reader == nil || fetcher == nil || sink == nil {
		return nil, errFactory.New(errors.ErrInvalidArgument)
	}

	return &Pipeline{
		cfg:     cfg,
		reader:  reader,
		fetcher: fetcher,
		sink:    sink,
		counters: Counters{
			ReadFailures: make(map[string]uint64),
		},
		now: time.Now,
	}, nil
}

// Run starts both loops and blocks until ctx is cancelled. Each loop
// ticks immediately on start: the first records may carry weather as
// absent when the first fetch has not yet landed.
func (p *Pipeline) Run(ctx context.Context) error {
	logger.Info().
		Dur("power_interval", p.cfg.PowerInterval).
		Dur("weather_interval", p.cfg.WeatherInterval).
		Int("rails", len(p.cfg.Rails)).
		Msg("Pipeline started")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.slowLoop(ctx)
	}()

	p.fastLoop(ctx)
	wg.Wait()

	logger.Info().Msg("Pipeline stopped")

	return nil
}

// fastLoop emits one merged record per power interval. The ticker keeps
// the cadence anchored to its own schedule, so slow bus I/O in one tick
// does not accumulate drift beyond a single interval.
func (p *Pipeline) fastLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PowerInterval)
	defer ticker.Stop()

	p.fastTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.fastTick(ctx)
		}
	}
}

func (p *Pipeline) slowLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.WeatherInterval)
	defer ticker.Stop()

	p.slowTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.slowTick(ctx)
		}
	}
}

// fastTick samples every rail and hands a merged record to the sink.
// Any failed rail read skips the whole cycle: a record is only ever
// emitted with a complete power dimension, never with placeholder
// values that would be indistinguishable from a real zero reading.
func (p *Pipeline) fastTick(ctx context.Context) {
	samples := make([]sensor.Sample, 0, len(p.cfg.Rails))
	for _, rail := range p.cfg.Rails {
		sample, err := p.reader.Read(rail)
		if err != nil {
			logger.Warn().Err(err).Str("rail", rail).Msg("Rail read failed, skipping cycle")
			p.countMu.Lock()
			p.counters.ReadFailures[rail]++
			p.counters.CyclesSkipped++
			p.countMu.Unlock()
			return
		}
		samples = append(samples, sample)
	}

	rec := &Record{
		Time:    p.now(),
		Power:   samples,
		Weather: p.snapshot(),
	}

	if err := p.sink.Append(ctx, rec); err != nil {
		// The record is lost but the loop is not: maximal uptime of the
		// pipeline wins over completeness of any single record.
		if coded := errors.AsCoded(err); coded != nil {
			logger.ErrorWithCode(coded).Msg("Failed to append record")
		} else {
			logger.Error().Err(err).Msg("Failed to append record")
		}
		p.countMu.Lock()
		p.counters.SinkFailures++
		p.countMu.Unlock()
		return
	}

	p.countMu.Lock()
	p.counters.RecordsEmitted++
	p.countMu.Unlock()
}

// slowTick refreshes the weather cache. On failure the previous
// observation stays in place: stale weather degrades records, a weather
// outage must never interrupt power logging.
func (p *Pipeline) slowTick(ctx context.Context) {
	sample, err := p.fetcher.Fetch(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Weather fetch failed, keeping cached observation")
		p.countMu.Lock()
		p.counters.FetchFailures++
		p.countMu.Unlock()
		return
	}

	p.cacheMu.Lock()
	p.cache = sample
	p.cacheMu.Unlock()

	logger.Debug().
		Float64("temperature", sample.Temperature).
		Time("fetched_at", sample.FetchedAt).
		Msg("Weather cache refreshed")
}

// snapshot returns the cached observation, or nil when none has been
// fetched yet or the cached one is older than the configured bound.
func (p *Pipeline) snapshot() *weather.Sample {
	p.cacheMu.RLock()
	cached := p.cache
	p.cacheMu.RUnlock()

	if cached == nil {
		return nil
	}
	if p.cfg.WeatherMaxAge > 0 && p.now().Sub(cached.FetchedAt) > p.cfg.WeatherMaxAge {
		return nil
	}
	return cached
}

// Counters returns a copy of the current counters.
func (p *Pipeline) Counters() Counters {
	p.countMu.Lock()
	defer p.countMu.Unlock()

	snapshot := p.counters
	snapshot.ReadFailures = make(map[string]uint64, len(p.counters.ReadFailures))
	for rail, n := range p.counters.ReadFailures {
		snapshot.ReadFailures[rail] = n
	}
	return snapshot
}
