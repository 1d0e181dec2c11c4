// Package sensor reads instantaneous voltage, current and power from
// the configured power sources: INA219 monitors on a shared I2C bus,
// FRITZ!Box smart plugs over AHA-HTTP, or FoxESS cloud inverters. Each
// read is a single bounded operation; retry policy belongs to the
// caller.
package sensor

import (
	"sync"
	"time"

	"codeberg.org/mutker/powerlog/internal/config"
	"codeberg.org/mutker/powerlog/internal/errors"
	"codeberg.org/mutker/powerlog/internal/logger"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// Sample is one instantaneous reading for a rail.
type Sample struct {
	Rail    string
	Voltage float64 // volts
	Current float64 // milliamps
	Power   float64 // milliwatts
	Time    time.Time
}

// railReader samples one configured rail.
type railReader interface {
	read() (Sample, error)
}

type busOpener func(name string) (i2c.BusCloser, error)

// Reader samples the configured rails, dispatching each to the reader
// implementation its type selects.
type Reader struct {
	readers map[string]railReader
}

var (
	hostOnce sync.Once
	hostErr  error
)

func initHost() error {
	hostOnce.Do(func() {
		if _, err := host.Init(); err != nil {
			hostErr = errors.New().Wrap(ErrHostInit, err)
		}
	})
	return hostErr
}

// New builds a reader per configured rail. For I2C rails the host
// drivers are initialized and every bus is verified to open; a failure
// here is fatal by contract: the process must not start without its
// hardware.
func New(rails []config.Rail) (*Reader, error) {
	readers := make(map[string]railReader, len(rails))
	checked := make(map[string]bool)

	for _, rail := range rails {
		switch rail.Type {
		case "", config.RailINA219:
			if err := initHost(); err != nil {
				return nil, err
			}
			if !checked[rail.Bus] {
				bus, err := i2creg.Open(rail.Bus)
				if err != nil {
					return nil, errors.New().Wrap(ErrInitFailed, err).WithMessage("cannot open bus " + rail.Bus)
				}
				if err := bus.Close(); err != nil {
					logger.Warn().Err(err).Str("bus", rail.Bus).Msg("Failed to close bus after probe")
				}
				checked[rail.Bus] = true
				logger.Debug().Str("bus", rail.Bus).Msg("Probed I2C bus")
			}
			readers[rail.Label] = &ina219Rail{rail: rail, open: i2creg.Open, now: time.Now}
		case config.RailFritz:
			readers[rail.Label] = newFritzReader(rail)
		case config.RailFoxESS:
			readers[rail.Label] = newFoxESSReader(rail)
		default:
			return nil, errors.New().WithData(ErrInitFailed, "unknown rail type: "+rail.Type)
		}
	}

	return &Reader{readers: readers}, nil
}

// Read samples a single rail by label.
func (r *Reader) Read(label string) (Sample, error) {
	reader, ok := r.readers[label]
	if !ok {
		return Sample{}, errors.New().WithData(ErrUnknownRail, label)
	}
	return reader.read()
}

// ina219Rail reads one INA219 device. Each read acquires the bus,
// samples the device and releases the bus again.
type ina219Rail struct {
	rail config.Rail
	open busOpener
	now  func() time.Time
}

func (r *ina219Rail) read() (Sample, error) {
	bus, err := r.open(r.rail.Bus)
	if err != nil {
		return Sample{}, errors.New().Wrap(ErrBusUnavailable, err)
	}
	defer func() {
		if err := bus.Close(); err != nil {
			logger.Warn().Err(err).Str("bus", r.rail.Bus).Msg("Failed to release bus")
		}
	}()

	dev := newINA219(&i2c.Dev{Addr: r.rail.Address, Bus: bus}, r.rail.ExpectedAmps)
	if err := dev.calibrate(); err != nil {
		return Sample{}, err
	}
	if err := dev.wake(); err != nil {
		return Sample{}, err
	}

	voltage, current, power, err := dev.measure()
	if err != nil {
		return Sample{}, err
	}

	if err := dev.sleep(); err != nil {
		logger.Debug().Err(err).Str("rail", r.rail.Label).Msg("Failed to power down device")
	}

	return Sample{
		Rail:    r.rail.Label,
		Voltage: voltage,
		Current: current,
		Power:   power,
		Time:    r.now(),
	}, nil
}
