package sensor

import (
	"testing"
	"time"

	"codeberg.org/mutker/powerlog/internal/config"
	"codeberg.org/mutker/powerlog/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

// fakeBus emulates the register-pointer protocol of an INA219 on an I2C
// bus: a 3-byte write stores a register, a 1-byte write plus 2-byte read
// returns one.
type fakeBus struct {
	regs   map[byte]uint16
	txErr  error
	closed bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{regs: make(map[byte]uint16)}
}

func (b *fakeBus) Tx(_ uint16, w, r []byte) error {
	if b.txErr != nil {
		return b.txErr
	}
	switch {
	case len(w) == 3 && len(r) == 0:
		b.regs[w[0]] = uint16(w[1])<<8 | uint16(w[2])
	case len(w) == 1 && len(r) == 2:
		v := b.regs[w[0]]
		r[0] = byte(v >> 8)
		r[1] = byte(v)
	}
	return nil
}

func (b *fakeBus) SetSpeed(physic.Frequency) error { return nil }
func (b *fakeBus) String() string                  { return "fake" }
func (b *fakeBus) Close() error                    { b.closed = true; return nil }

func fakeINA219Rail(rail config.Rail, bus *fakeBus, openErr error) *ina219Rail {
	return &ina219Rail{
		rail: rail,
		open: func(string) (i2c.BusCloser, error) {
			if openErr != nil {
				return nil, openErr
			}
			return bus, nil
		},
		now: func() time.Time { return time.Unix(1700000000, 0).UTC() },
	}
}

func testReader(bus *fakeBus, openErr error) *Reader {
	rail := config.Rail{Label: "main", Bus: "/dev/i2c-9", Address: 0x40, ExpectedAmps: 1.0}
	return &Reader{
		readers: map[string]railReader{
			"main": fakeINA219Rail(rail, bus, openErr),
		},
	}
}

func TestReadConvertsRegisters(t *testing.T) {
	bus := newFakeBus()
	bus.regs[regBusVoltage] = 3000 << busVoltageShift // 12.000V
	bus.regs[regCurrent] = 1000
	bus.regs[regPower] = 500

	sample, err := testReader(bus, nil).Read("main")
	require.NoError(t, err)

	lsb := 1.0 / 32800.0
	assert.Equal(t, "main", sample.Rail)
	assert.InDelta(t, 12.0, sample.Voltage, 1e-9)
	assert.InDelta(t, 1000*lsb*1000, sample.Current, 1e-6)
	assert.InDelta(t, 500*20*lsb*1000, sample.Power, 1e-6)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), sample.Time)

	// The device must be calibrated for the configured full-scale current
	// and left powered down afterwards.
	assert.Equal(t, uint16(13434), bus.regs[regCalibration])
	assert.Zero(t, bus.regs[regConfig]&configModeBits)
	assert.True(t, bus.closed)
}

func TestReadNegativeCurrent(t *testing.T) {
	bus := newFakeBus()
	bus.regs[regCurrent] = 0xFFFF // -1 raw

	sample, err := testReader(bus, nil).Read("main")
	require.NoError(t, err)
	assert.Negative(t, sample.Current)
}

func TestReadOverflowFlag(t *testing.T) {
	bus := newFakeBus()
	bus.regs[regBusVoltage] = (3000 << busVoltageShift) | busVoltageOVF

	_, err := testReader(bus, nil).Read("main")
	require.Error(t, err)
	assert.Equal(t, ErrBadRegisterData, errors.CodeOf(err))
}

func TestReadBusUnavailable(t *testing.T) {
	openErr := errors.New().WithMessage(errors.ErrUnavailable, "no such bus")

	_, err := testReader(nil, openErr).Read("main")
	require.Error(t, err)
	assert.Equal(t, ErrBusUnavailable, errors.CodeOf(err))
}

func TestReadDeviceNotResponding(t *testing.T) {
	bus := newFakeBus()
	bus.txErr = errors.New().WithMessage(errors.ErrUnavailable, "nack")

	_, err := testReader(bus, nil).Read("main")
	require.Error(t, err)
	assert.Equal(t, ErrDeviceIO, errors.CodeOf(err))
	assert.True(t, bus.closed, "bus must be released on failure")
}

func TestReadUnknownRail(t *testing.T) {
	_, err := testReader(newFakeBus(), nil).Read("nope")
	require.Error(t, err)
	assert.Equal(t, ErrUnknownRail, errors.CodeOf(err))
}

func TestReadSecondRail(t *testing.T) {
	bus := newFakeBus()
	bus.regs[regBusVoltage] = 1250 << busVoltageShift // 5.000V

	r := testReader(newFakeBus(), nil)
	aux := config.Rail{Label: "aux", Bus: "/dev/i2c-9", Address: 0x41, ExpectedAmps: 0.5}
	r.readers["aux"] = fakeINA219Rail(aux, bus, nil)

	sample, err := r.Read("aux")
	require.NoError(t, err)
	assert.Equal(t, "aux", sample.Rail)
	assert.InDelta(t, 5.0, sample.Voltage, 1e-9)
}
