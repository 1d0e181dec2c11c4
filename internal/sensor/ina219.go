package sensor

import (
	"encoding/binary"
	"math"
	"time"

	"codeberg.org/mutker/powerlog/internal/errors"
)

// INA219 register map.
const (
	regConfig      = 0x00
	regBusVoltage  = 0x02
	regPower       = 0x03
	regCurrent     = 0x04
	regCalibration = 0x05
)

const (
	// Power-save mode: clearing the three mode bits puts the chip to sleep;
	// restoring them resumes continuous shunt and bus conversion.
	configSleepMask = 0xfff8
	configModeBits  = 0x0007

	// Bus voltage register: LSB is 4mV after discarding the three flag bits;
	// bit 0 is the math overflow flag.
	busVoltageShift  = 3
	busVoltageLSBmV  = 4.0
	busVoltageOVF    = 0x0001
	powerLSBFactor   = 20.0
	calibrationScale = 0.04096
	shuntAmps        = 0.1
	currentLSBScale  = 32800.0

	wakeSettle = 40 * time.Microsecond
)

// txer is the transaction surface of an i2c.Dev. Register-level logic is
// written against it so it can be driven without hardware.
type txer interface {
	Tx(w, r []byte) error
}

// ina219 drives a single INA219 power monitor.
type ina219 struct {
	conn       txer
	currentLSB float64
}

func newINA219(conn txer, expectedAmps float64) *ina219 {
	return &ina219{
		conn:       conn,
		currentLSB: expectedAmps / currentLSBScale,
	}
}

func (d *ina219) writeRegister(reg byte, value uint16) error {
	buf := []byte{reg, byte(value >> 8), byte(value)}
	if err := d.conn.Tx(buf, nil); err != nil {
		return errors.New().Wrap(ErrDeviceIO, err)
	}
	return nil
}

func (d *ina219) readRegister(reg byte) (uint16, error) {
	buf := make([]byte, 2)
	if err := d.conn.Tx([]byte{reg}, buf); err != nil {
		return 0, errors.New().Wrap(ErrDeviceIO, err)
	}
	return binary.BigEndian.Uint16(buf), nil
}

// calibrate programs the calibration register for the configured
// full-scale current.
func (d *ina219) calibrate() error {
	calibration := math.Trunc(calibrationScale / (d.currentLSB * shuntAmps))
	if calibration <= 0 || calibration > math.MaxUint16 {
		return errors.New().WithData(ErrBadRegisterData, "calibration value out of range")
	}
	return d.writeRegister(regCalibration, uint16(calibration))
}

func (d *ina219) wake() error {
	config, err := d.readRegister(regConfig)
	if err != nil {
		return err
	}
	if err := d.writeRegister(regConfig, config|configModeBits); err != nil {
		return err
	}
	time.Sleep(wakeSettle)
	return nil
}

func (d *ina219) sleep() error {
	config, err := d.readRegister(regConfig)
	if err != nil {
		return err
	}
	return d.writeRegister(regConfig, config&configSleepMask)
}

// measure reads one voltage/current/power triple. Voltage in volts,
// current in milliamps, power in milliwatts.
func (d *ina219) measure() (voltage, current, power float64, err error) {
	busRaw, err := d.readRegister(regBusVoltage)
	if err != nil {
		return 0, 0, 0, err
	}
	if busRaw&busVoltageOVF != 0 {
		return 0, 0, 0, errors.New().WithData(ErrBadRegisterData, "bus voltage math overflow")
	}
	voltage = float64(busRaw>>busVoltageShift) * busVoltageLSBmV / 1000.0

	currentRaw, err := d.readRegister(regCurrent)
	if err != nil {
		return 0, 0, 0, err
	}
	current = float64(int16(currentRaw)) * d.currentLSB * 1000.0

	powerRaw, err := d.readRegister(regPower)
	if err != nil {
		return 0, 0, 0, err
	}
	power = float64(powerRaw) * powerLSBFactor * d.currentLSB * 1000.0

	return voltage, current, power, nil
}
