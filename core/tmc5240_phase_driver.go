//go:build tinygo

package core

import "errors"

// tmc5240CurrentField packs a 0-255 firmware current scale into the TMC5240's
// 5-bit (0-31) IHOLD/IRUN field.
func tmc5240CurrentField(scale uint8) uint32 {
	return uint32(scale) >> 3
}

// tmc5240WriteReg performs a single-register write transfer: address with the
// write bit set, followed by the big-endian 32-bit value.
func tmc5240WriteReg(bus SPIDriver, handle interface{}, addr uint8, value uint32) error {
	tx := [5]byte{
		addr | TMC5240_WRITE_BIT,
		byte(value >> 24),
		byte(value >> 16),
		byte(value >> 8),
		byte(value),
	}
	var rx [5]byte
	return bus.Transfer(handle, tx[:], rx[:])
}

// tmc5240ReadReg performs a register read. The TMC5240's SPI datagram
// protocol returns the previously addressed register's value on the next
// transfer, so reading the current value takes two transfers: one to latch
// the address, one to clock the data out.
func tmc5240ReadReg(bus SPIDriver, handle interface{}, addr uint8) (uint32, error) {
	tx := [5]byte{addr | TMC5240_READ_BIT, 0, 0, 0, 0}
	var rx [5]byte

	if err := bus.Transfer(handle, tx[:], rx[:]); err != nil {
		return 0, err
	}
	if err := bus.Transfer(handle, tx[:], rx[:]); err != nil {
		return 0, err
	}

	value := uint32(rx[1])<<24 | uint32(rx[2])<<16 | uint32(rx[3])<<8 | uint32(rx[4])
	return value, nil
}

// TMC5240PhaseDriver implements PhaseDriver and Encoder over a dedicated SPI
// bus, grounded in the register map core/tmc5240_regs.go already ships and
// the SPIDriver HAL core/spi_hal.go/core/spi.go define. A single chip serves
// both halves of the servo loop's black-box interface: coil current control
// through XTARGET/IHOLD_IRUN, and position feedback through its onboard
// encoder interface (X_ENC).
type TMC5240PhaseDriver struct {
	busHandle interface{}
	csPin     GPIOPin
	csActive  bool // true = chip select asserted high
}

// NewTMC5240PhaseDriver configures a dedicated hardware SPI bus for one
// TMC5240 and returns a driver that can be registered as both a PhaseDriver
// and an Encoder.
func NewTMC5240PhaseDriver(busID SPIBusID, csPin GPIOPin, csActiveHigh bool, rateHz uint32) (*TMC5240PhaseDriver, error) {
	handle, err := MustSPI().ConfigureBus(SPIConfig{BusID: busID, Mode: 3, Rate: rateHz})
	if err != nil {
		return nil, err
	}

	if err := MustGPIO().ConfigureOutput(csPin); err != nil {
		return nil, err
	}

	d := &TMC5240PhaseDriver{
		busHandle: handle,
		csPin:     csPin,
		csActive:  csActiveHigh,
	}
	// Chip select idle state is the opposite of the asserted state.
	MustGPIO().SetPin(csPin, !csActiveHigh)

	return d, nil
}

func (d *TMC5240PhaseDriver) writeReg(addr uint8, value uint32) error {
	if err := MustGPIO().SetPin(d.csPin, d.csActive); err != nil {
		return err
	}
	err := tmc5240WriteReg(MustSPI(), d.busHandle, addr, value)
	if gpioErr := MustGPIO().SetPin(d.csPin, !d.csActive); gpioErr != nil && err == nil {
		err = gpioErr
	}
	return err
}

func (d *TMC5240PhaseDriver) readReg(addr uint8) (uint32, error) {
	if err := MustGPIO().SetPin(d.csPin, d.csActive); err != nil {
		return 0, err
	}
	value, err := tmc5240ReadReg(MustSPI(), d.busHandle, addr)
	if gpioErr := MustGPIO().SetPin(d.csPin, !d.csActive); gpioErr != nil && err == nil {
		err = gpioErr
	}
	return value, err
}

// Enable brings the chopper online with the teacher's default silent-chopper
// configuration.
func (d *TMC5240PhaseDriver) Enable() error {
	return d.writeReg(TMC5240_CHOPCONF, TMC5240_CHOPCONF_DEFAULT)
}

// Disable switches the chopper off, removing coil current.
func (d *TMC5240PhaseDriver) Disable() error {
	return d.writeReg(TMC5240_CHOPCONF, 0)
}

// Reset clears the chip's own ramp position accumulator.
func (d *TMC5240PhaseDriver) Reset() error {
	return d.writeReg(TMC5240_XACTUAL, 0)
}

// Hold parks the axis at its last commanded target using currentScale as
// both IHOLD and IRUN so standstill current matches the requested hold
// level.
func (d *TMC5240PhaseDriver) Hold(currentScale uint8) error {
	field := tmc5240CurrentField(currentScale)
	iholdIrun := field | (field << 8) | (TMC5240_IHOLDDELAY_DEFAULT << 16)
	return d.writeReg(TMC5240_IHOLD_IRUN, iholdIrun)
}

// SetPhase programs the target position and the run current in a single
// pair of register writes.
func (d *TMC5240PhaseDriver) SetPhase(phase uint32, currentScale uint8) error {
	runField := tmc5240CurrentField(currentScale)
	holdField := tmc5240CurrentField(currentScale) / 2
	iholdIrun := holdField | (runField << 8) | (TMC5240_IHOLDDELAY_DEFAULT << 16)
	if err := d.writeReg(TMC5240_IHOLD_IRUN, iholdIrun); err != nil {
		return err
	}
	return d.writeReg(TMC5240_XTARGET, phase)
}

// ReadPosition reads the chip's onboard encoder counter.
func (d *TMC5240PhaseDriver) ReadPosition() (uint32, error) {
	value, err := d.readReg(TMC5240_X_ENC)
	if err != nil {
		return 0, errors.New("tmc5240: encoder read failed: " + err.Error())
	}
	return value, nil
}
