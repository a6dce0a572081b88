package core

// PhaseDriver is the narrow black-box interface a closed-loop servo axis
// drives to command coil current and phase angle. It mirrors the shape of
// StepperBackend (core/stepper_hal.go): a handful of verbs, no knowledge of
// the control loop calling it.
type PhaseDriver interface {
	// Enable powers the coil driver and makes it responsive to SetPhase.
	Enable() error

	// Disable removes coil current entirely.
	Disable() error

	// Reset clears any internal position accumulator the driver itself keeps
	// (e.g. a ramp generator's XACTUAL), independent of the controller's own
	// phase_offset.
	Reset() error

	// Hold parks the axis at its last commanded phase using currentScale
	// (0-255) as the coil current instead of the controller's run current.
	Hold(currentScale uint8) error

	// SetPhase commands the H-bridge to the given 24-bit phase angle at
	// currentScale (0-255).
	SetPhase(phase uint32, currentScale uint8) error
}

// Encoder is the narrow rotary-position-reading interface backing the servo
// loop's raw_encoder_position sample.
type Encoder interface {
	// ReadPosition returns the encoder's free-running counter value.
	ReadPosition() (uint32, error)
}

// phaseDrivers and encoders are OID-indexed exactly like steppers
// (core/stepper.go); a PhaseDriver and an Encoder may be backed by the same
// physical chip (as TMC5240PhaseDriver is) registered under two OIDs, or by
// two different peripherals.
var (
	phaseDrivers [MaxServoSteppers]PhaseDriver
	encoders     [MaxServoSteppers]Encoder
)

// RegisterPhaseDriver makes a backend available to config_servo_stepper by
// OID. Platform/driver-config code calls this after constructing a concrete
// driver (TMC5240PhaseDriver, GPIOHBridgePhaseDriver, or a test fake).
func RegisterPhaseDriver(oid uint8, d PhaseDriver) {
	if int(oid) >= len(phaseDrivers) {
		return
	}
	phaseDrivers[oid] = d
}

// GetPhaseDriver returns the driver registered under oid, or nil.
func GetPhaseDriver(oid uint8) PhaseDriver {
	if int(oid) >= len(phaseDrivers) {
		return nil
	}
	return phaseDrivers[oid]
}

// RegisterEncoder makes an encoder available to config_servo_stepper by OID.
func RegisterEncoder(oid uint8, e Encoder) {
	if int(oid) >= len(encoders) {
		return
	}
	encoders[oid] = e
}

// GetEncoder returns the encoder registered under oid, or nil.
func GetEncoder(oid uint8) Encoder {
	if int(oid) >= len(encoders) {
		return nil
	}
	return encoders[oid]
}
