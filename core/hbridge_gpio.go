//go:build tinygo

package core

// electricalCycle is the phase span of one full electrical revolution for a
// two-phase bipolar stepper: four full steps.
const electricalCycle = FullStep * 4

// sineQuarter is a 65-entry quarter-wave sine table (0-255), the same kind of
// microstep lookup the TMC5240's own MSLUT registers hold, used here to
// commutate a plain GPIO+PWM H-bridge without floating point or a runtime
// trig call.
var sineQuarter = [65]uint8{
	0, 6, 13, 19, 25, 31, 37, 44, 50, 56, 62, 68, 74, 80, 86, 92,
	98, 103, 109, 115, 120, 126, 131, 136, 142, 147, 152, 157, 162, 167, 171, 176,
	180, 185, 189, 193, 197, 201, 205, 208, 212, 215, 219, 222, 225, 228, 231, 233,
	236, 238, 240, 242, 244, 246, 247, 249, 250, 251, 252, 253, 254, 254, 255, 255,
	255,
}

// sineLookup returns |sin(idx/electricalCycle * 2*pi)| scaled to 0-255; idx
// is taken modulo electricalCycle (1024). The sign is given by coilSign.
func sineLookup(idx uint32) uint8 {
	quarter := electricalCycle / 4
	pos := idx % electricalCycle
	switch {
	case pos < quarter:
		return sineQuarter[pos*64/quarter]
	case pos < 2*quarter:
		return sineQuarter[64-(pos-quarter)*64/quarter]
	case pos < 3*quarter:
		return sineQuarter[(pos-2*quarter)*64/quarter]
	default:
		return sineQuarter[64-(pos-3*quarter)*64/quarter]
	}
}

// coilSign reports whether the coil current should be driven through the
// "positive" or "negative" half-bridge for a given point in the electrical
// cycle (quadrants 0/1 positive, 2/3 negative for coil A; offset by one
// quarter-cycle for coil B).
func coilSign(idx uint32) bool {
	return (idx%electricalCycle)/(electricalCycle/2) == 0
}

// GPIOHBridgePhaseDriver drives a two-phase bipolar stepper through four
// plain GPIO direction pins and two PWM current-magnitude pins, for boards
// without a TMC5240. It implements PhaseDriver but not Encoder — callers
// pair it with a separately registered Encoder (e.g. a quadrature encoder
// behind a dedicated driver).
type GPIOHBridgePhaseDriver struct {
	coilADirPos, coilADirNeg GPIOPin
	coilBDirPos, coilBDirNeg GPIOPin
	coilAPWM, coilBPWM       PWMPin
	cycleTicks               uint32
	enabled                  bool
}

// NewGPIOHBridgePhaseDriver configures the four direction pins and two PWM
// channels used to drive one axis.
func NewGPIOHBridgePhaseDriver(coilADirPos, coilADirNeg, coilBDirPos, coilBDirNeg GPIOPin, coilAPWM, coilBPWM PWMPin, cycleTicks uint32) (*GPIOHBridgePhaseDriver, error) {
	gpio := MustGPIO()
	for _, pin := range []GPIOPin{coilADirPos, coilADirNeg, coilBDirPos, coilBDirNeg} {
		if err := gpio.ConfigureOutput(pin); err != nil {
			return nil, err
		}
	}

	pwm := MustPWM()
	if _, err := pwm.ConfigureHardwarePWM(coilAPWM, cycleTicks); err != nil {
		return nil, err
	}
	if _, err := pwm.ConfigureHardwarePWM(coilBPWM, cycleTicks); err != nil {
		return nil, err
	}

	return &GPIOHBridgePhaseDriver{
		coilADirPos: coilADirPos, coilADirNeg: coilADirNeg,
		coilBDirPos: coilBDirPos, coilBDirNeg: coilBDirNeg,
		coilAPWM: coilAPWM, coilBPWM: coilBPWM,
		cycleTicks: cycleTicks,
	}, nil
}

func (d *GPIOHBridgePhaseDriver) driveCoil(dirPos, dirNeg GPIOPin, pwmPin PWMPin, magnitude uint8, positive bool) {
	gpio := MustGPIO()
	gpio.SetPin(dirPos, positive)
	gpio.SetPin(dirNeg, !positive)
	MustPWM().SetDutyCycle(pwmPin, PWMValue(uint32(magnitude)*MustPWM().GetMaxValue()/255))
}

// Enable arms both coil PWM channels.
func (d *GPIOHBridgePhaseDriver) Enable() error {
	d.enabled = true
	return nil
}

// Disable zeroes both coil currents and disables PWM output.
func (d *GPIOHBridgePhaseDriver) Disable() error {
	d.enabled = false
	MustPWM().SetDutyCycle(d.coilAPWM, 0)
	MustPWM().SetDutyCycle(d.coilBPWM, 0)
	return nil
}

// Reset is a no-op: a plain GPIO H-bridge keeps no position accumulator of
// its own.
func (d *GPIOHBridgePhaseDriver) Reset() error {
	return nil
}

// Hold commands zero electrical angle at currentScale, parking the rotor at
// a fixed detent.
func (d *GPIOHBridgePhaseDriver) Hold(currentScale uint8) error {
	return d.SetPhase(0, currentScale)
}

// SetPhase commutates both coils to the sine/cosine pair for the given phase
// angle, scaled by currentScale.
func (d *GPIOHBridgePhaseDriver) SetPhase(phase uint32, currentScale uint8) error {
	if !d.enabled {
		return nil
	}
	idxA := phase % electricalCycle
	idxB := (phase + electricalCycle/4) % electricalCycle

	magA := uint8(uint32(sineLookup(idxA)) * uint32(currentScale) / 255)
	magB := uint8(uint32(sineLookup(idxB)) * uint32(currentScale) / 255)

	d.driveCoil(d.coilADirPos, d.coilADirNeg, d.coilAPWM, magA, coilSign(idxA))
	d.driveCoil(d.coilBDirPos, d.coilBDirNeg, d.coilBPWM, magB, coilSign(idxB))

	return nil
}
