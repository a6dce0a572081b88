//go:build rp2350

package main

import "servostepper/core"

// registerServoHardware wires one example closed-loop servo axis onto
// physical hardware, the same way adcDriver/gpioDriver/spiDriver are
// constructed and registered in main(): a TMC5240PhaseDriver on SPI bus 0
// serves as both the PhaseDriver and the Encoder half of the servo core's
// black-box interface (the chip has an onboard encoder input), registered
// under OID 0 for config_servo_stepper to reference.
func registerServoHardware() {
	const (
		servoPhaseDriverOID = 0
		servoEncoderOID     = 0
		servoChipSelectPin  = core.GPIOPin(9)
		servoSPIBus         = core.SPIBusID(0)
		servoSPIRateHz      = 4_000_000
	)

	tmc, err := core.NewTMC5240PhaseDriver(servoSPIBus, servoChipSelectPin, true, servoSPIRateHz)
	if err != nil {
		DebugPrintln("[MAIN] servo hardware init failed: " + err.Error())
		return
	}

	core.RegisterPhaseDriver(servoPhaseDriverOID, tmc)
	core.RegisterEncoder(servoEncoderOID, tmc)
}
