package core

import (
	"errors"

	"servostepper/protocol"
)

// InitServoStepperCommands registers the closed-loop servo axis command set.
func InitServoStepperCommands() {
	RegisterCommand("config_servo_stepper",
		"oid=%c driver_oid=%c encoder_oid=%c vstepper_oid=%c full_steps_per_rotation=%u step_multiplier=%hi",
		cmdConfigServoStepper)

	RegisterCommand("set_mode",
		"oid=%c mode=%c run_current_scale=%c flex=%hi Kp=%hi Ki=%hi Kd=%hi",
		cmdSetMode)

	RegisterCommand("get_stats", "oid=%c", cmdGetStats)

	RegisterResponse("servo_stepper_stats", "oid=%c error=%i max_time=%u")
}

// cmdConfigServoStepper handles config_servo_stepper.
// Format: oid=%c driver_oid=%c encoder_oid=%c vstepper_oid=%c full_steps_per_rotation=%u step_multiplier=%hi
func cmdConfigServoStepper(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	driverOID, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	encoderOID, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	vstepperOID, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	fullStepsPerRotation, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	stepMultiplier, err := protocol.DecodeVLQInt(data)
	if err != nil {
		return err
	}

	driver := GetPhaseDriver(uint8(driverOID))
	if driver == nil {
		return errors.New("config_servo_stepper: phase driver not configured")
	}

	encoder := GetEncoder(uint8(encoderOID))
	if encoder == nil {
		return errors.New("config_servo_stepper: encoder not configured")
	}

	vstepper := GetVirtualStepper(uint8(vstepperOID))
	if vstepper == nil {
		return errors.New("config_servo_stepper: virtual stepper not configured")
	}

	s, err := NewServoStepper(uint8(oid), driver, encoder, vstepper, fullStepsPerRotation, stepMultiplier)
	if err != nil {
		return err
	}
	s.StartSampling()
	return nil
}

// cmdSetMode handles set_mode.
// Format: oid=%c mode=%c run_current_scale=%c flex=%hi Kp=%hi Ki=%hi Kd=%hi
func cmdSetMode(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	mode, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	runCurrentScale, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	flex, err := protocol.DecodeVLQInt(data)
	if err != nil {
		return err
	}

	kp, err := protocol.DecodeVLQInt(data)
	if err != nil {
		return err
	}

	ki, err := protocol.DecodeVLQInt(data)
	if err != nil {
		return err
	}

	kd, err := protocol.DecodeVLQInt(data)
	if err != nil {
		return err
	}

	s := GetServoStepper(uint8(oid))
	if s == nil {
		return nil // silently ignore, matches endstop.go's unknown-oid convention
	}

	s.SetMode(uint8(mode), uint8(runCurrentScale), int16(flex), int16(kp), int16(ki), int16(kd))
	return nil
}

// cmdGetStats handles get_stats.
// Format: oid=%c
func cmdGetStats(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	s := GetServoStepper(uint8(oid))
	if s == nil {
		return nil
	}

	stats := s.GetStats()

	SendResponse("servo_stepper_stats", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, oid)
		protocol.EncodeVLQInt(output, stats.Error)
		protocol.EncodeVLQUint(output, stats.MaxLoopTime)
	})

	return nil
}
