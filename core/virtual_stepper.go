package core

import (
	"servostepper/protocol"
)

// MaxServoSteppers bounds the OID-indexed registries the servo subsystem
// keeps (servo steppers, virtual steppers, phase drivers, encoders), the same
// way stepperCount is bounded against the 16-slot steppers array in
// core/stepper.go.
const MaxServoSteppers = 16

// VirtualStepper is the monotonic commanded-position counter spec.md treats
// as a separate upstream module: something (a motion planner, or a host
// command during bring-up) advances it, and the servo loop reads it each
// sample the way Klipper's trapq integration feeds a real stepper.
type VirtualStepper struct {
	OID      uint8
	Position uint32
}

var (
	virtualSteppers     [MaxServoSteppers]*VirtualStepper
	virtualStepperCount uint8
)

// NewVirtualStepper registers a new virtual stepper under oid.
func NewVirtualStepper(oid uint8) *VirtualStepper {
	vs := &VirtualStepper{OID: oid}
	if int(oid) < len(virtualSteppers) {
		virtualSteppers[oid] = vs
		if oid >= virtualStepperCount {
			virtualStepperCount = oid + 1
		}
	}
	return vs
}

// GetVirtualStepper returns the virtual stepper registered under oid, or nil.
func GetVirtualStepper(oid uint8) *VirtualStepper {
	if int(oid) >= len(virtualSteppers) {
		return nil
	}
	return virtualSteppers[oid]
}

// GetPosition returns the current commanded position.
func (v *VirtualStepper) GetPosition() uint32 {
	state := disableInterrupts()
	pos := v.Position
	restoreInterrupts(state)
	return pos
}

// SetPosition overwrites the commanded position.
func (v *VirtualStepper) SetPosition(pos uint32) {
	state := disableInterrupts()
	v.Position = pos
	restoreInterrupts(state)
}

// InitVirtualStepperCommands registers the virtual stepper command set.
func InitVirtualStepperCommands() {
	RegisterCommand("config_virtual_stepper", "oid=%c", cmdConfigVirtualStepper)
	RegisterCommand("set_virtual_stepper_position", "oid=%c pos=%i", cmdSetVirtualStepperPosition)
}

// cmdConfigVirtualStepper handles config_virtual_stepper.
// Format: oid=%c
func cmdConfigVirtualStepper(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	NewVirtualStepper(uint8(oid))
	return nil
}

// cmdSetVirtualStepperPosition handles set_virtual_stepper_position.
// Format: oid=%c pos=%i
func cmdSetVirtualStepperPosition(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	pos, err := protocol.DecodeVLQInt(data)
	if err != nil {
		return err
	}

	vs := GetVirtualStepper(uint8(oid))
	if vs == nil {
		return nil // silently ignore, matches endstop.go's unknown-oid convention
	}

	vs.SetPosition(uint32(pos))
	return nil
}
