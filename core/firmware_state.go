package core

import (
	"servostepper/protocol"
	"sync/atomic"
)

// FirmwareState holds the global firmware state. It has no hardware
// dependency, so it (and everything hung off it below) builds under both
// tinygo and plain `go test`, unlike the command handlers in commands.go
// that touch real ADC/GPIO/I2C/SPI peripherals.
type FirmwareState struct {
	configCRC  uint32 // atomic
	isShutdown uint32 // atomic bool
	moveCount  uint16
}

var globalState = &FirmwareState{
	moveCount: 16, // Command queue size - minimum for Klipper
}

// shutdownI2CHook is wired to ShutdownAllI2C by an init() in a tinygo-only
// file, the same way adc_hal.go's ADCCancel is a platform-supplied function
// variable rather than a direct hardware call.
var shutdownI2CHook func()

// TryShutdown triggers a firmware shutdown with a reason message. Safety
// mechanisms across the whole core package call this directly (scheduler
// timing faults, endstop/servo fatal conditions), so it must not depend on
// any tinygo-only hardware package.
func TryShutdown(reason string) {
	atomic.StoreUint32(&globalState.isShutdown, 1)
	// Stop ADC sampling and other safety-critical activity.
	ShutdownAllAnalogIn()
	// Return all GPIO pins to default state.
	ShutdownAllDigitalOut()
	// Stop all I2C operations, if the platform has I2C support compiled in.
	if shutdownI2CHook != nil {
		shutdownI2CHook()
	}
	// TODO: send a shutdown message to the host with the reason string.
	_ = reason
}

// IsShutdown returns true if the firmware is in shutdown state.
func IsShutdown() bool {
	return atomic.LoadUint32(&globalState.isShutdown) != 0
}

// ResetFirmwareState resets the firmware state for reconnection. This is
// called when USB reconnects or firmware restart is requested.
func ResetFirmwareState() {
	atomic.StoreUint32(&globalState.configCRC, 0)
	atomic.StoreUint32(&globalState.isShutdown, 0)
	// moveCount is not reset - it's a firmware constant
}

// SendResponse sends a response message using the global transport.
func SendResponse(responseName string, args func(output protocol.OutputBuffer)) {
	if globalTransport != nil {
		cmd, ok := globalRegistry.GetCommandByName(responseName)
		if !ok {
			// Response not found - this is an error, all responses should be pre-registered
			panic("Response not registered: " + responseName)
		}

		globalTransport.SendCommand(cmd.ID, args)
	}
}

// GetCommandByName retrieves a command by name.
func (r *CommandRegistry) GetCommandByName(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.nameToID[name]
	if !ok {
		return nil, false
	}
	return r.commands[id], true
}

// Global transport for sending responses (set by main).
var globalTransport *protocol.Transport

// SetGlobalTransport sets the global transport for sending responses.
func SetGlobalTransport(transport *protocol.Transport) {
	globalTransport = transport
}

// Global reset handler (set by target-specific code).
var globalResetHandler func()

// resetPending is set when a reset command is received. The actual reset
// happens in the main loop after the ACK is sent.
var resetPending uint32 // atomic bool

// SetResetHandler sets the platform-specific reset handler.
func SetResetHandler(handler func()) {
	globalResetHandler = handler
}

// CheckPendingReset checks if a reset was requested and executes it. This
// should be called from the main loop after all pending messages are sent.
func CheckPendingReset() {
	if atomic.LoadUint32(&resetPending) != 0 {
		if globalResetHandler != nil {
			globalResetHandler()
			// Should never return - reset handler should reset the MCU
		}
	}
}
