//go:build tinygo

package core

// Wires the I2C subsystem into TryShutdown's platform-independent shutdown
// sweep (firmware_state.go), the same way adc_hal.go's ADCCancel is supplied
// by platform/build-specific code rather than called directly.
func init() {
	shutdownI2CHook = ShutdownAllI2C
}
