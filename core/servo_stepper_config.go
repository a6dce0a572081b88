package core

// Platform sample-rate derivation for the hybrid PID loop (Open Question a).
// Rather than hard-coding TIME_SCALE_SHIFT, it's derived once from the
// configured tick frequency and nominal sample rate, the same way
// core/timer.go derives TimerFromUS/TimerToUS from TimerFreq instead of
// re-deriving tick/microsecond magic numbers ad hoc.
const (
	nominalSampleHz  = 6000   // nominal servo update cadence
	pidInitPrerollUS = 300000 // settle time before pid_init starts sampling
)

var (
	timeScaleShift      = timeScaleShiftFor(TimerFreq, nominalSampleHz)
	sampleIntervalTicks = TimerFreq / nominalSampleHz
	pidInitPrerollTicks = TimerFromUS(pidInitPrerollUS)
)

// timeScaleShiftFor returns the largest shift such that
// (tickFreq/sampleHz) >> shift is still at least 1, i.e. the shift that
// reduces one nominal sample interval down to a small integer scale factor
// for the PID's dt term.
func timeScaleShiftFor(tickFreq, sampleHz uint32) uint32 {
	ticksPerSample := tickFreq / sampleHz
	var shift uint32
	for (ticksPerSample >> (shift + 1)) >= 1 {
		shift++
	}
	return shift
}
