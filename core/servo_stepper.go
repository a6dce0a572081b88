package core

// ServoStepper implements a closed-loop hybrid PID servo axis: a two-phase
// stepper driven through a PhaseDriver, position-corrected against an
// Encoder, running entirely from the scheduler's timer tick (Update is the
// ISR-context entry point, called exactly like stepperEventHandler and
// endstopEvent are).
//
// Fixed-point constants, matching spec.md's phase-space arithmetic.
const (
	FullStep        = 256     // phase units per full mechanical step
	PhaseBias       = 1 << 24 // wrap bias for the 24-bit phase space
	PhaseMask       = PhaseBias - 1
	PhaseMax        = 51200 // wrap-correction threshold for phase deltas
	PIDScaleDivisor = 1024  // fixed-point divisor for the PID control output
	initSampleCount = 16    // number of samples averaged during pid_init
)

// Mode is the servo's runtime state. pid_init is never requested directly by
// the host; it's an internal waypoint entered while transitioning into
// hybrid_pid and left automatically once initialization completes.
type Mode uint8

const (
	ModeDisabled Mode = iota
	ModeOpenLoop
	ModeTorque
	ModePIDInit
	ModeHybridPID
)

// Command-level mode codes accepted by set_mode. These overlap the first
// three Mode values by construction; CmdModeHybridPID requests hybrid_pid but
// always routes through ModePIDInit first.
const (
	CmdModeDisabled  uint8 = 0
	CmdModeOpenLoop  uint8 = 1
	CmdModeTorque    uint8 = 2
	CmdModeHybridPID uint8 = 3
)

// pidState holds the hybrid PID's running accumulators, all integer, none of
// it cleared except across a pid_init transition.
type pidState struct {
	Kp, Ki, Kd    int16
	Integral      int32
	Error         int32
	PhaseOffset   uint32
	LastPhase     uint32
	LastStpPos    uint32
	LastSampleTime uint32
}

// servoConfig holds the per-axis configuration set by config_servo_stepper
// and set_mode.
type servoConfig struct {
	FullStepsPerRotation uint32
	StepMultiplier       int32
	RunCurrentScale      uint8
	HoldCurrentScale     uint8
	ExciteAngle          int32
}

// ServoStepper is one closed-loop axis.
type ServoStepper struct {
	OID      uint8
	Driver   PhaseDriver
	Encoder  Encoder
	VStepper *VirtualStepper

	Mode   Mode
	Config servoConfig
	PID    pidState

	MaxLoopTime uint32

	Timer          Timer
	SampleInterval uint32

	initCount        uint16
	initMean         int64
	initPrerollUntil uint32
	initPrerollLeft  bool
}

var (
	servoSteppers     [MaxServoSteppers]*ServoStepper
	servoStepperCount uint8
)

// NewServoStepper constructs and registers a servo axis under oid.
func NewServoStepper(oid uint8, driver PhaseDriver, encoder Encoder, vstepper *VirtualStepper, fullStepsPerRotation uint32, stepMultiplier int32) (*ServoStepper, error) {
	s := &ServoStepper{
		OID:      oid,
		Driver:   driver,
		Encoder:  encoder,
		VStepper: vstepper,
		Mode:     ModeDisabled,
		Config: servoConfig{
			FullStepsPerRotation: fullStepsPerRotation,
			StepMultiplier:       stepMultiplier,
		},
		SampleInterval: sampleIntervalTicks,
	}

	if int(oid) < len(servoSteppers) {
		servoSteppers[oid] = s
		if oid >= servoStepperCount {
			servoStepperCount = oid + 1
		}
	}

	DebugPrintln("[SERVO] configured oid=" + utoa(uint32(oid)))
	RecordTiming(EvtServoInit, oid, GetTime(), fullStepsPerRotation, uint32(stepMultiplier))

	return s, nil
}

// GetServoStepper returns the axis registered under oid, or nil.
func GetServoStepper(oid uint8) *ServoStepper {
	if int(oid) >= len(servoSteppers) {
		return nil
	}
	return servoSteppers[oid]
}

// positionToPhase maps a raw position to the 24-bit phase space:
// phase = (full_steps_per_rotation * position + 128) / 256, mod 2^24.
// The multiply widens to 64 bits before the divide-round-nearest so large
// full_steps_per_rotation values never overflow 32 bits (Open Question d).
func positionToPhase(position uint32, fullStepsPerRotation uint32) uint32 {
	product := uint64(fullStepsPerRotation)*uint64(position) + 128
	phase := product / 256
	return uint32(phase & PhaseMask)
}

func clampI32(v, lo, hi int32) int32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampI64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func absI32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

// wrapPhaseDelta corrects a raw phase difference for the 24-bit wrap point:
// a revolution crossing produces a huge raw delta that this folds back into
// the small true delta (P5).
func wrapPhaseDelta(raw int32) int32 {
	switch {
	case raw > PhaseMax:
		return raw - PhaseBias
	case raw < -PhaseMax:
		return raw + PhaseBias
	default:
		return raw
	}
}

// Update is the ISR-context entry point: one call per scheduler tick,
// dispatched on the axis's current mode. rawEncoderPosition is the latest
// sample from the configured Encoder.
func (s *ServoStepper) Update(rawEncoderPosition uint32) {
	switch s.Mode {
	case ModeDisabled:
		return
	case ModeOpenLoop:
		s.updateOpenLoop()
	case ModeTorque:
		s.updateTorque(rawEncoderPosition)
	case ModePIDInit:
		s.updatePIDInit(rawEncoderPosition)
	case ModeHybridPID:
		s.updateHybridPID(rawEncoderPosition)
	default:
		// mode is only ever written by SetMode, which validates it; an
		// unrecognized value here is a no-op rather than a fault.
	}
}

func (s *ServoStepper) updateOpenLoop() {
	pos := s.VStepper.GetPosition()
	phase := uint32(int32(pos)*s.Config.StepMultiplier) & PhaseMask
	s.Driver.SetPhase(phase, s.Config.RunCurrentScale)
}

func (s *ServoStepper) updateTorque(rawEncoderPosition uint32) {
	phase := positionToPhase(rawEncoderPosition, s.Config.FullStepsPerRotation)
	phase = (phase + uint32(s.Config.ExciteAngle)) & PhaseMask
	s.Driver.SetPhase(phase, s.Config.RunCurrentScale)
}

// updateHybridPID implements spec.md's 12-step algorithm: time-step clamp,
// phase read with wrap-corrected delta, velocity-error integration with
// clamped anti-windup, derivative-on-measurement, fixed-point control output,
// current scaling between hold/run, and the dead-band hybrid shortcut.
func (s *ServoStepper) updateHybridPID(rawEncoderPosition uint32) {
	startTime := GetTime()
	pid := &s.PID

	dtRaw := startTime - pid.LastSampleTime
	dt := dtRaw >> timeScaleShift
	if dt == 0 {
		dt = 1
	}

	stpRaw := s.VStepper.GetPosition()
	stp := uint32(int32(stpRaw)*s.Config.StepMultiplier) & PhaseMask

	phase := (positionToPhase(rawEncoderPosition, s.Config.FullStepsPerRotation) - pid.PhaseOffset) & PhaseMask

	dPhase := int32(phase - pid.LastPhase)
	switch {
	case dPhase > PhaseMax:
		dPhase -= PhaseBias
	case dPhase < -PhaseMax:
		dPhase += PhaseBias
	}

	dStp := int32(stp - pid.LastStpPos)

	pid.Error += dStp - dPhase
	clampedErr := clampI32(pid.Error, -FullStep, FullStep)

	pid.Integral += clampedErr * int32(dt)
	pid.Integral = clampI32(pid.Integral, -FullStep, FullStep)

	p := int64(pid.Kp) * int64(clampedErr)
	i := int64(pid.Ki) * int64(pid.Integral)
	d := int64(pid.Kd) * int64(dPhase) / int64(dt)

	co32 := clampI64((p+i-d)/PIDScaleDivisor, -FullStep, FullStep)
	co := int32(co32)

	absCo := absI32(co)
	curRange := int32(s.Config.RunCurrentScale) - int32(s.Config.HoldCurrentScale)
	current := uint8((absCo*curRange)/FullStep + int32(s.Config.HoldCurrentScale))

	var nextPhase uint32
	if absI32(pid.Error) > 128 {
		nextPhase = uint32(int32(phase)+co) & PhaseMask
	} else {
		// dead-band shortcut: command the phase that corresponds directly to
		// the virtual stepper's own position instead of the PID output.
		nextPhase = stp
	}

	s.Driver.SetPhase(nextPhase, current)

	pid.LastPhase = phase
	pid.LastStpPos = stp
	pid.LastSampleTime = startTime

	elapsed := GetTime() - startTime
	if elapsed > s.MaxLoopTime {
		s.MaxLoopTime = elapsed
	}
}

// beginPIDInit resets the averaging state and arms the pre-roll hold.
func (s *ServoStepper) beginPIDInit() {
	s.initCount = 0
	s.initMean = 0
	s.Driver.Hold(s.Config.HoldCurrentScale)
	s.initPrerollUntil = GetTime() + pidInitPrerollTicks
	s.initPrerollLeft = true
	s.Mode = ModePIDInit

	DebugPrintln("[SERVO] pid_init start oid=" + utoa(uint32(s.OID)))
	RecordTiming(EvtServoInit, s.OID, GetTime(), 0, 0)
}

// updatePIDInit runs the averaging-variant calibration protocol (§4.4): hold
// for a pre-roll period, then average initSampleCount consecutive samples,
// rejecting any sample that strays more than one full step from the running
// mean. On success it derives phase_offset, clears the PID accumulators, and
// transitions to hybrid_pid.
func (s *ServoStepper) updatePIDInit(rawEncoderPosition uint32) {
	now := GetTime()

	if s.initPrerollLeft {
		if int32(now-s.initPrerollUntil) < 0 {
			s.Driver.Hold(s.Config.HoldCurrentScale)
			return
		}
		s.initPrerollLeft = false
		s.initCount = 0
		s.initMean = 0
	}

	pos := int64(rawEncoderPosition)
	s.initCount++

	if s.initCount == 1 {
		s.initMean = pos
	} else {
		diff := pos - s.initMean
		if diff > FullStep || diff < -FullStep {
			TryShutdown("Encoder variance too large")
			return
		}
		s.initMean += (pos - s.initMean) / int64(s.initCount)
	}

	if s.initCount >= initSampleCount {
		meanPos := uint32(s.initMean)
		pid := &s.PID
		pid.PhaseOffset = positionToPhase(meanPos, s.Config.FullStepsPerRotation)
		pid.LastPhase = 0
		pid.LastStpPos = 0
		pid.Integral = 0
		pid.Error = 0
		pid.LastSampleTime = GetTime()

		s.Mode = ModeHybridPID

		DebugPrintln("[SERVO] pid_init complete oid=" + utoa(uint32(s.OID)))
		RecordTiming(EvtServoModeChange, s.OID, GetTime(), uint32(ModeHybridPID), 0)
	}
}

// SetMode executes a host-requested mode transition under the same
// critical-section discipline endstop.go and stepper.go command handlers
// use: every field mutation happens with interrupts masked, and the mode
// field is written last so an ISR-context reader never observes a partially
// transitioned instance.
func (s *ServoStepper) SetMode(cmdMode uint8, runCurrentScale uint8, flex int16, kp, ki, kd int16) {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	switch cmdMode {
	case CmdModeDisabled:
		s.Config.RunCurrentScale = runCurrentScale
		s.Driver.Disable()
		s.Mode = ModeDisabled

	case CmdModeOpenLoop:
		s.Config.RunCurrentScale = runCurrentScale
		s.Config.HoldCurrentScale = uint8(flex)
		s.Driver.Enable()
		s.Driver.Reset()
		s.Mode = ModeOpenLoop

	case CmdModeTorque:
		s.Config.RunCurrentScale = runCurrentScale
		s.Config.ExciteAngle = int32(flex)
		s.Driver.Enable()
		s.Mode = ModeTorque

	case CmdModeHybridPID:
		if s.Mode != ModeOpenLoop && s.Mode != ModeDisabled {
			DebugPrintln("[SERVO] illegal transition oid=" + utoa(uint32(s.OID)))
			RecordTiming(EvtServoShutdown, s.OID, GetTime(), uint32(s.Mode), 0)
			TryShutdown("PID mode must transition from open-loop")
			return
		}
		s.Config.RunCurrentScale = runCurrentScale
		s.PID.Kp = kp
		s.PID.Ki = ki
		s.PID.Kd = kd
		s.Driver.Enable()
		s.beginPIDInit()

	default:
		DebugPrintln("[SERVO] unknown mode oid=" + utoa(uint32(s.OID)))
		RecordTiming(EvtServoShutdown, s.OID, GetTime(), uint32(cmdMode), 0)
		TryShutdown("Unknown Servo Mode")
	}
}

// StartSampling arms the periodic scheduler timer that reads the configured
// Encoder and calls Update once per sample, realizing the "periodic timer
// ISR" spec.md describes via the same Timer/ScheduleTimer machinery
// stepperEventHandler and endstopEvent already use.
func (s *ServoStepper) StartSampling() {
	s.Timer.WakeTime = GetTime() + s.SampleInterval
	s.Timer.Handler = s.sampleHandler
	ScheduleTimer(&s.Timer)
}

func (s *ServoStepper) sampleHandler(t *Timer) uint8 {
	if raw, err := s.Encoder.ReadPosition(); err == nil {
		s.Update(raw)
	}
	t.WakeTime += s.SampleInterval
	return SF_RESCHEDULE
}

// Stats is the snapshot returned by get_stats.
type Stats struct {
	Error       int32
	MaxLoopTime uint32
}

// GetStats reads error and max_loop_time under a critical section, exactly
// like endstop.go's handleEndstopQueryState reads Flags/NextWake.
func (s *ServoStepper) GetStats() Stats {
	state := disableInterrupts()
	stats := Stats{
		Error:       s.PID.Error,
		MaxLoopTime: s.MaxLoopTime,
	}
	restoreInterrupts(state)
	return stats
}
