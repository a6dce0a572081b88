package core

import "testing"

// fakePhaseDriver records every SetPhase/Hold call so tests can assert on
// the actuation the control loop produced, mirroring how adc_test.go's
// mock ADC functions stand in for real hardware.
type fakePhaseDriver struct {
	enabled      bool
	lastPhase    uint32
	lastCurrent  uint8
	lastHoldCur  uint8
	setPhaseCall int
	holdCall     int
}

func (f *fakePhaseDriver) Enable() error  { f.enabled = true; return nil }
func (f *fakePhaseDriver) Disable() error { f.enabled = false; return nil }
func (f *fakePhaseDriver) Reset() error   { return nil }
func (f *fakePhaseDriver) Hold(cur uint8) error {
	f.holdCall++
	f.lastHoldCur = cur
	return nil
}
func (f *fakePhaseDriver) SetPhase(phase uint32, cur uint8) error {
	f.setPhaseCall++
	f.lastPhase = phase
	f.lastCurrent = cur
	return nil
}

// fakeEncoder returns whatever position is currently stored, letting a test
// script the encoder's trajectory sample by sample.
type fakeEncoder struct {
	position uint32
}

func (e *fakeEncoder) ReadPosition() (uint32, error) { return e.position, nil }

// newTestServo builds a fully wired ServoStepper with fake peripherals,
// bypassing NewServoStepper's OID registry side effects so tests can run in
// isolation without colliding with other tests' OIDs.
func newTestServo(fullSteps uint32, stepMultiplier int32) (*ServoStepper, *fakePhaseDriver, *fakeEncoder, *VirtualStepper) {
	driver := &fakePhaseDriver{}
	encoder := &fakeEncoder{}
	vstepper := &VirtualStepper{OID: 0}

	s := &ServoStepper{
		OID:      0,
		Driver:   driver,
		Encoder:  encoder,
		VStepper: vstepper,
		Mode:     ModeDisabled,
		Config: servoConfig{
			FullStepsPerRotation: fullSteps,
			StepMultiplier:       stepMultiplier,
		},
	}
	return s, driver, encoder, vstepper
}

// runInitAtFixedEncoder drives pid_init to completion with the encoder held
// at a fixed position, bypassing the pre-roll wait (tests set the clock far
// enough forward that initPrerollLeft resolves on the first sample).
func runInitAtFixedEncoder(s *ServoStepper, encoderPos uint32) {
	s.beginPIDInit()
	SetTime(s.initPrerollUntil)
	for s.Mode == ModePIDInit {
		s.updatePIDInit(encoderPos)
	}
}

func TestPositionToPhaseMonotonicAndBounded(t *testing.T) {
	const fullSteps = 200
	var prev uint32
	for p := uint32(0); p < 1000; p++ {
		phase := positionToPhase(p, fullSteps)
		if p > 0 {
			delta := int32(phase - prev)
			if delta < 0 {
				t.Fatalf("position_to_phase not monotonic at p=%d: prev=%d cur=%d", p, prev, phase)
			}
			maxStep := (fullSteps + 255) / 256
			if uint32(delta) > maxStep+1 {
				t.Fatalf("position_to_phase step too large at p=%d: delta=%d max=%d", p, delta, maxStep)
			}
		}
		prev = phase
	}
}

func TestWrapPhaseDeltaAbsorbsRevolutionCrossing(t *testing.T) {
	// Phase near the top of the 24-bit space followed by phase near zero:
	// the raw difference is huge, but wrapPhaseDelta must fold it back to a
	// small true delta (P5).
	raw := int32(10) - int32(PhaseBias-10)
	corrected := wrapPhaseDelta(raw)
	if absI32(corrected) >= 100 {
		t.Fatalf("expected wrapped delta to be small, got %d", corrected)
	}
}

func TestSetModeUnknownModeShutsDown(t *testing.T) {
	ResetFirmwareState()
	s, driver, _, _ := newTestServo(200, 256)
	driver.Enable()

	s.SetMode(255, 128, 0, 0, 0, 0)

	if !IsShutdown() {
		t.Fatal("expected shutdown on unknown mode code")
	}
}

func TestSetModeIllegalHybridTransitionShutsDown(t *testing.T) {
	ResetFirmwareState()
	s, driver, _, _ := newTestServo(200, 256)
	s.SetMode(CmdModeTorque, 128, 0, 0, 0, 0)
	driver.setPhaseCall = 0

	s.SetMode(CmdModeHybridPID, 128, 0, 1024, 0, 0)

	if !IsShutdown() {
		t.Fatal("expected shutdown when entering hybrid_pid from torque")
	}
	if s.Mode != ModeTorque {
		t.Fatalf("mode should remain torque after rejected transition, got %v", s.Mode)
	}
}

func TestSetModeOpenLoopToHybridEntersPIDInit(t *testing.T) {
	ResetFirmwareState()
	s, _, _, _ := newTestServo(200, 256)
	s.SetMode(CmdModeOpenLoop, 128, 0, 0, 0, 0)

	s.SetMode(CmdModeHybridPID, 128, 0, 1024, 0, 0)

	if IsShutdown() {
		t.Fatal("did not expect shutdown on open_loop -> hybrid_pid")
	}
	if s.Mode != ModePIDInit {
		t.Fatalf("expected mode pid_init immediately after transition, got %v", s.Mode)
	}
}

func TestPIDInitVarianceFaultShutsDown(t *testing.T) {
	ResetFirmwareState()
	s, _, _, _ := newTestServo(200, 256)
	s.Config.HoldCurrentScale = 10
	s.beginPIDInit()
	SetTime(s.initPrerollUntil)

	samples := []uint32{1000, 1001, 1002, 100000}
	for _, p := range samples {
		s.updatePIDInit(p)
		if IsShutdown() {
			break
		}
	}

	if !IsShutdown() {
		t.Fatal("expected fatal shutdown from encoder variance during pid_init")
	}
}

func TestPIDInitSucceedsAndTransitionsToHybrid(t *testing.T) {
	ResetFirmwareState()
	s, _, _, _ := newTestServo(200, 256)
	runInitAtFixedEncoder(s, 10000)

	if IsShutdown() {
		t.Fatal("did not expect shutdown from stable encoder samples")
	}
	if s.Mode != ModeHybridPID {
		t.Fatalf("expected mode hybrid_pid after init, got %v", s.Mode)
	}
	if s.PID.LastPhase != 0 || s.PID.LastStpPos != 0 || s.PID.Integral != 0 || s.PID.Error != 0 {
		t.Fatalf("expected PID accumulators cleared after init, got %+v", s.PID)
	}
}

// TestTrackingStepHoldsNonNegativeError covers spec.md §8 scenario 1: with
// Kp only, a fixed encoder and a virtual stepper parked at 0, error should
// not go negative and the integral (Ki=0) must stay at zero.
func TestTrackingStepHoldsNonNegativeError(t *testing.T) {
	ResetFirmwareState()
	s, _, encoder, vstepper := newTestServo(200, 256)
	s.PID.Kp = 1024
	vstepper.SetPosition(0)
	encoder.position = 10000
	runInitAtFixedEncoder(s, 10000)

	now := GetTime()
	for i := 0; i < 10; i++ {
		now += sampleIntervalTicks
		SetTime(now)
		s.updateHybridPID(10000)
	}

	if s.PID.Error < 0 {
		t.Fatalf("expected error to remain >= 0, got %d", s.PID.Error)
	}
	if s.PID.Integral != 0 {
		t.Fatalf("expected integral to remain 0 with Ki=0, got %d", s.PID.Integral)
	}
}

// TestIntegralWindupClamp covers scenario 2: a sustained error of +500 phase
// units for 1000 samples must saturate the integral at exactly FullStep (P1).
func TestIntegralWindupClamp(t *testing.T) {
	ResetFirmwareState()
	// step_multiplier=1 keeps the cumulative commanded phase well under the
	// 2^24 wrap point across 1000 samples, so d_stp needs no wrap correction
	// (only d_phase does) and the test isolates the integral-clamp behavior.
	s, _, _, vstepper := newTestServo(200, 1)
	s.PID.Ki = 1024
	runInitAtFixedEncoder(s, 0)

	now := GetTime()
	for i := 0; i < 1000; i++ {
		now += sampleIntervalTicks
		SetTime(now)
		vstepper.SetPosition(uint32(int32(vstepper.GetPosition()) + 500))
		s.updateHybridPID(0)

		if absI32(s.PID.Integral) > FullStep {
			t.Fatalf("integral exceeded FullStep bound mid-run at sample %d: %d", i, s.PID.Integral)
		}
	}

	if absI32(s.PID.Integral) != FullStep {
		t.Fatalf("expected integral saturated at FullStep=%d, got %d", FullStep, s.PID.Integral)
	}
}

// TestDerivativeKickRejection covers scenario 3: a one-sample step in the
// commanded position must not push the clamped control output past FullStep
// even with a large Kd (P2).
func TestDerivativeKickRejection(t *testing.T) {
	ResetFirmwareState()
	s, driver, _, vstepper := newTestServo(200, 256)
	s.PID.Kd = 1024
	runInitAtFixedEncoder(s, 0)

	now := GetTime() + sampleIntervalTicks
	SetTime(now)
	vstepper.SetPosition(10000)
	s.updateHybridPID(0)

	// Reconstruct co from the actuation: when |error| > 128 the driver was
	// commanded phase + co, so co is recoverable from the phase delta.
	phase := positionToPhase(0, s.Config.FullStepsPerRotation) - s.PID.PhaseOffset
	co := int32(driver.lastPhase) - int32(phase)
	if absI32(co) > FullStep {
		t.Fatalf("expected |co| <= FullStep=%d, got %d", FullStep, co)
	}
}

// TestWrapBoundaryKeepsDeltaSmall covers scenario 4: feeding an encoder
// position near the top of the 24-bit phase space followed by one near zero
// must not appear to the controller as a near-full-revolution jump — the
// velocity-error accumulator must track only the true (small) motion, not
// the raw (huge) one.
func TestWrapBoundaryKeepsDeltaSmall(t *testing.T) {
	ResetFirmwareState()
	// full_steps_per_rotation=256 makes position_to_phase the identity
	// (mod 2^24), so the phase arithmetic below is easy to hand-check.
	s, _, _, vstepper := newTestServo(256, 1)
	runInitAtFixedEncoder(s, 0)
	vstepper.SetPosition(0)

	now := GetTime()
	now += sampleIntervalTicks
	SetTime(now)
	s.updateHybridPID(uint32((1 << 24) - 10)) // phase near the top of the wrap space

	now += sampleIntervalTicks
	SetTime(now)
	s.updateHybridPID(10) // phase near zero: wrapped around from the top

	if absI32(s.PID.Error) >= 100 {
		t.Fatalf("expected wrap-corrected error to stay small, got %d", s.PID.Error)
	}
}

// TestHybridShortcutFollowsCommandWhenErrorSmall covers scenario 5 and P6:
// with zero command delta and the accumulated error inside the dead band,
// every actuation must command next_phase = stp verbatim, at hold current.
func TestHybridShortcutFollowsCommandWhenErrorSmall(t *testing.T) {
	ResetFirmwareState()
	s, driver, encoder, vstepper := newTestServo(200, 256)
	s.Config.RunCurrentScale = 200
	s.Config.HoldCurrentScale = 50
	vstepper.SetPosition(0)
	runInitAtFixedEncoder(s, 5000)

	now := GetTime()
	for i := 0; i < 20; i++ {
		now += sampleIntervalTicks
		SetTime(now)
		// encoder jitters within +/-100 counts but command stays put.
		encoder.position = 5000 + uint32(i%3)*10
		s.updateHybridPID(encoder.position)

		if absI32(s.PID.Error) > 128 {
			continue // outside the dead band for this sample; shortcut doesn't apply
		}
		stp := uint32(int32(vstepper.GetPosition())*s.Config.StepMultiplier) & PhaseMask
		if driver.lastPhase != stp {
			t.Fatalf("sample %d: expected shortcut next_phase=%d, got %d", i, stp, driver.lastPhase)
		}
	}
}

// TestCurrentScaleStaysWithinRunHoldRange covers P3: whenever run >= hold,
// the emitted current must never fall outside [hold, run].
func TestCurrentScaleStaysWithinRunHoldRange(t *testing.T) {
	ResetFirmwareState()
	s, driver, _, vstepper := newTestServo(200, 256)
	s.Config.RunCurrentScale = 180
	s.Config.HoldCurrentScale = 40
	s.PID.Kp = 2000
	runInitAtFixedEncoder(s, 0)

	now := GetTime()
	for i := 0; i < 50; i++ {
		now += sampleIntervalTicks
		SetTime(now)
		vstepper.SetPosition(uint32(int32(vstepper.GetPosition()) + 37))
		s.updateHybridPID(0)

		if driver.lastCurrent < s.Config.HoldCurrentScale || driver.lastCurrent > s.Config.RunCurrentScale {
			t.Fatalf("sample %d: current %d outside [%d,%d]", i, driver.lastCurrent, s.Config.HoldCurrentScale, s.Config.RunCurrentScale)
		}
	}
}

func TestGetStatsReadsUnderCriticalSection(t *testing.T) {
	ResetFirmwareState()
	s, _, _, _ := newTestServo(200, 256)
	s.PID.Error = -42
	s.MaxLoopTime = 777

	stats := s.GetStats()
	if stats.Error != -42 {
		t.Errorf("expected error -42, got %d", stats.Error)
	}
	if stats.MaxLoopTime != 777 {
		t.Errorf("expected max_loop_time 777, got %d", stats.MaxLoopTime)
	}
}

func TestUpdateDisabledIsNoop(t *testing.T) {
	s, driver, _, _ := newTestServo(200, 256)
	s.Mode = ModeDisabled

	s.Update(12345)

	if driver.setPhaseCall != 0 {
		t.Fatalf("expected no actuation while disabled, got %d calls", driver.setPhaseCall)
	}
}

func TestUpdateTorqueAppliesExciteAngle(t *testing.T) {
	s, driver, _, _ := newTestServo(200, 256)
	s.Mode = ModeTorque
	s.Config.RunCurrentScale = 90
	s.Config.ExciteAngle = 64

	s.Update(1000)

	want := (positionToPhase(1000, 200) + 64) & PhaseMask
	if driver.lastPhase != want {
		t.Fatalf("expected torque phase %d, got %d", want, driver.lastPhase)
	}
	if driver.lastCurrent != 90 {
		t.Fatalf("expected run current 90, got %d", driver.lastCurrent)
	}
}

func TestUpdateOpenLoopFollowsVirtualStepper(t *testing.T) {
	s, driver, _, vstepper := newTestServo(200, 256)
	s.Mode = ModeOpenLoop
	s.Config.RunCurrentScale = 77
	vstepper.SetPosition(3)

	s.Update(0)

	want := uint32(int32(3)*256) & PhaseMask
	if driver.lastPhase != want {
		t.Fatalf("expected open_loop phase %d, got %d", want, driver.lastPhase)
	}
}
