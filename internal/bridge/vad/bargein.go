package vad

import "math"

// BargeInDetector implements spec §4.5: a multi-factor detector that
// interrupts synthesized output when the caller speaks over it. Active
// whenever the Speech Session reports an agent response in progress.
type BargeInDetector struct {
	cfg Config

	candidateActive    bool
	candidateStartMs   int
	candidateMs         int
	releaseStreak       int
	lastTriggerAtMs     int
	haveLastTrigger     bool
	elapsedMs           int
}

// NewBargeInDetector constructs a detector with the given tunables.
func NewBargeInDetector(cfg Config) *BargeInDetector {
	return &BargeInDetector{cfg: cfg}
}

// Triggered is returned from Evaluate for each inbound frame.
type Triggered struct {
	Fired bool
}

// Evaluate inspects one inbound frame's RMS against the current noise floor
// while an agent burst of duration agentElapsedMs is in progress. responseActive
// must be true for any evaluation to occur; callers should not call Evaluate
// otherwise (the zero value is a no-op candidate state).
func (b *BargeInDetector) Evaluate(rms, noiseFloor float64, agentElapsedMs int, responseActive bool) Triggered {
	if !b.cfg.BargeInEnabled || !responseActive {
		b.resetCandidate()
		return Triggered{}
	}

	b.elapsedMs += b.cfg.FrameDurationMs

	// Hard lock window: no candidate accumulation, reset any partial candidate.
	if agentElapsedMs < b.cfg.BargeInLockMs {
		b.resetCandidate()
		return Triggered{}
	}

	effectiveThreshold := math.Max(noiseFloor+b.cfg.BargeInOffset, noiseFloor*b.cfg.BargeInRelativeFactor)
	snrDb := 0.0
	if noiseFloor > 0 {
		snrDb = 20 * math.Log10(rms/noiseFloor)
	} else if rms > 0 {
		snrDb = b.cfg.BargeInMinSNRDb // no usable floor yet: don't block on SNR
	}

	isCandidateFrame := rms >= effectiveThreshold &&
		rms >= b.cfg.BargeInAbsMinRMS &&
		snrDb >= b.cfg.BargeInMinSNRDb &&
		agentElapsedMs >= b.cfg.BargeInMinAgentMs &&
		b.cooldownElapsed()

	if isCandidateFrame {
		if !b.candidateActive {
			b.candidateActive = true
			b.candidateStartMs = b.elapsedMs
			b.candidateMs = 0
		}
		b.candidateMs += b.cfg.FrameDurationMs
		b.releaseStreak = 0
	} else if b.candidateActive {
		// Hysteresis release: RMS below 0.65x effective threshold for N frames clears it.
		if rms < 0.65*effectiveThreshold {
			b.releaseStreak++
			if b.releaseStreak >= b.cfg.BargeInReleaseFrames {
				b.resetCandidate()
			}
		} else {
			b.releaseStreak = 0
		}
	}

	if b.candidateActive && b.candidateMs >= b.cfg.BargeInMinUserMs {
		b.lastTriggerAtMs = b.elapsedMs
		b.haveLastTrigger = true
		b.resetCandidate()
		return Triggered{Fired: true}
	}

	return Triggered{}
}

func (b *BargeInDetector) cooldownElapsed() bool {
	if !b.haveLastTrigger {
		return true
	}
	return b.elapsedMs-b.lastTriggerAtMs >= b.cfg.BargeInCooldownMs
}

func (b *BargeInDetector) resetCandidate() {
	b.candidateActive = false
	b.candidateMs = 0
	b.releaseStreak = 0
}
