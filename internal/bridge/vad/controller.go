package vad

import "math"

// Controller implements the adaptive RMS VAD and commit state machine
// described in spec §4.4. One Controller is owned per call by the Speech
// Session; not safe for concurrent use.
type Controller struct {
	cfg Config

	state State
	noise *noiseFloorEstimator

	acc Accumulator

	// bootstrap tracking.
	elapsedSinceFirstFrameMs int
	firstFrameSeen           bool
	seekingFirstSpeech       bool
	currentBootstrapOffset   float64
	lastDecayAtMs            int

	// silence tracking, post-speech.
	speechDetectedThisTurn bool
	trailingSilenceMs      int

	// low-speech block tracking.
	lowSpeechBlockCount  int
	lowSpeechEscalations int

	// commit-empty adaptation.
	adaptiveExtraMs     int
	commitCooldownLeft  int
	firstCommitLatencyMs int
	firstFrameAppendedMs int
	haveFirstCommit      bool

	// hasEverSeenSpeech gates the no_speech_timeout trigger: it only applies
	// once the call has produced at least one speech frame at some point, so
	// the initial silence before a caller's first utterance doesn't rack up
	// empty commits every no_speech_commit_ms window.
	hasEverSeenSpeech bool
}

// NewController constructs a Controller with the given tunables.
func NewController(cfg Config) *Controller {
	return &Controller{
		cfg:                    cfg,
		state:                  StateIdle,
		noise:                  newNoiseFloorEstimator(),
		seekingFirstSpeech:     true,
		currentBootstrapOffset: cfg.BootstrapOffset,
	}
}

// State returns the current commit state.
func (c *Controller) State() State { return c.state }

// Accumulator returns a copy of the current per-turn accumulator.
func (c *Controller) Accumulator() Accumulator { return c.acc }

// NoiseFloor returns the current rolling noise-floor estimate, shared with
// the Barge-in Detector per spec §4.5.
func (c *Controller) NoiseFloor() float64 { return c.noise.Floor() }

// FirstCommitLatencyMs returns the time between the first appended frame and
// the first successful commit, or -1 if no commit has occurred yet.
func (c *Controller) FirstCommitLatencyMs() int {
	if !c.haveFirstCommit {
		return -1
	}
	return c.firstCommitLatencyMs
}

// dynamicThreshold computes clamp(noise_floor + offset, RMS_MIN, RMS_MAX),
// using the bootstrap offset while still seeking the first utterance.
func (c *Controller) dynamicThreshold() float64 {
	offset := c.cfg.RMSOffset
	if c.seekingFirstSpeech && c.elapsedSinceFirstFrameMs < c.cfg.BootstrapDurationMs {
		offset = c.currentBootstrapOffset
	}
	return clamp(c.noise.Floor()+offset, c.cfg.RMSMin, c.cfg.RMSMax)
}

// decayBootstrapOffset decays the bootstrap offset by DecayStep every
// DecayIntervalMs while still seeking first speech, down to DecayMin.
func (c *Controller) decayBootstrapOffset() {
	if !c.seekingFirstSpeech {
		return
	}
	for c.elapsedSinceFirstFrameMs-c.lastDecayAtMs >= c.cfg.DecayIntervalMs {
		c.lastDecayAtMs += c.cfg.DecayIntervalMs
		c.currentBootstrapOffset -= c.cfg.DecayStep
		if c.currentBootstrapOffset < c.cfg.DecayMin {
			c.currentBootstrapOffset = c.cfg.DecayMin
		}
	}
}

// minSpeechFramesForCommit returns the active gate threshold: a lower value
// during bootstrap.
func (c *Controller) minSpeechFramesForCommit() int {
	if c.seekingFirstSpeech && c.elapsedSinceFirstFrameMs < c.cfg.BootstrapDurationMs {
		return c.cfg.BootstrapMinSpeechFrame
	}
	return c.cfg.MinSpeechFramesForCommit
}

// ProcessFrame evaluates one inbound 20ms frame already resampled to the
// speech service's input rate. frameBytes is the frame's byte length (for
// accounting); rms is its precomputed RMS.
func (c *Controller) ProcessFrame(frameBytes int, rms float64) Decision {
	if c.state == StateIdle {
		c.state = StateAccumulating
	}
	if !c.firstFrameSeen {
		c.firstFrameSeen = true
	}
	c.elapsedSinceFirstFrameMs += c.cfg.FrameDurationMs
	c.decayBootstrapOffset()

	threshold := c.dynamicThreshold()
	isSpeech := rms >= threshold
	c.noise.Admit(rms, threshold)

	if c.commitCooldownLeft > 0 {
		c.commitCooldownLeft--
	}

	if c.state == StateCommitSent {
		// Frames arriving while awaiting ack are staged by the caller, not
		// appended here; still report classification for diagnostics.
		return Decision{IsSpeech: isSpeech, DynamicThreshold: threshold}
	}

	if isSpeech {
		if !c.haveFirstCommit && c.acc.Frames == 0 {
			c.firstFrameAppendedMs = c.elapsedSinceFirstFrameMs
		}
		c.speechDetectedThisTurn = true
		c.seekingFirstSpeech = false
		c.hasEverSeenSpeech = true
		c.trailingSilenceMs = 0
	} else if c.speechDetectedThisTurn {
		c.trailingSilenceMs += c.cfg.FrameDurationMs
	}

	if c.acc.Frames == 0 && !c.haveFirstCommit {
		c.firstFrameAppendedMs = c.elapsedSinceFirstFrameMs
	}

	c.acc.addFrame(frameBytes, c.cfg.FrameDurationMs, rms, isSpeech)

	trigger, forceCommit := c.evaluateTriggers()
	if trigger == TriggerNone {
		return Decision{IsSpeech: isSpeech, DynamicThreshold: threshold}
	}

	decision, commitNow := c.applyGates(trigger, forceCommit)
	decision.IsSpeech = isSpeech
	decision.DynamicThreshold = threshold
	if commitNow {
		c.doCommit(decision.Trigger)
	}
	return decision
}

// evaluateTriggers checks, in priority order, whether a commit trigger
// condition is met. forceCommit is true only for the escalation path, which
// bypasses the minimum-speech-frames gate entirely.
func (c *Controller) evaluateTriggers() (Trigger, bool) {
	if c.commitCooldownLeft > 0 {
		return TriggerNone, false
	}

	// Escalation: 3 consecutive low-speech blocks once the buffer has reached
	// max_buffer_ms forces a commit outright, ahead of the ordinary
	// max-buffer-safety check (which would otherwise discard a speechless
	// buffer instead of committing it).
	if c.lowSpeechBlockCount >= c.cfg.LowSpeechBlockEscalte && c.acc.ElapsedMs >= c.cfg.MaxBufferMs {
		return TriggerLowSpeechEscalation, true
	}

	// (A) Max-buffer safety.
	if c.acc.ElapsedMs >= c.cfg.MaxBufferMs {
		if c.acc.SpeechFrames > 0 {
			return TriggerMaxBufferSafety, false
		}
		// No speech at all: discard and continue, per spec §4.4 step 6(A).
		c.acc.reset()
		c.trailingSilenceMs = 0
		return TriggerNone, false
	}

	// (A2) No-speech timeout, extended by any adaptive threshold raised by a
	// prior commit_empty error.
	effectiveNoSpeechMs := c.cfg.NoSpeechCommitMs + c.adaptiveExtraMs
	if c.acc.ElapsedMs >= effectiveNoSpeechMs && c.hasEverSeenSpeech &&
		(c.acc.SpeechFrames == 0 || c.lowSpeechBlockCount >= c.cfg.LowSpeechBlockEscalte) {
		return TriggerNoSpeechTimeout, false
	}

	// (B) Silence-after-speech.
	if c.speechDetectedThisTurn && c.trailingSilenceMs >= c.cfg.SilenceCommitMs {
		return TriggerSilenceAfterSpeech, false
	}

	return TriggerNone, false
}

// applyGates applies the minimum-speech-frames gate, the minimum-user-speech
// gate (silence_after_speech only), and the universal no-speech guard.
func (c *Controller) applyGates(trigger Trigger, forceCommit bool) (Decision, bool) {
	// The escalation path bypasses every gate below: it is itself the
	// terminal "stop blocking, commit now" decision.
	if forceCommit {
		c.lowSpeechEscalations++
		c.lowSpeechBlockCount = 0
		return Decision{Commit: true, Trigger: TriggerLowSpeechEscalation}, true
	}

	// Minimum speech frames gate. max_buffer_safety is exempt, and so is a
	// no_speech_timeout on a buffer with zero speech frames: the universal
	// no-speech guard below permits both to commit without speech, so gating
	// them here would make that guard's exception for them unreachable. A
	// no_speech_timeout on a buffer holding some speech is gated like the
	// other triggers, so its blocks count toward the low-speech escalation.
	if trigger != TriggerMaxBufferSafety &&
		!(trigger == TriggerNoSpeechTimeout && c.acc.SpeechFrames == 0) {
		if c.acc.SpeechFrames < c.minSpeechFramesForCommit() {
			c.lowSpeechBlockCount++
			return Decision{Blocked: true, BlockReason: "min_speech_frames"}, false
		}
	}

	// Minimum user speech duration gate: silence_after_speech only.
	if trigger == TriggerSilenceAfterSpeech {
		userSpeechMs := c.acc.SpeechFrames * c.cfg.FrameDurationMs
		if userSpeechMs < c.cfg.CommitMinUserMs {
			c.trailingSilenceMs = 0
			return Decision{Blocked: true, BlockReason: "commit_min_user_ms"}, false
		}
	}

	// Universal no-speech guard.
	if c.acc.SpeechFrames == 0 {
		switch trigger {
		case TriggerMaxBufferSafety, TriggerNoSpeechTimeout, TriggerLowSpeechEscalation:
			// allowed
		default:
			return Decision{Blocked: true, BlockReason: "universal_no_speech_guard"}, false
		}
	}

	return Decision{Commit: true, Trigger: trigger}, true
}

// doCommit transitions into COMMIT_SENT and resets per-turn state. Called
// only after gating has approved the commit.
func (c *Controller) doCommit(trigger Trigger) {
	if !c.haveFirstCommit {
		c.firstCommitLatencyMs = c.elapsedSinceFirstFrameMs - c.firstFrameAppendedMs
		c.haveFirstCommit = true
	}
	_ = trigger
	c.state = StateCommitSent
	c.acc.reset()
	c.trailingSilenceMs = 0
	c.speechDetectedThisTurn = false
	c.lowSpeechBlockCount = 0
}

// TryBargeInCommit issues an immediate commit with TriggerBargeIn if the
// accumulator already holds at least MinSpeechFramesForCommit frames, per
// spec §4.5's barge-in trigger effects. Returns ok=false if the gate is not
// met (no commit is issued).
func (c *Controller) TryBargeInCommit() (Decision, bool) {
	if c.state == StateCommitSent {
		return Decision{}, false
	}
	if c.acc.SpeechFrames < c.cfg.MinSpeechFramesForCommit {
		return Decision{}, false
	}
	c.doCommit(TriggerBargeIn)
	return Decision{Commit: true, Trigger: TriggerBargeIn}, true
}

// AckCommitted transitions COMMIT_SENT back to ACCUMULATING on a successful
// `committed` event.
func (c *Controller) AckCommitted() {
	c.state = StateAccumulating
}

// AckCommitEmpty handles a `commit_empty` error: raises the adaptive minimum
// buffer time by one frame duration (capped), applies a cooldown, and moves
// to StateErrorBackoff (which accumulates like ACCUMULATING while the
// cooldown runs) without escalating.
func (c *Controller) AckCommitEmpty() {
	c.adaptiveExtraMs += c.cfg.FrameDurationMs
	if c.adaptiveExtraMs > c.cfg.AdaptiveMinMsCap {
		c.adaptiveExtraMs = c.cfg.AdaptiveMinMsCap
	}
	c.commitCooldownLeft = c.cfg.CommitEmptyCooldown
	c.state = StateErrorBackoff
}

// RMS computes the root-mean-square of a little-endian int16 PCM mono frame.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sumSq float64
	for i := 0; i < n; i++ {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		f := float64(s)
		sumSq += f * f
	}
	return math.Sqrt(sumSq / float64(n))
}
