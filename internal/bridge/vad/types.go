// Package vad implements the adaptive RMS-based voice-activity detector,
// commit state machine, and barge-in detector that decide when accumulated
// caller audio is committed to the speech service as a turn, and when an
// in-progress synthesized response must be interrupted.
package vad

// State is the commit state machine's current phase.
type State int

const (
	// StateIdle is the pre-first-frame state.
	StateIdle State = iota
	// StateAccumulating is actively gathering frames toward a commit.
	StateAccumulating
	// StateCommitSent means a commit was sent and an ack is pending.
	StateCommitSent
	// StateErrorBackoff follows a commit_empty error; behaves like
	// StateAccumulating but under a cooldown on the next commit attempt.
	StateErrorBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateCommitSent:
		return "commit_sent"
	case StateErrorBackoff:
		return "error_backoff"
	default:
		return "unknown"
	}
}

// Trigger identifies why a commit was issued.
type Trigger int

const (
	// TriggerNone means no commit is being issued.
	TriggerNone Trigger = iota
	// TriggerMaxBufferSafety fires when elapsed time hits the safety ceiling.
	TriggerMaxBufferSafety
	// TriggerNoSpeechTimeout fires on a buffer with no speech after a short timeout.
	TriggerNoSpeechTimeout
	// TriggerSilenceAfterSpeech fires when trailing silence follows detected speech.
	TriggerSilenceAfterSpeech
	// TriggerLowSpeechEscalation fires after repeated low-speech blocks at max buffer.
	TriggerLowSpeechEscalation
	// TriggerBargeIn fires when the barge-in detector forces an immediate commit.
	TriggerBargeIn
)

func (t Trigger) String() string {
	switch t {
	case TriggerNone:
		return "none"
	case TriggerMaxBufferSafety:
		return "max_buffer_safety"
	case TriggerNoSpeechTimeout:
		return "no_speech_timeout"
	case TriggerSilenceAfterSpeech:
		return "silence_after_speech"
	case TriggerLowSpeechEscalation:
		return "low_speech_escalation"
	case TriggerBargeIn:
		return "barge_in"
	default:
		return "unknown"
	}
}

// Config holds every tunable named in spec §4.4/§4.5/§6. Defaults match the
// values enumerated in the spec (carried forward from the original preview
// client's environment-derived tunables).
type Config struct {
	FrameDurationMs int // 20

	// Dynamic threshold (steady state).
	RMSOffset float64 // dynamic_rms_offset, default 40
	RMSMin    float64 // default 30
	RMSMax    float64 // default 4000

	// Bootstrap window.
	BootstrapDurationMs     int     // default 2000
	BootstrapOffset         float64 // relaxed offset during bootstrap
	BootstrapMinSpeechFrame int     // default 3

	// Offset decay while still seeking first speech.
	DecayStep       float64 // default applied to BootstrapOffset
	DecayIntervalMs int
	DecayMin        float64

	// Commit triggers.
	MaxBufferMs      int // default 2000
	NoSpeechCommitMs int // default 600
	SilenceCommitMs  int // default 140

	// Commit gates.
	MinSpeechFramesForCommit int // default 5
	CommitMinUserMs          int // default 600

	// Commit-empty adaptation.
	AdaptiveMinMsCap      int // cap at 300ms additional threshold
	CommitEmptyCooldown   int // frames, default 8
	LowSpeechBlockEscalte int // default 3 consecutive blocks

	// Barge-in.
	BargeInEnabled        bool
	BargeInOffset         float64 // default 40
	BargeInRelativeFactor float64 // default 1.3
	BargeInAbsMinRMS      float64 // default 100
	BargeInMinSNRDb       float64 // default 10
	BargeInLockMs         int     // default 1200
	BargeInMinAgentMs     int     // default 800
	BargeInCooldownMs     int     // default 1200
	BargeInReleaseFrames  int     // default 6
	BargeInMinUserMs      int     // default 160
}

// DefaultConfig returns the spec's documented default tunables.
func DefaultConfig() Config {
	return Config{
		FrameDurationMs:          20,
		RMSOffset:                40,
		RMSMin:                   30,
		RMSMax:                   4000,
		BootstrapDurationMs:      2000,
		BootstrapOffset:          20,
		BootstrapMinSpeechFrame:  3,
		DecayStep:                2,
		DecayIntervalMs:          200,
		DecayMin:                 10,
		MaxBufferMs:              2000,
		NoSpeechCommitMs:         600,
		SilenceCommitMs:          140,
		MinSpeechFramesForCommit: 5,
		CommitMinUserMs:          600,
		AdaptiveMinMsCap:         300,
		CommitEmptyCooldown:      8,
		LowSpeechBlockEscalte:    3,
		BargeInEnabled:           true,
		BargeInOffset:            40,
		BargeInRelativeFactor:    1.3,
		BargeInAbsMinRMS:         100,
		BargeInMinSNRDb:          10,
		BargeInLockMs:            1200,
		BargeInMinAgentMs:        800,
		BargeInCooldownMs:        1200,
		BargeInReleaseFrames:     6,
		BargeInMinUserMs:         160,
	}
}

// Accumulator holds per-turn statistics for audio appended since the last
// commit, matching spec §3's Commit Accumulator.
type Accumulator struct {
	Bytes        int
	Frames       int
	SpeechFrames int
	RMSSum       float64
	RMSCount     int
	Peak         float64
	ElapsedMs    int
}

func (a *Accumulator) reset() {
	*a = Accumulator{}
}

func (a *Accumulator) addFrame(bytes int, frameMs int, rms float64, isSpeech bool) {
	a.Bytes += bytes
	a.Frames++
	a.ElapsedMs += frameMs
	a.RMSSum += rms
	a.RMSCount++
	if rms > a.Peak {
		a.Peak = rms
	}
	if isSpeech {
		a.SpeechFrames++
	}
}

// Decision is returned from Controller.ProcessFrame for each inbound frame.
type Decision struct {
	IsSpeech         bool
	DynamicThreshold float64
	Commit           bool
	Trigger          Trigger
	Blocked          bool
	BlockReason      string
}

// clamp restricts v to [lo, hi].
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
