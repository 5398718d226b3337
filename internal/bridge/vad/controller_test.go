package vad

import "testing"

func TestDynamicThresholdAlwaysInRange(t *testing.T) {
	cfg := DefaultConfig()
	c := NewController(cfg)
	for i := 0; i < 500; i++ {
		rms := float64(i % 5000)
		d := c.ProcessFrame(640, rms)
		if d.DynamicThreshold < cfg.RMSMin || d.DynamicThreshold > cfg.RMSMax {
			t.Fatalf("frame %d: threshold %f out of range [%f,%f]", i, d.DynamicThreshold, cfg.RMSMin, cfg.RMSMax)
		}
	}
}

// TestSilenceThenSpeechCommit mirrors spec §8 scenario 1: 1000ms silence,
// 800ms speech, 200ms silence -> commit with trigger silence_after_speech.
func TestSilenceThenSpeechCommit(t *testing.T) {
	cfg := DefaultConfig()
	c := NewController(cfg)

	// 1000ms silence = 50 frames @ 20ms.
	for i := 0; i < 50; i++ {
		d := c.ProcessFrame(640, 5)
		if d.Commit {
			t.Fatalf("unexpected commit during initial silence at frame %d", i)
		}
	}

	// 800ms speech = 40 frames, RMS well above threshold.
	var committed bool
	var trigger Trigger
	frameIdx := 0
	for ; frameIdx < 40; frameIdx++ {
		d := c.ProcessFrame(640, 1500)
		if d.Commit {
			committed = true
			trigger = d.Trigger
			break
		}
	}
	if committed {
		t.Fatalf("unexpected early commit during speech at frame %d trigger=%v", frameIdx, trigger)
	}

	// 200ms silence = 10 frames; expect commit partway through (140ms -> 7 frames).
	for i := 0; i < 10; i++ {
		d := c.ProcessFrame(640, 5)
		if d.Commit {
			committed = true
			trigger = d.Trigger
			break
		}
	}

	if !committed {
		t.Fatal("expected a commit by end of trailing silence")
	}
	if trigger != TriggerSilenceAfterSpeech {
		t.Fatalf("expected silence_after_speech trigger, got %v", trigger)
	}
}

func TestMaxBufferSafetyWithNoSpeechDiscards(t *testing.T) {
	cfg := DefaultConfig()
	c := NewController(cfg)
	framesFor2s := cfg.MaxBufferMs / cfg.FrameDurationMs
	for i := 0; i < framesFor2s+5; i++ {
		d := c.ProcessFrame(640, 5) // pure silence, never crosses threshold
		if d.Commit {
			t.Fatalf("did not expect a commit on all-silence buffer, got trigger %v at frame %d", d.Trigger, i)
		}
	}
}

func TestCommitEmptyRaisesAdaptiveThreshold(t *testing.T) {
	cfg := DefaultConfig()
	c := NewController(cfg)

	// Produce a real speech turn long enough to satisfy commit_min_user_ms,
	// then enough trailing silence to commit via silence_after_speech, and
	// ack it so the accumulator is clean for the next turn.
	speechFrames := cfg.CommitMinUserMs/cfg.FrameDurationMs + 2
	for i := 0; i < speechFrames; i++ {
		c.ProcessFrame(640, 1500)
	}
	var firstCommitted bool
	for i := 0; i < cfg.SilenceCommitMs/cfg.FrameDurationMs+3; i++ {
		d := c.ProcessFrame(640, 5)
		if d.Commit {
			firstCommitted = true
			break
		}
	}
	if !firstCommitted {
		t.Fatal("expected the priming speech turn to commit via silence_after_speech")
	}
	c.AckCommitted()

	// Now drive to a no_speech_timeout commit on an empty next turn.
	framesForNoSpeech := cfg.NoSpeechCommitMs/cfg.FrameDurationMs + 1
	var committed bool
	for i := 0; i < framesForNoSpeech; i++ {
		d := c.ProcessFrame(640, 5)
		if d.Commit {
			committed = true
			if d.Trigger != TriggerNoSpeechTimeout {
				t.Fatalf("expected no_speech_timeout, got %v", d.Trigger)
			}
			break
		}
	}
	if !committed {
		t.Fatal("expected a no_speech_timeout commit")
	}

	c.AckCommitEmpty()
	if c.adaptiveExtraMs != cfg.FrameDurationMs {
		t.Fatalf("expected adaptiveExtraMs to increase by one frame, got %d", c.adaptiveExtraMs)
	}
	if c.state != StateErrorBackoff {
		t.Fatalf("expected StateErrorBackoff, got %v", c.state)
	}
	if c.commitCooldownLeft != cfg.CommitEmptyCooldown {
		t.Fatalf("expected cooldown %d, got %d", cfg.CommitEmptyCooldown, c.commitCooldownLeft)
	}
}

func TestLowSpeechEscalationAfterThreeBlocks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSpeechFramesForCommit = 100 // unreachable normally, forces blocking
	c := NewController(cfg)

	framesFor2s := cfg.MaxBufferMs / cfg.FrameDurationMs

	var sawEscalation bool
	// Feed enough frames with occasional speech blips to reach max buffer
	// repeatedly and accumulate low-speech blocks.
	for i := 0; i < framesFor2s*4; i++ {
		rms := 5.0
		if i%10 == 0 {
			rms = 1500 // occasional speech frame so universal no-speech guard doesn't block entirely
		}
		d := c.ProcessFrame(640, rms)
		if d.Commit && d.Trigger == TriggerLowSpeechEscalation {
			sawEscalation = true
			break
		}
	}
	if !sawEscalation {
		t.Fatal("expected a low_speech_escalation commit after repeated blocks")
	}
}

func TestRMSComputation(t *testing.T) {
	// Constant amplitude 100 samples -> RMS == 100.
	pcm := make([]byte, 8)
	for i := 0; i < 4; i++ {
		pcm[i*2] = 100
		pcm[i*2+1] = 0
	}
	if got := RMS(pcm); got != 100 {
		t.Fatalf("expected RMS 100, got %f", got)
	}
}

func TestBargeInTryCommitGated(t *testing.T) {
	cfg := DefaultConfig()
	c := NewController(cfg)
	// Not enough speech frames yet.
	for i := 0; i < 2; i++ {
		c.ProcessFrame(640, 1500)
	}
	if _, ok := c.TryBargeInCommit(); ok {
		t.Fatal("expected barge-in commit to be gated on insufficient speech frames")
	}
	for i := 0; i < cfg.MinSpeechFramesForCommit+2; i++ {
		c.ProcessFrame(640, 1500)
	}
	d, ok := c.TryBargeInCommit()
	if !ok {
		t.Fatal("expected barge-in commit to succeed once gate is met")
	}
	if d.Trigger != TriggerBargeIn {
		t.Fatalf("expected TriggerBargeIn, got %v", d.Trigger)
	}
}
