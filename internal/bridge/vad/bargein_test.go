package vad

import "testing"

func TestBargeInHardLockWindow(t *testing.T) {
	cfg := DefaultConfig()
	b := NewBargeInDetector(cfg)
	// Agent burst has only been going 100ms: well within the 1200ms lock.
	tr := b.Evaluate(3000, 50, 100, true)
	if tr.Fired {
		t.Fatal("did not expect barge-in to fire within the hard lock window")
	}
}

func TestBargeInFiresAfterLockAndMinUserMs(t *testing.T) {
	cfg := DefaultConfig()
	b := NewBargeInDetector(cfg)

	agentElapsed := cfg.BargeInLockMs + 100
	framesNeeded := cfg.BargeInMinUserMs/cfg.FrameDurationMs + 1

	var fired bool
	for i := 0; i < framesNeeded; i++ {
		agentElapsed += cfg.FrameDurationMs
		tr := b.Evaluate(3000, 50, agentElapsed, true)
		if tr.Fired {
			fired = true
			break
		}
	}
	if !fired {
		t.Fatal("expected barge-in to fire once candidate duration exceeds BargeInMinUserMs")
	}
}

func TestBargeInNotTriggeredWithinLockMs(t *testing.T) {
	cfg := DefaultConfig()
	b := NewBargeInDetector(cfg)
	agentElapsed := 0
	for i := 0; i < cfg.BargeInLockMs/cfg.FrameDurationMs; i++ {
		agentElapsed += cfg.FrameDurationMs
		tr := b.Evaluate(3000, 50, agentElapsed, true)
		if tr.Fired {
			t.Fatalf("barge-in fired at agentElapsed=%d, within lock window %d", agentElapsed, cfg.BargeInLockMs)
		}
	}
}

func TestBargeInDisabledWhenResponseInactive(t *testing.T) {
	cfg := DefaultConfig()
	b := NewBargeInDetector(cfg)
	tr := b.Evaluate(5000, 50, 5000, false)
	if tr.Fired {
		t.Fatal("did not expect barge-in to fire when response is not active")
	}
}

func TestBargeInRejectsBelowAbsMinRMS(t *testing.T) {
	cfg := DefaultConfig()
	b := NewBargeInDetector(cfg)
	agentElapsed := cfg.BargeInLockMs + cfg.BargeInMinUserMs + 200
	// RMS below BargeInAbsMinRMS should never accumulate a candidate.
	for i := 0; i < 20; i++ {
		tr := b.Evaluate(cfg.BargeInAbsMinRMS-1, 10, agentElapsed, true)
		if tr.Fired {
			t.Fatal("did not expect barge-in with RMS below absolute minimum")
		}
	}
}
