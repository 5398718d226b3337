// Package state provides a thread-safe in-memory aggregator of call,
// session, and media-flow metrics for one bridged call, exposed for
// diagnostics and OTel instrumentation. Grounded on the original preview
// client's AppState container, carried into Go as a mutex-guarded struct
// with an explicit Snapshot instead of ad-hoc dict mutation.
package state

import (
	"sync"
	"time"
)

const rmsWindowCap = 100

// Media holds the bridge's media-flow counters for one call, mirroring the
// fields the original client tracked under AppState.media.
type Media struct {
	UpstreamActive      bool
	MediaWSConnectedAt  time.Time
	InFrames            int
	OutFrames           int
	OutSendErrors       int
	OutJSONFrames       int
	OutBinaryFrames     int
	TextFrames          int
	BinaryFrames        int
	FirstInAt           time.Time
	FirstOutAt          time.Time
	LastInAt            time.Time
	LastOutAt           time.Time
	AudioBytesIn        int64
	AudioBytesOut       int64
	MetadataReceived    bool

	AudioPeakMax          int
	AudioRMSLast          float64
	AudioRMSAvg           float64
	AudioFramesNonSilent  int
	AudioFramesZero       int
	AudioFramesTotal      int

	ResamplerActive  bool
	FramesResampled  int
	BytesResampled   int64
	PacerDriftEvents int

	CommitErrorsTotal       int
	LastCommitFrames        int
	LastCommitMs            int
	AdaptiveMinMsCurrent    int
	LastCommitTrigger       string
	CommitAttempts          int
	CommitMsBufferedCurrent int

	OutDroppedFrames     int
	OutRingHighWaterMark int

	LastCommitAudioBytes  int
	LastCommitSpeechFrame int
	LastCommitRMSAvg      float64
	LastCommitRMSPeak     float64
	DynamicRMSThreshold   float64
	NoiseFloorRMS         float64
	CommitBlocksNoSpeech  int
	CommitSkippedLowSpeech int

	SpeechStartedEvents int
	SpeechStoppedEvents int
	BargeInEvents       int
	BargeInFramesDropped int
}

// RuntimeState aggregates diagnostics for a single bridged call. Safe for
// concurrent use; one instance is owned per call by the Media Bridge and
// shared with its Speech Session.
type RuntimeState struct {
	mu sync.RWMutex

	startedAt time.Time
	callID    string
	lastError string

	media Media

	rmsWindow []float64
}

// New constructs a RuntimeState for a call identified by callID.
func New(callID string) *RuntimeState {
	return &RuntimeState{
		startedAt: time.Now(),
		callID:    callID,
	}
}

// Snapshot is a point-in-time, JSON-serializable copy of the runtime state,
// safe to hand to a diagnostics endpoint without holding the lock.
type Snapshot struct {
	CallID     string        `json:"call_id"`
	UptimeSec  float64       `json:"uptime_sec"`
	LastError  string        `json:"last_error,omitempty"`
	Media      Media         `json:"media"`
}

// Snapshot returns a copy of the current state for serialization.
func (s *RuntimeState) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		CallID:    s.callID,
		UptimeSec: time.Since(s.startedAt).Seconds(),
		LastError: s.lastError,
		Media:     s.media,
	}
}

// SetError records the most recent error observed for this call.
func (s *RuntimeState) SetError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = msg
}

// MediaWSOpen flags that the telephony websocket is ready for inbound audio.
func (s *RuntimeState) MediaWSOpen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.media.UpstreamActive = true
	s.media.MediaWSConnectedAt = time.Now()
}

// MediaWSClose resets the upstream-active flag on telephony disconnect.
func (s *RuntimeState) MediaWSClose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.media.UpstreamActive = false
}

// RecordInFrame accounts for one decoded inbound telephony frame of n bytes.
func (s *RuntimeState) RecordInFrame(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.media.InFrames++
	s.media.AudioBytesIn += int64(n)
	if s.media.FirstInAt.IsZero() {
		s.media.FirstInAt = now
	}
	s.media.LastInAt = now
}

// RecordOutFrame accounts for one encoded outbound telephony frame of n
// bytes, sent as either a JSON or binary wire message.
func (s *RuntimeState) RecordOutFrame(n int, isText bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.media.OutFrames++
	s.media.AudioBytesOut += int64(n)
	if isText {
		s.media.OutJSONFrames++
	} else {
		s.media.OutBinaryFrames++
	}
	if s.media.FirstOutAt.IsZero() {
		s.media.FirstOutAt = now
	}
	s.media.LastOutAt = now
}

// RecordOutSendError counts a failed write on the telephony leg.
func (s *RuntimeState) RecordOutSendError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.media.OutSendErrors++
}

// RecordTextFrame / RecordBinaryFrame count inbound telephony wire frames by
// kind, before decoding.
func (s *RuntimeState) RecordTextFrame()   { s.mu.Lock(); s.media.TextFrames++; s.mu.Unlock() }
func (s *RuntimeState) RecordBinaryFrame() { s.mu.Lock(); s.media.BinaryFrames++; s.mu.Unlock() }

// RecordMetadata flags that an audio_metadata frame has been observed.
func (s *RuntimeState) RecordMetadata() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.media.MetadataReceived = true
}

// RecordResample accounts for one resampling call's output size.
func (s *RuntimeState) RecordResample(outBytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.media.ResamplerActive = true
	s.media.FramesResampled++
	s.media.BytesResampled += int64(outBytes)
}

// RecordPacerDrift counts a pacing-loop tick that ran behind schedule.
func (s *RuntimeState) RecordPacerDrift() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.media.PacerDriftEvents++
}

// RecordRingStats records the outbound ring's cumulative drop count and
// high-water mark, as observed after the most recent push.
func (s *RuntimeState) RecordRingStats(dropped, highWaterMark int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.media.OutDroppedFrames = dropped
	s.media.OutRingHighWaterMark = highWaterMark
}

// RecordFrameEnergy folds one inbound frame's RMS/peak into the rolling
// window (capped at rmsWindowCap, ~2s at 20ms/frame) and updates the
// reported peak/average, mirroring media_process_audio_frame.
func (s *RuntimeState) RecordFrameEnergy(rms, peak float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.media.AudioFramesTotal++
	if rms == 0 {
		s.media.AudioFramesZero++
	} else {
		s.media.AudioFramesNonSilent++
	}
	if peak > float64(s.media.AudioPeakMax) {
		s.media.AudioPeakMax = int(peak)
	}
	s.media.AudioRMSLast = rms

	s.rmsWindow = append(s.rmsWindow, rms)
	if len(s.rmsWindow) > rmsWindowCap {
		s.rmsWindow = s.rmsWindow[1:]
	}
	var sum float64
	for _, v := range s.rmsWindow {
		sum += v
	}
	if len(s.rmsWindow) > 0 {
		s.media.AudioRMSAvg = sum / float64(len(s.rmsWindow))
	}
}

// RecordCommitSent stores diagnostic detail for a commit just issued to the
// speech service, including the triggering reason.
func (s *RuntimeState) RecordCommitSent(trigger string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.media.CommitAttempts++
	s.media.LastCommitTrigger = trigger
	s.media.CommitMsBufferedCurrent = 0
}

// RecordCommitProgress reports how much audio is currently buffered toward
// the next commit, for UI/diagnostic display.
func (s *RuntimeState) RecordCommitProgress(msCurrent int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.media.CommitMsBufferedCurrent = msCurrent
}

// RecordCommitBlock tallies a commit attempt that was gated/blocked, keyed
// by the VAD controller's block reason string.
func (s *RuntimeState) RecordCommitBlock(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch reason {
	case "universal_no_speech_guard":
		s.media.CommitBlocksNoSpeech++
	case "min_speech_frames":
		s.media.CommitSkippedLowSpeech++
	}
}

// RecordCommitEmpty counts an input_audio_buffer_commit_empty error returned
// by the speech service.
func (s *RuntimeState) RecordCommitEmpty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.media.CommitErrorsTotal++
}

// RecordServiceError counts any other error event from the speech service,
// keyed loosely by code for now (full detail goes to the log line instead).
func (s *RuntimeState) RecordServiceError(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.media.CommitErrorsTotal++
	s.lastError = code
}

// RecordSpeechStarted / RecordSpeechStopped count the service's own
// server_vad markers, tracked only as an auxiliary signal per spec's open
// question resolution (the manual VAD controller remains authoritative).
func (s *RuntimeState) RecordSpeechStarted() { s.mu.Lock(); s.media.SpeechStartedEvents++; s.mu.Unlock() }
func (s *RuntimeState) RecordSpeechStopped() { s.mu.Lock(); s.media.SpeechStoppedEvents++; s.mu.Unlock() }

// RecordBargeIn counts a fired barge-in event and the outbound frames it
// discarded from the ring.
func (s *RuntimeState) RecordBargeIn(framesDropped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.media.BargeInEvents++
	s.media.BargeInFramesDropped += framesDropped
}
