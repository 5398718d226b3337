// Package session owns the websocket connection to the speech service: it
// negotiates audio formats, drives the commit/response lifecycle described
// in spec §4.6, and runs the VAD & Commit Controller and Barge-in Detector
// against every inbound telephony frame before forwarding it upstream.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/cricex/voicebridge/internal/bridge/resample"
	"github.com/cricex/voicebridge/internal/bridge/ring"
	"github.com/cricex/voicebridge/internal/bridge/state"
	"github.com/cricex/voicebridge/internal/bridge/vad"
	"github.com/cricex/voicebridge/internal/observe"
)

// Config holds the tunables a Session needs beyond the VAD/barge-in config.
type Config struct {
	// Endpoint is the speech-service websocket URL.
	Endpoint string
	// APIKey authenticates the connection; sent as a bearer credential.
	APIKey string

	// TelephonyRate is the fixed sample rate of the telephony leg (Hz).
	TelephonyRate int
	// FrameBytes is the telephony frame size in bytes (frame_bytes, spec §3).
	FrameBytes int
	// FrameIntervalMs is the pacing interval for outbound frames (20ms).
	FrameIntervalMs int

	// Voice is the synthesis voice identifier sent in session.update.
	Voice string
	// Instructions is optional system-level guidance sent with response.create.
	Instructions string
	// AutoResponse issues response.create automatically after a successful
	// commit when no response is currently streaming.
	AutoResponse bool

	// DefaultSpeechRate is assumed for both directions if the service never
	// declares a rate in session.updated (spec §4.2: default 24kHz).
	DefaultSpeechRate int

	// AckTimeout bounds how long a commit may await acknowledgment before the
	// session is considered errored (spec §5).
	AckTimeout time.Duration

	VAD     vad.Config
	RingCap int // outbound ring capacity, default 64

	// Metrics receives per-frame/commit/barge-in OTel instrumentation. Falls
	// back to [observe.DefaultMetrics] if nil.
	Metrics *observe.Metrics
}

// DefaultConfig fills in spec-documented defaults for fields not provided.
func DefaultConfig() Config {
	return Config{
		TelephonyRate:     16000,
		FrameBytes:        640,
		FrameIntervalMs:   20,
		AutoResponse:      true,
		DefaultSpeechRate: 24000,
		AckTimeout:        500 * time.Millisecond,
		VAD:               vad.DefaultConfig(),
		RingCap:           64,
	}
}

// Session owns the speech-service websocket for one call.
//
// vadCtrl and staging are not safe for concurrent use on their own (see
// [vad.Controller] and [ring.Staging]); every access to either — from the
// Media Bridge's inbound goroutine via SendInputFrame, or from receiveLoop's
// server-event handlers — is serialized through mu, per spec §5's "no shared
// mutable audio state exists outside the Speech Session's owner task".
type Session struct {
	cfg   Config
	conn  *websocket.Conn
	state *state.RuntimeState
	log   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	vadCtrl   *vad.Controller
	bargeIn   *vad.BargeInDetector
	inResamp  *resample.Pipeline // telephony rate -> speech-service input rate
	outResamp *resample.Pipeline // speech-service output rate -> telephony rate

	outbound *ring.Ring
	staging  ring.Staging

	assemblyBuf   []byte // accumulates decoded response audio before 20ms slicing
	outFrameBytes int    // bytes per outbound telephony-rate frame

	metrics *observe.Metrics

	mu                  sync.Mutex
	ready               bool
	closed              bool
	responseActive      bool
	agentBurstStart     time.Time
	suppressAutoRsp     bool
	ackDeadline         time.Time
	awaitingAck         bool
	err                 error
	firstCommitRecorded bool
	lastRingDropped     int

	closeOnce sync.Once
}

// Connect dials the speech-service websocket, sends the initial
// session.update, and starts the event-consumer goroutine. The returned
// Session is not ready to accept input until session.updated is received;
// SendInputFrame is a silent no-op (logged at debug) until then.
func Connect(ctx context.Context, cfg Config, rt *state.RuntimeState) (*Session, error) {
	conn, _, err := websocket.Dial(ctx, cfg.Endpoint, &websocket.DialOptions{
		HTTPHeader: authHeader(cfg.APIKey),
	})
	if err != nil {
		return nil, fmt.Errorf("session: dial: %w", err)
	}

	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	sessCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		cfg:           cfg,
		conn:          conn,
		state:         rt,
		log:           slog.Default().With("component", "speech_session"),
		ctx:           sessCtx,
		cancel:        cancel,
		vadCtrl:       vad.NewController(cfg.VAD),
		bargeIn:       vad.NewBargeInDetector(cfg.VAD),
		inResamp:      resample.New(cfg.TelephonyRate, cfg.DefaultSpeechRate),
		outResamp:     resample.New(cfg.DefaultSpeechRate, cfg.TelephonyRate),
		outbound:      ring.New(cfg.RingCap),
		outFrameBytes: cfg.FrameBytes,
		metrics:       cfg.Metrics,
	}

	if err := s.sendSessionUpdate(); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("session: session.update: %w", err)
	}

	go s.receiveLoop()

	return s, nil
}

func authHeader(apiKey string) map[string][]string {
	if apiKey == "" {
		return nil
	}
	return map[string][]string{"Authorization": {"Bearer " + apiKey}}
}

func (s *Session) sendSessionUpdate() error {
	msg := sessionUpdateMessage{
		Type: evtSessionUpdate,
		Session: sessionParams{
			Modalities:        []string{"text", "audio"},
			Voice:             s.cfg.Voice,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			TurnDetection: turnDetection{
				Type:              "server_vad",
				Threshold:         0.35,
				PrefixPaddingMs:   100,
				SilenceDurationMs: 250,
			},
		},
	}
	return s.writeJSON(msg)
}

func (s *Session) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("session: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, b)
}

// Active reports whether the session is usable (connected, not closed).
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// SendInputFrame accepts one telephony-rate PCM16 frame of exactly
// cfg.FrameBytes bytes, runs it through resampling, the barge-in detector,
// and the VAD & commit controller, then forwards it (or stages it) to the
// speech service. Fails silently (logs at debug) if the session is not
// ready, per spec §4.6's public contract. If a sent commit has gone
// unacknowledged for longer than cfg.AckTimeout, the session is closed and
// an error is returned.
func (s *Session) SendInputFrame(frame []byte) error {
	start := time.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session: closed")
	}
	if !s.ready {
		s.mu.Unlock()
		s.log.Debug("input frame dropped: session not ready")
		return nil
	}
	if s.awaitingAck && time.Now().After(s.ackDeadline) {
		s.mu.Unlock()
		err := fmt.Errorf("session: commit not acknowledged within %v", s.cfg.AckTimeout)
		s.log.Warn("commit ack timed out; closing session", "timeout", s.cfg.AckTimeout)
		s.setErr(err)
		s.Close()
		return err
	}
	s.mu.Unlock()

	speechFrame := s.inResamp.Process(frame)
	if len(speechFrame) == 0 {
		return nil
	}
	s.state.RecordResample(len(speechFrame))

	rms := vad.RMS(speechFrame)

	// Every vadCtrl/staging touch below is serialized through mu: the barge-in
	// evaluation, the commit-state check, and the controller's ProcessFrame
	// call all read or mutate the same commit state machine that receiveLoop's
	// event handlers also touch.
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evaluateBargeInLocked(rms)

	if s.vadCtrl.State() == vad.StateCommitSent {
		s.staging.Append(ring.Frame(speechFrame))
		return nil
	}

	if err := s.appendAudio(speechFrame); err != nil {
		return err
	}

	decision := s.vadCtrl.ProcessFrame(len(speechFrame), rms)
	s.state.RecordFrameEnergy(rms, s.vadCtrl.Accumulator().Peak)
	s.state.RecordCommitProgress(s.vadCtrl.Accumulator().ElapsedMs)
	if decision.Blocked {
		s.state.RecordCommitBlock(decision.BlockReason)
		s.metrics.RecordCommitBlock(context.Background(), decision.BlockReason)
	}
	if decision.Commit {
		s.commitNowLocked(decision.Trigger)
	}
	s.metrics.FrameProcessDuration.Record(context.Background(), time.Since(start).Seconds())
	return nil
}

// evaluateBargeInLocked runs the barge-in detector against one frame's RMS.
// Must be called with mu held.
func (s *Session) evaluateBargeInLocked(rms float64) {
	if !s.responseActive {
		return
	}
	agentElapsedMs := int(time.Since(s.agentBurstStart) / time.Millisecond)
	tr := s.bargeIn.Evaluate(rms, s.vadCtrl.NoiseFloor(), agentElapsedMs, s.responseActive)
	if tr.Fired {
		s.onBargeInLocked()
	}
}

// onBargeInLocked handles a fired barge-in: it stops the agent's response,
// drops queued outbound audio, and forces an immediate commit if enough
// caller speech has accumulated. Must be called with mu held.
func (s *Session) onBargeInLocked() {
	s.responseActive = false

	dropped := s.outbound.Drain()
	s.state.RecordBargeIn(dropped)
	s.metrics.RecordBargeIn(context.Background())

	if d, ok := s.vadCtrl.TryBargeInCommit(); ok {
		s.commitNowLocked(d.Trigger)
	}
}

func (s *Session) appendAudio(pcm []byte) error {
	return s.writeJSON(appendAudioMessage{
		Type:  evtBufferAppend,
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// commitNowLocked sends buffer.commit and marks the ack watchdog. Must be
// called with mu held, since it reads vadCtrl's first-commit latency.
func (s *Session) commitNowLocked(trigger vad.Trigger) {
	s.log.Debug("commit", "trigger", trigger.String())
	if err := s.writeJSON(commitMessage{Type: evtBufferCommit}); err != nil {
		s.log.Debug("commit send failed", "err", err)
		return
	}
	s.awaitingAck = true
	s.ackDeadline = time.Now().Add(s.cfg.AckTimeout)
	s.state.RecordCommitSent(trigger.String())
	s.metrics.RecordCommitSent(context.Background(), trigger.String())

	if !s.firstCommitRecorded {
		if ms := s.vadCtrl.FirstCommitLatencyMs(); ms >= 0 {
			s.metrics.CommitLatency.Record(context.Background(), float64(ms)/1000)
			s.firstCommitRecorded = true
		}
	}
}

// GetNextOutboundFrame returns the next paced outbound telephony-rate frame,
// or (nil, false) if none is available. It does not block — the Media
// Bridge's pacing loop is responsible for the 20ms cadence.
func (s *Session) GetNextOutboundFrame() ([]byte, bool) {
	f, ok := s.outbound.Pop()
	if !ok {
		return nil, false
	}
	return f, true
}

// Close idempotently tears down the session: closes the websocket and
// cancels the consumer goroutine.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// Err returns the error that caused the session to end, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.state.SetError(err.Error())
}

// receiveLoop reads server events until the websocket closes or the session
// context is cancelled, dispatching each to handleServerEvent.
func (s *Session) receiveLoop() {
	defer s.Close()
	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.setErr(fmt.Errorf("session: read: %w", err))
				s.log.Warn("speech service connection lost", "err", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.log.Warn("malformed server event", "err", err)
			continue
		}
		s.handleServerEvent(evt)
	}
}

// handleServerEvent dispatches one decoded server event per spec §4.6/§6.
func (s *Session) handleServerEvent(evt serverEvent) {
	switch evt.Type {
	case evtSessionUpdated:
		s.onSessionUpdated(evt.Session)
	case evtBufferCommitted:
		s.mu.Lock()
		s.vadCtrl.AckCommitted()
		s.awaitingAck = false
		s.replayStagedLocked()
		s.mu.Unlock()
		s.maybeAutoRespond()
	case evtSpeechStarted:
		s.state.RecordSpeechStarted()
	case evtSpeechStopped:
		s.state.RecordSpeechStopped()
	case evtResponseAudioDel:
		s.onResponseAudioDelta(evt.Delta)
	case evtResponseAudioDon:
		s.flushAssembly()
	case evtResponseDone:
		s.mu.Lock()
		s.responseActive = false
		s.mu.Unlock()
		s.flushAssembly()
	case evtError:
		s.onServerError(evt.Error)
	default:
		s.log.Debug("unhandled server event", "type", evt.Type)
	}
}

func (s *Session) onSessionUpdated(body *sessionUpdatedBody) {
	inRate := s.cfg.DefaultSpeechRate
	outRate := s.cfg.DefaultSpeechRate
	if body != nil {
		if body.InputSampleRate > 0 {
			inRate = body.InputSampleRate
		}
		if body.OutputSampleRate > 0 {
			outRate = body.OutputSampleRate
		}
	}
	s.mu.Lock()
	s.inResamp.Reconfigure(s.cfg.TelephonyRate, inRate)
	s.outResamp.Reconfigure(outRate, s.cfg.TelephonyRate)
	s.ready = true
	s.mu.Unlock()
	s.log.Info("speech session negotiated", "input_rate", inRate, "output_rate", outRate)
}

// onResponseAudioDelta decodes base64 PCM16, resamples it to the telephony
// rate, and slices it into fixed-size outbound frames, enqueuing any whole
// frames and carrying the remainder in assemblyBuf.
func (s *Session) onResponseAudioDelta(b64 string) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		s.log.Warn("malformed response.audio.delta", "err", err)
		return
	}

	s.mu.Lock()
	if !s.responseActive {
		s.responseActive = true
		s.agentBurstStart = time.Now()
	}
	s.mu.Unlock()

	telephonyPCM := s.outResamp.Process(raw)
	s.state.RecordResample(len(telephonyPCM))
	s.assemblyBuf = append(s.assemblyBuf, telephonyPCM...)

	frameBytes := s.outFrameBytes
	for len(s.assemblyBuf) >= frameBytes {
		frame := make([]byte, frameBytes)
		copy(frame, s.assemblyBuf[:frameBytes])
		s.assemblyBuf = s.assemblyBuf[frameBytes:]
		s.outbound.Push(ring.Frame(frame))
	}
	if dropped, hwm := s.outbound.Stats(); dropped > 0 {
		s.state.RecordRingStats(dropped, hwm)
		s.mu.Lock()
		delta := dropped - s.lastRingDropped
		s.lastRingDropped = dropped
		s.mu.Unlock()
		if delta > 0 {
			s.metrics.RingDrops.Add(context.Background(), int64(delta))
		}
	}
}

// flushAssembly marks the end of a response burst. assemblyBuf's trailing
// remainder (its length modulo frame_bytes) is deliberately left in place —
// per spec §3's Assembly Buffer invariant, the remainder is never emitted; it
// is carried forward and prefixed onto the next burst's audio instead.
func (s *Session) flushAssembly() {
	s.log.Debug("response burst ended", "assembly_remainder_bytes", len(s.assemblyBuf))
}

// replayStagedLocked re-submits frames accumulated in the staging buffer
// while a commit was awaiting acknowledgment, per spec §5's staging-buffer
// replay. Must be called with mu held, so no frame can be appended directly
// between the ack and the replay finishing.
func (s *Session) replayStagedLocked() {
	for _, f := range s.staging.Drain() {
		if err := s.appendAudio(f); err != nil {
			s.log.Warn("replay of staged frame failed", "err", err)
			return
		}
	}
}

func (s *Session) maybeAutoRespond() {
	if !s.cfg.AutoResponse {
		return
	}
	s.mu.Lock()
	active := s.responseActive
	suppress := s.suppressAutoRsp
	s.mu.Unlock()
	if active || suppress {
		return
	}
	_ = s.writeJSON(responseCreateMessage{
		Type: evtResponseCreate,
		Response: responseCreateBody{
			Modalities:   []string{"text", "audio"},
			Instructions: s.cfg.Instructions,
		},
	})
}

func (s *Session) onServerError(detail *serverErrorDetail) {
	if detail == nil {
		s.log.Warn("server error event with no detail")
		return
	}
	switch detail.Code {
	case codeCommitEmpty:
		s.mu.Lock()
		s.vadCtrl.AckCommitEmpty()
		s.awaitingAck = false
		s.mu.Unlock()
		s.state.RecordCommitEmpty()
	case codeActiveResponse:
		s.mu.Lock()
		s.responseActive = true
		s.suppressAutoRsp = true
		s.mu.Unlock()
	default:
		s.log.Warn("speech service error", "type", detail.Type, "code", detail.Code, "message", detail.Message)
		s.state.RecordServiceError(detail.Code)
		s.metrics.RecordServiceError(context.Background(), detail.Code)
	}
}
