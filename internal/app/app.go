// Package app wires the Media Bridge HTTP server, the hot-reloading config
// watcher, and the observability stack into a running voicebridge service.
//
// The Server struct owns the full lifecycle: New creates the HTTP mux, Run
// accepts connections and blocks serving until ctx is cancelled, and
// Shutdown tears everything down in order. One call maps to one goroutine
// running a dedicated Speech Session and Media Bridge pair; a per-call
// RuntimeState is created fresh for each accepted connection.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/cricex/voicebridge/internal/bridge"
	"github.com/cricex/voicebridge/internal/bridge/codec"
	"github.com/cricex/voicebridge/internal/bridge/session"
	"github.com/cricex/voicebridge/internal/bridge/state"
	"github.com/cricex/voicebridge/internal/bridge/vad"
	"github.com/cricex/voicebridge/internal/config"
	"github.com/cricex/voicebridge/internal/health"
	"github.com/cricex/voicebridge/internal/observe"
	"github.com/cricex/voicebridge/internal/resilience"
)

// MediaPath is the HTTP path the telephony websocket leg connects to.
const MediaPath = "/media"

// Server owns the telephony-facing HTTP listener and the per-call lifecycle.
type Server struct {
	watcher *config.Watcher
	metrics *observe.Metrics
	log     *slog.Logger

	httpSrv *http.Server
	breaker *resilience.CircuitBreaker

	calls    sync.WaitGroup
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*Server)

// WithMetrics injects a [*observe.Metrics] instance instead of the package
// default, primarily so tests can observe call-scoped counters.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger injects a logger instead of [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// New constructs a Server bound to watcher's config. The HTTP listener is not
// started until Run is called.
func New(watcher *config.Watcher, opts ...Option) *Server {
	s := &Server{watcher: watcher}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.log == nil {
		s.log = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc(MediaPath, s.handleMedia)
	health.New(health.Checker{
		Name: "config",
		Check: func(context.Context) error {
			if watcher.Current().Speech.Endpoint == "" {
				return fmt.Errorf("no speech endpoint configured")
			}
			return nil
		},
	}).Register(mux)

	s.httpSrv = &http.Server{
		Addr:    watcher.Current().Server.ListenAddr,
		Handler: observe.Middleware(s.metrics)(mux),
	}
	s.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:        "speech-session-connect",
		MaxFailures: 3,
		ResetTimeout: 10 * time.Second,
	})
	return s
}

// Run starts the HTTP listener and blocks until ctx is cancelled or the
// listener fails. On return, outstanding calls are given a grace period to
// finish by Shutdown.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("media server listening", "addr", s.httpSrv.Addr, "path", MediaPath)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Shutdown stops the HTTP listener, waits (up to ctx's deadline) for active
// calls to finish, and stops the config watcher.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.stopOnce.Do(func() {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.log.Warn("http server shutdown error", "err", err)
		}

		waited := make(chan struct{})
		go func() {
			s.calls.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-ctx.Done():
			shutdownErr = ctx.Err()
		}

		for i, closer := range s.closers {
			if err := closer(); err != nil {
				s.log.Warn("closer error", "index", i, "err", err)
			}
		}
		s.watcher.Stop()
	})
	return shutdownErr
}

// handleMedia accepts one telephony websocket connection and runs its Speech
// Session and Media Bridge for the lifetime of the call.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		s.log.Warn("websocket accept failed", "err", err)
		return
	}

	s.calls.Add(1)
	s.metrics.ActiveCalls.Add(r.Context(), 1)
	go s.runCall(conn)
}

// runCall drives one bridged call end-to-end: connects the Speech Session,
// runs the Media Bridge until the call ends, and tears both down.
func (s *Server) runCall(conn *websocket.Conn) {
	defer s.calls.Done()
	defer s.metrics.ActiveCalls.Add(context.Background(), -1)

	ctx := context.Background()
	cfg := s.watcher.Current()

	rt := state.New(callID())
	sessCfg := sessionConfigFromCfg(cfg)
	sessCfg.Metrics = s.metrics

	var sess *session.Session
	connectErr := s.breaker.Execute(func() error {
		var err error
		sess, err = session.Connect(ctx, sessCfg, rt)
		return err
	})
	if connectErr != nil {
		if errors.Is(connectErr, resilience.ErrCircuitOpen) {
			s.log.Warn("speech session connect skipped, circuit open")
		} else {
			s.log.Error("speech session connect failed", "err", connectErr)
		}
		_ = conn.Close(websocket.StatusInternalError, "speech session unavailable")
		return
	}
	defer sess.Close()

	outFormat, err := codec.ParseOutFormat(string(cfg.Media.OutFormat))
	if err != nil {
		outFormat = codec.OutFormatJSONSimple
	}
	br := bridge.New(bridge.Config{
		FrameBytes:      cfg.Media.FrameBytes,
		FrameIntervalMs: cfg.Media.FrameIntervalMs,
		OutFormat:       outFormat,
		Bidirectional:   cfg.Media.Bidirectional,
		EnableInbound:   true,
	}, conn, sess, rt, s.metrics)

	start := time.Now()
	if err := br.Run(ctx); err != nil {
		s.log.Info("call ended", "err", err, "duration", time.Since(start))
	} else {
		s.log.Info("call ended", "duration", time.Since(start))
	}
	s.metrics.CallDuration.Record(ctx, time.Since(start).Seconds())
}

// callID generates a per-call identifier used to correlate log lines and
// runtime-state snapshots for one bridged call.
func callID() string {
	return "call-" + uuid.NewString()
}

// sessionConfigFromCfg maps the loaded configuration onto a session.Config,
// filling in the VAD/barge-in tunables from cfg.VAD/cfg.BargeIn.
func sessionConfigFromCfg(cfg *config.Config) session.Config {
	sc := session.DefaultConfig()
	sc.Endpoint = cfg.Speech.Endpoint
	sc.APIKey = cfg.Speech.APIKey
	sc.Voice = cfg.Speech.Voice
	sc.Instructions = cfg.Speech.Instructions
	sc.AutoResponse = cfg.Speech.AutoResponse
	sc.DefaultSpeechRate = cfg.Speech.DefaultSampleRateHz
	sc.AckTimeout = cfg.AckTimeout()

	sc.TelephonyRate = cfg.Media.TelephonyRateHz
	sc.FrameBytes = cfg.Media.FrameBytes
	sc.FrameIntervalMs = cfg.Media.FrameIntervalMs
	sc.RingCap = cfg.Media.RingCapacity

	sc.VAD = vadConfigFromCfg(cfg)
	return sc
}

func vadConfigFromCfg(cfg *config.Config) vad.Config {
	v := cfg.VAD
	b := cfg.BargeIn
	return vad.Config{
		FrameDurationMs:          v.FrameDurationMs,
		RMSOffset:                v.RMSOffset,
		RMSMin:                   v.RMSMin,
		RMSMax:                   v.RMSMax,
		BootstrapDurationMs:      v.BootstrapDurationMs,
		BootstrapOffset:          v.BootstrapOffset,
		BootstrapMinSpeechFrame:  v.BootstrapMinSpeechFrame,
		DecayStep:                v.DecayStep,
		DecayIntervalMs:          v.DecayIntervalMs,
		DecayMin:                 v.DecayMin,
		MaxBufferMs:              v.MaxBufferMs,
		NoSpeechCommitMs:         v.NoSpeechCommitMs,
		SilenceCommitMs:          v.SilenceCommitMs,
		MinSpeechFramesForCommit: v.MinSpeechFramesForCommit,
		CommitMinUserMs:          v.CommitMinUserMs,
		AdaptiveMinMsCap:         v.AdaptiveMinMsCap,
		CommitEmptyCooldown:      v.CommitEmptyCooldown,
		LowSpeechBlockEscalte:    v.LowSpeechBlockEscalte,
		BargeInEnabled:           b.Enabled,
		BargeInOffset:            b.Offset,
		BargeInRelativeFactor:    b.RelativeFactor,
		BargeInAbsMinRMS:         b.AbsMinRMS,
		BargeInMinSNRDb:          b.MinSNRDb,
		BargeInLockMs:            b.LockMs,
		BargeInMinAgentMs:        b.MinAgentMs,
		BargeInCooldownMs:        b.CooldownMs,
		BargeInReleaseFrames:     b.ReleaseFrames,
		BargeInMinUserMs:         b.MinUserMs,
	}
}
