// Package bridge wires the telephony websocket leg to a Speech Session: it
// accepts the connection, slices inbound audio into fixed frames for the
// commit pipeline, and paces synthesized frames back out at the telephony
// frame interval. Grounded on the original preview client's media_bridge
// module, reworked around explicit goroutines coordinated by an errgroup
// instead of asyncio tasks.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/cricex/voicebridge/internal/bridge/codec"
	"github.com/cricex/voicebridge/internal/bridge/session"
	"github.com/cricex/voicebridge/internal/bridge/state"
	"github.com/cricex/voicebridge/internal/observe"
)

// Config holds the Media Bridge's own tunables, independent of the Speech
// Session it drives.
type Config struct {
	FrameBytes      int
	FrameIntervalMs int
	OutFormat       codec.OutFormat
	Bidirectional   bool
	EnableInbound   bool
}

// Conn is the subset of *websocket.Conn the Media Bridge depends on,
// satisfied directly by the real connection and by fakes in tests.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Bridge drives one call's telephony <-> speech-service audio flow.
type Bridge struct {
	cfg     Config
	conn    Conn
	sess    *session.Session
	state   *state.RuntimeState
	log     *slog.Logger
	metrics *observe.Metrics
}

// New constructs a Bridge for one accepted telephony connection.
func New(cfg Config, conn Conn, sess *session.Session, rt *state.RuntimeState, metrics *observe.Metrics) *Bridge {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Bridge{
		cfg:     cfg,
		conn:    conn,
		sess:    sess,
		state:   rt,
		log:     slog.Default().With("component", "media_bridge"),
		metrics: metrics,
	}
}

// Run sends the initial ack, then runs the inbound reader loop and (if
// bidirectional) the outbound pacer loop concurrently until the inbound loop
// ends or ctx is cancelled. It returns the inbound loop's read error when the
// client disconnects, or an outbound send error if one occurred first;
// cancellation of ctx is not reported as an error.
//
// The two loops are coupled in one direction only. A plain [errgroup.Group]
// (not [errgroup.WithContext]) is used so that an outbound send error, which
// only terminates outboundLoop, never cancels the context that inboundLoop's
// conn.Read observes. When inboundLoop ends, the context derived for
// outboundLoop is cancelled so the pacer stops as well. Per spec §4.7, send
// errors terminate the outbound loop but do not affect the inbound one.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.conn.Write(ctx, websocket.MessageText, []byte(codec.AckMessage)); err != nil {
		return err
	}
	b.state.MediaWSOpen()
	defer b.state.MediaWSClose()

	outCtx, cancelOut := context.WithCancel(ctx)
	defer cancelOut()

	var inboundErr error
	var g errgroup.Group
	g.Go(func() error {
		inboundErr = b.inboundLoop(ctx)
		cancelOut()
		return inboundErr
	})
	if b.cfg.Bidirectional {
		g.Go(func() error { return b.outboundLoop(outCtx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) && inboundErr != nil {
		// The outbound loop's cancellation can be recorded before the
		// inbound error that caused it.
		err = inboundErr
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// inboundLoop reads telephony frames, decodes them, slices them into fixed
// frame_bytes chunks, and forwards each to the Speech Session.
func (b *Bridge) inboundLoop(ctx context.Context) error {
	for {
		typ, data, err := b.conn.Read(ctx)
		if err != nil {
			return err
		}

		var pcm []byte
		switch typ {
		case websocket.MessageText:
			b.state.RecordTextFrame()
			kind, decoded, decErr := codec.DecodeText(data)
			if decErr != nil {
				b.log.Debug("malformed inbound text frame", "err", decErr)
				continue
			}
			if kind != codec.KindAudio {
				if kind == codec.KindIgnored {
					b.state.RecordMetadata()
				}
				continue
			}
			pcm = decoded
		case websocket.MessageBinary:
			b.state.RecordBinaryFrame()
			pcm = codec.DecodeBinary(data)
		default:
			continue
		}

		if len(pcm) == 0 || !b.cfg.EnableInbound {
			continue
		}
		b.sliceAndForward(pcm)
	}
}

func (b *Bridge) sliceAndForward(pcm []byte) {
	frameBytes := b.cfg.FrameBytes
	n := len(pcm) / frameBytes
	for i := 0; i < n; i++ {
		frame := pcm[i*frameBytes : (i+1)*frameBytes]
		b.state.RecordInFrame(len(frame))
		b.metrics.FramesIn.Add(context.Background(), 1)
		if err := b.sess.SendInputFrame(frame); err != nil {
			b.log.Debug("speech frame send failed", "err", err)
			return
		}
	}
}

// outboundLoop pulls paced frames from the Speech Session every
// frame_interval_ms and writes them to the telephony socket in the
// configured wire format, per spec §4.3.
func (b *Bridge) outboundLoop(ctx context.Context) error {
	interval := time.Duration(b.cfg.FrameIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastTick time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick := <-ticker.C:
			if !lastTick.IsZero() && tick.Sub(lastTick) > interval*3/2 {
				b.state.RecordPacerDrift()
			}
			lastTick = tick

			if !b.sess.Active() {
				continue
			}
			frame, ok := b.sess.GetNextOutboundFrame()
			if !ok {
				continue
			}
			if err := b.writeFrame(ctx, frame); err != nil {
				b.state.RecordOutSendError()
				b.metrics.SendErrors.Add(context.Background(), 1)
				return err
			}
		}
	}
}

func (b *Bridge) writeFrame(ctx context.Context, frame []byte) error {
	payload, isText, err := codec.EncodeOutbound(frame, b.cfg.OutFormat)
	if err != nil {
		return err
	}
	typ := websocket.MessageBinary
	if isText {
		typ = websocket.MessageText
	}
	if err := b.conn.Write(ctx, typ, payload); err != nil {
		return err
	}
	b.state.RecordOutFrame(len(payload), isText)
	encoding := "binary"
	if isText {
		encoding = "text"
	}
	b.metrics.FramesOut.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("encoding", encoding)))
	return nil
}
