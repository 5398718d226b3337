// Package codec encodes and decodes PCM16 audio frames to and from the
// telephony provider's wire formats: JSON messages carrying base64 audio, or
// raw binary frames.
package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// OutFormat selects how outbound frames are serialised onto the telephony
// socket.
type OutFormat int

const (
	// OutFormatJSONSimple wraps each frame as {"kind":"AudioData","audioData":{"data":"<base64>"}}.
	OutFormatJSONSimple OutFormat = iota
	// OutFormatBinary sends the raw PCM bytes as a binary websocket message.
	OutFormatBinary
)

// ParseOutFormat validates a configuration string into an OutFormat.
func ParseOutFormat(s string) (OutFormat, error) {
	switch s {
	case "json_simple":
		return OutFormatJSONSimple, nil
	case "binary":
		return OutFormatBinary, nil
	default:
		return 0, fmt.Errorf("codec: invalid media_out_format %q (want json_simple or binary)", s)
	}
}

// inboundEnvelope is the loose shape of a JSON inbound message. Only the
// fields recognised by spec §4.1 are populated; the rest of the message is
// ignored.
type inboundEnvelope struct {
	Kind      string `json:"kind"`
	Type      string `json:"type"`
	Data      string `json:"data"`
	AudioData *struct {
		Data string `json:"data"`
	} `json:"audioData"`
}

// Kind classifies a decoded inbound message.
type Kind int

const (
	// KindIgnored is a recognised-but-uninteresting message (e.g. AudioMetadata).
	KindIgnored Kind = iota
	// KindAudio carries decoded PCM bytes.
	KindAudio
	// KindUnrecognized is JSON that doesn't match any known shape.
	KindUnrecognized
)

// DecodeText parses a text (JSON) inbound message. It returns the decoded PCM
// bytes for audio messages, KindIgnored for AudioMetadata, or an error when
// the JSON is malformed or the audio payload is not valid base64 — callers
// must drop the message and increment a decode-error counter rather than
// propagate the error upward.
func DecodeText(msg []byte) (Kind, []byte, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return KindUnrecognized, nil, fmt.Errorf("codec: malformed json: %w", err)
	}

	kind := env.Kind
	if kind == "" {
		kind = env.Type
	}

	switch kind {
	case "AudioMetadata":
		return KindIgnored, nil, nil
	case "AudioData":
		var b64 string
		if env.AudioData != nil && env.AudioData.Data != "" {
			b64 = env.AudioData.Data
		} else {
			b64 = env.Data
		}
		if b64 == "" {
			return KindUnrecognized, nil, nil
		}
		pcm, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return KindUnrecognized, nil, fmt.Errorf("codec: bad base64 audio payload: %w", err)
		}
		return KindAudio, pcm, nil
	case "AudioChunk":
		if env.Data == "" {
			return KindUnrecognized, nil, nil
		}
		pcm, err := base64.StdEncoding.DecodeString(env.Data)
		if err != nil {
			return KindUnrecognized, nil, fmt.Errorf("codec: bad base64 audio payload: %w", err)
		}
		return KindAudio, pcm, nil
	default:
		return KindUnrecognized, nil, nil
	}
}

// DecodeBinary returns binary inbound payloads unchanged; the wire protocol
// treats them as raw PCM with no further framing.
func DecodeBinary(msg []byte) []byte {
	return msg
}

// audioDataEnvelope is the outbound JSON shape, mirrored on send.
type audioDataEnvelope struct {
	Kind      string          `json:"kind"`
	AudioData audioDataNested `json:"audioData"`
}

type audioDataNested struct {
	Data string `json:"data"`
}

// EncodeOutbound serialises a PCM frame per the configured OutFormat. For
// OutFormatBinary the returned bytes are the frame bytes unmodified and
// isText is false; for OutFormatJSONSimple the bytes are the JSON envelope
// and isText is true.
func EncodeOutbound(frame []byte, format OutFormat) (payload []byte, isText bool, err error) {
	switch format {
	case OutFormatBinary:
		return frame, false, nil
	case OutFormatJSONSimple:
		env := audioDataEnvelope{
			Kind: "AudioData",
			AudioData: audioDataNested{
				Data: base64.StdEncoding.EncodeToString(frame),
			},
		}
		b, err := json.Marshal(env)
		if err != nil {
			return nil, true, fmt.Errorf("codec: marshal outbound envelope: %w", err)
		}
		return b, true, nil
	default:
		return nil, false, fmt.Errorf("codec: unknown out format %d", format)
	}
}

// AckMessage is the single handshake message the bridge sends immediately
// after accepting the telephony websocket, before reading any frames.
const AckMessage = `{"type":"ack"}`
