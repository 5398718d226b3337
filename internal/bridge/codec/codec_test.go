package codec

import (
	"encoding/base64"
	"testing"
)

func TestParseOutFormat(t *testing.T) {
	if f, err := ParseOutFormat("json_simple"); err != nil || f != OutFormatJSONSimple {
		t.Fatalf("json_simple: got %v, %v", f, err)
	}
	if f, err := ParseOutFormat("binary"); err != nil || f != OutFormatBinary {
		t.Fatalf("binary: got %v, %v", f, err)
	}
	if _, err := ParseOutFormat("multi"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestDecodeTextAudioData(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	msg := []byte(`{"kind":"AudioData","audioData":{"data":"` + base64.StdEncoding.EncodeToString(pcm) + `"}}`)
	kind, got, err := DecodeText(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if kind != KindAudio {
		t.Fatalf("expected KindAudio, got %v", kind)
	}
	if string(got) != string(pcm) {
		t.Fatalf("decoded mismatch: got %v want %v", got, pcm)
	}
}

func TestDecodeTextAlternateShape(t *testing.T) {
	pcm := []byte{9, 8, 7}
	msg := []byte(`{"kind":"AudioChunk","data":"` + base64.StdEncoding.EncodeToString(pcm) + `"}`)
	kind, got, err := DecodeText(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if kind != KindAudio || string(got) != string(pcm) {
		t.Fatalf("got kind=%v data=%v", kind, got)
	}
}

func TestDecodeTextMetadataIgnored(t *testing.T) {
	kind, _, err := DecodeText([]byte(`{"kind":"AudioMetadata","sampleRate":16000}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if kind != KindIgnored {
		t.Fatalf("expected KindIgnored, got %v", kind)
	}
}

func TestDecodeTextMalformedJSON(t *testing.T) {
	if _, _, err := DecodeText([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed json")
	}
}

func TestDecodeTextBadBase64(t *testing.T) {
	_, _, err := DecodeText([]byte(`{"kind":"AudioData","audioData":{"data":"!!!not-base64!!!"}}`))
	if err == nil {
		t.Fatal("expected error for bad base64")
	}
}

func TestEncodeOutboundBinary(t *testing.T) {
	frame := []byte{1, 2, 3}
	payload, isText, err := EncodeOutbound(frame, OutFormatBinary)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if isText {
		t.Fatal("expected binary, got text")
	}
	if string(payload) != string(frame) {
		t.Fatalf("payload mismatch: %v vs %v", payload, frame)
	}
}

func TestEncodeOutboundJSONSimple(t *testing.T) {
	frame := []byte{5, 6, 7}
	payload, isText, err := EncodeOutbound(frame, OutFormatJSONSimple)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !isText {
		t.Fatal("expected text, got binary")
	}
	kind, decoded, err := DecodeText(payload)
	if err != nil {
		t.Fatalf("round-trip decode failed: %v", err)
	}
	if kind != KindAudio || string(decoded) != string(frame) {
		t.Fatalf("round-trip mismatch: kind=%v decoded=%v", kind, decoded)
	}
}
