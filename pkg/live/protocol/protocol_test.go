package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeClientMessageSessionStart(t *testing.T) {
	raw := []byte(`{"type":"session_start","userId":"u1","sessionId":"s1","token":"tok","scenario":"restaurant"}`)
	msg, err := DecodeClientMessage(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	start, ok := msg.(SessionStart)
	if !ok {
		t.Fatalf("expected SessionStart, got %T", msg)
	}
	if start.UserID != "u1" || start.SessionID != "s1" || start.Scenario != "restaurant" {
		t.Fatalf("unexpected fields: %+v", start)
	}
}

func TestDecodeClientMessageRejectsMissingSessionID(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"type":"session_start","userId":"u1"}`))
	if err == nil {
		t.Fatal("expected error for missing sessionId")
	}
	de, ok := err.(*DecodeError)
	if !ok {
		t.Fatalf("expected *DecodeError, got %T", err)
	}
	if de.Param != "sessionId" {
		t.Fatalf("param = %q, want sessionId", de.Param)
	}
}

func TestDecodeClientMessageControls(t *testing.T) {
	for _, typ := range []string{TypeUserAudioEnded, TypeUserAudioCancelled, TypeUserInterruption} {
		msg, err := DecodeClientMessage([]byte(`{"type":"` + typ + `"}`))
		if err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
		ctl, ok := msg.(Control)
		if !ok || ctl.Type != typ {
			t.Fatalf("%s: got %#v", typ, msg)
		}
	}
}

func TestDecodeClientMessageUnknownType(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"type":"bogus"}`))
	if err == nil {
		t.Fatal("expected error for unknown type")
	}
	if !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("error should name the type: %v", err)
	}
}

func TestDecodeServerEventTextVariants(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"text field", `{"type":"ai_response","text":"hello","responseId":"r1"}`, "hello"},
		{"payload field", `{"type":"ai_response","payload":"hola","responseId":"r1"}`, "hola"},
		{"text_response", `{"type":"text_response","text":"nihao","responseId":"r2"}`, "nihao"},
	}
	for _, tc := range cases {
		ev, err := DecodeServerEvent([]byte(tc.raw))
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		te, ok := ev.(TextEvent)
		if !ok {
			t.Fatalf("%s: expected TextEvent, got %T", tc.name, ev)
		}
		if te.Content() != tc.want {
			t.Fatalf("%s: content = %q, want %q", tc.name, te.Content(), tc.want)
		}
	}
}

func TestDecodeServerEventTranscription(t *testing.T) {
	ev, err := DecodeServerEvent([]byte(`{"type":"transcription","text":"bon","isFinal":false}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	tr, ok := ev.(TranscriptionEvent)
	if !ok {
		t.Fatalf("expected TranscriptionEvent, got %T", ev)
	}
	if tr.IsFinal || tr.Text != "bon" {
		t.Fatalf("unexpected event: %+v", tr)
	}
}

func TestDecodeServerEventAudioURL(t *testing.T) {
	ev, err := DecodeServerEvent([]byte(`{"type":"audio_url","payload":{"url":"https://cdn/x.mp3","role":"assistant"},"responseId":"r9"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	au, ok := ev.(AudioURLEvent)
	if !ok {
		t.Fatalf("expected AudioURLEvent, got %T", ev)
	}
	if au.Payload.URL != "https://cdn/x.mp3" || au.Payload.Role != "assistant" || au.ResponseID != "r9" {
		t.Fatalf("unexpected event: %+v", au)
	}
}

func TestDecodeServerEventUnknownIsPreserved(t *testing.T) {
	raw := []byte(`{"type":"future_event","extra":1}`)
	ev, err := DecodeServerEvent(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ue, ok := ev.(UnknownEvent)
	if !ok {
		t.Fatalf("expected UnknownEvent, got %T", ev)
	}
	if !bytes.Equal(ue.Raw, raw) {
		t.Fatal("raw payload should be preserved")
	}
}

func TestWrapAudioFrameRoundTrip(t *testing.T) {
	frame := []byte{0x01, 0x02, 0xFF, 0x00}
	data, err := WrapAudioFrame("u1", "s1", frame)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	ev, err := DecodeServerEvent(data)
	if err == nil {
		if _, ok := ev.(UnknownEvent); !ok {
			t.Fatalf("audio_stream should not decode as a known client event, got %T", ev)
		}
	}
	var env AudioStreamEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != TypeAudioStream || env.Payload.UserID != "u1" || env.Payload.SessionID != "s1" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	got, err := DecodeAudioPayload(env.Payload.AudioBuffer)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Fatalf("round trip mismatch: %v != %v", got, frame)
	}
}

func TestDecodeAudioPayloadRejectsBadBase64(t *testing.T) {
	if _, err := DecodeAudioPayload("%%%not-base64%%%"); err == nil {
		t.Fatal("expected error for invalid base64")
	}
}

func TestSniffJSON(t *testing.T) {
	if !SniffJSON([]byte(`  {"type":"info"}`)) {
		t.Fatal("json object should be sniffed")
	}
	if SniffJSON([]byte{0x00, 0x01, 0xFE}) {
		t.Fatal("binary should not be sniffed as json")
	}
	if SniffJSON([]byte("plain text")) {
		t.Fatal("plain text should not be sniffed as json")
	}
	pcm := []byte(base64.StdEncoding.EncodeToString([]byte{1, 2, 3}))
	if SniffJSON(pcm) {
		t.Fatal("base64 text should not be sniffed as json")
	}
}
