// Package protocol defines the wire messages exchanged between the voice
// client, the edge relay, and the upstream AI service.
//
// The client/relay leg mixes raw binary audio frames with JSON control
// messages. The relay/upstream leg is JSON-framed even for audio: outbound
// frames are wrapped as base64 audio_stream envelopes and inbound
// audio_response payloads are unwrapped back to binary.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Client → relay control message types.
const (
	TypeSessionStart       = "session_start"
	TypeUserAudioEnded     = "user_audio_ended"
	TypeUserAudioCancelled = "user_audio_cancelled"
	TypeUserInterruption   = "user_interruption"
)

// Relay → client event types.
const (
	TypeAIResponse    = "ai_response"
	TypeTextResponse  = "text_response"
	TypeTranscription = "transcription"
	TypeAudioURL      = "audio_url"
	TypeRoleSwitch    = "role_switch"
	TypeTaskCompleted = "task_completed"
	TypeResponseDone  = "response.audio.done"
	TypeInfo          = "info"
	TypeError         = "error"
)

// Relay ↔ upstream envelope types.
const (
	TypeAudioStream   = "audio_stream"
	TypeAudioResponse = "audio_response"
)

// Error codes carried in error event payloads.
const (
	ErrCodeUpstreamUnavailable  = "upstream_unavailable"
	ErrCodeStartupQueueOverflow = "startup_queue_overflow"
)

// DecodeError reports a malformed or unrecognized wire message.
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badMessage(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_message", Message: message, Param: param}
}

// SessionStart is the handshake the client sends once after the socket opens.
type SessionStart struct {
	Type      string `json:"type"`
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
	Scenario  string `json:"scenario,omitempty"`
	Topic     string `json:"topic,omitempty"`
}

// Control is a bare turn-boundary signal (user_audio_ended,
// user_audio_cancelled, user_interruption).
type Control struct {
	Type string `json:"type"`
}

// ClientMessage is implemented by every decoded client → relay JSON message.
type ClientMessage interface {
	clientMessageType() string
}

func (m SessionStart) clientMessageType() string { return m.Type }
func (m Control) clientMessageType() string      { return m.Type }

// DecodeClientMessage parses a JSON text frame from the client leg.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, badMessage("invalid json", "")
	}
	switch head.Type {
	case TypeSessionStart:
		var m SessionStart
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, badMessage("invalid session_start", "")
		}
		if strings.TrimSpace(m.SessionID) == "" {
			return nil, badMessage("sessionId is required", "sessionId")
		}
		return m, nil
	case TypeUserAudioEnded, TypeUserAudioCancelled, TypeUserInterruption:
		return Control{Type: head.Type}, nil
	case "":
		return nil, badMessage("missing type", "type")
	default:
		return nil, badMessage(fmt.Sprintf("unknown client message type %q", head.Type), "type")
	}
}

// TextEvent is a streamed assistant content delta (ai_response or
// text_response on the client leg).
type TextEvent struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Payload    string `json:"payload,omitempty"`
	ResponseID string `json:"responseId,omitempty"`
}

// Content returns the delta text regardless of which field carried it.
func (e TextEvent) Content() string {
	if e.Payload != "" {
		return e.Payload
	}
	return e.Text
}

// TranscriptionEvent carries the user's speech-to-text delta.
type TranscriptionEvent struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"isFinal"`
}

// AudioURLPayload locates a replayable full clip for one turn.
type AudioURLPayload struct {
	URL  string `json:"url"`
	Role string `json:"role"`
}

// AudioURLEvent attaches a playable URL to a turn.
type AudioURLEvent struct {
	Type       string          `json:"type"`
	Payload    AudioURLPayload `json:"payload"`
	ResponseID string          `json:"responseId,omitempty"`
}

// RoleSwitchEvent changes the assistant's active speaker role.
type RoleSwitchEvent struct {
	Type    string `json:"type"`
	Payload struct {
		Role string `json:"role"`
	} `json:"payload"`
}

// DoneEvent marks the end of the current assistant response.
type DoneEvent struct {
	Type string `json:"type"`
}

// TaskCompletedEvent signals that the goal store marked a task complete.
type TaskCompletedEvent struct {
	Type string `json:"type"`
}

// InfoEvent is a human-readable status line from the relay.
type InfoEvent struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// ErrorEvent surfaces a relay or upstream error to the client.
type ErrorEvent struct {
	Type    string       `json:"type"`
	Payload ErrorPayload `json:"payload"`
}

// ErrorPayload describes one error event.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ServerEvent is implemented by every decoded relay → client JSON event.
type ServerEvent interface {
	serverEventType() string
}

func (e TextEvent) serverEventType() string          { return e.Type }
func (e TranscriptionEvent) serverEventType() string { return e.Type }
func (e AudioURLEvent) serverEventType() string      { return e.Type }
func (e RoleSwitchEvent) serverEventType() string    { return e.Type }
func (e DoneEvent) serverEventType() string          { return e.Type }
func (e TaskCompletedEvent) serverEventType() string { return e.Type }
func (e InfoEvent) serverEventType() string          { return e.Type }
func (e ErrorEvent) serverEventType() string         { return e.Type }

// UnknownEvent preserves server events this client version does not model.
type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

func (e UnknownEvent) serverEventType() string { return e.Type }

// DecodeServerEvent parses a JSON text frame from the relay leg.
func DecodeServerEvent(data []byte) (ServerEvent, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, badMessage("invalid json", "")
	}
	switch head.Type {
	case TypeAIResponse, TypeTextResponse:
		var e TextEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, badMessage("invalid text event", "")
		}
		return e, nil
	case TypeTranscription:
		var e TranscriptionEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, badMessage("invalid transcription event", "")
		}
		return e, nil
	case TypeAudioURL:
		var e AudioURLEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, badMessage("invalid audio_url event", "")
		}
		return e, nil
	case TypeRoleSwitch:
		var e RoleSwitchEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, badMessage("invalid role_switch event", "")
		}
		return e, nil
	case TypeResponseDone:
		return DoneEvent{Type: head.Type}, nil
	case TypeTaskCompleted:
		return TaskCompletedEvent{Type: head.Type}, nil
	case TypeInfo:
		var e InfoEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, badMessage("invalid info event", "")
		}
		return e, nil
	case TypeError:
		var e ErrorEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, badMessage("invalid error event", "")
		}
		return e, nil
	case "":
		return nil, badMessage("missing type", "type")
	default:
		return UnknownEvent{Type: head.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

// AudioStreamEnvelope wraps one binary client frame for the JSON-framed
// upstream leg.
type AudioStreamEnvelope struct {
	Type    string             `json:"type"`
	Payload AudioStreamPayload `json:"payload"`
}

// AudioStreamPayload carries the base64 audio and its session context.
type AudioStreamPayload struct {
	UserID      string         `json:"userId"`
	SessionID   string         `json:"sessionId"`
	AudioBuffer string         `json:"audioBuffer"`
	Context     map[string]any `json:"context"`
}

// WrapAudioFrame encodes a raw binary audio frame into the upstream envelope.
func WrapAudioFrame(userID, sessionID string, frame []byte) ([]byte, error) {
	env := AudioStreamEnvelope{
		Type: TypeAudioStream,
		Payload: AudioStreamPayload{
			UserID:      userID,
			SessionID:   sessionID,
			AudioBuffer: base64.StdEncoding.EncodeToString(frame),
			Context:     map[string]any{},
		},
	}
	return json.Marshal(env)
}

// UpstreamAudioResponse is the upstream's base64-wrapped audio chunk.
type UpstreamAudioResponse struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

// DecodeAudioPayload recovers the binary audio bytes from an audio_response
// payload.
func DecodeAudioPayload(payload string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode audio payload: %w", err)
	}
	return raw, nil
}

// SniffJSON reports whether data looks like a JSON text message. It is used
// by the relay to classify upstream frames and by the playback fallback chain
// to recover control messages delivered on the binary channel.
func SniffJSON(data []byte) bool {
	if !utf8.Valid(data) {
		return false
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return false
	}
	return json.Valid([]byte(trimmed))
}
