package live

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/lingzhi-ai/lingzhi-live/pkg/live/protocol"
)

// SessionHooks are optional observers for wire-level events the transcript
// does not capture.
type SessionHooks struct {
	OnInfo  func(message string)
	OnError func(code, message string)
	OnDone  func()
}

// Session is the client's live connection to the relay. It sends the
// session_start handshake, routes binary frames to the playback scheduler
// and JSON events to the correlator, and exposes the control senders the
// turn controller needs.
type Session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	userID    string
	sessionID string

	scheduler  *Scheduler
	correlator *Correlator
	hooks      SessionHooks
	logger     *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the relay, performs the session_start handshake, and
// starts the read loop.
func Dial(ctx context.Context, relayURL, token string, params ConnectParams, scheduler *Scheduler, correlator *Correlator, hooks SessionHooks, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}

	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	q.Set("sessionId", params.SessionID)
	if params.Scenario != "" {
		q.Set("scenario", params.Scenario)
	}
	if params.Topic != "" {
		q.Set("topic", params.Topic)
	}
	if params.Voice != "" {
		q.Set("voice", params.Voice)
	}
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	s := &Session{
		conn:       conn,
		sessionID:  params.SessionID,
		scheduler:  scheduler,
		correlator: correlator,
		hooks:      hooks,
		logger:     logger,
		done:       make(chan struct{}),
	}

	start := protocol.SessionStart{
		Type:      protocol.TypeSessionStart,
		SessionID: params.SessionID,
		Token:     token,
		Scenario:  params.Scenario,
		Topic:     params.Topic,
	}
	if err := s.writeJSON(start); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send session_start: %w", err)
	}

	go s.readLoop(ctx)
	return s, nil
}

// Done is closed when the read loop exits.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close tears the connection down.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

// SendAudioFrame implements ControlSender.
func (s *Session) SendAudioFrame(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// SendControl implements ControlSender.
func (s *Session) SendControl(msgType string) error {
	return s.writeJSON(protocol.Control{Type: msgType})
}

func (s *Session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) readLoop(ctx context.Context) {
	defer close(s.done)
	defer s.Close()
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("relay connection lost", "err", err)
			}
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			s.scheduler.Enqueue(data)
		case websocket.TextMessage:
			s.handleEvent(ctx, data)
		}
	}
}

// HandleRecovered routes a JSON control message that arrived on the binary
// channel; the scheduler hands these back during its decode fallback.
func (s *Session) HandleRecovered(data []byte) {
	s.handleEvent(context.Background(), data)
}

func (s *Session) handleEvent(ctx context.Context, data []byte) {
	ev, err := protocol.DecodeServerEvent(data)
	if err != nil {
		s.logger.Warn("bad server event", "err", err)
		return
	}
	switch e := ev.(type) {
	case protocol.TextEvent:
		s.correlator.AppendDelta(e.ResponseID, e.Content())
	case protocol.TranscriptionEvent:
		s.correlator.Transcription(e.Text, e.IsFinal)
	case protocol.AudioURLEvent:
		s.correlator.AttachAudioURL(e.ResponseID, Role(e.Payload.Role), e.Payload.URL)
	case protocol.RoleSwitchEvent:
		s.correlator.SwitchSpeaker(e.Payload.Role)
	case protocol.DoneEvent:
		s.correlator.FinalizeAssistant()
		if s.hooks.OnDone != nil {
			s.hooks.OnDone()
		}
	case protocol.TaskCompletedEvent:
		if err := s.correlator.TaskCompleted(ctx); err != nil {
			s.logger.Warn("task resync failed", "err", err)
		}
	case protocol.InfoEvent:
		if s.hooks.OnInfo != nil {
			s.hooks.OnInfo(e.Message)
		}
	case protocol.ErrorEvent:
		s.logger.Error("relay error", "code", e.Payload.Code, "message", e.Payload.Message)
		if s.hooks.OnError != nil {
			s.hooks.OnError(e.Payload.Code, e.Payload.Message)
		}
	case protocol.UnknownEvent:
		s.logger.Debug("unhandled event", "type", e.Type)
	}
}
