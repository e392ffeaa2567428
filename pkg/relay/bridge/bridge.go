// Package bridge implements the relay's WebSocket core: it authenticates a
// client connection, opens a paired upstream socket to the AI service, and
// pumps audio and control traffic between the two until either side goes
// away.
package bridge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lingzhi-ai/lingzhi-live/pkg/live/protocol"
	"github.com/lingzhi-ai/lingzhi-live/pkg/relay/auth"
	"github.com/lingzhi-ai/lingzhi-live/pkg/relay/config"
	"github.com/lingzhi-ai/lingzhi-live/pkg/relay/metrics"
	"github.com/lingzhi-ai/lingzhi-live/pkg/relay/registry"
)

// Terminal session statuses reported to metrics.
const (
	statusClientClosed        = "client_closed"
	statusUpstreamLost        = "upstream_lost"
	statusUpstreamUnavailable = "upstream_unavailable"
	statusQueueOverflow       = "queue_overflow"
)

// Handler upgrades /ws requests and runs one bridged session per connection.
type Handler struct {
	cfg      config.Config
	verifier *auth.Verifier
	registry *registry.Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger

	upgrader websocket.Upgrader
	dialer   *websocket.Dialer

	greeting string
}

func NewHandler(cfg config.Config, verifier *auth.Verifier, reg *registry.Registry, m *metrics.Metrics, logger *slog.Logger) *Handler {
	return &Handler{
		cfg:      cfg,
		verifier: verifier,
		registry: reg,
		metrics:  m,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The browser client connects cross-origin from the app host.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.UpstreamHandshakeTimeout,
		},
		greeting: "Welcome! Your conversation partner is connected.",
	}
}

// connParams are the address parameters carried on the client's upgrade
// request and forwarded unchanged to the upstream dial. Values missing from
// the address fall back to the session_start handshake body.
type connParams struct {
	token     string
	sessionID string
	scenario  string
	topic     string
	voice     string
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := connParams{
		token:     auth.TokenFromRequest(r),
		sessionID: q.Get("sessionId"),
		scenario:  q.Get("scenario"),
		topic:     q.Get("topic"),
		voice:     q.Get("voice"),
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(h.cfg.MaxFrameBytes)

	start, err := h.readHandshake(conn)
	if err != nil {
		h.metrics.RecordError("bad_handshake")
		h.closeWith(conn, websocket.ClosePolicyViolation, err.Error())
		return
	}
	if params.token == "" {
		params.token = start.Token
	}
	if params.sessionID == "" {
		params.sessionID = start.SessionID
	}
	if params.scenario == "" {
		params.scenario = start.Scenario
	}
	if params.topic == "" {
		params.topic = start.Topic
	}

	userID := start.UserID
	if h.verifier != nil {
		authedUser, err := h.verifier.Verify(params.token)
		if err != nil {
			h.logger.Warn("auth rejected", "session_id", params.sessionID, "err", err)
			h.metrics.RecordError("auth_failed")
			h.closeWith(conn, websocket.ClosePolicyViolation, "authentication failed")
			return
		}
		userID = authedUser
	}

	s := &session{
		handler:   h,
		client:    conn,
		sessionID: params.sessionID,
		userID:    userID,
		params:    params,
		startedAt: time.Now(),
		logger: h.logger.With(
			"session_id", params.sessionID,
			"user_id", userID,
		),
	}

	if !h.registry.Insert(params.sessionID, userID) {
		h.logger.Warn("duplicate session rejected", "session_id", params.sessionID)
		h.metrics.RecordError("duplicate_session")
		h.closeWith(conn, websocket.ClosePolicyViolation, "session already active")
		return
	}
	h.metrics.RecordSessionStart()
	defer h.registry.Remove(params.sessionID)

	s.run()
}

// readHandshake waits for the session_start message that every client sends
// first.
func (h *Handler) readHandshake(conn *websocket.Conn) (protocol.SessionStart, error) {
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.UpstreamHandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	msgType, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.SessionStart{}, fmt.Errorf("read handshake: %w", err)
	}
	if msgType != websocket.TextMessage {
		return protocol.SessionStart{}, fmt.Errorf("first message must be session_start")
	}
	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		return protocol.SessionStart{}, fmt.Errorf("handshake: %w", err)
	}
	start, ok := msg.(protocol.SessionStart)
	if !ok {
		return protocol.SessionStart{}, fmt.Errorf("first message must be session_start")
	}
	return start, nil
}

func (h *Handler) closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.cfg.WSWriteTimeout))
}

// frame is one WebSocket message read off either leg.
type frame struct {
	binary bool
	data   []byte
}

type dialResult struct {
	conn *websocket.Conn
	err  error
}

// session runs the bridge for one client connection. All writes to both
// sockets happen on the run loop goroutine; the per-socket read loops only
// feed channels.
type session struct {
	handler   *Handler
	client    *websocket.Conn
	sessionID string
	userID    string
	params    connParams
	startedAt time.Time
	logger    *slog.Logger
}

func (s *session) run() {
	h := s.handler

	clientCh := make(chan frame, 16)
	go readLoop(s.client, clientCh)

	dialCh := make(chan dialResult, 1)
	go s.dialUpstream(dialCh)

	pingTicker := time.NewTicker(h.cfg.WSPingInterval)
	defer pingTicker.Stop()

	var (
		upstream   *websocket.Conn
		upstreamCh chan frame
		queue      []frame
		dialing    = true
	)
	defer func() {
		if upstream != nil {
			upstream.Close()
		}
	}()

	s.logger.Info("session started")

	for {
		select {
		case res := <-dialCh:
			dialing = false
			if res.err != nil {
				s.logger.Error("upstream dial failed", "err", res.err)
				h.metrics.RecordError(protocol.ErrCodeUpstreamUnavailable)
				s.sendError(protocol.ErrCodeUpstreamUnavailable, "AI service is unavailable")
				queue = nil
				// The client connection stays open so the user sees the
				// error; nothing further is forwarded.
				continue
			}
			upstream = res.conn
			upstreamCh = make(chan frame, 16)
			go readLoop(upstream, upstreamCh)
			s.sendInfo(h.greeting)
			h.metrics.RecordStartupQueueDepth(len(queue))
			for _, f := range queue {
				if !s.forwardToUpstream(upstream, f) {
					s.closeClient(websocket.CloseInternalServerErr, "AI service connection lost")
					s.finish(statusUpstreamLost)
					return
				}
			}
			queue = nil

		case f, ok := <-clientCh:
			if !ok {
				s.logger.Info("client disconnected")
				s.finish(statusClientClosed)
				return
			}
			h.registry.Touch(s.sessionID)
			switch {
			case upstream != nil:
				if !s.forwardToUpstream(upstream, f) {
					s.closeClient(websocket.CloseInternalServerErr, "AI service connection lost")
					s.finish(statusUpstreamLost)
					return
				}
			case dialing:
				if len(queue) >= h.cfg.StartupQueueLimit {
					s.logger.Error("startup queue overflow", "limit", h.cfg.StartupQueueLimit)
					h.metrics.RecordError(protocol.ErrCodeStartupQueueOverflow)
					s.sendError(protocol.ErrCodeStartupQueueOverflow, "too many messages buffered before the AI service connected")
					s.closeClient(websocket.ClosePolicyViolation, "startup queue overflow")
					s.finish(statusQueueOverflow)
					return
				}
				queue = append(queue, f)
			default:
				// Upstream never opened; drop.
			}

		case f, ok := <-upstreamCh:
			if !ok {
				s.logger.Warn("upstream connection lost")
				s.closeClient(websocket.CloseInternalServerErr, "AI service connection lost")
				s.finish(statusUpstreamLost)
				return
			}
			s.forwardToClient(f)

		case <-pingTicker.C:
			deadline := time.Now().Add(h.cfg.WSWriteTimeout)
			_ = s.client.WriteControl(websocket.PingMessage, nil, deadline)
			if upstream != nil {
				_ = upstream.WriteControl(websocket.PingMessage, nil, deadline)
			}
		}
	}
}

// dialUpstream opens the paired backend socket, carrying the client's
// connection parameters through as query parameters.
func (s *session) dialUpstream(out chan<- dialResult) {
	u, err := url.Parse(strings.TrimRight(s.handler.cfg.UpstreamURL, "/") + "/" + s.sessionID)
	if err != nil {
		out <- dialResult{err: fmt.Errorf("upstream url: %w", err)}
		return
	}
	q := u.Query()
	q.Set("sessionId", s.sessionID)
	if s.params.token != "" {
		q.Set("token", s.params.token)
	}
	if s.params.scenario != "" {
		q.Set("scenario", s.params.scenario)
	}
	if s.params.topic != "" {
		q.Set("topic", s.params.topic)
	}
	if s.params.voice != "" {
		q.Set("voice", s.params.voice)
	}
	u.RawQuery = q.Encode()

	conn, resp, err := s.handler.dialer.Dial(u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		out <- dialResult{err: fmt.Errorf("dial %s: %w", u.String(), err)}
		return
	}
	out <- dialResult{conn: conn}
}

// forwardToUpstream relays one client frame. Binary audio is wrapped in the
// base64 audio_stream envelope; JSON control messages pass through verbatim.
// It reports whether the write succeeded.
func (s *session) forwardToUpstream(upstream *websocket.Conn, f frame) bool {
	h := s.handler
	var payload []byte
	if f.binary {
		wrapped, err := protocol.WrapAudioFrame(s.userID, s.sessionID, f.data)
		if err != nil {
			s.logger.Error("wrap audio frame", "err", err)
			return true
		}
		payload = wrapped
		h.metrics.RecordAudio("inbound", len(f.data))
	} else {
		payload = f.data
		h.metrics.RecordMessage("to_upstream", sniffType(f.data))
	}
	_ = upstream.SetWriteDeadline(time.Now().Add(h.cfg.WSWriteTimeout))
	if err := upstream.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.logger.Error("write upstream", "err", err)
		return false
	}
	return true
}

// forwardToClient relays one upstream message. The upstream leg carries JSON
// on both opcodes, so every frame is sniffed regardless of type:
// audio_response payloads are unwrapped back to binary frames, text_response
// is reshaped to the ai_response the client speaks, other JSON passes through
// verbatim, and anything that is not JSON is already-binary audio and is
// forwarded to the client unchanged.
func (s *session) forwardToClient(f frame) {
	h := s.handler
	if !protocol.SniffJSON(f.data) {
		h.metrics.RecordAudio("outbound", len(f.data))
		s.writeClient(websocket.BinaryMessage, f.data)
		return
	}

	var head struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(f.data, &head)

	switch head.Type {
	case protocol.TypeAudioResponse:
		var env protocol.UpstreamAudioResponse
		if err := json.Unmarshal(f.data, &env); err != nil {
			s.logger.Warn("bad audio_response", "err", err)
			return
		}
		audio, err := protocol.DecodeAudioPayload(env.Payload)
		if err != nil {
			s.logger.Warn("bad audio payload", "err", err)
			return
		}
		h.metrics.RecordAudio("outbound", len(audio))
		s.writeClient(websocket.BinaryMessage, audio)

	case protocol.TypeTextResponse:
		var ev protocol.TextEvent
		if err := json.Unmarshal(f.data, &ev); err != nil {
			s.logger.Warn("bad text_response", "err", err)
			return
		}
		out, err := json.Marshal(protocol.TextEvent{
			Type:       protocol.TypeAIResponse,
			Text:       ev.Content(),
			ResponseID: ev.ResponseID,
		})
		if err != nil {
			return
		}
		h.metrics.RecordMessage("to_client", protocol.TypeAIResponse)
		s.writeClient(websocket.TextMessage, out)

	default:
		h.metrics.RecordMessage("to_client", sniffType(f.data))
		s.writeClient(websocket.TextMessage, f.data)
	}
}

func (s *session) writeClient(msgType int, data []byte) {
	_ = s.client.SetWriteDeadline(time.Now().Add(s.handler.cfg.WSWriteTimeout))
	if err := s.client.WriteMessage(msgType, data); err != nil {
		s.logger.Warn("write client", "err", err)
	}
}

func (s *session) sendError(code, message string) {
	data, err := json.Marshal(protocol.ErrorEvent{
		Type:    protocol.TypeError,
		Payload: protocol.ErrorPayload{Code: code, Message: message},
	})
	if err != nil {
		return
	}
	s.writeClient(websocket.TextMessage, data)
}

func (s *session) sendInfo(message string) {
	data, err := json.Marshal(protocol.InfoEvent{Type: protocol.TypeInfo, Message: message})
	if err != nil {
		return
	}
	s.writeClient(websocket.TextMessage, data)
}

func (s *session) closeClient(code int, reason string) {
	s.handler.closeWith(s.client, code, reason)
}

func (s *session) finish(status string) {
	s.handler.metrics.RecordSessionEnd(status, time.Since(s.startedAt))
	s.logger.Info("session ended", "status", status, "duration_ms", time.Since(s.startedAt).Milliseconds())
}

// readLoop drains a socket into ch until the connection errors, then closes
// ch.
func readLoop(conn *websocket.Conn, ch chan<- frame) {
	defer close(ch)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			ch <- frame{binary: true, data: data}
		case websocket.TextMessage:
			ch <- frame{binary: false, data: data}
		}
	}
}

func sniffType(data []byte) string {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil || head.Type == "" {
		return "unknown"
	}
	return head.Type
}
