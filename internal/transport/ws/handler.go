// Package ws serves the chat websocket: it authenticates the handshake, then translates client
// frames into broker and message-service calls.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	rt "github.com/baechuer/real-time-ressys/services/invite-service/internal/contracts/realtime"
	"github.com/baechuer/real-time-ressys/services/invite-service/internal/domain"
	appCtx "github.com/baechuer/real-time-ressys/services/invite-service/internal/pkg/context"
	"github.com/baechuer/real-time-ressys/services/invite-service/internal/pkg/logger"
	"github.com/baechuer/real-time-ressys/services/invite-service/internal/realtime"
	"github.com/baechuer/real-time-ressys/services/invite-service/internal/security"
	"github.com/baechuer/real-time-ressys/services/invite-service/internal/transport/rest"
	"github.com/baechuer/real-time-ressys/services/invite-service/internal/transport/rest/response"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// MessageSender is the slice of the message service the socket needs.
type MessageSender interface {
	Send(ctx context.Context, channelID, actorID uuid.UUID, raw string) (domain.Message, error)
}

type Options struct {
	SendBuffer     int
	AllowedOrigins []string // empty allows any origin
}

type Handler struct {
	verifier security.CredentialVerifier
	broker   *realtime.Broker
	messages MessageSender
	opts     Options
	upgrader websocket.Upgrader
}

func NewHandler(verifier security.CredentialVerifier, broker *realtime.Broker, messages MessageSender, opts Options) *Handler {
	if verifier == nil || broker == nil || messages == nil {
		panic("ws.NewHandler: nil dependency")
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	h := &Handler{verifier: verifier, broker: broker, messages: messages, opts: opts}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser client
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, viaSubprotocol := security.HandshakeToken(r)
	actor, err := h.verifier.VerifyCredential(token)
	if err != nil {
		response.Fail(w, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil, appCtx.TraceID(r.Context()))
		return
	}

	up := h.upgrader
	if viaSubprotocol {
		up.Subprotocols = []string{security.SubprotocolBearer}
	}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		logger.WithCtx(r.Context()).Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	ctx := appCtx.WithActorID(r.Context(), actor.ID.String())
	s := newSession(conn, actor.ID, h.opts.SendBuffer, *logger.WithCtx(ctx))
	s.log.Info().Msg("websocket connected")

	if f, err := rt.NewFrame(rt.TypeReady, "", rt.ReadyData{ActorID: actor.ID.String()}); err == nil {
		s.Deliver(f)
	}

	go s.writeLoop()
	h.readLoop(ctx, s)

	h.broker.Remove(s)
	s.log.Info().Msg("websocket disconnected")
}

// readLoop pumps frames from the connection until it fails. There is at most one reader per
// connection.
func (h *Handler) readLoop(ctx context.Context, s *session) {
	defer s.close()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Msg("websocket closed unexpectedly")
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var f rt.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			h.replyError(s, "", "request.invalid", "invalid frame")
			continue
		}
		h.dispatch(ctx, s, f)
	}
}

func (h *Handler) dispatch(ctx context.Context, s *session, f rt.Frame) {
	channelID, err := uuid.Parse(strings.TrimSpace(f.ChannelID))
	if err != nil {
		h.replyError(s, f.ChannelID, "request.invalid", "invalid channel_id")
		return
	}
	ch := channelID.String()

	switch f.Type {
	case rt.TypeJoin:
		h.broker.Join(s, ch)
	case rt.TypeLeave:
		h.broker.Leave(s, ch)
	case rt.TypeTypingStart:
		h.broker.Typing(s, ch, true)
	case rt.TypeTypingStop:
		h.broker.Typing(s, ch, false)
	case rt.TypeMessage:
		// the sender sees its own message through the room broadcast
		if _, err := h.messages.Send(ctx, channelID, s.actor, f.Content); err != nil {
			_, code := rest.ErrorCode(err)
			msg := err.Error()
			if code == "internal" {
				s.log.Error().Err(err).Str("channel_id", ch).Msg("message send failed")
				msg = "internal error"
			}
			h.replyError(s, ch, code, msg)
		}
	default:
		h.replyError(s, ch, "frame.unknown", "unknown frame type")
	}
}

func (h *Handler) replyError(s *session, channelID, code, message string) {
	f, err := rt.NewFrame(rt.TypeError, channelID, rt.ErrorData{Code: code, Message: message})
	if err != nil {
		return
	}
	if !s.Deliver(f) {
		s.log.Warn().Str("code", code).Msg("error frame dropped")
	}
}
