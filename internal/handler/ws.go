package handler

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"hwconfirm/internal/httputil"
	"hwconfirm/internal/model"
	"hwconfirm/internal/notify"
	"hwconfirm/internal/transport/http/middleware"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// SessionRegistry is the part of the hub a push connection needs.
type SessionRegistry interface {
	RegisterSession(userID string, sink notify.Sink)
	Release(userID string, sink notify.Sink) bool
}

type PushHandler struct {
	sessions  SessionRegistry
	jwtSecret string
	upgrader  websocket.Upgrader
}

func NewPushHandler(sessions SessionRegistry, jwtSecret string, allowedOrigins []string) *PushHandler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}

	return &PushHandler{
		sessions:  sessions,
		jwtSecret: jwtSecret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
	}
}

// Serve upgrades the request and binds the connection to the user named in
// the first auth message. The upgrade must carry a valid token (header or
// cookie) and the claimed user must be its subject.
func (h *PushHandler) Serve(w http.ResponseWriter, r *http.Request) {
	token := middleware.TokenFromRequest(r)
	if token == "" {
		httputil.WriteUnauthorized(w, "Missing authentication token")
		return
	}
	tokenUser, err := middleware.ParseToken(token, h.jwtSecret)
	if err != nil {
		if errors.Is(err, middleware.ErrTokenExpired) {
			httputil.WriteUnauthorizedWithCode(w, model.CodeTokenExpired, "Access token has expired")
			return
		}
		httputil.WriteUnauthorizedWithCode(w, model.CodeTokenInvalid, "Invalid authentication token")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Push] Upgrade failed: %v", err)
		return
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	userID, ok := h.authenticate(conn, tokenUser)
	if !ok {
		conn.Close()
		return
	}

	// Registered before the reply so no outcome is missed once the client
	// sees auth_success. Events queue in the sink until the pump starts.
	sink := notify.NewChannelSink(notify.DefaultSinkBuffer)
	h.sessions.RegisterSession(userID, sink)

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(model.ControlMessage{Type: model.MessageTypeAuthSuccess}); err != nil {
		log.Printf("[Push] Auth reply failed: %v", err)
		h.sessions.Release(userID, sink)
		sink.Close()
		conn.Close()
		return
	}
	log.Printf("[Push] Session opened: user=%s", userID)

	go writePump(conn, sink)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.sessions.Release(userID, sink)
	sink.Close()
	log.Printf("[Push] Session closed: user=%s", userID)
}

func (h *PushHandler) authenticate(conn *websocket.Conn, tokenUser string) (string, bool) {
	var msg model.ControlMessage
	if err := conn.ReadJSON(&msg); err != nil {
		log.Printf("[Push] Auth read failed: %v", err)
		return "", false
	}

	if msg.Type != model.MessageTypeAuth || msg.UserID == "" {
		closeWith(conn, websocket.ClosePolicyViolation, "auth required")
		return "", false
	}
	if msg.UserID != tokenUser {
		log.Printf("[Push] Auth mismatch: token=%s claimed=%s", tokenUser, msg.UserID)
		closeWith(conn, websocket.ClosePolicyViolation, "user mismatch")
		return "", false
	}

	return msg.UserID, true
}

// writePump owns all writes after the handshake. It exits when the sink is
// closed, either by the reader or by a newer session replacing this one.
func writePump(conn *websocket.Conn, sink *notify.ChannelSink) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case ev := <-sink.Events():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.Printf("[Push] Write failed: %v", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sink.Done():
			closeWith(conn, websocket.CloseNormalClosure, "")
			return
		}
	}
}

func closeWith(conn *websocket.Conn, code int, text string) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(writeWait))
}
