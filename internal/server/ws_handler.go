package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/otcplatform/sentinel-otc/internal/bus"
)

const authenticateTimeout = 10 * time.Second

var errMissingToken = errors.New("authenticate message missing token")

// WSHandler upgrades inbound connections to WebSocket and hands them to
// the subscription bus after a short authenticate handshake (spec §4.H).
type WSHandler struct {
	hub *bus.Hub
	log zerolog.Logger
}

// NewWSHandler creates a WSHandler.
func NewWSHandler(hub *bus.Hub, log zerolog.Logger) *WSHandler {
	return &WSHandler{hub: hub, log: log.With().Str("component", "ws_handler").Logger()}
}

type clientMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type authenticatedPayload struct {
	UserID string `json:"user_id"`
}

type serverMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// ServeHTTP upgrades the connection, authenticates it, then blocks serving
// ticks/settlements until the client disconnects.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to accept websocket connection")
		return
	}

	ctx := r.Context()

	identity, id, err := h.authenticate(ctx, conn)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket authentication failed")
		conn.Close(websocket.StatusPolicyViolation, "authentication required")
		return
	}

	if err := h.send(ctx, conn, serverMessage{Type: "authenticated", Payload: authenticatedPayload{UserID: identity.UserID}}); err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go h.readLoop(runCtx, conn, cancel)

	h.hub.Serve(runCtx, conn, id, identity)
}

// authenticate reads the first client message and resolves it to a bus
// Identity. Tokens are opaque user ids here; a production deployment would
// verify a signed session token instead.
func (h *WSHandler) authenticate(ctx context.Context, conn *websocket.Conn) (bus.Identity, string, error) {
	authCtx, cancel := context.WithTimeout(ctx, authenticateTimeout)
	defer cancel()

	_, data, err := conn.Read(authCtx)
	if err != nil {
		return bus.Identity{}, "", err
	}

	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return bus.Identity{}, "", err
	}
	if msg.Type != "authenticate" || msg.Token == "" {
		return bus.Identity{}, "", errMissingToken
	}

	return bus.Identity{UserID: msg.Token}, msg.Token, nil
}

// readLoop keeps the connection's read path alive (required for
// nhooyr.io/websocket's Ping to observe pong frames) and discards the
// handful of client control messages (subscribe/unsubscribe/ping) the
// protocol allows, since the bus fans every topic out to every
// subscriber already and needs no per-topic filtering.
func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, disconnect func()) {
	defer disconnect()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

func (h *WSHandler) send(ctx context.Context, conn *websocket.Conn, msg serverMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
