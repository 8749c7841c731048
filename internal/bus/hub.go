// Package bus implements the subscription bus (spec §4.H): per-symbol
// `ticks` and `settlements` topics delivered over WebSocket, with lossy
// tick delivery, lossless settlement delivery, per-subscriber auth
// binding, and a heartbeat/missed-pong disconnect policy.
//
// The per-connection goroutine and reconnect/heartbeat shape is adapted
// from the teacher's Tradernet push client, turned inside out: instead of
// one outbound client reading a single upstream, the Hub accepts many
// inbound subscriber connections and fans ticks/settlements out to them.
package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/otcplatform/sentinel-otc/internal/domain"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	heartbeatInterval = 30 * time.Second
	missedHeartbeats  = 3

	tickBufferSize = 16
)

// Identity is what a subscriber authenticated as.
type Identity struct {
	UserID  string
	IsAdmin bool
}

// envelope is the wire shape pushed to subscribers.
type envelope struct {
	Topic     string      `json:"topic"`
	Symbol    string      `json:"symbol"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// subscriber is one connected client.
type subscriber struct {
	id       string
	identity Identity
	conn     *websocket.Conn

	ticks       chan envelope // lossy: dropped under back-pressure
	settlements chan envelope // lossless: blocking send

	missed int
	mu     sync.Mutex
}

// Hub fans ticks and settlements out to subscribers.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]*subscriber
	log  zerolog.Logger
}

// New creates an empty Hub.
func New(log zerolog.Logger) *Hub {
	return &Hub{
		subs: make(map[string]*subscriber),
		log:  log.With().Str("component", "subscription_bus").Logger(),
	}
}

// Serve accepts a WebSocket connection and runs id's subscriber lifecycle
// until the connection closes or ctx is cancelled. identity is the
// already-authenticated caller (spec §4.H: "an authentication step binds
// the subscriber to a user id").
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, id string, identity Identity) {
	sub := &subscriber{
		id:          id,
		identity:    identity,
		conn:        conn,
		ticks:       make(chan envelope, tickBufferSize),
		settlements: make(chan envelope, tickBufferSize),
	}

	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go h.heartbeatLoop(runCtx, sub, cancel)
	h.writeLoop(runCtx, sub)
}

func (h *Hub) writeLoop(ctx context.Context, sub *subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-sub.ticks:
			if err := h.write(ctx, sub, env); err != nil {
				return
			}
		case env := <-sub.settlements:
			if err := h.write(ctx, sub, env); err != nil {
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, sub *subscriber, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal envelope")
		return nil
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.conn.Write(ctx, websocket.MessageText, data)
}

func (h *Hub) heartbeatLoop(ctx context.Context, sub *subscriber, disconnect context.CancelFunc) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, heartbeatInterval/2)
			err := sub.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				sub.missed++
				h.log.Debug().Str("subscriber", sub.id).Int("missed", sub.missed).Msg("heartbeat missed")
				if sub.missed >= missedHeartbeats {
					h.log.Info().Str("subscriber", sub.id).Msg("disconnecting after missed heartbeats")
					disconnect()
					return
				}
				continue
			}
			sub.missed = 0
		}
	}
}

// PublishTick delivers a tick to every subscriber. Delivery is lossy: a
// subscriber whose tick buffer is full drops this update rather than
// blocking the publisher (spec §4.H).
func (h *Hub) PublishTick(symbol string, tick domain.Tick) {
	env := envelope{Topic: "ticks", Symbol: symbol, Payload: tick, Timestamp: tick.Timestamp}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		select {
		case sub.ticks <- env:
		default:
			h.log.Debug().Str("subscriber", sub.id).Str("symbol", symbol).Msg("dropped tick under back-pressure")
		}
	}
}

// PublishSettlement delivers a settlement event to every subscriber
// authorized to see it: the position's own user, or an admin. Delivery is
// lossless (spec §4.H): a full buffer is waited on rather than dropped, for
// as long as the subscriber stays connected. The call itself returns at once.
func (h *Hub) PublishSettlement(symbol string, pos domain.Position) {
	env := envelope{Topic: "settlements", Symbol: symbol, Payload: pos, Timestamp: time.Now()}
	h.mu.RLock()
	recipients := make([]*subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		if sub.identity.IsAdmin || sub.identity.UserID == pos.User {
			recipients = append(recipients, sub)
		}
	}
	h.mu.RUnlock()

	// Each recipient gets its own goroutine so a single stalled subscriber
	// can never block delivery to the others. The send keeps waiting while
	// the subscriber is still connected (logging a warning every 5 s) and is
	// abandoned only once that subscriber has disconnected.
	for _, sub := range recipients {
		go func(sub *subscriber) {
			for {
				select {
				case sub.settlements <- env:
					return
				case <-time.After(5 * time.Second):
					h.mu.RLock()
					cur, connected := h.subs[sub.id]
					h.mu.RUnlock()
					if !connected || cur != sub {
						h.log.Warn().Str("subscriber", sub.id).Str("symbol", symbol).Msg("settlement not delivered: subscriber disconnected")
						return
					}
					h.log.Warn().Str("subscriber", sub.id).Str("symbol", symbol).Msg("settlement delivery stalled")
				}
			}
		}(sub)
	}
}

// SubscriberCount returns the number of currently connected subscribers,
// for the admin system-resource surface.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
