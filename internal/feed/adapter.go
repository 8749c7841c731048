// Package feed implements the real-feed adapter (spec §4.C): it owns the
// single authoritative `last_real` price per base symbol, sourced from an
// external connector's push updates with a 2 s polling fallback so the
// value is never more than roughly 2 s stale.
//
// Grounded on the teacher's Tradernet market-status WebSocket client for
// the push side (reconnect-with-backoff over nhooyr.io/websocket, an
// HTTP/1.1-forced dialer, a read loop that re-arms itself on drop) and on
// the teacher's client-data TTL cache for the polling/freshness side,
// repurposed here to track one float64 per base symbol instead of whole
// API response bodies.
package feed

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	dialTimeout  = 30 * time.Second
	writeWait    = 10 * time.Second
	pollInterval = 2 * time.Second

	baseReconnectDelay = 5 * time.Second
	maxReconnectDelay  = 5 * time.Minute
)

// Poller fetches the latest real price for a base symbol, used as the
// fallback path and, in environments with no push feed, as the only path.
type Poller interface {
	PollPrice(ctx context.Context, base string) (float64, error)
}

// quote is one cached real-price observation.
type quote struct {
	price     float64
	updatedAt time.Time
}

// Adapter owns last_real for every base symbol it is told to track,
// combining an optional WebSocket push connection with a 2 s poller per
// symbol so no symbol's price is ever older than ~2 s.
type Adapter struct {
	url        string
	httpClient *http.Client
	poller     Poller
	log        zerolog.Logger

	mu      sync.RWMutex
	quotes  map[string]*quote
	cancels map[string]context.CancelFunc

	onUpdate func(base string, price float64, at time.Time)
}

// New creates an Adapter. wsURL may be empty, in which case only polling
// runs. onUpdate is invoked every time a base symbol's last_real changes;
// calls may be concurrent, including for the same base (the push connection
// and that base's poll goroutine both record prices).
func New(wsURL string, poller Poller, log zerolog.Logger, onUpdate func(base string, price float64, at time.Time)) *Adapter {
	return &Adapter{
		url:        wsURL,
		httpClient: http1Client(),
		poller:     poller,
		log:        log.With().Str("component", "feed_adapter").Logger(),
		quotes:     make(map[string]*quote),
		cancels:    make(map[string]context.CancelFunc),
		onUpdate:   onUpdate,
	}
}

// http1Client forces HTTP/1.1 so the WebSocket upgrade handshake isn't
// negotiated away to HTTP/2 over TLS ALPN.
func http1Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig:   &tls.Config{NextProtos: []string{"http/1.1"}},
			ForceAttemptHTTP2: false,
		},
	}
}

// Track starts polling base (and, if a push URL is configured, a shared
// push subscription already covers it) so that LastReal(base) begins
// returning fresh values. Idempotent per base.
func (a *Adapter) Track(ctx context.Context, base string) {
	a.mu.Lock()
	if _, ok := a.cancels[base]; ok {
		a.mu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	a.cancels[base] = cancel
	a.quotes[base] = &quote{}
	a.mu.Unlock()

	go a.pollLoop(pollCtx, base)
}

// Untrack stops polling base.
func (a *Adapter) Untrack(base string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cancel, ok := a.cancels[base]; ok {
		cancel()
		delete(a.cancels, base)
		delete(a.quotes, base)
	}
}

func (a *Adapter) pollLoop(ctx context.Context, base string) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			price, err := a.poller.PollPrice(ctx, base)
			if err != nil {
				a.log.Warn().Err(err).Str("base", base).Msg("poll failed")
				continue
			}
			a.record(base, price, time.Now())
		}
	}
}

// record stores a fresh observation and notifies onUpdate if set. Push and
// poll paths both funnel through here so last_real always reflects
// whichever source was freshest.
func (a *Adapter) record(base string, price float64, at time.Time) {
	a.mu.Lock()
	q, ok := a.quotes[base]
	if !ok {
		q = &quote{}
		a.quotes[base] = q
	}
	if at.Before(q.updatedAt) {
		a.mu.Unlock()
		return
	}
	q.price = price
	q.updatedAt = at
	a.mu.Unlock()

	if a.onUpdate != nil {
		a.onUpdate(base, price, at)
	}
}

// LastReal returns base's most recent known real price and the age of that
// observation. ok is false if base has never been observed.
func (a *Adapter) LastReal(base string) (price float64, age time.Duration, ok bool) {
	a.mu.RLock()
	q, exists := a.quotes[base]
	a.mu.RUnlock()
	if !exists || q.updatedAt.IsZero() {
		return 0, 0, false
	}
	return q.price, time.Since(q.updatedAt), true
}

// pushMessage is the wire shape of one push update: a JSON object
// {"base": base_symbol, "price": price}.
type pushMessage struct {
	Base  string  `json:"base"`
	Price float64 `json:"price"`
}

// RunPush connects to the configured push URL and feeds updates into
// record, reconnecting with exponential backoff until ctx is cancelled.
// A no-op if no push URL was configured.
func (a *Adapter) RunPush(ctx context.Context) {
	if a.url == "" {
		return
	}
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := a.runPushOnce(ctx); err != nil {
			a.log.Warn().Err(err).Int("attempt", attempt+1).Msg("push connection dropped")
		}
		if ctx.Err() != nil {
			return
		}

		attempt++
		delay := backoff(attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func backoff(attempt int) time.Duration {
	delay := baseReconnectDelay * time.Duration(1<<uint(attempt-1))
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	return delay
}

func (a *Adapter) runPushOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, a.url, &websocket.DialOptions{HTTPClient: a.httpClient})
	if err != nil {
		return fmt.Errorf("dial push feed: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	a.log.Info().Str("url", a.url).Msg("connected to real-feed push source")

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read push message: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		var msg pushMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			a.log.Debug().Err(err).Msg("discarding malformed push message")
			continue
		}
		a.record(msg.Base, msg.Price, time.Now())
	}
}
