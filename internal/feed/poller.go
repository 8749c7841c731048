package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// HTTPPoller implements Poller against a REST quote endpoint of the shape
// `GET {baseURL}/{base}` -> `{"price": 1.10042}`, used as the polling
// fallback (and, with no push URL configured, the sole path) for a base
// symbol's last_real (spec §4.C).
//
// Grounded on the teacher's exchangerate-api.com client: a bare
// *http.Client with a fixed timeout, one GET per lookup, JSON-decoded
// straight into a small anonymous response struct.
type HTTPPoller struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewHTTPPoller creates an HTTPPoller against baseURL.
func NewHTTPPoller(baseURL string, log zerolog.Logger) *HTTPPoller {
	return &HTTPPoller{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
		log:     log.With().Str("component", "feed_poller").Logger(),
	}
}

// PollPrice fetches base's latest real price.
func (p *HTTPPoller) PollPrice(ctx context.Context, base string) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/"+base, nil)
	if err != nil {
		return 0, fmt.Errorf("build quote request for %s: %w", base, err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch quote for %s: %w", base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("quote endpoint returned status %d for %s", resp.StatusCode, base)
	}

	var out struct {
		Price float64 `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode quote for %s: %w", base, err)
	}
	if out.Price <= 0 {
		return 0, fmt.Errorf("quote endpoint returned non-positive price for %s", base)
	}
	return out.Price, nil
}

// NoopPoller reports no upstream configured; used when FeedPollURL is
// unset so the adapter still runs (every symbol simply never acquires a
// last_real and stays in SYNTHETIC mode).
type NoopPoller struct{}

func (NoopPoller) PollPrice(_ context.Context, base string) (float64, error) {
	return 0, fmt.Errorf("no real-feed poller configured for %s", base)
}
