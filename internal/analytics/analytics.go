// Package analytics implements the central analytics API client
// (SUPPLEMENT #2, grounded on `original_source/src/analytics.rs` and
// `src/client.rs`): when configured, every canonicalized event batch is
// additionally POSTed, fire-and-forget, to a single collector endpoint —
// in addition to, not instead of, the WASM destination fan-out in
// internal/dispatch.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/edgehop/proxy/internal/event"
)

// sendTimeout matches the 5-second fire-and-forget bound used for
// destination dispatch (§4.L step 7); the central API gets the same
// treatment.
const sendTimeout = 5 * time.Second

// Client posts canonicalized event batches to the central analytics API.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

// New builds a Client. A zero-value endpoint or apiKey means analytics
// reporting is configured off; callers should check Enabled() before
// calling Send, though Send itself is also a safe no-op in that case.
func New(endpoint, apiKey string) *Client {
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: sendTimeout},
	}
}

// Enabled reports whether both the API key and URL are configured
// (§6 `compute.data_collection_api_key`/`compute.data_collection_api_url`).
func (c *Client) Enabled() bool {
	return c != nil && c.endpoint != "" && c.apiKey != ""
}

// Send POSTs the batch in a detached goroutine and returns immediately;
// the caller's request is never blocked on the central API's latency or
// availability. A no-op when the client isn't configured.
func (c *Client) Send(events []*event.Event) {
	if !c.Enabled() || len(events) == 0 {
		return
	}
	body, err := json.Marshal(struct {
		Events []*event.Event `json:"events"`
	}{Events: events})
	if err != nil {
		slog.Error("analytics: marshaling batch failed", "err", err)
		return
	}

	go c.send(body)
}

func (c *Client) send(body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		slog.Error("analytics: building request failed", "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))

	resp, err := c.http.Do(req)
	if err != nil {
		slog.Error("analytics: request failed", "step", "request", "err", err)
		return
	}
	defer resp.Body.Close()
	slog.Info("analytics: batch sent", "step", "response", "status", resp.StatusCode)
}
