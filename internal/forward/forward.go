// Package forward mirrors incoming batches to an external script URL
// (the study team's spreadsheet collector). Strictly best-effort: failures
// are logged and never propagated to ingestion.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/masurp/travelgram-tracking/internal/event"
)

type Forwarder struct {
	url    string
	client *http.Client
}

// New returns a forwarder for the given URL. An empty URL disables
// forwarding.
func New(url string) *Forwarder {
	return &Forwarder{
		url:    url,
		client: &http.Client{Timeout: 4 * time.Second},
	}
}

// Enabled reports whether a destination is configured.
func (f *Forwarder) Enabled() bool { return f.url != "" }

// Send posts the batch to the configured URL. Errors are logged only.
func (f *Forwarder) Send(ctx context.Context, events []event.Event) {
	if !f.Enabled() {
		return
	}

	body, err := json.Marshal(map[string]any{"events": events})
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode forward payload")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		log.Error().Err(err).Msg("Failed to build forward request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Msg("Forwarding batch failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Warn().Int("status", resp.StatusCode).Msg("Forward destination rejected batch")
	}
}
