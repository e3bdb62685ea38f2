package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/masurp/travelgram-tracking/internal/event"
)

// DeliveryStatus tells the caller what happened to a batch without making
// it parse logs: delivered, dropped after a failed attempt, or skipped
// because backoff suspended delivery.
type DeliveryStatus int

const (
	StatusDelivered DeliveryStatus = iota
	StatusDropped
	StatusSkipped
)

func (s DeliveryStatus) String() string {
	switch s {
	case StatusDelivered:
		return "delivered"
	case StatusDropped:
		return "dropped"
	case StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Transport hands a batch to the ingestion endpoint.
type Transport interface {
	// Send delivers one batch and blocks until the attempt resolves.
	Send(ctx context.Context, events []event.Event) error

	// SendBeacon is the unload path: one-way, fire-and-forget, no
	// response handling. Must not block the caller.
	SendBeacon(events []event.Event)
}

const (
	sendTimeout = 5 * time.Second
	// After any failure in this session the timeout is extended, on the
	// assumption that the endpoint is slow rather than down.
	degradedSendTimeout = 8 * time.Second

	beaconTimeout = 3 * time.Second
)

// HTTPTransport posts batches as {"events": [...]} to a tracking endpoint.
type HTTPTransport struct {
	url    string
	client *http.Client

	mu         sync.Mutex
	hadFailure bool
}

// NewHTTPTransport returns a transport for the given ingestion URL.
func NewHTTPTransport(url string) *HTTPTransport {
	return &HTTPTransport{
		url:    url,
		client: &http.Client{},
	}
}

func (t *HTTPTransport) timeout() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hadFailure {
		return degradedSendTimeout
	}
	return sendTimeout
}

func (t *HTTPTransport) markFailure() {
	t.mu.Lock()
	t.hadFailure = true
	t.mu.Unlock()
}

func (t *HTTPTransport) post(ctx context.Context, events []event.Event, timeout time.Duration) error {
	body, err := json.Marshal(map[string]any{"events": events})
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("send batch: status %d", resp.StatusCode)
	}
	return nil
}

func (t *HTTPTransport) Send(ctx context.Context, events []event.Event) error {
	if err := t.post(ctx, events, t.timeout()); err != nil {
		t.markFailure()
		return err
	}
	return nil
}

func (t *HTTPTransport) SendBeacon(events []event.Event) {
	go func() {
		if err := t.post(context.Background(), events, beaconTimeout); err != nil {
			log.Debug().Err(err).Int("events", len(events)).Msg("Beacon send failed")
		}
	}()
}
