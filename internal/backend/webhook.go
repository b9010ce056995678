package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/seantiz/mequeue/internal/ctxlog"
	"github.com/seantiz/mequeue/internal/model"
	"github.com/seantiz/mequeue/internal/wal"
)

// DefaultWebhookTimeout bounds a single delivery attempt.
const DefaultWebhookTimeout = 10 * time.Second

// maxErrorBody caps how much of a failed response is kept in the run error.
const maxErrorBody = 512

// Headers set on every webhook delivery.
const (
	HeaderEntryID = "X-Mequeue-Entry-Id"
	HeaderSeq     = "X-Mequeue-Seq"
)

// ErrWebhookStatus is returned when the receiver answers with a non-2xx status.
var ErrWebhookStatus = errors.New("webhook returned non-success status")

// WebhookPayload is the JSON body posted for each entry.
type WebhookPayload struct {
	EntryID    string          `json:"entry_id"`
	Seq        uint64          `json:"seq"`
	Event      json.RawMessage `json:"event"`
	AcceptedAt time.Time       `json:"accepted_at"`
	State      json.RawMessage `json:"state"`
	StateAt    time.Time       `json:"state_published_at"`
}

// WebhookBackend delivers each entry to an HTTP endpoint. The receiver should
// deduplicate on the entry ID header, since a preempted delivery is replayed.
type WebhookBackend struct {
	url    string
	client *http.Client
}

var _ Backend = (*WebhookBackend)(nil)

// NewWebhook creates a webhook backend posting to url. A nil client gets a
// default one with the given per-request timeout.
func NewWebhook(url string, timeout time.Duration, client *http.Client) *WebhookBackend {
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &WebhookBackend{url: url, client: client}
}

// Handle posts the entry and state. The request carries ctx, so a preempting
// state aborts the delivery in flight.
func (b *WebhookBackend) Handle(ctx context.Context, state model.State, entry wal.Entry[json.RawMessage]) error {
	logger := ctxlog.FromContext(ctx)

	body, err := json.Marshal(WebhookPayload{
		EntryID:    entry.ID,
		Seq:        entry.Seq,
		Event:      orNull(entry.Payload),
		AcceptedAt: entry.AcceptedAt,
		State:      orNull(state.Data),
		StateAt:    state.PublishedAt,
	})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEntryID, entry.ID)
	req.Header.Set(HeaderSeq, strconv.FormatUint(entry.Seq, 10))

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%w: %d %s", ErrWebhookStatus, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	logger.Debug("webhook delivered", "url", b.url, "status", resp.StatusCode)
	return nil
}

func (b *WebhookBackend) Capabilities() Capabilities {
	return Capabilities{
		Name:        NameWebhook,
		Description: "posts each event and the current state to " + b.url,
		Cancellable: true,
		SideEffects: true,
	}
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
