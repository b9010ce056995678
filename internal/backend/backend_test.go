package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/mequeue/internal/backend"
	"github.com/seantiz/mequeue/internal/model"
	"github.com/seantiz/mequeue/internal/wal"
)

func testEntry(payload string) wal.Entry[json.RawMessage] {
	return wal.Entry[json.RawMessage]{
		Seq:        7,
		ID:         model.NewID(),
		Payload:    json.RawMessage(payload),
		AcceptedAt: time.Now().UTC(),
	}
}

func testState(data string) model.State {
	return model.State{Data: json.RawMessage(data), PublishedAt: time.Now().UTC()}
}

func TestLogBackend(t *testing.T) {
	b := backend.NewLog()
	require.NoError(t, b.Handle(context.Background(), testState(`{"v":1}`), testEntry(`"e"`)))

	caps := b.Capabilities()
	assert.Equal(t, backend.NameLog, caps.Name)
	assert.False(t, caps.SideEffects)
}

func TestDelayBackend_Completes(t *testing.T) {
	b := backend.NewDelay(5 * time.Millisecond)
	start := time.Now()
	require.NoError(t, b.Handle(context.Background(), testState(`1`), testEntry(`1`)))
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestDelayBackend_Cancelled(t *testing.T) {
	b := backend.NewDelay(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- b.Handle(ctx, testState(`1`), testEntry(`1`)) }()
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("delay backend ignored cancellation")
	}
}

func TestDelayBackend_DefaultDelay(t *testing.T) {
	b := backend.NewDelay(0)
	assert.Contains(t, b.Capabilities().Description, backend.DefaultDelay.String())
}

func TestWebhookBackend_Delivers(t *testing.T) {
	var got backend.WebhookPayload
	var entryHeader, seqHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entryHeader = r.Header.Get(backend.HeaderEntryID)
		seqHeader = r.Header.Get(backend.HeaderSeq)
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	b := backend.NewWebhook(srv.URL, time.Second, nil)
	entry := testEntry(`{"order":42}`)
	require.NoError(t, b.Handle(context.Background(), testState(`{"mode":"live"}`), entry))

	assert.Equal(t, entry.ID, entryHeader)
	assert.Equal(t, "7", seqHeader)
	assert.Equal(t, entry.ID, got.EntryID)
	assert.JSONEq(t, `{"order":42}`, string(got.Event))
	assert.JSONEq(t, `{"mode":"live"}`, string(got.State))
	assert.True(t, b.Capabilities().SideEffects)
}

func TestWebhookBackend_EmptyPayloadsAreNull(t *testing.T) {
	var got map[string]json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	b := backend.NewWebhook(srv.URL, time.Second, nil)
	require.NoError(t, b.Handle(context.Background(), model.State{}, wal.Entry[json.RawMessage]{Seq: 1, ID: "x"}))
	assert.Equal(t, "null", string(got["event"]))
	assert.Equal(t, "null", string(got["state"]))
}

func TestWebhookBackend_NonSuccessIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "try later", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	b := backend.NewWebhook(srv.URL, time.Second, nil)
	err := b.Handle(context.Background(), testState(`1`), testEntry(`1`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, backend.ErrWebhookStatus))
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "try later")
}

func TestWebhookBackend_CancelledInFlight(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	b := backend.NewWebhook(srv.URL, time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- b.Handle(ctx, testState(`1`), testEntry(`1`)) }()

	deadline := time.Now().Add(time.Second)
	for hits.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook delivery ignored cancellation")
	}
}
