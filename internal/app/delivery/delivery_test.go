package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/nudge/internal/domain"
	"github.com/tutu-network/nudge/internal/infra/sqlite"
	"github.com/tutu-network/nudge/internal/infra/timer"
)

var epoch = time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)

func testDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// ─── Inbox ──────────────────────────────────────────────────────────────────

func TestInbox_DeliverThenDue(t *testing.T) {
	clk := timer.NewFake(epoch)
	inbox := NewInbox(testDB(t), clk, nil)

	ok, err := inbox.Deliver(context.Background(), "Now", "body", epoch)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = inbox.Deliver(context.Background(), "Later", "body", epoch.Add(time.Hour))
	require.NoError(t, err)

	due, err := inbox.Due(10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "Now", due[0].Title)

	clk.Advance(time.Hour)
	due, err = inbox.Due(10)
	require.NoError(t, err)
	assert.Len(t, due, 2)

	shown, err := inbox.MarkShown(due[0].ID)
	require.NoError(t, err)
	assert.True(t, shown)
	due, _ = inbox.Due(10)
	assert.Len(t, due, 1)

	shown, err = inbox.MarkShown("missing")
	require.NoError(t, err)
	assert.False(t, shown)

	n, err := inbox.CountToday()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// ─── Webhook ────────────────────────────────────────────────────────────────

func TestWebhook_PostsPayload(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ok, err := NewWebhook(srv.URL, time.Second, nil).Deliver(context.Background(), "T", "B", epoch)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "T", got.Title)
	assert.True(t, got.ScheduledAt.Equal(epoch))
}

func TestWebhook_RejectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ok, err := NewWebhook(srv.URL, time.Second, nil).Deliver(context.Background(), "T", "B", epoch)
	assert.False(t, ok)
	assert.ErrorIs(t, err, domain.ErrDeliveryRejected)
}

func TestWebhook_UnreachableIsOffline(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	ok, err := NewWebhook(url, time.Second, nil).Deliver(context.Background(), "T", "B", epoch)
	assert.False(t, ok)
	assert.ErrorIs(t, err, domain.ErrOffline)
}

func TestWebhook_Ping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	w := NewWebhook(srv.URL, time.Second, nil)
	assert.NoError(t, w.Ping(context.Background()), "any response is reachable")

	srv.Close()
	assert.ErrorIs(t, w.Ping(context.Background()), domain.ErrOffline)
}
