package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordSender struct {
	name   string
	titles []string
	err    error
}

func (s *recordSender) Send(_ context.Context, title, _ string) error {
	s.titles = append(s.titles, title)
	return s.err
}

func (s *recordSender) Name() string { return s.name }

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotify_EventFilter(t *testing.T) {
	s := &recordSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{"partial_fill", " breaker_open "}, 0, quiet())
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, "trade_success", "ok", ""))
	require.NoError(t, n.Notify(ctx, "breaker_open", "open", ""))
	require.NoError(t, n.NotifyAll(ctx, "startup", ""))
	assert.Equal(t, []string{"open", "startup"}, s.titles)
}

func TestNotify_EmptyFilterAllowsAll(t *testing.T) {
	s := &recordSender{name: "rec"}
	n := NewNotifier([]Sender{s}, nil, 0, quiet())
	require.NoError(t, n.Notify(context.Background(), "anything", "t", ""))
	assert.Len(t, s.titles, 1)
	assert.True(t, n.Enabled())
	assert.False(t, NewNotifier(nil, nil, 0, quiet()).Enabled())
}

func TestNotify_Cooldown(t *testing.T) {
	s := &recordSender{name: "rec"}
	n := NewNotifier([]Sender{s}, nil, time.Minute, quiet())
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, "breaker_open", "1", ""))
	require.NoError(t, n.Notify(ctx, "breaker_open", "2", ""))
	require.NoError(t, n.Notify(ctx, "partial_fill", "3", ""))
	now = now.Add(time.Minute)
	require.NoError(t, n.Notify(ctx, "breaker_open", "4", ""))
	assert.Equal(t, []string{"1", "3", "4"}, s.titles)
}

func TestNotify_OneSenderFailureDoesNotStopOthers(t *testing.T) {
	bad := &recordSender{name: "bad", err: errors.New("down")}
	good := &recordSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, 0, quiet())

	err := n.Notify(context.Background(), "e", "t", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: down")
	assert.Len(t, good.titles, 1)
}

func TestTelegramSender(t *testing.T) {
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	}))
	defer srv.Close()

	s := NewTelegramSender(srv.URL, "TOKEN", "42")
	require.NoError(t, s.Send(context.Background(), "Breaker", "open"))
	assert.Equal(t, "42", body["chat_id"])
	assert.Equal(t, "*Breaker*\nopen", body["text"])
}

func TestTelegramSender_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "chat not found", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewTelegramSender(srv.URL, "TOKEN", "42").Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.NotContains(t, err.Error(), "TOKEN")
}

func TestDiscordSender_PostsEmbed(t *testing.T) {
	var body discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.URL)
	s.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	require.NoError(t, s.Send(context.Background(), "Breaker open", strings.Repeat("x", 5000)))

	require.Len(t, body.Embeds, 1)
	e := body.Embeds[0]
	assert.Equal(t, "Breaker open", e.Title)
	assert.Len(t, []rune(e.Description), discordDescriptionLimit)
	assert.True(t, strings.HasSuffix(e.Description, "…"))
	assert.Equal(t, "2026-03-01T12:00:00Z", e.Timestamp)
}

func TestDiscordSender_RetriesShortRateLimit(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"retry_after":0.01}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, NewDiscordSender(srv.URL).Send(context.Background(), "t", "m"))
	assert.Equal(t, 2, calls)
}

func TestDiscordSender_LongRateLimitFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"retry_after":30}`))
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}
