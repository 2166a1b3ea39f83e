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
)

type recordingSender struct {
	name  string
	err   error
	calls []string
}

func (s *recordingSender) Send(_ context.Context, title, message string) error {
	s.calls = append(s.calls, title+"|"+message)
	return s.err
}

func (s *recordingSender) Name() string { return s.name }

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifierFiltersEvents(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{EventManualIntervention, " "}, silentLogger())

	if err := n.Notify(context.Background(), EventRoundClosed, "closed", "r-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := n.Notify(context.Background(), EventManualIntervention, "help", "op-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s.calls) != 1 || s.calls[0] != "help|op-1" {
		t.Fatalf("expected only the allowed event, got %v", s.calls)
	}
}

func TestNotifierContinuesPastFailingSender(t *testing.T) {
	boom := errors.New("boom")
	bad := &recordingSender{name: "bad", err: boom}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, silentLogger())

	err := n.Notify(context.Background(), EventRollback, "t", "m")
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined sender error, got %v", err)
	}
	if len(good.calls) != 1 {
		t.Fatalf("expected the healthy sender to be called, got %d", len(good.calls))
	}
	if !n.Enabled() {
		t.Fatal("expected notifier enabled")
	}
}

func TestTelegramSender(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/sendMessage" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.baseURL = srv.URL
	if err := s.Send(context.Background(), "Rollback", "op-1"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got["chat_id"] != "42" || got["text"] != "*Rollback*\nop-1" {
		t.Fatalf("unexpected payload %v", got)
	}
}

func TestDiscordSenderStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad webhook", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestDiscordSenderEmbed(t *testing.T) {
	var got discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscordSender(srv.URL)
	d.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	long := strings.Repeat("x", discordDescriptionMax+10)
	if err := d.Send(context.Background(), "Round closed", long); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(got.Embeds) != 1 {
		t.Fatalf("expected 1 embed, got %d", len(got.Embeds))
	}
	e := got.Embeds[0]
	if e.Title != "Round closed" || e.Timestamp != "2026-03-01T12:00:00Z" {
		t.Fatalf("unexpected embed %+v", e)
	}
	if n := len([]rune(e.Description)); n != discordDescriptionMax {
		t.Fatalf("expected description truncated to %d, got %d", discordDescriptionMax, n)
	}
}
