package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(SQLiteConfig{Path: ":memory:"}, slog.Default())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	// An in-memory database exists per connection; keep the pool at one.
	s.DB().SetMaxOpenConns(1)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestThread(t *testing.T, s *SQLiteStore, channel, ref string) *Thread {
	t.Helper()
	thread, err := s.Create(context.Background(), &Thread{
		ParticipantID: "assistant-1",
		Channel:       channel,
		ChannelRef:    ref,
		Settings: ThreadSettings{
			Prompt:        "You are a helpful assistant.",
			Model:         "gpt-4o-mini",
			ContextLength: 10,
		},
	})
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	return thread
}

func TestAppendAndListOrdering(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	thread := newTestThread(t, s, "telegram", "chat-1")

	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, &Message{
			ThreadID:      thread.ID,
			ParticipantID: thread.ParticipantID,
			Content:       fmt.Sprintf("turn %d", i),
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	all, err := s.ListAll(ctx, thread.ID, thread.ParticipantID, KindText)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("got %d messages, want 5", len(all))
	}
	for i, m := range all {
		if want := fmt.Sprintf("turn %d", i); m.Content != want {
			t.Errorf("message %d: got %q, want %q", i, m.Content, want)
		}
	}
}

func TestListRecentClampsAndOrdersOldestFirst(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	thread := newTestThread(t, s, "telegram", "chat-2")

	for i := 0; i < 8; i++ {
		if _, err := s.Append(ctx, &Message{
			ThreadID:      thread.ID,
			ParticipantID: thread.ParticipantID,
			Content:       fmt.Sprintf("turn %d", i),
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	recent, err := s.ListRecent(ctx, thread.ID, thread.ParticipantID, KindText, 3)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("got %d messages, want 3", len(recent))
	}
	for i, want := range []string{"turn 5", "turn 6", "turn 7"} {
		if recent[i].Content != want {
			t.Errorf("recent[%d]: got %q, want %q", i, recent[i].Content, want)
		}
	}
}

func TestListRecentUnknownThread(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	msgs, err := s.ListRecent(context.Background(), "no-such-thread", "assistant-1", KindText, 5)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("got %d messages for unknown thread, want 0", len(msgs))
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	thread := newTestThread(t, s, "whatsapp", "5511999999999")

	stored, err := s.Append(ctx, &Message{
		ThreadID:      thread.ID,
		ParticipantID: thread.ParticipantID,
		Content:       "hello",
		Metadata:      map[string]any{"direction": "inbound", "channel": "whatsapp"},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if stored.ID == "" {
		t.Error("expected generated message id")
	}

	all, err := s.ListAll(ctx, thread.ID, thread.ParticipantID, KindText)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d messages, want 1", len(all))
	}
	if all[0].Direction() != "inbound" {
		t.Errorf("direction: got %q, want %q", all[0].Direction(), "inbound")
	}
}

func TestThreadLookup(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	thread := newTestThread(t, s, "discord", "guild/42")

	got, err := s.Get(ctx, thread.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Settings.Model != "gpt-4o-mini" {
		t.Errorf("settings model: got %q", got.Settings.Model)
	}
	if got.Summary.Version != 0 {
		t.Errorf("new thread summary version: got %d, want 0", got.Summary.Version)
	}

	byRef, err := s.GetByChannelRef(ctx, "discord", "guild/42")
	if err != nil {
		t.Fatalf("get by channel ref: %v", err)
	}
	if byRef.ID != thread.ID {
		t.Errorf("channel ref resolved to %q, want %q", byRef.ID, thread.ID)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrThreadNotFound) {
		t.Errorf("get missing: got %v, want ErrThreadNotFound", err)
	}
	if _, err := s.GetByChannelRef(ctx, "discord", "guild/43"); !errors.Is(err, ErrThreadNotFound) {
		t.Errorf("get by missing ref: got %v, want ErrThreadNotFound", err)
	}
}

func TestUpdateSummaryOptimisticCheck(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	thread := newTestThread(t, s, "telegram", "chat-3")

	state := SummaryState{
		Text:          "user asked about pricing",
		Version:       1,
		LastMessageID: "msg-5",
		UpdatedAt:     time.Now().UTC(),
	}
	if err := s.UpdateSummary(ctx, thread.ID, state, 0); err != nil {
		t.Fatalf("first update: %v", err)
	}

	// A second writer still holding version 0 must lose.
	stale := SummaryState{Text: "stale", Version: 1}
	if err := s.UpdateSummary(ctx, thread.ID, stale, 0); !errors.Is(err, ErrSummaryConflict) {
		t.Fatalf("stale update: got %v, want ErrSummaryConflict", err)
	}

	got, err := s.Get(ctx, thread.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Summary.Version != 1 || got.Summary.Text != "user asked about pricing" {
		t.Errorf("summary state after conflict: %+v", got.Summary)
	}

	if err := s.UpdateSummary(ctx, "missing", state, 0); !errors.Is(err, ErrThreadNotFound) {
		t.Errorf("update missing thread: got %v, want ErrThreadNotFound", err)
	}
}

func TestListThreadsByStatus(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	newTestThread(t, s, "telegram", "a")
	inactive, err := s.Create(ctx, &Thread{
		ParticipantID: "assistant-1",
		Channel:       "telegram",
		ChannelRef:    "b",
		Status:        ThreadInactive,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	all, err := s.List(ctx, "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d threads, want 2", len(all))
	}

	active, err := s.List(ctx, ThreadActive)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("got %d active threads, want 1", len(active))
	}
	if active[0].ID == inactive.ID {
		t.Error("inactive thread returned from active filter")
	}
}

func TestSettingsValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		settings ThreadSettings
		wantErr  []string
	}{
		{
			name: "valid",
			settings: ThreadSettings{
				Prompt: "p", Model: "m", ContextLength: 5,
			},
		},
		{
			name:     "missing prompt",
			settings: ThreadSettings{Model: "m", ContextLength: 5},
			wantErr:  []string{"prompt"},
		},
		{
			name:     "everything missing",
			settings: ThreadSettings{},
			wantErr:  []string{"prompt", "model", "contextLength"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.settings.Validate()
			if len(tt.wantErr) == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("got %v, want *ConfigError", err)
			}
			if len(cfgErr.Fields) != len(tt.wantErr) {
				t.Fatalf("fields: got %v, want %v", cfgErr.Fields, tt.wantErr)
			}
			for i, f := range tt.wantErr {
				if cfgErr.Fields[i] != f {
					t.Errorf("field %d: got %q, want %q", i, cfgErr.Fields[i], f)
				}
			}
		})
	}
}
