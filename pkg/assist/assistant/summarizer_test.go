package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/GTFB/forlifely-sub005/pkg/assist/store"
)

// fakeSummaryProvider records calls and returns a deterministic summary.
type fakeSummaryProvider struct {
	calls []summarizeCall
	fail  error
}

type summarizeCall struct {
	model       string
	prevSummary string
	batchSize   int
}

func (f *fakeSummaryProvider) Summarize(ctx context.Context, model, prevSummary string, batch []*store.Message) (string, error) {
	f.calls = append(f.calls, summarizeCall{model: model, prevSummary: prevSummary, batchSize: len(batch)})
	if f.fail != nil {
		return "", f.fail
	}
	return fmt.Sprintf("summary after %d calls", len(f.calls)), nil
}

func newSummarizerFixture(t *testing.T, cfg SummarizerConfig) (*Summarizer, *store.SQLiteStore, *fakeSummaryProvider) {
	t.Helper()
	s, err := store.OpenSQLite(store.SQLiteConfig{Path: ":memory:"}, slog.Default())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	s.DB().SetMaxOpenConns(1)
	t.Cleanup(func() { s.Close() })

	provider := &fakeSummaryProvider{}
	return NewSummarizer(cfg, s, s, provider, slog.Default()), s, provider
}

func seedThread(t *testing.T, s *store.SQLiteStore, settings store.ThreadSettings) *store.Thread {
	t.Helper()
	thread, err := s.Create(context.Background(), &store.Thread{
		ParticipantID: "assistant",
		Channel:       "telegram",
		ChannelRef:    "chat-1",
		Settings:      settings,
	})
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	return thread
}

func seedMessages(t *testing.T, s *store.SQLiteStore, thread *store.Thread, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := s.Append(context.Background(), &store.Message{
			ThreadID:      thread.ID,
			ParticipantID: thread.ParticipantID,
			Content:       fmt.Sprintf("turn %d", i),
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
}

func TestSummarizerAdvancesAtContextLength(t *testing.T) {
	t.Parallel()
	sum, s, provider := newSummarizerFixture(t, SummarizerConfig{})
	ctx := context.Background()
	thread := seedThread(t, s, store.ThreadSettings{Prompt: "p", Model: "m", ContextLength: 3})

	// Below the context length nothing happens.
	seedMessages(t, s, thread, 2)
	if err := sum.Run(ctx, thread); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(provider.calls) != 0 {
		t.Fatalf("provider called %d times before boundary, want 0", len(provider.calls))
	}

	// The third turn crosses the boundary.
	seedMessages(t, s, thread, 1)
	if err := sum.Run(ctx, thread); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(provider.calls) != 1 {
		t.Fatalf("provider called %d times, want 1", len(provider.calls))
	}
	if provider.calls[0].batchSize != 3 {
		t.Errorf("batch size: got %d, want 3", provider.calls[0].batchSize)
	}
	if provider.calls[0].model != "m" {
		t.Errorf("model: got %q, want %q", provider.calls[0].model, "m")
	}

	got, err := s.Get(ctx, thread.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Summary.Version != 1 {
		t.Errorf("version: got %d, want 1", got.Summary.Version)
	}
	if got.Summary.Text == "" || got.Summary.LastMessageID == "" {
		t.Errorf("summary state incomplete: %+v", got.Summary)
	}
}

func TestSummarizerVersionTracksContextLength(t *testing.T) {
	t.Parallel()

	// The divisor is the thread's own context length: two threads with the
	// same history land on different versions.
	tests := []struct {
		name          string
		contextLength int
		turns         int
		wantVersion   int
		wantBatch     int
	}{
		{name: "short context", contextLength: 3, turns: 6, wantVersion: 2, wantBatch: 6},
		{name: "long context", contextLength: 6, turns: 6, wantVersion: 1, wantBatch: 6},
		{name: "below boundary", contextLength: 7, turns: 6, wantVersion: 0, wantBatch: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sum, s, provider := newSummarizerFixture(t, SummarizerConfig{})
			ctx := context.Background()
			thread := seedThread(t, s, store.ThreadSettings{
				Prompt: "p", Model: "m", ContextLength: tt.contextLength,
			})
			seedMessages(t, s, thread, tt.turns)

			if err := sum.Run(ctx, thread); err != nil {
				t.Fatalf("run: %v", err)
			}

			got, err := s.Get(ctx, thread.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Summary.Version != tt.wantVersion {
				t.Errorf("version: got %d, want %d", got.Summary.Version, tt.wantVersion)
			}
			if tt.wantBatch == 0 {
				if len(provider.calls) != 0 {
					t.Fatalf("provider called %d times, want 0", len(provider.calls))
				}
				return
			}
			if len(provider.calls) != 1 {
				t.Fatalf("provider called %d times, want 1", len(provider.calls))
			}
			if provider.calls[0].batchSize != tt.wantBatch {
				t.Errorf("batch size: got %d, want %d", provider.calls[0].batchSize, tt.wantBatch)
			}
		})
	}
}

func TestSummarizerSkipsUnconfiguredThread(t *testing.T) {
	t.Parallel()
	sum, s, provider := newSummarizerFixture(t, SummarizerConfig{})
	thread := seedThread(t, s, store.ThreadSettings{Prompt: "p", Model: "m"})
	seedMessages(t, s, thread, 5)

	if err := sum.Run(context.Background(), thread); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(provider.calls) != 0 {
		t.Fatalf("provider called %d times for thread without context length, want 0", len(provider.calls))
	}
}

func TestSummarizerIdempotentReruns(t *testing.T) {
	t.Parallel()
	sum, s, provider := newSummarizerFixture(t, SummarizerConfig{})
	ctx := context.Background()
	thread := seedThread(t, s, store.ThreadSettings{Prompt: "p", Model: "m", ContextLength: 3})
	seedMessages(t, s, thread, 3)

	if err := sum.Run(ctx, thread); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Re-running with the refreshed thread is a no-op until three more
	// turns arrive.
	thread, err := s.Get(ctx, thread.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := sum.Run(ctx, thread); err != nil {
			t.Fatalf("rerun %d: %v", i, err)
		}
	}
	if len(provider.calls) != 1 {
		t.Fatalf("provider called %d times, want 1", len(provider.calls))
	}

	seedMessages(t, s, thread, 2)
	if err := sum.Run(ctx, thread); err != nil {
		t.Fatalf("run at 5 turns: %v", err)
	}
	if len(provider.calls) != 1 {
		t.Fatalf("provider called %d times at 5 turns, want 1", len(provider.calls))
	}
}

func TestSummarizerCollapsesMissedVersions(t *testing.T) {
	t.Parallel()
	sum, s, provider := newSummarizerFixture(t, SummarizerConfig{})
	ctx := context.Background()
	thread := seedThread(t, s, store.ThreadSettings{Prompt: "p", Model: "m", ContextLength: 3})

	// Seven turns with no pass in between: the summary jumps straight
	// from version 0 to 2 in one call.
	seedMessages(t, s, thread, 7)
	if err := sum.Run(ctx, thread); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(provider.calls) != 1 {
		t.Fatalf("provider called %d times, want 1", len(provider.calls))
	}
	if provider.calls[0].batchSize != 6 {
		t.Errorf("batch size: got %d, want 6", provider.calls[0].batchSize)
	}

	got, err := s.Get(ctx, thread.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Summary.Version != 2 {
		t.Errorf("version: got %d, want 2", got.Summary.Version)
	}
}

func TestSummarizerBatchClamp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		cfg       SummarizerConfig
		settings  store.ThreadSettings
		turns     int
		wantBatch int
	}{
		{
			name:      "default clamp",
			cfg:       SummarizerConfig{},
			settings:  store.ThreadSettings{Prompt: "p", Model: "m", ContextLength: 5},
			turns:     40,
			wantBatch: DefaultMaxBatch,
		},
		{
			name:      "per-thread override",
			cfg:       SummarizerConfig{},
			settings:  store.ThreadSettings{Prompt: "p", Model: "m", ContextLength: 5, SummaryBatchLimit: 4},
			turns:     40,
			wantBatch: 4,
		},
		{
			name:      "config max batch",
			cfg:       SummarizerConfig{MaxBatch: 7},
			settings:  store.ThreadSettings{Prompt: "p", Model: "m", ContextLength: 5},
			turns:     40,
			wantBatch: 7,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sum, s, provider := newSummarizerFixture(t, tt.cfg)
			thread := seedThread(t, s, tt.settings)
			seedMessages(t, s, thread, tt.turns)

			if err := sum.Run(context.Background(), thread); err != nil {
				t.Fatalf("run: %v", err)
			}
			if len(provider.calls) != 1 {
				t.Fatalf("provider called %d times, want 1", len(provider.calls))
			}
			if provider.calls[0].batchSize != tt.wantBatch {
				t.Errorf("batch size: got %d, want %d", provider.calls[0].batchSize, tt.wantBatch)
			}
		})
	}
}

func TestSummarizerCompoundsPreviousSummary(t *testing.T) {
	t.Parallel()
	sum, s, provider := newSummarizerFixture(t, SummarizerConfig{})
	ctx := context.Background()
	thread := seedThread(t, s, store.ThreadSettings{Prompt: "p", Model: "m", ContextLength: 2})

	seedMessages(t, s, thread, 2)
	if err := sum.Run(ctx, thread); err != nil {
		t.Fatalf("first run: %v", err)
	}

	thread, err := s.Get(ctx, thread.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	seedMessages(t, s, thread, 2)
	if err := sum.Run(ctx, thread); err != nil {
		t.Fatalf("second run: %v", err)
	}

	if len(provider.calls) != 2 {
		t.Fatalf("provider called %d times, want 2", len(provider.calls))
	}
	if provider.calls[0].prevSummary != "" {
		t.Errorf("first call prev summary: got %q, want empty", provider.calls[0].prevSummary)
	}
	if provider.calls[1].prevSummary != "summary after 1 calls" {
		t.Errorf("second call prev summary: got %q", provider.calls[1].prevSummary)
	}
}

func TestSummarizerFailureLeavesStateUntouched(t *testing.T) {
	t.Parallel()
	sum, s, provider := newSummarizerFixture(t, SummarizerConfig{})
	ctx := context.Background()
	thread := seedThread(t, s, store.ThreadSettings{Prompt: "p", Model: "m", ContextLength: 2})
	seedMessages(t, s, thread, 2)

	provider.fail = fmt.Errorf("model unavailable")
	if err := sum.Run(ctx, thread); err == nil {
		t.Fatal("expected error from failing provider")
	}

	got, err := s.Get(ctx, thread.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Summary.Version != 0 || got.Summary.Text != "" {
		t.Errorf("summary advanced despite failure: %+v", got.Summary)
	}

	// The retry picks up from the same version.
	provider.fail = nil
	if err := sum.Run(ctx, got); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got, err = s.Get(ctx, thread.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Summary.Version != 1 {
		t.Errorf("version after retry: got %d, want 1", got.Summary.Version)
	}
}

func TestSummarizerModelOverride(t *testing.T) {
	t.Parallel()
	sum, s, provider := newSummarizerFixture(t, SummarizerConfig{Model: "cheap-model"})
	thread := seedThread(t, s, store.ThreadSettings{Prompt: "p", Model: "m", ContextLength: 2})
	seedMessages(t, s, thread, 2)

	if err := sum.Run(context.Background(), thread); err != nil {
		t.Fatalf("run: %v", err)
	}
	if provider.calls[0].model != "cheap-model" {
		t.Errorf("model: got %q, want %q", provider.calls[0].model, "cheap-model")
	}
}

func TestSummarizerSweepCatchesUpThreads(t *testing.T) {
	t.Parallel()
	sum, s, provider := newSummarizerFixture(t, SummarizerConfig{})
	ctx := context.Background()

	a := seedThread(t, s, store.ThreadSettings{Prompt: "p", Model: "m", ContextLength: 2})
	b, err := s.Create(ctx, &store.Thread{
		ParticipantID: "assistant",
		Channel:       "telegram",
		ChannelRef:    "chat-2",
		Settings:      store.ThreadSettings{Prompt: "p", Model: "m", ContextLength: 2},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	seedMessages(t, s, a, 4)
	seedMessages(t, s, b, 2)

	sum.Sweep(ctx)

	if len(provider.calls) != 2 {
		t.Fatalf("provider called %d times, want 2", len(provider.calls))
	}
	for _, id := range []string{a.ID, b.ID} {
		got, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Summary.Version == 0 {
			t.Errorf("thread %s not summarized by sweep", id)
		}
	}
}
