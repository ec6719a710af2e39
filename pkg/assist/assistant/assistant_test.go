package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/GTFB/forlifely-sub005/pkg/assist/channels"
	"github.com/GTFB/forlifely-sub005/pkg/assist/store"
)

// fakeGateway captures deliveries and serves canned media downloads.
type fakeGateway struct {
	mu        sync.Mutex
	sent      []*channels.OutgoingMessage
	audioData []byte
	audioErr  error
	stream    chan *channels.IncomingMessage
}

func (f *fakeGateway) Messages() <-chan *channels.IncomingMessage { return f.stream }

func (f *fakeGateway) Send(ctx context.Context, channel, to string, msg *channels.OutgoingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeGateway) DownloadMedia(ctx context.Context, msg *channels.IncomingMessage) ([]byte, string, error) {
	if f.audioErr != nil {
		return nil, "", f.audioErr
	}
	return f.audioData, "voice.ogg", nil
}

func (f *fakeGateway) sentMessages() []*channels.OutgoingMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*channels.OutgoingMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

// fakeCompleter returns a fixed reply and records the windows it saw.
type fakeCompleter struct {
	mu      sync.Mutex
	reply   string
	fail    error
	calls   int
	windows [][]*store.Message
}

func (f *fakeCompleter) Complete(ctx context.Context, model, systemPrompt, summary string, window []*store.Message, userMessage string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.windows = append(f.windows, window)
	if f.fail != nil {
		return "", f.fail
	}
	return f.reply, nil
}

type fakeTranscriber struct {
	text string
	fail error
}

func (f *fakeTranscriber) TranscribeAudio(ctx context.Context, audioData []byte, filename string) (string, error) {
	if f.fail != nil {
		return "", f.fail
	}
	return f.text, nil
}

type fixture struct {
	assistant   *Assistant
	store       *store.SQLiteStore
	gateway     *fakeGateway
	completer   *fakeCompleter
	transcriber *fakeTranscriber
	provider    *fakeSummaryProvider
	thread      *store.Thread
}

func newFixture(t *testing.T, settings store.ThreadSettings) *fixture {
	t.Helper()
	s, err := store.OpenSQLite(store.SQLiteConfig{Path: ":memory:"}, slog.Default())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	s.DB().SetMaxOpenConns(1)
	t.Cleanup(func() { s.Close() })

	thread, err := s.Create(context.Background(), &store.Thread{
		ParticipantID: "assistant",
		Channel:       "telegram",
		ChannelRef:    "chat-1",
		Settings:      settings,
	})
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}

	cfg := DefaultConfig()

	gateway := &fakeGateway{stream: make(chan *channels.IncomingMessage, 8)}
	completer := &fakeCompleter{reply: "hello there"}
	transcriber := &fakeTranscriber{text: "spoken words"}
	provider := &fakeSummaryProvider{}
	summarizer := NewSummarizer(cfg.Summarizer, s, s, provider, slog.Default())

	a := NewAssistant(cfg, gateway, s, s, completer, transcriber, summarizer, slog.Default())
	a.ctx, a.cancel = context.WithCancel(context.Background())
	t.Cleanup(a.cancel)

	return &fixture{
		assistant:   a,
		store:       s,
		gateway:     gateway,
		completer:   completer,
		transcriber: transcriber,
		provider:    provider,
		thread:      thread,
	}
}

func validSettings() store.ThreadSettings {
	return store.ThreadSettings{Prompt: "be helpful", Model: "gpt-4o-mini", ContextLength: 10}
}

// shortContextSettings makes the summary boundary fall on the second turn,
// so one inbound/outbound exchange triggers the inline summary pass.
func shortContextSettings() store.ThreadSettings {
	return store.ThreadSettings{Prompt: "be helpful", Model: "gpt-4o-mini", ContextLength: 2}
}

func inboundText(content string) *channels.IncomingMessage {
	return &channels.IncomingMessage{
		ID:        "msg-1",
		Channel:   "telegram",
		From:      "user-1",
		ChatID:    "chat-1",
		Type:      channels.MessageText,
		Content:   content,
		Timestamp: time.Now(),
	}
}

func TestHandleMessagePersistsBothTurns(t *testing.T) {
	t.Parallel()
	f := newFixture(t, shortContextSettings())
	ctx := context.Background()

	f.assistant.handleMessage(inboundText("hi"))

	all, err := f.store.ListAll(ctx, f.thread.ID, f.thread.ParticipantID, store.KindText)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d persisted turns, want 2", len(all))
	}
	if all[0].Direction() != "inbound" || all[0].Content != "hi" {
		t.Errorf("inbound turn: %+v", all[0])
	}
	if all[1].Direction() != "outbound" || all[1].Content != "hello there" {
		t.Errorf("outbound turn: %+v", all[1])
	}

	sent := f.gateway.sentMessages()
	if len(sent) != 1 || sent[0].Content != "hello there" {
		t.Fatalf("deliveries: %+v", sent)
	}
	if sent[0].ReplyTo != "msg-1" {
		t.Errorf("reply_to: got %q, want %q", sent[0].ReplyTo, "msg-1")
	}

	// Two turns at context length 2 means the inline summary pass ran.
	if len(f.provider.calls) != 1 {
		t.Errorf("summary passes: got %d, want 1", len(f.provider.calls))
	}
}

func TestHandleMessageCompletionFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, validSettings())
	f.completer.fail = fmt.Errorf("upstream 500")

	f.assistant.handleMessage(inboundText("hi"))

	all, err := f.store.ListAll(context.Background(), f.thread.ID, f.thread.ParticipantID, store.KindText)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d persisted turns, want 1 (inbound only)", len(all))
	}
	if all[0].Direction() != "inbound" {
		t.Errorf("persisted turn: %+v", all[0])
	}

	sent := f.gateway.sentMessages()
	if len(sent) != 1 || sent[0].Content != completionNotice {
		t.Fatalf("expected generic notice, got %+v", sent)
	}
}

func TestHandleMessageTranscriptionFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, validSettings())
	f.transcriber.fail = fmt.Errorf("whisper unavailable")

	msg := inboundText("")
	msg.Type = channels.MessageAudio
	msg.Media = &channels.MediaInfo{Type: "audio", MimeType: "audio/ogg"}
	f.assistant.handleMessage(msg)

	all, err := f.store.ListAll(context.Background(), f.thread.ID, f.thread.ParticipantID, store.KindText)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("got %d persisted turns, want 0", len(all))
	}
	if f.completer.calls != 0 {
		t.Errorf("completion invoked %d times, want 0", f.completer.calls)
	}

	sent := f.gateway.sentMessages()
	if len(sent) != 1 || sent[0].Content != transcriptionNotice {
		t.Fatalf("expected transcription notice, got %+v", sent)
	}
}

func TestHandleMessageTranscribesVoice(t *testing.T) {
	t.Parallel()
	f := newFixture(t, validSettings())
	f.gateway.audioData = []byte("fake-ogg")

	msg := inboundText("")
	msg.Type = channels.MessageAudio
	msg.Media = &channels.MediaInfo{Type: "audio", MimeType: "audio/ogg"}
	f.assistant.handleMessage(msg)

	all, err := f.store.ListAll(context.Background(), f.thread.ID, f.thread.ParticipantID, store.KindText)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d persisted turns, want 2", len(all))
	}
	if all[0].Content != "spoken words" {
		t.Errorf("inbound content: got %q, want transcript", all[0].Content)
	}

	// The persisted turn records that it came from transcription and
	// which channel message carried the audio.
	if src, _ := all[0].Metadata["source"].(string); src != "transcription" {
		t.Errorf("inbound source metadata: got %q, want %q", src, "transcription")
	}
	if id, _ := all[0].Metadata["channelMessageId"].(string); id != "msg-1" {
		t.Errorf("inbound channel message id: got %q, want %q", id, "msg-1")
	}
}

func TestHandleMessageTextHasNoTranscriptionMarker(t *testing.T) {
	t.Parallel()
	f := newFixture(t, validSettings())

	f.assistant.handleMessage(inboundText("typed words"))

	all, err := f.store.ListAll(context.Background(), f.thread.ID, f.thread.ParticipantID, store.KindText)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d persisted turns, want 2", len(all))
	}
	if _, ok := all[0].Metadata["source"]; ok {
		t.Errorf("typed turn carries transcription metadata: %+v", all[0].Metadata)
	}
}

func TestHandleMessageInvalidSettings(t *testing.T) {
	t.Parallel()
	f := newFixture(t, store.ThreadSettings{Prompt: "p"})

	f.assistant.handleMessage(inboundText("hi"))

	if f.completer.calls != 0 {
		t.Errorf("completion invoked %d times for misconfigured thread, want 0", f.completer.calls)
	}

	sent := f.gateway.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("deliveries: %+v", sent)
	}
	for _, field := range []string{"model", "contextLength"} {
		if !strings.Contains(sent[0].Content, field) {
			t.Errorf("notice %q does not name missing field %q", sent[0].Content, field)
		}
	}

	// The inbound turn is still recorded.
	all, err := f.store.ListAll(context.Background(), f.thread.ID, f.thread.ParticipantID, store.KindText)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("got %d persisted turns, want 1", len(all))
	}
}

func TestHandleMessageUnknownConversation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, validSettings())

	msg := inboundText("hi")
	msg.ChatID = "stranger"
	f.assistant.handleMessage(msg)

	if f.completer.calls != 0 {
		t.Errorf("completion invoked for unbound conversation")
	}
	if len(f.gateway.sentMessages()) != 0 {
		t.Errorf("unexpected delivery for unbound conversation")
	}
}

func TestHandleMessageWindowExcludesCurrentTurn(t *testing.T) {
	t.Parallel()
	f := newFixture(t, validSettings())
	ctx := context.Background()

	// Seed two prior turns.
	for _, c := range []string{"earlier question", "earlier answer"} {
		if _, err := f.store.Append(ctx, &store.Message{
			ThreadID:      f.thread.ID,
			ParticipantID: f.thread.ParticipantID,
			Content:       c,
			Metadata:      map[string]any{"direction": "inbound"},
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	f.assistant.handleMessage(inboundText("new question"))

	if len(f.completer.windows) != 1 {
		t.Fatalf("completion called %d times, want 1", len(f.completer.windows))
	}
	window := f.completer.windows[0]
	if len(window) != 2 {
		t.Fatalf("window size: got %d, want 2", len(window))
	}
	for _, m := range window {
		if m.Content == "new question" {
			t.Error("current turn leaked into the context window")
		}
	}
}

func TestHandleMessageSummaryFailureIsSwallowed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, shortContextSettings())
	f.provider.fail = fmt.Errorf("model unavailable")

	f.assistant.handleMessage(inboundText("hi"))

	// Reply was still delivered despite the failed summary pass.
	sent := f.gateway.sentMessages()
	if len(sent) != 1 || sent[0].Content != "hello there" {
		t.Fatalf("deliveries: %+v", sent)
	}

	got, err := f.store.Get(context.Background(), f.thread.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Summary.Version != 0 {
		t.Errorf("summary version advanced despite failure: %d", got.Summary.Version)
	}
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	t.Parallel()
	var km keyedMutex
	var counter int

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.lock("thread-1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("counter: got %d, want 50", counter)
	}

	km.mu.Lock()
	if len(km.locks) != 0 {
		t.Errorf("lock table not drained: %d entries", len(km.locks))
	}
	km.mu.Unlock()
}
