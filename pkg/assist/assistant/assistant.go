// assistant.go runs the conversation pipeline: one inbound event in, at
// most one reply out, then a summary pass. Events for the same thread
// are serialized; distinct threads run concurrently.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GTFB/forlifely-sub005/pkg/assist/channels"
	"github.com/GTFB/forlifely-sub005/pkg/assist/store"
)

const (
	// completionNotice is sent when the model call fails. Deliberately
	// generic; the real error stays in the logs.
	completionNotice = "Sorry, I couldn't generate a response right now. Please try again in a moment."

	// transcriptionNotice is sent when a voice message can't be turned
	// into text.
	transcriptionNotice = "Sorry, I couldn't process that voice message. Could you type it instead?"

	// handleTimeout bounds one full pipeline run, LLM calls included.
	handleTimeout = 5 * time.Minute
)

// CompletionProvider generates the assistant reply for one turn.
type CompletionProvider interface {
	Complete(ctx context.Context, model, systemPrompt, summary string, window []*store.Message, userMessage string) (string, error)
}

// Transcriber converts voice audio into text.
type Transcriber interface {
	TranscribeAudio(ctx context.Context, audioData []byte, filename string) (string, error)
}

// ChannelGateway is the slice of the channel manager the pipeline needs.
type ChannelGateway interface {
	Messages() <-chan *channels.IncomingMessage
	Send(ctx context.Context, channel, to string, msg *channels.OutgoingMessage) error
	DownloadMedia(ctx context.Context, msg *channels.IncomingMessage) ([]byte, string, error)
}

// Assistant consumes inbound events and drives the reply pipeline.
type Assistant struct {
	config     *Config
	channelMgr ChannelGateway
	threads    store.ThreadStore
	messages   store.MessageStore
	completer  CompletionProvider
	transcribe Transcriber
	summarizer *Summarizer

	locks keyedMutex

	// droppedWrites counts persistence failures that were logged and
	// skipped. The serve process reports it at shutdown.
	droppedWrites atomic.Int64

	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAssistant wires the pipeline.
func NewAssistant(cfg *Config, mgr ChannelGateway, threads store.ThreadStore, messages store.MessageStore, completer CompletionProvider, transcriber Transcriber, summarizer *Summarizer, logger *slog.Logger) *Assistant {
	return &Assistant{
		config:     cfg,
		channelMgr: mgr,
		threads:    threads,
		messages:   messages,
		completer:  completer,
		transcribe: transcriber,
		summarizer: summarizer,
		logger:     logger.With("component", "assistant"),
	}
}

// Start begins consuming inbound events. Non-blocking.
func (a *Assistant) Start(ctx context.Context) {
	a.ctx, a.cancel = context.WithCancel(ctx)

	a.logger.Info("starting assistant",
		"name", a.config.Name,
		"participant_id", a.config.ParticipantID,
	)

	a.wg.Add(1)
	go a.messageLoop()
}

// Stop halts event consumption and waits for in-flight pipelines.
func (a *Assistant) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.logger.Info("assistant stopped")
}

// DroppedWrites reports how many storage writes were skipped after
// failure since startup.
func (a *Assistant) DroppedWrites() int64 {
	return a.droppedWrites.Load()
}

func (a *Assistant) messageLoop() {
	defer a.wg.Done()
	for {
		select {
		case msg, ok := <-a.channelMgr.Messages():
			if !ok {
				return
			}
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				a.handleMessage(msg)
			}()

		case <-a.ctx.Done():
			return
		}
	}
}

// handleMessage runs the full pipeline for one inbound event.
func (a *Assistant) handleMessage(msg *channels.IncomingMessage) {
	start := time.Now()
	logger := a.logger.With(
		"channel", msg.Channel,
		"chat_id", msg.ChatID,
		"from", msg.From,
		"msg_id", msg.ID,
	)

	ctx, cancel := context.WithTimeout(a.ctx, handleTimeout)
	defer cancel()

	// ── Step 1: Resolve the thread ──
	// Conversations are provisioned ahead of time; events without a
	// thread binding are dropped.
	thread, err := a.threads.GetByChannelRef(ctx, msg.Channel, msg.ChatID)
	if err != nil {
		if errors.Is(err, store.ErrThreadNotFound) {
			logger.Debug("no thread bound to conversation, ignoring")
		} else {
			logger.Error("thread lookup failed", "error", err)
		}
		return
	}
	logger = logger.With("thread_id", thread.ID)

	// Serialize the rest of the pipeline per thread so two bursts from
	// the same conversation can't interleave persistence or summary
	// scheduling.
	unlock := a.locks.lock(thread.ID)
	defer unlock()

	logger.Info("incoming message",
		"type", msg.Type,
		"content_preview", truncate(msg.Content, 50),
	)

	// ── Step 2: Transcribe voice audio ──
	// Transcription failure is user-visible: without text there is
	// nothing to respond to, so nothing is persisted either.
	content := msg.Content
	transcribed := false
	if msg.Type == channels.MessageAudio {
		content, err = a.transcribeVoice(ctx, msg, logger)
		if err != nil {
			logger.Warn("voice transcription failed", "error", err)
			a.sendNotice(msg, transcriptionNotice)
			return
		}
		transcribed = true
	}
	if strings.TrimSpace(content) == "" {
		logger.Debug("empty content after extraction, ignoring")
		return
	}

	// ── Step 3: Persist the inbound turn ──
	// A failed write is logged and skipped; the user still gets an
	// answer even if this turn is missing from history.
	metadata := map[string]any{
		"direction": "inbound",
		"channel":   msg.Channel,
		"sender":    msg.From,
	}
	if transcribed {
		metadata["source"] = "transcription"
		metadata["channelMessageId"] = msg.ID
	}
	inbound, err := a.messages.Append(ctx, &store.Message{
		ThreadID:      thread.ID,
		ParticipantID: thread.ParticipantID,
		Kind:          store.KindText,
		Content:       content,
		Metadata:      metadata,
	})
	if err != nil {
		a.droppedWrites.Add(1)
		logger.Error("inbound persist failed, continuing", "error", err)
	}

	// ── Step 4: Validate thread settings ──
	// A misconfigured thread can't be served; tell the user which
	// fields are missing instead of failing silently.
	if err := thread.Settings.Validate(); err != nil {
		logger.Warn("thread settings invalid", "error", err)
		a.sendNotice(msg, fmt.Sprintf("This conversation is not fully configured (%v). Please contact the operator.", err))
		return
	}

	// ── Step 5: Select the context window ──
	window := selectWindow(ctx, a.messages, thread, logger)

	// The freshly persisted inbound turn is already part of the window;
	// drop it so the completion doesn't see the user message twice.
	if inbound != nil && len(window) > 0 && window[len(window)-1].ID == inbound.ID {
		window = window[:len(window)-1]
	}

	// ── Step 6: Generate the reply ──
	response, err := a.completer.Complete(ctx, thread.Settings.Model,
		thread.Settings.Prompt, thread.Summary.Text, window, content)
	if err != nil {
		logger.Error("completion failed", "error", err)
		a.sendNotice(msg, completionNotice)
		return
	}

	// ── Step 7: Persist the outbound turn ──
	if _, err := a.messages.Append(ctx, &store.Message{
		ThreadID:      thread.ID,
		ParticipantID: thread.ParticipantID,
		Kind:          store.KindText,
		Content:       response,
		Metadata: map[string]any{
			"direction": "outbound",
			"channel":   msg.Channel,
		},
	}); err != nil {
		a.droppedWrites.Add(1)
		logger.Error("outbound persist failed, continuing", "error", err)
	}

	// ── Step 8: Deliver the reply ──
	if err := a.channelMgr.Send(ctx, msg.Channel, msg.ChatID, &channels.OutgoingMessage{
		Content: response,
		ReplyTo: msg.ID,
	}); err != nil {
		logger.Error("reply delivery failed", "error", err)
	}

	// ── Step 9: Advance the rolling summary ──
	// Failures are swallowed; the next event or the background sweep
	// retries from the same version.
	if err := a.summarizer.Run(ctx, thread); err != nil {
		logger.Warn("summary pass failed, will retry later", "error", err)
	}

	logger.Info("message handled", "duration_ms", time.Since(start).Milliseconds())
}

// transcribeVoice downloads the event's audio and turns it into text.
func (a *Assistant) transcribeVoice(ctx context.Context, msg *channels.IncomingMessage, logger *slog.Logger) (string, error) {
	if !a.config.Media.TranscriptionEnabled {
		return "", fmt.Errorf("audio transcription disabled")
	}

	data, filename, err := a.channelMgr.DownloadMedia(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("downloading voice audio: %w", err)
	}
	logger.Debug("voice audio downloaded", "filename", filename, "size_bytes", len(data))

	text, err := a.transcribe.TranscribeAudio(ctx, data, filename)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("empty transcript")
	}
	return text, nil
}

// sendNotice delivers a user-facing notice without persisting it as a
// conversation turn.
func (a *Assistant) sendNotice(original *channels.IncomingMessage, content string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.channelMgr.Send(ctx, original.Channel, original.ChatID, &channels.OutgoingMessage{
		Content: content,
		ReplyTo: original.ID,
	}); err != nil {
		a.logger.Error("notice delivery failed",
			"channel", original.Channel,
			"chat_id", original.ChatID,
			"error", err,
		)
	}
}

// keyedMutex serializes work per key while letting distinct keys run in
// parallel.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*threadLock
}

type threadLock struct {
	mu   sync.Mutex
	refs int
}

// lock acquires the mutex for key and returns the release func.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*threadLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &threadLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
