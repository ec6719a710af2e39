// Package store persists assistant threads and their message history.
// A thread binds one participant to one assistant persona on one external
// sub-channel; messages are an append-only log ordered by creation time.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageKind identifies a class of turns in a thread's history.
type MessageKind string

const (
	// KindText is a plain conversational turn. Voice notes become text
	// turns after transcription.
	KindText MessageKind = "text"
)

// ThreadStatus is the lifecycle state of a thread.
type ThreadStatus string

const (
	ThreadActive   ThreadStatus = "active"
	ThreadInactive ThreadStatus = "inactive"
)

// Errors.
var (
	ErrThreadNotFound = errors.New("thread not found")

	// ErrSummaryConflict indicates the stored summary version moved between
	// read and write. The caller's scheduling pass is stale and must not
	// overwrite the newer state.
	ErrSummaryConflict = errors.New("summary version conflict")
)

// Thread represents one assistant conversation.
type Thread struct {
	// ID is the stable thread identifier.
	ID string

	// ParticipantID identifies the owning participant.
	ParticipantID string

	// Channel is the messaging channel the thread is bound to
	// (e.g. "whatsapp", "telegram").
	Channel string

	// ChannelRef is the conversation identifier on that channel. Incoming
	// events are routed to threads by (Channel, ChannelRef).
	ChannelRef string

	// Status is the lifecycle state.
	Status ThreadStatus

	// Settings is the immutable per-thread configuration.
	Settings ThreadSettings

	// Summary is the rolling summary state, advanced only by the
	// summarization scheduler.
	Summary SummaryState

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ThreadSettings is the per-thread assistant configuration, stored as a
// JSON blob. Prompt, Model, and ContextLength are required before any
// completion request is attempted.
type ThreadSettings struct {
	// Prompt is the system prompt for this thread's persona.
	Prompt string `json:"prompt"`

	// Model is the completion model identifier.
	Model string `json:"model"`

	// ContextLength governs both how many recent turns accompany a
	// request and how many turns make up one summarization batch.
	ContextLength int `json:"contextLength"`

	// SummaryBatchLimit caps the turns compressed in one summarization
	// pass. Zero means the scheduler default applies.
	SummaryBatchLimit int `json:"summaryBatchLimit,omitempty"`
}

// Validate reports every missing or invalid required field at once.
// A non-nil result is a *ConfigError: fatal for the event that hit it,
// never retried automatically.
func (s ThreadSettings) Validate() error {
	var missing []string
	if strings.TrimSpace(s.Prompt) == "" {
		missing = append(missing, "prompt")
	}
	if strings.TrimSpace(s.Model) == "" {
		missing = append(missing, "model")
	}
	if s.ContextLength < 1 {
		missing = append(missing, "contextLength")
	}
	if len(missing) > 0 {
		return &ConfigError{Fields: missing}
	}
	return nil
}

// ConfigError reports missing or invalid required thread settings.
type ConfigError struct {
	Fields []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("thread settings missing or invalid: %s", strings.Join(e.Fields, ", "))
}

// SummaryState is the versioned compression of older history. Version only
// increases; LastMessageID identifies the final turn folded into Text.
type SummaryState struct {
	Text          string
	Version       int
	LastMessageID string
	UpdatedAt     time.Time
}

// Message is one turn in a thread. Messages are never mutated after
// creation.
type Message struct {
	ID            string
	ThreadID      string
	ParticipantID string
	Kind          MessageKind

	// Content is the free-text content of the turn.
	Content string

	// Metadata carries auxiliary data: direction ("inbound"/"outbound"),
	// source ("transcription" for voice-note transcripts), and the
	// originating channel message id.
	Metadata map[string]any

	// CreatedAt strictly orders messages within a thread.
	CreatedAt time.Time
}

// Direction returns the "direction" metadata value, or "" if unset.
func (m *Message) Direction() string {
	if m.Metadata == nil {
		return ""
	}
	d, _ := m.Metadata["direction"].(string)
	return d
}

// MessageStore is the gateway for a thread's append-only message log.
type MessageStore interface {
	// Append persists a new message. ID and CreatedAt are assigned if
	// unset. The stored message is returned.
	Append(ctx context.Context, msg *Message) (*Message, error)

	// ListRecent returns up to limit of the most recent messages of the
	// given kind for a thread/participant pair, ordered oldest first.
	// An unknown thread yields an empty slice, not an error.
	ListRecent(ctx context.Context, threadID, participantID string, kind MessageKind, limit int) ([]*Message, error)

	// ListAll returns all messages of the given kind for a
	// thread/participant pair, ordered by creation time ascending.
	ListAll(ctx context.Context, threadID, participantID string, kind MessageKind) ([]*Message, error)

	// Count returns the number of messages of the given kind for a
	// thread/participant pair.
	Count(ctx context.Context, threadID, participantID string, kind MessageKind) (int, error)
}

// ThreadStore is the gateway for thread records and their summary state.
type ThreadStore interface {
	// Get returns the thread with the given id, or ErrThreadNotFound.
	Get(ctx context.Context, id string) (*Thread, error)

	// GetByChannelRef resolves the thread bound to a channel conversation,
	// or ErrThreadNotFound. This is the routing step for inbound events.
	GetByChannelRef(ctx context.Context, channel, channelRef string) (*Thread, error)

	// Create provisions a new thread. ID and timestamps are assigned if
	// unset.
	Create(ctx context.Context, t *Thread) (*Thread, error)

	// List returns all threads, optionally filtered by status
	// ("" means all).
	List(ctx context.Context, status ThreadStatus) ([]*Thread, error)

	// UpdateSummary advances a thread's summary state. The write only
	// succeeds when the stored version still equals expectedVersion;
	// otherwise ErrSummaryConflict is returned and the row is untouched.
	UpdateSummary(ctx context.Context, threadID string, state SummaryState, expectedVersion int) error
}

// encodeMetadata serializes message metadata for storage. Nil maps become
// an empty JSON object so the column is always valid JSON.
func encodeMetadata(meta map[string]any) (string, error) {
	if meta == nil {
		return "{}", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(raw string) map[string]any {
	if raw == "" || raw == "{}" {
		return nil
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil
	}
	return meta
}
