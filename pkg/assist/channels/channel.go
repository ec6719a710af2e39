// Package channels defines the interfaces and types for the messaging
// channels the assistant is reachable on. Each channel (WhatsApp, Telegram,
// Discord) implements the Channel interface to receive and send messages in
// a unified way.
package channels

import (
	"context"
	"fmt"
	"time"
)

// MessageType identifies the kind of message content.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageAudio    MessageType = "audio"
	MessageImage    MessageType = "image"
	MessageDocument MessageType = "document"
)

// Channel defines the interface that every communication channel must implement.
type Channel interface {
	// Name returns the channel identifier (e.g. "whatsapp", "telegram").
	Name() string

	// Connect establishes the connection to the messaging platform.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Send sends a message to the specified recipient.
	Send(ctx context.Context, to string, message *OutgoingMessage) error

	// Receive returns a Go channel that emits incoming messages.
	Receive() <-chan *IncomingMessage

	// IsConnected returns true if the channel is connected.
	IsConnected() bool

	// Health returns the channel health status.
	Health() HealthStatus
}

// MediaChannel extends Channel with media download capability. Channels
// that deliver voice notes or attachments implement this interface so the
// assistant can fetch the raw bytes for transcription.
type MediaChannel interface {
	Channel

	// DownloadMedia downloads media from an incoming message.
	// Returns the raw bytes and a filename whose extension reflects the
	// container format, suitable as an upload filename.
	DownloadMedia(ctx context.Context, msg *IncomingMessage) ([]byte, string, error)
}

// IncomingMessage represents a message received from any channel.
type IncomingMessage struct {
	// ID is the unique message identifier in the source channel.
	ID string

	// Channel identifies the source channel (e.g. "whatsapp").
	Channel string

	// From is the sender identifier on the platform.
	From string

	// FromName is the sender display name (if available).
	FromName string

	// ChatID is the conversation identifier on the platform. This is the
	// routing key used to resolve the assistant thread.
	ChatID string

	// Type is the message content type.
	Type MessageType

	// Content is the text content of the message.
	Content string

	// Timestamp is when the message was sent.
	Timestamp time.Time

	// Media contains media attachment details (if any).
	Media *MediaInfo

	// Metadata contains additional channel-specific data.
	Metadata map[string]any
}

// OutgoingMessage represents a message to be sent through a channel.
type OutgoingMessage struct {
	// Content is the text content of the message.
	Content string

	// ReplyTo contains the ID of the message to reply to.
	ReplyTo string
}

// MediaInfo describes media attached to an incoming message.
type MediaInfo struct {
	// Type is the media type.
	Type MessageType

	// MimeType is the MIME type of the media.
	MimeType string

	// Filename is the original filename (if known).
	Filename string

	// FileSize is the size in bytes.
	FileSize uint64

	// Duration is the duration in seconds (audio).
	Duration uint32

	// URL is a direct download URL (Telegram, Discord attachments).
	URL string

	// FileID is the platform file identifier (Telegram).
	FileID string

	// DirectPath is the platform-specific media path (WhatsApp).
	DirectPath string

	// MediaKey is the encryption key for the media (WhatsApp).
	MediaKey []byte

	// FileSHA256 is the SHA256 hash of the file (WhatsApp).
	FileSHA256 []byte

	// FileEncSHA256 is the SHA256 hash of the encrypted file (WhatsApp).
	FileEncSHA256 []byte
}

// HealthStatus represents the health state of a channel.
type HealthStatus struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
	Details       map[string]any
}

// ChannelConfig contains common configuration for all channels.
type ChannelConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Errors.
var (
	ErrChannelDisconnected = fmt.Errorf("channel is not connected")
	ErrChannelNotFound     = fmt.Errorf("channel not registered")
	ErrMediaNotSupported   = fmt.Errorf("media not supported by this channel")
	ErrMediaDownloadFailed = fmt.Errorf("failed to download media")
)
