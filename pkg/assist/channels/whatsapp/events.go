// Package whatsapp – events.go processes incoming whatsmeow events and
// converts them into unified IncomingMessage values.
package whatsapp

import (
	"fmt"
	"time"

	"github.com/GTFB/forlifely-sub005/pkg/assist/channels"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
)

// ConnectionState represents the current connection state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateWaitingQR    ConnectionState = "waiting_qr"
	StateBanned       ConnectionState = "banned"
)

// handleEvent is the main whatsmeow event dispatcher.
func (w *WhatsApp) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		w.handleMessageEvt(evt)

	case *events.Connected:
		w.handleConnected(evt)

	case *events.Disconnected:
		w.handleDisconnected(evt)

	case *events.StreamReplaced:
		w.handleStreamReplaced(evt)

	case *events.LoggedOut:
		w.handleLoggedOut(evt)

	case *events.TemporaryBan:
		w.handleTemporaryBan(evt)

	case *events.KeepAliveTimeout:
		w.handleKeepAliveTimeout(evt)

	case *events.KeepAliveRestored:
		w.logger.Info("whatsapp: keep-alive restored")
		w.errorCount.Store(0)

	case *events.ConnectFailure:
		w.handleConnectFailure(evt)

	case *events.PairSuccess:
		w.logger.Info("whatsapp: device paired",
			"jid", evt.ID, "platform", evt.Platform)

	case *events.HistorySync:
		w.logger.Debug("whatsapp: history sync received")

	case *events.QRScannedWithoutMultidevice:
		w.logger.Warn("whatsapp: QR scanned but multidevice not enabled")
	}
}

func (w *WhatsApp) handleConnected(_ *events.Connected) {
	w.setState(StateConnected)
	w.connected.Store(true)
	w.errorCount.Store(0)
	w.reconnectAttempts.Store(0)
	w.lastMsg.Store(time.Now())

	w.logger.Info("whatsapp: connected", "jid", w.getClientJID())
}

func (w *WhatsApp) handleDisconnected(_ *events.Disconnected) {
	previous := w.getState()
	w.setState(StateDisconnected)

	w.logger.Warn("whatsapp: disconnected",
		"was_connected", w.connected.Load())

	w.connected.Store(false)

	// Attempt reconnection if not intentional.
	if previous == StateConnected && w.ctx.Err() == nil {
		go w.attemptReconnect()
	}
}

// handleStreamReplaced handles when another device takes over.
func (w *WhatsApp) handleStreamReplaced(_ *events.StreamReplaced) {
	w.setState(StateDisconnected)
	w.connected.Store(false)

	w.logger.Error("whatsapp: stream replaced, another device connected")
}

// handleLoggedOut handles session invalidation.
func (w *WhatsApp) handleLoggedOut(evt *events.LoggedOut) {
	w.setState(StateDisconnected)
	w.connected.Store(false)

	reason := "unknown"
	if evt.Reason != 0 {
		reason = evt.Reason.String()
	}

	w.logger.Error("whatsapp: logged out, QR scan required",
		"reason", reason,
		"on_connect", evt.OnConnect)

	// Request a new QR code.
	go func() {
		if err := w.loginWithQR(w.ctx); err != nil {
			w.logger.Warn("whatsapp: QR re-login failed", "error", err)
		}
	}()
}

func (w *WhatsApp) handleTemporaryBan(evt *events.TemporaryBan) {
	w.setState(StateBanned)
	w.connected.Store(false)

	w.logger.Error("whatsapp: temporary ban",
		"code", evt.Code,
		"expire", evt.Expire)
}

// handleKeepAliveTimeout handles keep-alive failures. Repeated failures
// indicate a half-open connection where the socket appears connected but
// is actually dead, so force a reconnect after 3 errors.
func (w *WhatsApp) handleKeepAliveTimeout(evt *events.KeepAliveTimeout) {
	w.logger.Warn("whatsapp: keep-alive timeout",
		"error_count", evt.ErrorCount,
		"last_success", evt.LastSuccess)

	w.errorCount.Add(1)

	if evt.ErrorCount >= 3 && w.getState() == StateConnected {
		w.logger.Error("whatsapp: keep-alive failed multiple times, forcing reconnection",
			"error_count", evt.ErrorCount)
		w.setState(StateReconnecting)
		w.connected.Store(false)
		go w.attemptReconnect()
	}
}

func (w *WhatsApp) handleConnectFailure(evt *events.ConnectFailure) {
	w.setState(StateDisconnected)
	w.connected.Store(false)

	reason := "unknown"
	if evt.Reason != 0 {
		reason = evt.Reason.String()
	}

	permanent := evt.PermanentDisconnectDescription()

	w.logger.Error("whatsapp: connect failure",
		"reason", reason,
		"message", evt.Message,
		"permanent", permanent)

	if permanent == "" && w.ctx.Err() == nil {
		go w.attemptReconnect()
	}
}

// handleMessageEvt processes an incoming WhatsApp message event.
func (w *WhatsApp) handleMessageEvt(evt *events.Message) {
	w.lastMsg.Store(time.Now())

	// Skip messages from self and status broadcasts.
	if evt.Info.IsFromMe {
		return
	}
	if evt.Info.Chat.Server == "broadcast" {
		return
	}

	// Only direct chats reach the assistant. Group conversations are not
	// routed to threads.
	if evt.Info.IsGroup {
		return
	}

	chatJID := evt.Info.Chat.String()
	if !w.chatAllowed(chatJID) {
		w.logger.Debug("whatsapp: chat not in allow list, ignoring",
			"chat", chatJID)
		return
	}

	msg := &channels.IncomingMessage{
		ID:        string(evt.Info.ID),
		Channel:   "whatsapp",
		From:      evt.Info.Sender.String(),
		FromName:  evt.Info.PushName,
		ChatID:    chatJID,
		Timestamp: evt.Info.Timestamp,
		Metadata: map[string]any{
			"sender_jid": evt.Info.Sender.String(),
			"push_name":  evt.Info.PushName,
		},
	}

	if !w.extractMessageContent(evt.Message, msg) {
		w.logger.Debug("whatsapp: unsupported message type, ignoring",
			"from", msg.From)
		return
	}

	w.emitMessage(msg)
}

// extractMessageContent extracts the text/media content from a WhatsApp
// message. Returns false for message types the assistant does not handle.
func (w *WhatsApp) extractMessageContent(waMsg *waE2E.Message, msg *channels.IncomingMessage) bool {
	if waMsg == nil {
		return false
	}

	// Text message (simple conversation).
	if waMsg.Conversation != nil {
		msg.Type = channels.MessageText
		msg.Content = waMsg.GetConversation()
		return true
	}

	// Extended text message (with preview, formatting, etc.).
	if ext := waMsg.ExtendedTextMessage; ext != nil {
		msg.Type = channels.MessageText
		msg.Content = ext.GetText()
		return true
	}

	// Audio message (voice note or audio file). The media descriptor
	// carries everything needed to download and decrypt the payload for
	// transcription.
	if audio := waMsg.AudioMessage; audio != nil {
		msg.Type = channels.MessageAudio
		msg.Content = "[audio]"
		if audio.GetPTT() {
			msg.Content = "[voice note]"
		}
		msg.Media = &channels.MediaInfo{
			Type:          channels.MessageAudio,
			MimeType:      audio.GetMimetype(),
			FileSize:      audio.GetFileLength(),
			Duration:      audio.GetSeconds(),
			URL:           audio.GetURL(),
			DirectPath:    audio.GetDirectPath(),
			MediaKey:      audio.GetMediaKey(),
			FileSHA256:    audio.GetFileSHA256(),
			FileEncSHA256: audio.GetFileEncSHA256(),
		}
		return true
	}

	// Image message. The caption becomes the text content.
	if img := waMsg.ImageMessage; img != nil {
		msg.Type = channels.MessageImage
		msg.Content = img.GetCaption()
		msg.Media = &channels.MediaInfo{
			Type:          channels.MessageImage,
			MimeType:      img.GetMimetype(),
			FileSize:      img.GetFileLength(),
			URL:           img.GetURL(),
			DirectPath:    img.GetDirectPath(),
			MediaKey:      img.GetMediaKey(),
			FileSHA256:    img.GetFileSHA256(),
			FileEncSHA256: img.GetFileEncSHA256(),
		}
		return true
	}

	// Document message.
	if doc := waMsg.DocumentMessage; doc != nil {
		msg.Type = channels.MessageDocument
		msg.Content = doc.GetCaption()
		if msg.Content == "" {
			msg.Content = fmt.Sprintf("[document: %s]", doc.GetFileName())
		}
		msg.Media = &channels.MediaInfo{
			Type:          channels.MessageDocument,
			MimeType:      doc.GetMimetype(),
			Filename:      doc.GetFileName(),
			FileSize:      doc.GetFileLength(),
			URL:           doc.GetURL(),
			DirectPath:    doc.GetDirectPath(),
			MediaKey:      doc.GetMediaKey(),
			FileSHA256:    doc.GetFileSHA256(),
			FileEncSHA256: doc.GetFileEncSHA256(),
		}
		return true
	}

	// Stickers, locations, contacts, reactions and other types are not
	// conversation turns.
	return false
}
