package assistant

import (
	"context"
	"log/slog"

	"github.com/GTFB/forlifely-sub005/pkg/assist/store"
)

// selectWindow loads the recent turns that fit the thread's context
// length. A storage read failure degrades to an empty window so the
// event still gets a best-effort response.
func selectWindow(ctx context.Context, messages store.MessageStore, thread *store.Thread, logger *slog.Logger) []*store.Message {
	window, err := messages.ListRecent(ctx, thread.ID, thread.ParticipantID,
		store.KindText, thread.Settings.ContextLength)
	if err != nil {
		logger.Warn("context window read failed, proceeding without history",
			"thread_id", thread.ID,
			"error", err,
		)
		return nil
	}
	return window
}
