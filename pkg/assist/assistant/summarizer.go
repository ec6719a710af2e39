// summarizer.go maintains the rolling per-thread summary. The thread's
// context length sets the cadence: every contextLength new turns advance
// the summary one version, and each pass folds the turns of the crossed
// span into the previous summary text.
package assistant

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/GTFB/forlifely-sub005/pkg/assist/store"
)

// DefaultMaxBatch caps how many turns feed a single summarization call
// when neither config nor thread settings override it.
const DefaultMaxBatch = 10

// SummaryProvider generates the updated summary text from the previous
// summary and a batch of new messages.
type SummaryProvider interface {
	Summarize(ctx context.Context, model, prevSummary string, batch []*store.Message) (string, error)
}

// Summarizer schedules and runs summary updates for threads.
type Summarizer struct {
	messages store.MessageStore
	threads  store.ThreadStore
	provider SummaryProvider

	defaultBatch  int
	modelOverride string

	logger *slog.Logger
}

// NewSummarizer wires a summarizer from config.
func NewSummarizer(cfg SummarizerConfig, messages store.MessageStore, threads store.ThreadStore, provider SummaryProvider, logger *slog.Logger) *Summarizer {
	batch := cfg.MaxBatch
	if batch < 1 {
		batch = DefaultMaxBatch
	}
	return &Summarizer{
		messages:      messages,
		threads:       threads,
		provider:      provider,
		defaultBatch:  batch,
		modelOverride: cfg.Model,
		logger:        logger.With("component", "summarizer"),
	}
}

// Run brings the thread's summary up to date. The target version is the
// message count divided by the thread's context length; when the stored
// version already reached it the call is a no-op, which makes re-runs
// after missed or failed passes safe. Threads without a valid context
// length are skipped; the pipeline surfaces that as a config error.
func (s *Summarizer) Run(ctx context.Context, thread *store.Thread) error {
	n := thread.Settings.ContextLength
	if n < 1 {
		return nil
	}

	total, err := s.messages.Count(ctx, thread.ID, thread.ParticipantID, store.KindText)
	if err != nil {
		return err
	}

	current := thread.Summary.Version
	target := total / n
	if target <= current {
		return nil
	}

	all, err := s.messages.ListAll(ctx, thread.ID, thread.ParticipantID, store.KindText)
	if err != nil {
		return err
	}

	// The span covers every turn between the last summarized version
	// boundary and the new one. Multiple versions crossed at once (bulk
	// import, missed passes) collapse into a single call.
	lo := current * n
	hi := target * n
	if hi > len(all) {
		hi = len(all)
	}
	if lo >= hi {
		return nil
	}
	span := all[lo:hi]

	// Cap the batch to the most recent turns so one call stays bounded
	// no matter how far behind the summary fell.
	limit := s.defaultBatch
	if thread.Settings.SummaryBatchLimit > 0 {
		limit = thread.Settings.SummaryBatchLimit
	}
	if len(span) > limit {
		span = span[len(span)-limit:]
	}

	model := thread.Settings.Model
	if s.modelOverride != "" {
		model = s.modelOverride
	}

	text, err := s.provider.Summarize(ctx, model, thread.Summary.Text, span)
	if err != nil {
		return err
	}

	state := store.SummaryState{
		Text:          text,
		Version:       target,
		LastMessageID: span[len(span)-1].ID,
		UpdatedAt:     time.Now().UTC(),
	}
	if err := s.threads.UpdateSummary(ctx, thread.ID, state, current); err != nil {
		if errors.Is(err, store.ErrSummaryConflict) {
			// Another pass advanced the version first; its result stands.
			s.logger.Debug("summary already advanced by concurrent pass",
				"thread_id", thread.ID, "version", current)
			return nil
		}
		return err
	}

	s.logger.Info("summary advanced",
		"thread_id", thread.ID,
		"version", target,
		"batch_size", len(span),
		"total_messages", total,
	)
	return nil
}

// Sweep re-runs the scheduler for every active thread. Inline passes
// that failed after a response leave the version behind; the sweep
// catches the thread up.
func (s *Summarizer) Sweep(ctx context.Context) {
	threads, err := s.threads.List(ctx, store.ThreadActive)
	if err != nil {
		s.logger.Warn("summary sweep could not list threads", "error", err)
		return
	}

	for _, thread := range threads {
		if err := s.Run(ctx, thread); err != nil {
			s.logger.Warn("summary sweep failed for thread",
				"thread_id", thread.ID,
				"error", err,
			)
		}
	}
}
