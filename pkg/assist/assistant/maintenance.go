// maintenance.go runs the background summary sweep on a cron schedule.
// The inline summary pass after each response is best-effort; the sweep
// catches threads whose pass failed or that went quiet mid-interval.
package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Maintenance owns the background cron runner.
type Maintenance struct {
	cron       *cron.Cron
	summarizer *Summarizer
	schedule   string

	// running guards against overlapping sweeps when a pass outlasts
	// the schedule interval.
	mu      sync.Mutex
	running bool

	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewMaintenance wires the sweep. An empty schedule disables it.
func NewMaintenance(schedule string, summarizer *Summarizer, logger *slog.Logger) *Maintenance {
	return &Maintenance{
		cron:       cron.New(),
		summarizer: summarizer,
		schedule:   schedule,
		logger:     logger.With("component", "maintenance"),
	}
}

// Start registers the sweep job and starts the cron runner.
func (m *Maintenance) Start(ctx context.Context) error {
	if m.schedule == "" {
		m.logger.Debug("summary sweep disabled")
		return nil
	}

	m.ctx, m.cancel = context.WithCancel(ctx)

	if _, err := m.cron.AddFunc(m.schedule, m.sweep); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", m.schedule, err)
	}

	m.cron.Start()
	m.logger.Info("summary sweep scheduled", "schedule", m.schedule)
	return nil
}

// Stop halts the cron runner and waits for a running sweep.
func (m *Maintenance) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	stopCtx := m.cron.Stop()
	<-stopCtx.Done()
}

func (m *Maintenance) sweep() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		m.logger.Debug("previous sweep still running, skipping")
		return
	}
	m.running = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	m.summarizer.Sweep(m.ctx)
}
