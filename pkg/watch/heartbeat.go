// Package watch drives crawl batches from a cron schedule so crawls progress without an external trigger.
package watch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-audit/pkg/orchestrate"
)

// BatchRunner runs one batch for every RUNNING crawl
type BatchRunner interface {
	RunAll(ctx context.Context) ([]orchestrate.BatchResult, error)
}

// TickStatus describes the most recent heartbeat tick
type TickStatus struct {
	Ticks     int64     `json:"ticks"`
	Skipped   int64     `json:"skipped"`
	LastRun   time.Time `json:"last_run"`
	Crawls    int       `json:"crawls"`
	Processed int       `json:"processed"`
	Failed    int       `json:"failed"`
	LastError string    `json:"last_error,omitempty"`
}

// Heartbeat fires RunAll on a cron schedule. A tick that arrives while the previous
// one is still running is skipped.
type Heartbeat struct {
	runner   BatchRunner
	schedule string
	log      *logrus.Entry

	cron    *cron.Cron
	running atomic.Bool

	mu     sync.Mutex
	status TickStatus
}

// NewHeartbeat parses schedule (standard cron or "@every <duration>") and prepares the scheduler
func NewHeartbeat(runner BatchRunner, schedule string, log *logrus.Entry) (*Heartbeat, error) {
	log = log.WithField("component", "heartbeat")
	h := &Heartbeat{
		runner:   runner,
		schedule: schedule,
		log:      log,
		cron:     cron.New(cron.WithLogger(cron.PrintfLogger(log))),
	}
	if _, err := h.cron.AddFunc(schedule, func() { h.Tick(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid heartbeat schedule %q: %w", schedule, err)
	}
	return h, nil
}

// Run ticks once immediately, then on schedule until ctx is cancelled.
// It waits for an in-flight tick before returning.
func (h *Heartbeat) Run(ctx context.Context) error {
	h.log.Infof("Heartbeat started (schedule %q)", h.schedule)
	h.Tick(ctx)

	h.cron.Start()
	if entries := h.cron.Entries(); len(entries) > 0 {
		h.log.Infof("Next tick at %s", entries[0].Next.Format(time.RFC3339))
	}

	<-ctx.Done()
	h.log.Info("Heartbeat shutting down...")
	<-h.cron.Stop().Done()
	return nil
}

// Tick runs one round of batches unless a round is already in flight; it reports whether it ran
func (h *Heartbeat) Tick(ctx context.Context) bool {
	if !h.running.CompareAndSwap(false, true) {
		h.mu.Lock()
		h.status.Skipped++
		h.mu.Unlock()
		h.log.Debug("Previous tick still running, skipped")
		return false
	}
	defer h.running.Store(false)

	defer func() {
		if r := recover(); r != nil {
			h.log.WithField("panic_info", r).Error("PANIC during heartbeat tick")
			h.record(nil, fmt.Errorf("panic: %v", r))
		}
	}()

	results, err := h.runner.RunAll(ctx)
	h.record(results, err)
	if err != nil {
		h.log.Errorf("Heartbeat tick failed: %v", err)
	}
	return true
}

func (h *Heartbeat) record(results []orchestrate.BatchResult, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.status.Ticks++
	h.status.LastRun = time.Now().UTC()
	h.status.Crawls = len(results)
	h.status.Processed, h.status.Failed = 0, 0
	h.status.LastError = ""
	for _, r := range results {
		h.status.Processed += r.Report.Processed
		if r.Error != nil {
			h.status.Failed++
		}
	}
	if err != nil {
		h.status.LastError = err.Error()
	}
}

// Status returns a snapshot of the heartbeat counters
func (h *Heartbeat) Status() TickStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}
