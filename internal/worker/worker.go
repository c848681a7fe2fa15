// Package worker runs detection cycles: observe every entry, commit changes, notify owners.
package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/adnotifier/internal/detector"
	"github.com/JakeFAU/adnotifier/internal/metrics"
	"github.com/JakeFAU/adnotifier/internal/monitor"
)

// dispatchTimeout bounds notification delivery once a cycle has been canceled.
const dispatchTimeout = 30 * time.Second

// Config controls Worker behavior.
type Config struct {
	// RedeliverMissed re-adds entries whose last change was never delivered.
	RedeliverMissed bool
}

// ChangeEvent is the payload published for each user batch.
type ChangeEvent struct {
	CycleStartedAt time.Time              `json:"cycle_started_at"`
	UserID         string                 `json:"user_id"`
	Records        []monitor.ChangeRecord `json:"records"`
}

// CycleReport summarizes one detection cycle.
type CycleReport struct {
	StartedAt      time.Time              `json:"started_at"`
	FinishedAt     time.Time              `json:"finished_at"`
	Entries        int                    `json:"entries"`
	Checked        int                    `json:"checked"`
	Unchanged      int                    `json:"unchanged"`
	CountChanged   int                    `json:"count_changed"`
	ContentChanged int                    `json:"content_changed"`
	Unreachable    int                    `json:"unreachable"`
	CommitFailed   int                    `json:"commit_failed"`
	Redelivered    int                    `json:"redelivered"`
	Batches        int                    `json:"batches"`
	Dispatch       monitor.DispatchReport `json:"dispatch"`
	Canceled       bool                   `json:"canceled"`
}

// Worker runs cycles and single-entry revalidations. Both are serialized.
type Worker struct {
	store      monitor.Store
	observer   monitor.PageObserver
	dispatcher monitor.Dispatcher
	publisher  monitor.EventPublisher
	archive    monitor.SnapshotArchive
	clock      monitor.Clock
	cfg        Config
	logger     *zap.Logger

	// busy holds one token while a cycle or revalidation runs.
	busy chan struct{}
}

// Option customizes a Worker.
type Option func(*Worker)

// WithPublisher publishes every user batch as a ChangeEvent.
func WithPublisher(p monitor.EventPublisher) Option {
	return func(w *Worker) {
		w.publisher = p
	}
}

// WithArchive stores the page behind every committed change.
func WithArchive(a monitor.SnapshotArchive) Option {
	return func(w *Worker) {
		w.archive = a
	}
}

// New constructs a Worker.
func New(
	store monitor.Store,
	observer monitor.PageObserver,
	dispatcher monitor.Dispatcher,
	clock monitor.Clock,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		store:      store,
		observer:   observer,
		dispatcher: dispatcher,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
		busy:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// RunCycle checks every entry once, then dispatches one batch per affected user.
// Cancellation is honored between entries; records already committed are still delivered.
func (w *Worker) RunCycle(ctx context.Context) (CycleReport, error) {
	w.busy <- struct{}{}
	defer w.release()

	report := CycleReport{StartedAt: w.clock.Now()}
	entries, err := w.store.ListAllEntries(ctx)
	if err != nil {
		metrics.ObserveCycle("failed", 0)
		return report, fmt.Errorf("list entries: %w", err)
	}
	report.Entries = len(entries)
	w.logger.Info("cycle started", zap.Int("entries", len(entries)))

	var records []monitor.ChangeRecord
	for _, entry := range entries {
		if ctx.Err() != nil {
			report.Canceled = true
			w.logger.Warn("cycle canceled", zap.Int("checked", report.Checked), zap.Error(ctx.Err()))
			break
		}
		check := w.check(ctx, entry)
		report.tally(check)
		if check.Record != nil {
			records = append(records, *check.Record)
		}
	}

	// Delivery runs even after cancellation so committed changes are not lost.
	dctx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), dispatchTimeout)
		defer cancel()
	}

	if w.cfg.RedeliverMissed {
		missed := w.missedRecords(dctx, records)
		report.Redelivered = len(missed)
		records = append(records, missed...)
	}

	batches := w.group(dctx, records)
	report.Batches = len(batches)
	if len(batches) > 0 {
		report.Dispatch = w.dispatcher.Dispatch(dctx, batches)
		w.markNotified(dctx, report.Dispatch.Delivered)
		w.publish(dctx, report.StartedAt, batches)
	}

	report.FinishedAt = w.clock.Now()
	status := "completed"
	if report.Canceled {
		status = "canceled"
	}
	metrics.ObserveCycle(status, report.FinishedAt.Sub(report.StartedAt))
	w.logger.Info("cycle finished",
		zap.String("status", status),
		zap.Int("checked", report.Checked),
		zap.Int("count_changed", report.CountChanged),
		zap.Int("content_changed", report.ContentChanged),
		zap.Int("unreachable", report.Unreachable),
		zap.Int("commit_failed", report.CommitFailed),
		zap.Int("batches", report.Batches),
		zap.Int("emails_sent", report.Dispatch.EmailsSent),
		zap.Int("emails_failed", report.Dispatch.EmailsFailed),
		zap.Duration("duration", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report, nil
}

// Revalidate checks one entry immediately on its owner's request. It waits
// for a running cycle to finish and gives up when ctx ends first.
func (w *Worker) Revalidate(ctx context.Context, entryID string) (monitor.Check, error) {
	select {
	case w.busy <- struct{}{}:
	case <-ctx.Done():
		return monitor.Check{}, fmt.Errorf("revalidate entry %s: %w", entryID, ctx.Err())
	}
	defer w.release()
	if err := ctx.Err(); err != nil {
		return monitor.Check{}, fmt.Errorf("revalidate entry %s: %w", entryID, err)
	}

	entry, err := w.store.GetEntry(ctx, entryID)
	if err != nil {
		return monitor.Check{}, fmt.Errorf("load entry: %w", err)
	}
	check := w.check(ctx, entry)
	if check.Kind.Changed() && check.Record == nil {
		return check, fmt.Errorf("revalidate entry %s: %w", entryID, check.Err)
	}
	return check, nil
}

func (w *Worker) release() {
	<-w.busy
}

// check runs one entry through observe, classify and commit. It finishes the
// entry even if ctx is canceled midway; fetch timeouts bound its duration.
func (w *Worker) check(ctx context.Context, entry monitor.MonitoredEntry) monitor.Check {
	ctx = context.WithoutCancel(ctx)
	log := w.logger.With(zap.String("entry_id", entry.ID), zap.String("url", entry.URL))

	obs, err := w.observer.Observe(ctx, entry.URL, entry.QueryStr)
	if err != nil {
		log.Warn("entry unreachable", zap.Error(err))
		metrics.ObserveCheck(string(monitor.Unreachable))
		return detector.Unreachable(entry, err)
	}

	now := w.clock.Now()
	check := detector.Classify(entry, obs, now)
	metrics.ObserveCheck(string(check.Kind))
	if !check.Kind.Changed() {
		log.Debug("entry unchanged", zap.Int("count", obs.Extraction.Count))
		return check
	}

	if err := w.store.Commit(ctx, check.Updated); err != nil {
		log.Error("commit failed, dropping change", zap.String("kind", string(check.Kind)), zap.Error(err))
		metrics.ObserveCheck("COMMIT_FAILED")
		check.Record = nil
		check.Err = err
		return check
	}
	log.Info("change detected",
		zap.String("kind", string(check.Kind)),
		zap.Int("previous_count", entry.OccurrenceCount),
		zap.Int("count", check.Updated.OccurrenceCount),
		zap.String("strategy", string(obs.Page.Strategy)),
	)

	if w.archive != nil {
		uri, err := w.archive.Save(ctx, entry.ID, obs, now)
		if err != nil {
			log.Warn("snapshot archive failed", zap.Error(err))
		} else {
			log.Debug("snapshot archived", zap.String("uri", uri))
		}
	}
	return check
}

func (w *Worker) missedRecords(ctx context.Context, fresh []monitor.ChangeRecord) []monitor.ChangeRecord {
	pending, err := w.store.ListUnnotified(ctx)
	if err != nil {
		w.logger.Error("list unnotified entries failed", zap.Error(err))
		return nil
	}
	seen := make(map[string]struct{}, len(fresh))
	for _, rec := range fresh {
		seen[rec.EntryID] = struct{}{}
	}
	var out []monitor.ChangeRecord
	for _, entry := range pending {
		if _, ok := seen[entry.ID]; ok {
			continue
		}
		out = append(out, monitor.ChangeRecord{
			EntryID:       entry.ID,
			UserID:        entry.UserID,
			Title:         entry.Title,
			URL:           entry.URL,
			QueryStr:      entry.QueryStr,
			AdvCount:      entry.OccurrenceCount,
			PreviousCount: entry.OccurrenceCount,
			Kind:          monitor.ContentChanged,
			DetectedAt:    entry.LastUpdated,
			Redelivered:   true,
		})
	}
	return out
}

// group builds one batch per user in order of first appearance.
func (w *Worker) group(ctx context.Context, records []monitor.ChangeRecord) []monitor.UserBatch {
	index := make(map[string]int)
	var batches []monitor.UserBatch
	skipped := make(map[string]struct{})
	for _, rec := range records {
		if _, bad := skipped[rec.UserID]; bad {
			continue
		}
		if i, ok := index[rec.UserID]; ok {
			batches[i].Records = append(batches[i].Records, rec)
			continue
		}
		user, err := w.store.GetUser(ctx, rec.UserID)
		if err != nil {
			w.logger.Error("load user failed, dropping notifications",
				zap.String("user_id", rec.UserID),
				zap.Error(err),
			)
			skipped[rec.UserID] = struct{}{}
			continue
		}
		index[rec.UserID] = len(batches)
		batches = append(batches, monitor.UserBatch{User: user, Records: []monitor.ChangeRecord{rec}})
	}
	return batches
}

func (w *Worker) markNotified(ctx context.Context, delivered []string) {
	if len(delivered) == 0 {
		return
	}
	if err := w.store.MarkNotified(ctx, delivered, w.clock.Now()); err != nil {
		w.logger.Error("advance notification watermark failed", zap.Int("entries", len(delivered)), zap.Error(err))
	}
}

func (w *Worker) publish(ctx context.Context, startedAt time.Time, batches []monitor.UserBatch) {
	if w.publisher == nil {
		return
	}
	for _, batch := range batches {
		event := ChangeEvent{CycleStartedAt: startedAt, UserID: batch.User.ID, Records: batch.Records}
		id, err := w.publisher.Publish(ctx, event)
		if err != nil {
			w.logger.Warn("change event publish failed", zap.String("user_id", batch.User.ID), zap.Error(err))
			continue
		}
		w.logger.Debug("change event published", zap.String("user_id", batch.User.ID), zap.String("message_id", id))
	}
}

func (r *CycleReport) tally(check monitor.Check) {
	r.Checked++
	switch check.Kind {
	case monitor.Unchanged:
		r.Unchanged++
	case monitor.Unreachable:
		r.Unreachable++
	case monitor.CountChanged, monitor.ContentChanged:
		if check.Record == nil {
			r.CommitFailed++
			return
		}
		if check.Kind == monitor.CountChanged {
			r.CountChanged++
		} else {
			r.ContentChanged++
		}
	}
}
