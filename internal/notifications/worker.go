package notifications

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"time"

	"github.com/assertly/backend/internal/monitoring"
)

// Worker defaults.
const (
	DefaultTick        = 5 * time.Second
	DefaultBatchSize   = 25
	DefaultMaxAttempts = 5
)

// Adapter attempts delivery of one notification over one channel.
type Adapter interface {
	Name() string
	Deliver(ctx context.Context, n *Notification) error
}

// WebSocketAdapter delivers through the realtime hub. A recipient with no
// live connections is a retryable failure — the outbox keeps the row
// pending until they reconnect or attempts run out.
type WebSocketAdapter struct {
	pusher Pusher
}

func NewWebSocketAdapter(pusher Pusher) *WebSocketAdapter {
	return &WebSocketAdapter{pusher: pusher}
}

func (a *WebSocketAdapter) Name() string { return AdapterWebSocket }

func (a *WebSocketAdapter) Deliver(_ context.Context, n *Notification) error {
	delivered, connections := a.pusher.DeliverToUser(n.RecipientID, NewFrame(n))
	if delivered == 0 {
		return fmt.Errorf("no active connections for %s (connections=%d)", n.RecipientID, connections)
	}
	return nil
}

// PushAdapter is the mobile push channel. The transport integration lives
// behind this boundary; the outbox lifecycle is identical either way.
type PushAdapter struct {
	logger *log.Logger
}

func NewPushAdapter() *PushAdapter {
	return &PushAdapter{logger: log.New(log.Writer(), "[push] ", log.LstdFlags)}
}

func (a *PushAdapter) Name() string { return AdapterPush }

func (a *PushAdapter) Deliver(_ context.Context, n *Notification) error {
	a.logger.Printf("push notification %s to %s", n.ID, n.RecipientID)
	return nil
}

// Worker drains the outbox: every tick it fetches due pending rows per
// adapter, attempts delivery, and marks delivered / reschedules / fails.
type Worker struct {
	outbox      *OutboxStore
	store       *Store
	adapters    []Adapter
	tick        time.Duration
	batchSize   int
	maxAttempts int
	metrics     *monitoring.Metrics
	logger      *slog.Logger
	done        chan struct{}
	stopped     chan struct{}
}

// WorkerConfig tunes the loop; zero values fall back to defaults.
type WorkerConfig struct {
	Tick        time.Duration
	BatchSize   int
	MaxAttempts int
}

// NewWorker builds an outbox worker over the given adapters.
func NewWorker(outbox *OutboxStore, store *Store, adapters []Adapter, cfg WorkerConfig, metrics *monitoring.Metrics) *Worker {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Worker{
		outbox:      outbox,
		store:       store,
		adapters:    adapters,
		tick:        cfg.Tick,
		batchSize:   cfg.BatchSize,
		maxAttempts: cfg.MaxAttempts,
		metrics:     metrics,
		logger:      slog.Default().With("component", "outbox"),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
}

// Start launches the loop. Call Stop for a drained shutdown.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop signals the loop and waits for the current pass to finish.
func (w *Worker) Stop() {
	close(w.done)
	<-w.stopped
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.stopped)

	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Pass(ctx)
		}
	}
}

// Pass runs one drain cycle across all adapters. Exported so tests and the
// boot path can drive the worker synchronously.
func (w *Worker) Pass(ctx context.Context) {
	for _, adapter := range w.adapters {
		rows, err := w.outbox.FetchDue(ctx, adapter.Name(), w.batchSize)
		if err != nil {
			w.logger.Error("outbox fetch failed", "adapter", adapter.Name(), "error", err)
			continue
		}
		for i := range rows {
			w.attempt(ctx, adapter, &rows[i])
		}
	}
}

func (w *Worker) attempt(ctx context.Context, adapter Adapter, row *OutboxRow) {
	n, err := w.store.Get(ctx, row.NotificationID)
	if err != nil || n == nil {
		// Notification row gone; nothing left to deliver.
		w.logger.Warn("outbox row orphaned", "rowId", row.ID, "notificationId", row.NotificationID)
		w.fail(ctx, adapter, row, fmt.Errorf("notification %s missing", row.NotificationID))
		return
	}

	if err := adapter.Deliver(ctx, n); err != nil {
		w.fail(ctx, adapter, row, err)
		return
	}

	if err := w.outbox.MarkDelivered(ctx, row.ID); err != nil {
		w.logger.Error("outbox delivered bookkeeping failed", "rowId", row.ID, "error", err)
		return
	}
	if w.metrics != nil {
		w.metrics.NotificationsDelivered.WithLabelValues(adapter.Name()).Inc()
		w.metrics.OutboxAttempts.WithLabelValues(adapter.Name()).Observe(float64(row.Attempts + 1))
	}
}

func (w *Worker) fail(ctx context.Context, adapter Adapter, row *OutboxRow, cause error) {
	if err := w.outbox.RecordFailure(ctx, row, cause, w.maxAttempts); err != nil {
		w.logger.Error("outbox failure bookkeeping failed", "rowId", row.ID, "error", err)
		return
	}
	if row.Attempts+1 >= w.maxAttempts {
		w.logger.Warn("outbox row exhausted attempts",
			"rowId", row.ID, "adapter", adapter.Name(), "error", cause)
		if w.metrics != nil {
			w.metrics.OutboxFailed.WithLabelValues(adapter.Name()).Inc()
			w.metrics.OutboxAttempts.WithLabelValues(adapter.Name()).Observe(float64(row.Attempts + 1))
		}
	}
}
