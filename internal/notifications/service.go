package notifications

import (
	"context"
	"log/slog"

	"github.com/assertly/backend/internal/graph"
	"github.com/assertly/backend/internal/monitoring"
)

// AuthorLookup resolves the author of an assertion. Satisfied by the graph
// store.
type AuthorLookup interface {
	GetAssertionForRevision(ctx context.Context, id string) (*graph.RevisionTarget, error)
}

// Pusher delivers a payload to every live connection of a recipient.
// Satisfied by the realtime hub.
type Pusher interface {
	DeliverToUser(recipientID string, payload interface{}) (delivered, connections int)
}

// Frame is the WebSocket wire envelope for one notification.
type Frame struct {
	Type           string  `json:"type"`
	NotificationID string  `json:"notificationId"`
	Payload        Payload `json:"payload"`
}

// NewFrame wraps a notification for push delivery.
func NewFrame(n *Notification) Frame {
	return Frame{Type: "notification", NotificationID: n.ID, Payload: n.ToPayload()}
}

// Service derives signals from writes and hands them to the outbox. All
// entry points are fire-and-forget from the publisher's perspective:
// failures are logged, never propagated.
type Service struct {
	store    *Store
	outbox   *OutboxStore
	authors  AuthorLookup
	pusher   Pusher
	adapters []string
	metrics  *monitoring.Metrics
	logger   *slog.Logger
}

// NewService wires the notification pipeline.
func NewService(store *Store, outbox *OutboxStore, authors AuthorLookup, pusher Pusher, metrics *monitoring.Metrics) *Service {
	return &Service{
		store:    store,
		outbox:   outbox,
		authors:  authors,
		pusher:   pusher,
		adapters: DefaultAdapters,
		metrics:  metrics,
		logger:   slog.Default().With("component", "notifications"),
	}
}

// NotifyReply derives a reply signal: the parent's author is the recipient
// unless they authored the reply themselves. Idempotent on
// (actor, replyAssertionId, 'reply').
func (s *Service) NotifyReply(ctx context.Context, actorID, parentID, replyAssertionID string) {
	parent, err := s.authors.GetAssertionForRevision(ctx, parentID)
	if err != nil {
		s.logger.Warn("reply notification skipped: parent lookup failed",
			"parentId", parentID, "error", err)
		return
	}
	if parent == nil {
		s.logger.Warn("reply notification skipped: parent missing", "parentId", parentID)
		return
	}
	if parent.AuthorID == actorID {
		// Self-reply, no signal.
		return
	}

	s.persistAndDeliver(ctx, parent.AuthorID, actorID, replyAssertionID, TypeReply, "")
}

// NotifyReaction derives a reaction signal for the assertion's author.
func (s *Service) NotifyReaction(ctx context.Context, actorID, assertionID, reactionType string) {
	target, err := s.authors.GetAssertionForRevision(ctx, assertionID)
	if err != nil || target == nil {
		s.logger.Warn("reaction notification skipped: target lookup failed",
			"assertionId", assertionID, "error", err)
		return
	}
	if target.AuthorID == actorID {
		return
	}

	s.persistAndDeliver(ctx, target.AuthorID, actorID, assertionID, TypeReaction, reactionType)
}

// persistAndDeliver inserts the notification, enqueues outbox rows for
// every enabled adapter, and attempts immediate WebSocket delivery. A
// successful immediate push finalizes the websocket row so the worker does
// not redeliver; the outbox remains the durability layer either way.
func (s *Service) persistAndDeliver(ctx context.Context, recipientID, actorID, assertionID, notificationType, reactionType string) {
	n, inserted, err := s.store.Insert(ctx, recipientID, actorID, assertionID, notificationType, reactionType)
	if err != nil {
		s.logger.Error("notification insert failed",
			"recipientId", recipientID, "assertionId", assertionID, "error", err)
		return
	}
	if !inserted {
		// Replayed derivation; the original run already owns delivery.
		return
	}
	if s.metrics != nil {
		s.metrics.NotificationsInserted.WithLabelValues(notificationType).Inc()
	}

	rows, err := s.outbox.Enqueue(ctx, n.ID, s.adapters)
	if err != nil {
		s.logger.Error("outbox enqueue failed", "notificationId", n.ID, "error", err)
		return
	}

	delivered, _ := s.pusher.DeliverToUser(recipientID, NewFrame(n))
	if delivered == 0 {
		return
	}
	if s.metrics != nil {
		s.metrics.NotificationsDelivered.WithLabelValues(AdapterWebSocket).Inc()
	}
	for _, row := range rows {
		if row.Adapter != AdapterWebSocket {
			continue
		}
		if err := s.outbox.MarkDelivered(ctx, row.ID); err != nil {
			s.logger.Warn("immediate delivery bookkeeping failed", "rowId", row.ID, "error", err)
		}
	}
}
