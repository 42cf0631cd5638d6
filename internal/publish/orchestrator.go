// Package publish is the write-path orchestrator: idempotency, CSO
// validation, revision authorization, the graph write, and the
// post-write fanout.
package publish

import (
	"context"
	"log/slog"
	"time"

	"github.com/assertly/backend/internal/apperrors"
	"github.com/assertly/backend/internal/cso"
	"github.com/assertly/backend/internal/graph"
	"github.com/assertly/backend/internal/idempotency"
	"github.com/assertly/backend/internal/monitoring"
)

// Roles that may revise assertions they do not own.
const (
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

// GraphStore is the graph write surface the orchestrator drives.
type GraphStore interface {
	Publish(ctx context.Context, viewer graph.Viewer, c *cso.CSO, supersedesID string, rev *graph.RevisionMetadata) (*graph.PublishResult, error)
	GetAssertionForRevision(ctx context.Context, id string) (*graph.RevisionTarget, error)
	ConfirmAssertion(ctx context.Context, assertionID, userID string) (*graph.Confirmation, error)
}

// IdempotencyStore is the relational dedup surface.
type IdempotencyStore interface {
	GetByKey(ctx context.Context, key, userID string) (*idempotency.Record, error)
	CreatePending(ctx context.Context, key, userID string) error
	ReconcilePending(ctx context.Context, rec *idempotency.Record, confirmer idempotency.GraphConfirmer) (*idempotency.Replay, error)
	MarkAssertion(ctx context.Context, key, userID, assertionID string, createdAt time.Time) error
	Complete(ctx context.Context, key, userID, assertionID string, createdAt time.Time) error
}

// Notifier receives post-write signals. Failures stay inside it.
type Notifier interface {
	NotifyReply(ctx context.Context, actorID, parentID, replyAssertionID string)
}

// DraftStore clears the composer draft once its content is published.
type DraftStore interface {
	Delete(ctx context.Context, userID string) error
}

// Input is one publish request after HTTP decoding.
type Input struct {
	Draft          cso.Draft
	IdempotencyKey string
	SupersedesID   string
	ClearDraft     bool
}

// Result is the orchestrator's answer. Replayed means the idempotency
// layer answered without touching the graph.
type Result struct {
	AssertionID string    `json:"assertionId"`
	CreatedAt   time.Time `json:"createdAt"`
	Replayed    bool      `json:"replayed,omitempty"`
}

// Orchestrator wires the publish pipeline across both stores.
type Orchestrator struct {
	graph   GraphStore
	idem    IdempotencyStore
	notify  Notifier
	drafts  DraftStore
	metrics *monitoring.Metrics
	logger  *slog.Logger
}

func NewOrchestrator(g GraphStore, idem IdempotencyStore, notify Notifier, drafts DraftStore, metrics *monitoring.Metrics) *Orchestrator {
	return &Orchestrator{
		graph:   g,
		idem:    idem,
		notify:  notify,
		drafts:  drafts,
		metrics: metrics,
		logger:  slog.Default().With("component", "publish"),
	}
}

// confirmerAdapter lets the idempotency reconciler confirm against the
// graph without the idempotency package importing graph types.
type confirmerAdapter struct {
	graph GraphStore
}

func (a confirmerAdapter) ConfirmAssertion(ctx context.Context, assertionID, userID string) (*idempotency.Confirmation, error) {
	conf, err := a.graph.ConfirmAssertion(ctx, assertionID, userID)
	if err != nil || conf == nil {
		return nil, err
	}
	return &idempotency.Confirmation{AssertionID: conf.AssertionID, CreatedAt: conf.CreatedAt}, nil
}

// Publish runs the pipeline: idempotency check, validation, revision
// authorization, graph write, post-write fanout.
func (o *Orchestrator) Publish(ctx context.Context, viewer graph.Viewer, in Input) (*Result, error) {
	start := time.Now()
	res, err := o.publish(ctx, viewer, in)
	o.observe(start, res, err)
	return res, err
}

func (o *Orchestrator) publish(ctx context.Context, viewer graph.Viewer, in Input) (*Result, error) {
	// Idempotency gate. The pending row must exist before the graph write
	// so a crash between the two leaves a reconcilable trail.
	if in.IdempotencyKey != "" {
		replay, err := o.checkIdempotency(ctx, in.IdempotencyKey, viewer.ID)
		if err != nil {
			return nil, err
		}
		if replay != nil {
			return replay, nil
		}
	}

	c, err := cso.New(in.Draft)
	if err != nil {
		return nil, apperrors.Validation(err.Error())
	}
	if v := c.Validate(); !v.OK {
		return nil, apperrors.Validation("assertion failed validation").
			WithDetails(map[string]interface{}{"errors": v.Errors, "warnings": v.Warnings})
	}

	var rev *graph.RevisionMetadata
	if in.SupersedesID != "" {
		rev, err = o.authorizeRevision(ctx, viewer, in.SupersedesID)
		if err != nil {
			return nil, err
		}
	}

	written, err := o.graph.Publish(ctx, viewer, c, in.SupersedesID, rev)
	if err != nil {
		return nil, err
	}

	// Record the assertion on the pending row immediately so the
	// reconciler can confirm it if Complete never runs.
	if in.IdempotencyKey != "" {
		if err := o.idem.MarkAssertion(ctx, in.IdempotencyKey, viewer.ID, written.AssertionID, written.CreatedAt); err != nil {
			o.logger.Warn("idempotency mark failed", "key", in.IdempotencyKey, "error", err)
		}
	}

	o.postWrite(ctx, viewer, c, in, written)

	return &Result{AssertionID: written.AssertionID, CreatedAt: written.CreatedAt}, nil
}

// checkIdempotency resolves an existing record or creates the pending row.
// A non-nil Result means replay.
func (o *Orchestrator) checkIdempotency(ctx context.Context, key, userID string) (*Result, error) {
	rec, err := o.idem.GetByKey(ctx, key, userID)
	if err != nil {
		return nil, apperrors.Internal("idempotency lookup failed", err)
	}

	if rec == nil {
		if err := o.idem.CreatePending(ctx, key, userID); err != nil {
			return nil, apperrors.Internal("idempotency create failed", err)
		}
		return nil, nil
	}

	if rec.Status == idempotency.StatusComplete && rec.AssertionID.Valid {
		return &Result{
			AssertionID: rec.AssertionID.String,
			CreatedAt:   rec.AssertionCreatedAt.Time,
			Replayed:    true,
		}, nil
	}

	replay, err := o.idem.ReconcilePending(ctx, rec, confirmerAdapter{o.graph})
	if err != nil {
		return nil, apperrors.Internal("idempotency reconcile failed", err)
	}
	if replay == nil {
		return nil, apperrors.Idempotency("a publish with this idempotency key is still in progress")
	}
	return &Result{AssertionID: replay.AssertionID, CreatedAt: replay.CreatedAt, Replayed: true}, nil
}

// authorizeRevision checks the revision target and builds the metadata
// stamped onto the new version.
func (o *Orchestrator) authorizeRevision(ctx context.Context, viewer graph.Viewer, supersedesID string) (*graph.RevisionMetadata, error) {
	original, err := o.graph.GetAssertionForRevision(ctx, supersedesID)
	if err != nil {
		return nil, err
	}
	if original == nil {
		return nil, apperrors.NotFound("assertion to revise not found")
	}
	if original.SupersededBy != "" {
		return nil, apperrors.Conflict("This assertion has already been revised or deleted.")
	}

	role := viewer.Role
	if role == "" {
		role = "user"
	}
	if role != RoleAdmin && role != RoleSuperAdmin && original.AuthorID != viewer.ID {
		return nil, apperrors.Forbidden("only the author may revise this assertion")
	}

	root := original.RootAssertionID
	if root == "" {
		root = original.ID
	}
	return &graph.RevisionMetadata{
		RevisionNumber:  original.RevisionNumber + 1,
		RootAssertionID: root,
	}, nil
}

// postWrite runs the non-blocking tail: reply notification, draft clear,
// idempotency completion. None of it can fail the request.
func (o *Orchestrator) postWrite(ctx context.Context, viewer graph.Viewer, c *cso.CSO, in Input, written *graph.PublishResult) {
	if c.AssertionType == cso.TypeResponse && o.notify != nil {
		if parentID := c.ParentAssertionID(); parentID != "" {
			go o.notify.NotifyReply(context.WithoutCancel(ctx), viewer.ID, parentID, written.AssertionID)
		}
	}

	if in.ClearDraft && o.drafts != nil {
		if err := o.drafts.Delete(ctx, viewer.ID); err != nil {
			o.logger.Warn("draft clear failed", "userId", viewer.ID, "error", err)
		}
	}

	if in.IdempotencyKey != "" {
		// Non-fatal: an incomplete pending row expires or reconciles.
		if err := o.idem.Complete(ctx, in.IdempotencyKey, viewer.ID, written.AssertionID, written.CreatedAt); err != nil {
			o.logger.Warn("idempotency complete failed", "key", in.IdempotencyKey, "error", err)
		}
	}
}

func (o *Orchestrator) observe(start time.Time, res *Result, err error) {
	if o.metrics == nil {
		return
	}
	o.metrics.PublishDuration.Observe(time.Since(start).Seconds())

	outcome := "created"
	switch {
	case err == nil && res != nil && res.Replayed:
		outcome = "replayed"
	case err == nil:
	case apperrors.IsCode(err, "VALIDATION_ERROR"):
		outcome = "rejected"
	case apperrors.StatusOf(err) == 409:
		outcome = "conflict"
	default:
		outcome = "error"
	}
	o.metrics.PublishTotal.WithLabelValues(outcome).Inc()
}
