package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/assertly/backend/internal/apperrors"
	"github.com/assertly/backend/internal/cso"
)

// assertionIDPrefix namespaces assertion ids across the platform.
const assertionIDPrefix = "asr_"

func newAssertionID() string {
	return assertionIDPrefix + uuid.NewString()
}

// Publish persists a CSO as a new assertion node in a single write
// transaction:
//
//  1. MERGE the author identity (coalesce handle/displayName).
//  2. CREATE the assertion node, including supersedesId for revisions.
//  3. MERGE the AUTHORED_BY edge.
//  4. For responses, verify the parent exists and has not been tombstoned,
//     then MERGE exactly one RESPONDS_TO edge. The check and the edge share
//     the transaction, serializing reply-vs-delete races.
//  5. MERGE Topic nodes and TAGGED_WITH edges.
//  6. MERGE mentioned identities and MENTIONS edges.
//
// A losing supersedesId race surfaces as RevisionConflict.
func (s *Store) Publish(ctx context.Context, viewer Viewer, c *cso.CSO, supersedesID string, rev *RevisionMetadata) (*PublishResult, error) {
	session := s.writeSession(ctx)
	defer session.Close(ctx)

	assertionID := newAssertionID()
	createdAt := time.Now().UTC()

	mediaJSON, err := json.Marshal(c.Media)
	if err != nil {
		return nil, apperrors.Graph("encode media", err)
	}

	result, err := neo4j.ExecuteWrite(ctx, session, func(tx neo4j.ManagedTransaction) (*PublishResult, error) {
		if err := mergeIdentity(ctx, tx, viewer); err != nil {
			return nil, err
		}

		params := map[string]interface{}{
			"id":            assertionID,
			"assertionType": string(c.AssertionType),
			"text":          c.Text,
			"title":         c.Title,
			"visibility":    string(c.Visibility),
			"media":         string(mediaJSON),
			"createdAt":     createdAt,
			"authorId":      viewer.ID,
		}

		create := `
			CREATE (a:Assertion {
				id: $id,
				assertionType: $assertionType,
				text: $text,
				title: $title,
				visibility: $visibility,
				media: $media,
				createdAt: $createdAt`
		if supersedesID != "" {
			create += `,
				supersedesId: $supersedesId`
			params["supersedesId"] = supersedesID
		}
		if rev != nil {
			create += `,
				revisionNumber: $revisionNumber,
				rootAssertionId: $rootAssertionId`
			params["revisionNumber"] = rev.RevisionNumber
			params["rootAssertionId"] = rev.RootAssertionID
		}
		create += `
			})
			WITH a
			MATCH (u:Identity {id: $authorId})
			MERGE (a)-[:AUTHORED_BY]->(u)`

		if _, err := tx.Run(ctx, create, params); err != nil {
			return nil, err
		}

		if c.AssertionType == cso.TypeResponse {
			parentID := c.ParentAssertionID()
			if parentID == "" {
				return nil, apperrors.Validation("response has no resolvable parent ref")
			}
			if err := attachResponseEdge(ctx, tx, assertionID, parentID); err != nil {
				return nil, err
			}
		}

		if len(c.Topics) > 0 {
			if _, err := tx.Run(ctx, `
				MATCH (a:Assertion {id: $id})
				UNWIND $topics AS topicId
				MERGE (t:Topic {id: topicId})
				MERGE (a)-[:TAGGED_WITH]->(t)`,
				map[string]interface{}{"id": assertionID, "topics": c.Topics}); err != nil {
				return nil, err
			}
		}

		if len(c.Mentions) > 0 {
			if _, err := tx.Run(ctx, `
				MATCH (a:Assertion {id: $id})
				UNWIND $mentions AS mentionId
				MERGE (m:Identity {id: mentionId})
				MERGE (a)-[:MENTIONS]->(m)`,
				map[string]interface{}{"id": assertionID, "mentions": c.Mentions}); err != nil {
				return nil, err
			}
		}

		return &PublishResult{AssertionID: assertionID, CreatedAt: createdAt}, nil
	})
	if err != nil {
		if isConstraintViolation(err) && supersedesID != "" {
			return nil, apperrors.RevisionConflict("This assertion has already been revised or deleted.")
		}
		if appErr, ok := asAppError(err); ok {
			return nil, appErr
		}
		return nil, apperrors.Graph("publish assertion", err)
	}

	return result, nil
}

// mergeIdentity upserts the viewer's Identity node. Properties use coalesce
// semantics — a present handle or display name is never overwritten by null.
func mergeIdentity(ctx context.Context, tx neo4j.ManagedTransaction, viewer Viewer) error {
	_, err := tx.Run(ctx, `
		MERGE (u:Identity {id: $id})
		SET u.handle = coalesce(u.handle, $handle),
		    u.displayName = coalesce(u.displayName, $displayName)`,
		map[string]interface{}{
			"id":          viewer.ID,
			"handle":      nullable(viewer.Handle),
			"displayName": nullable(viewer.DisplayName),
		})
	return err
}

// attachResponseEdge verifies the parent in-transaction and creates the
// single RESPONDS_TO edge. A tombstone superseding the parent rejects the
// reply with Gone.
func attachResponseEdge(ctx context.Context, tx neo4j.ManagedTransaction, assertionID, parentID string) error {
	res, err := tx.Run(ctx, `
		OPTIONAL MATCH (p:Assertion {id: $parentId})
		OPTIONAL MATCH (t:Assertion {assertionType: 'tombstone', supersedesId: $parentId})
		RETURN p.id AS parentId, t.id AS tombstoneId`,
		map[string]interface{}{"parentId": parentID})
	if err != nil {
		return err
	}
	rec, err := res.Single(ctx)
	if err != nil {
		return err
	}

	parent, _ := rec.Get("parentId")
	if parent == nil {
		return apperrors.NotFound("Parent assertion not found")
	}
	tombstone, _ := rec.Get("tombstoneId")
	if tombstone != nil {
		return apperrors.Gone("This assertion has been deleted").WithDetails(map[string]interface{}{
			"assertionId": parentID,
		})
	}

	_, err = tx.Run(ctx, `
		MATCH (a:Assertion {id: $id}), (p:Assertion {id: $parentId})
		MERGE (a)-[:RESPONDS_TO]->(p)`,
		map[string]interface{}{"id": assertionID, "parentId": parentID})
	return err
}

// GetAssertionForRevision returns the data needed to authorize a revision,
// or nil when the assertion does not exist. SupersededBy carries the id of
// any node that already supersedes it.
func (s *Store) GetAssertionForRevision(ctx context.Context, id string) (*RevisionTarget, error) {
	session := s.readSession(ctx)
	defer session.Close(ctx)

	target, err := neo4j.ExecuteRead(ctx, session, func(tx neo4j.ManagedTransaction) (*RevisionTarget, error) {
		res, err := tx.Run(ctx, `
			MATCH (a:Assertion {id: $id})-[:AUTHORED_BY]->(u:Identity)
			OPTIONAL MATCH (s:Assertion) WHERE s.supersedesId = $id
			RETURN a.id AS id, u.id AS authorId, s.id AS supersededBy,
			       coalesce(a.revisionNumber, 0) AS revisionNumber,
			       coalesce(a.rootAssertionId, '') AS rootAssertionId`,
			map[string]interface{}{"id": id})
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			return nil, nil
		}

		rec := records[0]
		authorID, _ := rec.Get("authorId")
		supersededBy, _ := rec.Get("supersededBy")
		revisionNumber, _ := rec.Get("revisionNumber")
		rootAssertionID, _ := rec.Get("rootAssertionId")

		t := &RevisionTarget{
			ID:              id,
			AuthorID:        asString(authorID),
			SupersededBy:    asString(supersededBy),
			RootAssertionID: asString(rootAssertionID),
		}
		if n, ok := revisionNumber.(int64); ok {
			t.RevisionNumber = n
		}
		return t, nil
	})
	if err != nil {
		return nil, apperrors.Graph("load assertion for revision", err)
	}
	return target, nil
}

// GetRevisionHistory returns every assertion in the chain containing id,
// ordered by createdAt ascending. Tombstones are included — a deleted chain
// ends in its tombstone.
func (s *Store) GetRevisionHistory(ctx context.Context, id string) ([]Node, error) {
	session := s.readSession(ctx)
	defer session.Close(ctx)

	nodes, err := neo4j.ExecuteRead(ctx, session, func(tx neo4j.ManagedTransaction) ([]Node, error) {
		res, err := tx.Run(ctx, `
			MATCH (a:Assertion {id: $id})
			WITH coalesce(a.rootAssertionId, a.id) AS rootId
			MATCH (v:Assertion)
			WHERE v.id = rootId OR v.rootAssertionId = rootId
			MATCH (v)-[:AUTHORED_BY]->(u:Identity)
			RETURN v, u.id AS authorId, u.handle AS handle, u.displayName AS displayName
			ORDER BY v.createdAt ASC`,
			map[string]interface{}{"id": id})
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}

		out := make([]Node, 0, len(records))
		for _, rec := range records {
			raw, _ := rec.Get("v")
			props, ok := asNode(raw)
			if !ok {
				continue
			}
			authorID, _ := rec.Get("authorId")
			handle, _ := rec.Get("handle")
			displayName, _ := rec.Get("displayName")
			out = append(out, nodeFromProps(props, asString(authorID), asString(handle), asString(displayName)))
		}
		return out, nil
	})
	if err != nil {
		return nil, apperrors.Graph("load revision history", err)
	}
	return nodes, nil
}

// DeleteAssertion soft-deletes by writing a tombstone that supersedes the
// target. The existence, ownership, and prior-superseder checks share the
// transaction with the tombstone CREATE.
func (s *Store) DeleteAssertion(ctx context.Context, id, userID string) (*DeleteResult, error) {
	session := s.writeSession(ctx)
	defer session.Close(ctx)

	result, err := neo4j.ExecuteWrite(ctx, session, func(tx neo4j.ManagedTransaction) (*DeleteResult, error) {
		res, err := tx.Run(ctx, `
			OPTIONAL MATCH (a:Assertion {id: $id})
			OPTIONAL MATCH (a)-[:AUTHORED_BY]->(u:Identity)
			OPTIONAL MATCH (s:Assertion) WHERE s.supersedesId = $id
			RETURN a.id AS id, u.id AS authorId,
			       coalesce(a.rootAssertionId, a.id) AS rootId,
			       s.id AS supersededBy, s.assertionType AS supersederType`,
			map[string]interface{}{"id": id})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}

		existing, _ := rec.Get("id")
		if existing == nil {
			return nil, apperrors.NotFound("Assertion not found")
		}
		authorID, _ := rec.Get("authorId")
		if asString(authorID) != userID {
			return nil, apperrors.Forbidden("Only the author can delete this assertion")
		}
		supersededBy, _ := rec.Get("supersededBy")
		if supersededBy != nil {
			supersederType, _ := rec.Get("supersederType")
			if asString(supersederType) == string(cso.TypeTombstone) {
				return &DeleteResult{TombstoneID: asString(supersededBy), AlreadyDeleted: true}, nil
			}
			return nil, apperrors.Conflict("This assertion has already been revised or deleted.")
		}

		rootID, _ := rec.Get("rootId")
		tombstoneID := newAssertionID()
		_, err = tx.Run(ctx, `
			MATCH (u:Identity {id: $authorId})
			CREATE (t:Assertion {
				id: $tombstoneId,
				assertionType: 'tombstone',
				text: '',
				visibility: 'public',
				createdAt: $createdAt,
				supersedesId: $supersedesId,
				rootAssertionId: $rootId
			})
			MERGE (t)-[:AUTHORED_BY]->(u)`,
			map[string]interface{}{
				"authorId":     userID,
				"tombstoneId":  tombstoneID,
				"createdAt":    time.Now().UTC(),
				"supersedesId": id,
				"rootId":       asString(rootID),
			})
		if err != nil {
			return nil, err
		}
		return &DeleteResult{TombstoneID: tombstoneID}, nil
	})
	if err != nil {
		if isConstraintViolation(err) {
			// Concurrent revision or delete claimed supersedesId first.
			return nil, apperrors.Conflict("This assertion has already been revised or deleted.")
		}
		if appErr, ok := asAppError(err); ok {
			return nil, appErr
		}
		return nil, apperrors.Graph(fmt.Sprintf("delete assertion %s", id), err)
	}
	return result, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func asAppError(err error) (*apperrors.AppError, bool) {
	var ae *apperrors.AppError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
