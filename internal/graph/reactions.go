package graph

import (
	"context"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/assertly/backend/internal/apperrors"
)

// Reaction types accepted at every ingress. Unknown types are rejected and
// never persisted.
const (
	ReactionLike        = "like"
	ReactionAcknowledge = "acknowledge"
)

// ValidReactionType reports whether t is a persistable reaction type.
func ValidReactionType(t string) bool {
	return t == ReactionLike || t == ReactionAcknowledge
}

// AddReaction records a REACTED_TO edge from the user to the assertion.
// The target must exist, must not be a tombstone, must not be superseded,
// and must be visible to the reactor. MERGE with ON CREATE collapses
// repeated calls to a single edge per (user, assertion, type).
func (s *Store) AddReaction(ctx context.Context, userID, assertionID, reactionType string) error {
	if !ValidReactionType(reactionType) {
		return apperrors.Validation("Unknown reaction type")
	}

	session := s.writeSession(ctx)
	defer session.Close(ctx)

	_, err := neo4j.ExecuteWrite(ctx, session, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		res, err := tx.Run(ctx, `
			OPTIONAL MATCH (a:Assertion {id: $assertionId})
			OPTIONAL MATCH (a)-[:AUTHORED_BY]->(u:Identity)
			OPTIONAL MATCH (sup:Assertion) WHERE sup.supersedesId = $assertionId
			RETURN a.id AS id, a.assertionType AS assertionType,
			       a.visibility AS visibility, u.id AS authorId,
			       sup.id AS supersededBy`,
			map[string]interface{}{"assertionId": assertionID})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}

		id, _ := rec.Get("id")
		if id == nil {
			return nil, apperrors.NotFound("Assertion not found")
		}
		assertionType, _ := rec.Get("assertionType")
		if asString(assertionType) == "tombstone" {
			return nil, apperrors.Conflict("Cannot react to a deleted assertion").WithDetails(map[string]interface{}{
				"reason": "tombstoned",
			})
		}
		supersededBy, _ := rec.Get("supersededBy")
		if supersededBy != nil {
			return nil, apperrors.Conflict("Cannot react to a superseded assertion").WithDetails(map[string]interface{}{
				"reason": "superseded",
			})
		}
		visibility, _ := rec.Get("visibility")
		authorID, _ := rec.Get("authorId")
		if asString(visibility) != "public" && asString(authorID) != userID {
			return nil, apperrors.Forbidden("You cannot react to this assertion").WithDetails(map[string]interface{}{
				"reason": "visibility",
			})
		}

		_, err = tx.Run(ctx, `
			MERGE (u:Identity {id: $userId})
			WITH u
			MATCH (a:Assertion {id: $assertionId})
			MERGE (u)-[e:REACTED_TO {type: $type}]->(a)
			ON CREATE SET e.createdAt = $createdAt`,
			map[string]interface{}{
				"userId":      userID,
				"assertionId": assertionID,
				"type":        reactionType,
				"createdAt":   time.Now().UTC(),
			})
		return nil, err
	})
	if err != nil {
		if appErr, ok := asAppError(err); ok {
			return appErr
		}
		return apperrors.Graph("add reaction", err)
	}
	return nil
}

// RemoveReaction deletes the edge if present. Idempotent; reports whether
// an edge was actually removed.
func (s *Store) RemoveReaction(ctx context.Context, userID, assertionID, reactionType string) (bool, error) {
	if !ValidReactionType(reactionType) {
		return false, apperrors.Validation("Unknown reaction type")
	}

	session := s.writeSession(ctx)
	defer session.Close(ctx)

	removed, err := neo4j.ExecuteWrite(ctx, session, func(tx neo4j.ManagedTransaction) (bool, error) {
		res, err := tx.Run(ctx, `
			MATCH (u:Identity {id: $userId})-[e:REACTED_TO {type: $type}]->(a:Assertion {id: $assertionId})
			DELETE e
			RETURN count(e) AS removed`,
			map[string]interface{}{
				"userId":      userID,
				"assertionId": assertionID,
				"type":        reactionType,
			})
		if err != nil {
			return false, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return false, err
		}
		count, _ := rec.Get("removed")
		n, _ := count.(int64)
		return n > 0, nil
	})
	if err != nil {
		return false, apperrors.Graph("remove reaction", err)
	}
	return removed, nil
}

// GetReactionsForAssertion aggregates reaction counts and the viewer's own
// reaction types for one assertion. Unknown edge types are ignored
// defensively even though no ingress persists them.
func (s *Store) GetReactionsForAssertion(ctx context.Context, assertionID, viewerID string) (*ReactionCounts, error) {
	session := s.readSession(ctx)
	defer session.Close(ctx)

	counts, err := neo4j.ExecuteRead(ctx, session, func(tx neo4j.ManagedTransaction) (*ReactionCounts, error) {
		res, err := tx.Run(ctx, `
			MATCH (u:Identity)-[e:REACTED_TO]->(a:Assertion {id: $assertionId})
			RETURN u.id AS userId, e.type AS type`,
			map[string]interface{}{"assertionId": assertionID})
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}

		counts := &ReactionCounts{Viewer: []string{}}
		for _, rec := range records {
			typRaw, _ := rec.Get("type")
			userRaw, _ := rec.Get("userId")
			typ := asString(typRaw)
			switch typ {
			case ReactionLike:
				counts.Like++
			case ReactionAcknowledge:
				counts.Acknowledge++
			default:
				continue
			}
			if viewerID != "" && asString(userRaw) == viewerID {
				counts.Viewer = append(counts.Viewer, typ)
			}
		}
		return counts, nil
	})
	if err != nil {
		return nil, apperrors.Graph("get reactions", err)
	}
	return counts, nil
}
