package graph

import (
	"context"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/assertly/backend/internal/apperrors"
)

// HomeQuery parameterizes the home feed slice. The cursor is keyset-based:
// (createdAt desc, id desc).
type HomeQuery struct {
	Limit           int
	CursorCreatedAt *time.Time
	CursorID        string
}

// ReadHomeGraph returns a slice of root assertions for the home feed:
// non-response heads only, keyset-paginated, with topics, mentions, direct
// responses (and their revisions), derived SUPERSEDES edges, and reaction
// edges attached.
func (s *Store) ReadHomeGraph(ctx context.Context, q HomeQuery) (*Slice, error) {
	if q.Limit <= 0 {
		q.Limit = 20
	}

	session := s.readSession(ctx)
	defer session.Close(ctx)

	slice, err := neo4j.ExecuteRead(ctx, session, func(tx neo4j.ManagedTransaction) (*Slice, error) {
		params := map[string]interface{}{"limit": q.Limit}
		cursorClause := ""
		if q.CursorCreatedAt != nil {
			cursorClause = `
			  AND (a.createdAt < $cursorCreatedAt
			       OR (a.createdAt = $cursorCreatedAt AND a.id < $cursorId))`
			params["cursorCreatedAt"] = *q.CursorCreatedAt
			params["cursorId"] = q.CursorID
		}

		res, err := tx.Run(ctx, `
			MATCH (a:Assertion)-[:AUTHORED_BY]->(u:Identity)
			WHERE a.assertionType <> 'tombstone'
			  AND a.assertionType <> 'response'
			  AND NOT (a)-[:RESPONDS_TO]->()
			  AND NOT EXISTS { MATCH (sup:Assertion) WHERE sup.supersedesId = a.id }`+
			cursorClause+`
			RETURN a, u.id AS authorId, u.handle AS handle, u.displayName AS displayName
			ORDER BY a.createdAt DESC, a.id DESC
			LIMIT $limit`, params)
		if err != nil {
			return nil, err
		}
		roots, rootIDs, err := collectNodes(ctx, res)
		if err != nil {
			return nil, err
		}

		slice := &Slice{Nodes: roots, Edges: []Edge{}, Reactions: []ReactionEdge{}}
		if len(rootIDs) == 0 {
			return slice, nil
		}
		last := roots[len(roots)-1]
		slice.Page = PageInfo{Fetched: len(roots), LastCreatedAt: last.CreatedAt, LastID: last.ID}

		if err := s.attachTopicsAndMentions(ctx, tx, slice, rootIDs); err != nil {
			return nil, err
		}

		// Direct responses and the revisions of their chains. The response
		// set carries its own supersession filter via derived edges; the
		// projector resolves heads scoped to this set.
		res, err = tx.Run(ctx, `
			MATCH (r:Assertion)-[:RESPONDS_TO]->(root:Assertion)
			WHERE root.id IN $rootIds AND r.assertionType <> 'tombstone'
			MATCH (r)-[:AUTHORED_BY]->(u:Identity)
			RETURN r AS a, u.id AS authorId, u.handle AS handle, u.displayName AS displayName,
			       root.id AS parentId`,
			map[string]interface{}{"rootIds": rootIDs})
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}

		responseIDs := []string{}
		for _, rec := range records {
			node, ok := recordNode(rec)
			if !ok {
				continue
			}
			slice.Nodes = append(slice.Nodes, node)
			responseIDs = append(responseIDs, node.ID)
			parentID, _ := rec.Get("parentId")
			slice.Edges = append(slice.Edges, Edge{Type: EdgeRespondsTo, Source: node.ID, Target: asString(parentID)})
		}

		chainIDs := responseIDs
		if len(chainIDs) > 0 {
			revisions, err := s.fetchChainRevisions(ctx, tx, chainIDs)
			if err != nil {
				return nil, err
			}
			slice.Nodes = append(slice.Nodes, revisions...)
		}

		allIDs := make([]string, 0, len(slice.Nodes))
		for _, n := range slice.Nodes {
			allIDs = append(allIDs, n.ID)
		}

		if err := s.attachDerivedEdges(ctx, tx, slice, allIDs); err != nil {
			return nil, err
		}
		if err := s.attachReactions(ctx, tx, slice, allIDs); err != nil {
			return nil, err
		}

		return slice, nil
	})
	if err != nil {
		return nil, apperrors.Graph("read home graph", err)
	}
	return slice, nil
}

// ReadThreadGraph returns the thread slice for rootID, which may name any
// version of the root: the id is resolved through rootAssertionId to the
// chain origin first. The slice carries the whole root revision chain, every
// reply reachable via RESPONDS_TO*1.. from any chain version (replies keep
// pointing at the version id they were created against), and the replies'
// own revisions — superseded nodes included, tombstones excluded, SUPERSEDES
// edges derived from supersedesId properties. The projector resolves
// versions; this slice is deliberately raw.
func (s *Store) ReadThreadGraph(ctx context.Context, rootID string) (*Slice, error) {
	session := s.readSession(ctx)
	defer session.Close(ctx)

	slice, err := neo4j.ExecuteRead(ctx, session, func(tx neo4j.ManagedTransaction) (*Slice, error) {
		res, err := tx.Run(ctx, `
			MATCH (req:Assertion {id: $rootId})
			RETURN req.rootAssertionId AS rootAssertionId`,
			map[string]interface{}{"rootId": rootID})
		if err != nil {
			return nil, err
		}
		reqRecords, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		if len(reqRecords) == 0 {
			return nil, apperrors.NotFound("Thread root not found")
		}
		originID := rootID
		if raw, _ := reqRecords[0].Get("rootAssertionId"); asString(raw) != "" {
			originID = asString(raw)
		}

		res, err = tx.Run(ctx, `
			MATCH (v:Assertion)-[:AUTHORED_BY]->(u:Identity)
			WHERE (v.id = $originId OR v.rootAssertionId = $originId)
			  AND v.assertionType <> 'tombstone'
			RETURN v AS a, u.id AS authorId, u.handle AS handle, u.displayName AS displayName`,
			map[string]interface{}{"originId": originID})
		if err != nil {
			return nil, err
		}
		rootNodes, _, err := collectNodes(ctx, res)
		if err != nil {
			return nil, err
		}
		if len(rootNodes) == 0 {
			return nil, apperrors.NotFound("Thread root not found")
		}

		slice := &Slice{Nodes: rootNodes, Edges: []Edge{}, Reactions: []ReactionEdge{}}

		res, err = tx.Run(ctx, `
			MATCH (t:Assertion)
			WHERE t.id = $originId OR t.rootAssertionId = $originId
			MATCH (r:Assertion)-[:RESPONDS_TO*1..]->(t)
			WHERE r.assertionType <> 'tombstone'
			MATCH (r)-[:AUTHORED_BY]->(u:Identity)
			MATCH (r)-[:RESPONDS_TO]->(parent:Assertion)
			RETURN DISTINCT r AS a, u.id AS authorId, u.handle AS handle,
			       u.displayName AS displayName, parent.id AS parentId`,
			map[string]interface{}{"originId": originID})
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}

		replyIDs := []string{}
		for _, rec := range records {
			node, ok := recordNode(rec)
			if !ok {
				continue
			}
			slice.Nodes = append(slice.Nodes, node)
			replyIDs = append(replyIDs, node.ID)
			parentID, _ := rec.Get("parentId")
			slice.Edges = append(slice.Edges, Edge{Type: EdgeRespondsTo, Source: node.ID, Target: asString(parentID)})
		}

		if len(replyIDs) > 0 {
			revisions, err := s.fetchChainRevisions(ctx, tx, replyIDs)
			if err != nil {
				return nil, err
			}
			slice.Nodes = append(slice.Nodes, revisions...)
		}

		allIDs := make([]string, 0, len(slice.Nodes))
		for _, n := range slice.Nodes {
			allIDs = append(allIDs, n.ID)
		}

		if err := s.attachTopicsAndMentions(ctx, tx, slice, allIDs); err != nil {
			return nil, err
		}
		if err := s.attachDerivedEdges(ctx, tx, slice, allIDs); err != nil {
			return nil, err
		}
		if err := s.attachReactions(ctx, tx, slice, allIDs); err != nil {
			return nil, err
		}

		return slice, nil
	})
	if err != nil {
		if appErr, ok := asAppError(err); ok {
			return nil, appErr
		}
		return nil, apperrors.Graph("read thread graph", err)
	}
	return slice, nil
}

// ReadProfileGraph returns every non-tombstone assertion authored by
// userID, with derived SUPERSEDES edges and reactions. The projector
// applies head resolution and visibility.
func (s *Store) ReadProfileGraph(ctx context.Context, userID string, limit int) (*Slice, error) {
	if limit <= 0 {
		limit = 50
	}

	session := s.readSession(ctx)
	defer session.Close(ctx)

	slice, err := neo4j.ExecuteRead(ctx, session, func(tx neo4j.ManagedTransaction) (*Slice, error) {
		res, err := tx.Run(ctx, `
			MATCH (a:Assertion)-[:AUTHORED_BY]->(u:Identity {id: $userId})
			WHERE a.assertionType <> 'tombstone'
			RETURN a, u.id AS authorId, u.handle AS handle, u.displayName AS displayName
			ORDER BY a.createdAt DESC
			LIMIT $limit`,
			map[string]interface{}{"userId": userID, "limit": limit})
		if err != nil {
			return nil, err
		}
		nodes, ids, err := collectNodes(ctx, res)
		if err != nil {
			return nil, err
		}

		slice := &Slice{Nodes: nodes, Edges: []Edge{}, Reactions: []ReactionEdge{}}
		if len(ids) == 0 {
			return slice, nil
		}
		if err := s.attachDerivedEdges(ctx, tx, slice, ids); err != nil {
			return nil, err
		}
		if err := s.attachReactions(ctx, tx, slice, ids); err != nil {
			return nil, err
		}
		return slice, nil
	})
	if err != nil {
		return nil, apperrors.Graph("read profile graph", err)
	}
	return slice, nil
}

// fetchChainRevisions loads the non-tombstone revisions of the chains
// originating at the given ids.
func (s *Store) fetchChainRevisions(ctx context.Context, tx neo4j.ManagedTransaction, originIDs []string) ([]Node, error) {
	res, err := tx.Run(ctx, `
		MATCH (v:Assertion)-[:AUTHORED_BY]->(u:Identity)
		WHERE v.rootAssertionId IN $originIds AND v.assertionType <> 'tombstone'
		RETURN v AS a, u.id AS authorId, u.handle AS handle, u.displayName AS displayName`,
		map[string]interface{}{"originIds": originIDs})
	if err != nil {
		return nil, err
	}
	nodes, _, err := collectNodes(ctx, res)
	return nodes, err
}

// attachDerivedEdges derives SUPERSEDES edges from supersedesId properties
// targeting any id in the slice. Sources include tombstones and nodes
// outside the slice — only the target side drives head resolution.
func (s *Store) attachDerivedEdges(ctx context.Context, tx neo4j.ManagedTransaction, slice *Slice, ids []string) error {
	res, err := tx.Run(ctx, `
		MATCH (sup:Assertion)
		WHERE sup.supersedesId IN $ids
		RETURN sup.id AS source, sup.supersedesId AS target`,
		map[string]interface{}{"ids": ids})
	if err != nil {
		return err
	}
	records, err := res.Collect(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		source, _ := rec.Get("source")
		target, _ := rec.Get("target")
		slice.Edges = append(slice.Edges, Edge{Type: EdgeSupersedes, Source: asString(source), Target: asString(target)})
	}
	return nil
}

func (s *Store) attachReactions(ctx context.Context, tx neo4j.ManagedTransaction, slice *Slice, ids []string) error {
	res, err := tx.Run(ctx, `
		MATCH (u:Identity)-[e:REACTED_TO]->(a:Assertion)
		WHERE a.id IN $ids
		RETURN u.id AS userId, a.id AS assertionId, e.type AS type, e.createdAt AS createdAt`,
		map[string]interface{}{"ids": ids})
	if err != nil {
		return err
	}
	records, err := res.Collect(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		userID, _ := rec.Get("userId")
		assertionID, _ := rec.Get("assertionId")
		typ, _ := rec.Get("type")
		createdAt, _ := rec.Get("createdAt")
		edge := ReactionEdge{
			UserID:      asString(userID),
			AssertionID: asString(assertionID),
			Type:        asString(typ),
		}
		if ts, ok := createdAt.(time.Time); ok {
			edge.CreatedAt = ts
		}
		slice.Reactions = append(slice.Reactions, edge)
	}
	return nil
}

func (s *Store) attachTopicsAndMentions(ctx context.Context, tx neo4j.ManagedTransaction, slice *Slice, ids []string) error {
	res, err := tx.Run(ctx, `
		MATCH (a:Assertion) WHERE a.id IN $ids
		OPTIONAL MATCH (a)-[:TAGGED_WITH]->(t:Topic)
		OPTIONAL MATCH (a)-[:MENTIONS]->(m:Identity)
		RETURN a.id AS id, collect(DISTINCT t.id) AS topics, collect(DISTINCT m.id) AS mentions`,
		map[string]interface{}{"ids": ids})
	if err != nil {
		return err
	}
	records, err := res.Collect(ctx)
	if err != nil {
		return err
	}

	byID := make(map[string]struct{ topics, mentions []string }, len(records))
	for _, rec := range records {
		id, _ := rec.Get("id")
		topicsRaw, _ := rec.Get("topics")
		mentionsRaw, _ := rec.Get("mentions")
		byID[asString(id)] = struct{ topics, mentions []string }{
			topics:   stringList(topicsRaw),
			mentions: stringList(mentionsRaw),
		}
	}
	for i := range slice.Nodes {
		if attach, ok := byID[slice.Nodes[i].ID]; ok {
			slice.Nodes[i].Topics = attach.topics
			slice.Nodes[i].Mentions = attach.mentions
		}
	}
	return nil
}

// collectNodes drains a result of (a, authorId, handle, displayName) rows.
func collectNodes(ctx context.Context, res neo4j.ResultWithContext) ([]Node, []string, error) {
	records, err := res.Collect(ctx)
	if err != nil {
		return nil, nil, err
	}
	nodes := make([]Node, 0, len(records))
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		node, ok := recordNode(rec)
		if !ok {
			continue
		}
		nodes = append(nodes, node)
		ids = append(ids, node.ID)
	}
	return nodes, ids, nil
}

func recordNode(rec *neo4j.Record) (Node, bool) {
	raw, _ := rec.Get("a")
	props, ok := asNode(raw)
	if !ok {
		return Node{}, false
	}
	authorID, _ := rec.Get("authorId")
	handle, _ := rec.Get("handle")
	displayName, _ := rec.Get("displayName")
	return nodeFromProps(props, asString(authorID), asString(handle), asString(displayName)), true
}

func stringList(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
