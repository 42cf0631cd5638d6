// Package graph is the Neo4j adapter for the append-only assertion graph.
// It owns the write choreography (publish, revise, tombstone), the slice
// queries feeding the projector, and reaction edges.
package graph

import (
	"encoding/json"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/assertly/backend/internal/cso"
)

// Edge relationship types carried in slices.
const (
	EdgeRespondsTo = "RESPONDS_TO"
	EdgeSupersedes = "SUPERSEDES"
)

// Node is one assertion in a graph slice, flattened with its author and
// attachments so the projector never goes back to the store.
type Node struct {
	ID                string      `json:"id"`
	AssertionType     string      `json:"assertionType"`
	Text              string      `json:"text"`
	Title             string      `json:"title,omitempty"`
	Visibility        string      `json:"visibility"`
	Media             []cso.Media `json:"media"`
	CreatedAt         time.Time   `json:"createdAt"`
	SupersedesID      string      `json:"supersedesId,omitempty"`
	RevisionNumber    int64       `json:"revisionNumber,omitempty"`
	RootAssertionID   string      `json:"rootAssertionId,omitempty"`
	AuthorID          string      `json:"authorId"`
	AuthorHandle      string      `json:"authorHandle,omitempty"`
	AuthorDisplayName string      `json:"authorDisplayName,omitempty"`
	Topics            []string    `json:"topics,omitempty"`
	Mentions          []string    `json:"mentions,omitempty"`
}

// Edge is a directed relationship between two assertions in a slice.
// SUPERSEDES edges are derived from supersedesId properties; the source may
// lie outside the slice's node set (e.g. a tombstone), which is fine — the
// projector only consumes targets.
type Edge struct {
	Type   string `json:"type"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// ReactionEdge is one REACTED_TO edge attached to a slice.
type ReactionEdge struct {
	UserID      string    `json:"userId"`
	AssertionID string    `json:"assertionId"`
	Type        string    `json:"type"`
	CreatedAt   time.Time `json:"createdAt"`
}

// PageInfo records the keyset position of the fetched root page before any
// projection runs. Visibility and version filtering can shrink the emitted
// page, so the next cursor must come from here, not from the output.
type PageInfo struct {
	Fetched       int
	LastCreatedAt time.Time
	LastID        string
}

// Slice is the unit handed to the feed projector.
type Slice struct {
	Nodes     []Node
	Edges     []Edge
	Reactions []ReactionEdge
	Page      PageInfo
}

// Viewer identifies the authenticated user on a write path. Handle and
// display name enrich the Identity node with coalesce semantics.
type Viewer struct {
	ID          string
	Handle      string
	DisplayName string
	Role        string
}

// RevisionMetadata stamps a revision write.
type RevisionMetadata struct {
	RevisionNumber  int64
	RootAssertionID string
}

// PublishResult is the outcome of a successful publish transaction.
type PublishResult struct {
	AssertionID string
	CreatedAt   time.Time
}

// RevisionTarget is what the orchestrator needs to authorize a revision.
// SupersededBy carries the id of an existing superseder, if any.
type RevisionTarget struct {
	ID              string
	AuthorID        string
	SupersededBy    string
	RevisionNumber  int64
	RootAssertionID string
}

// DeleteResult reports a tombstone write. AlreadyDeleted is set when a
// tombstone for the target already existed, which callers treat as success.
type DeleteResult struct {
	TombstoneID    string
	AlreadyDeleted bool
}

// ReactionCounts aggregates reaction edges for one assertion.
type ReactionCounts struct {
	Like        int      `json:"like"`
	Acknowledge int      `json:"acknowledge"`
	Viewer      []string `json:"viewerReactions"`
}

// nodeFromProps maps a Neo4j node's property bag plus its author row into a
// slice Node. Media is stored as a JSON string property because Neo4j
// properties cannot hold nested maps.
func nodeFromProps(props map[string]interface{}, authorID, authorHandle, authorDisplayName string) Node {
	n := Node{
		ID:                stringProp(props, "id"),
		AssertionType:     stringProp(props, "assertionType"),
		Text:              stringProp(props, "text"),
		Title:             stringProp(props, "title"),
		Visibility:        stringProp(props, "visibility"),
		Media:             []cso.Media{},
		SupersedesID:      stringProp(props, "supersedesId"),
		RootAssertionID:   stringProp(props, "rootAssertionId"),
		AuthorID:          authorID,
		AuthorHandle:      authorHandle,
		AuthorDisplayName: authorDisplayName,
	}

	if v, ok := props["revisionNumber"].(int64); ok {
		n.RevisionNumber = v
	}
	if v, ok := props["createdAt"].(time.Time); ok {
		n.CreatedAt = v
	}
	if raw := stringProp(props, "media"); raw != "" {
		var media []cso.Media
		if err := json.Unmarshal([]byte(raw), &media); err == nil {
			n.Media = media
		}
	}

	return n
}

func stringProp(props map[string]interface{}, key string) string {
	if v, ok := props[key].(string); ok {
		return v
	}
	return ""
}

func asNode(v interface{}) (map[string]interface{}, bool) {
	if node, ok := v.(neo4j.Node); ok {
		return node.Props, true
	}
	return nil, false
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
