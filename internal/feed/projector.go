// Package feed projects graph slices into ordered, visibility-filtered,
// version-resolved feed and thread items. Everything here is a pure
// function over in-memory structures; the store never gets called back.
package feed

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/assertly/backend/internal/cso"
	"github.com/assertly/backend/internal/graph"
)

// Environments the projector distinguishes for the root-purity assertion.
const (
	EnvTest        = "test"
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// NearMissFunc receives expected-but-noteworthy anomalies (e.g. a feed
// root-purity violation in production) without raising an error.
type NearMissFunc func(event string, details map[string]interface{})

// Item is one projected assertion.
type Item struct {
	ID                string         `json:"id"`
	AssertionType     string         `json:"assertionType"`
	Text              string         `json:"text"`
	Title             string         `json:"title,omitempty"`
	Visibility        string         `json:"visibility"`
	Media             []cso.Media    `json:"media"`
	AuthorID          string         `json:"authorId"`
	AuthorHandle      string         `json:"authorHandle,omitempty"`
	AuthorDisplayName string         `json:"authorDisplayName,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	RevisionNumber    int64          `json:"revisionNumber,omitempty"`
	RootAssertionID   string         `json:"rootAssertionId,omitempty"`
	Topics            []string       `json:"topics,omitempty"`
	Mentions          []string       `json:"mentions,omitempty"`
	ReplyTo           string         `json:"replyTo,omitempty"`
	ReactionCounts    map[string]int `json:"reactionCounts"`
	Responses         []Item         `json:"responses,omitempty"`
}

// Thread is a projected thread view.
type Thread struct {
	Root      Item   `json:"root"`
	Responses []Item `json:"responses"`
	Count     int    `json:"count"`
}

// Projector assembles feed views. Env selects root-purity behavior.
type Projector struct {
	env      string
	logger   *slog.Logger
	nearMiss NearMissFunc
}

// New creates a projector. nearMiss may be nil.
func New(env string, nearMiss NearMissFunc) *Projector {
	if nearMiss == nil {
		nearMiss = func(string, map[string]interface{}) {}
	}
	return &Projector{
		env:      env,
		logger:   slog.Default().With("component", "feed"),
		nearMiss: nearMiss,
	}
}

// AssembleHome projects the home feed: head roots only, visibility-filtered,
// each with its version-resolved direct responses, roots descending and
// responses ascending by createdAt.
func (p *Projector) AssembleHome(slice *graph.Slice, viewerID string) ([]Item, error) {
	superseded := supersededTargets(slice.Edges)
	parentOf := respondsTo(slice.Edges)

	var roots []graph.Node
	var responses []graph.Node
	for _, n := range slice.Nodes {
		if !isHead(n, superseded) {
			continue
		}
		if isResponseNode(n, parentOf) {
			responses = append(responses, n)
			continue
		}
		roots = append(roots, n)
	}

	items := make([]Item, 0, len(roots))
	for _, root := range roots {
		if !visibleTo(root, viewerID) {
			continue
		}
		item := p.toItem(root, slice, parentOf)
		item.Responses = p.directResponses(root.ID, responses, slice, parentOf, viewerID)
		items = append(items, item)
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})

	if err := p.assertRootPurity(items); err != nil {
		return nil, err
	}
	return items, nil
}

// AssembleThread projects a thread: the root's head version plus every
// version-resolved reply reachable under it, ascending by createdAt. rootID
// may name any version of the root; it is resolved to the chain origin
// before head matching. Each reply carries replyTo — the id its RESPONDS_TO
// edge points at, which may name a superseded version.
func (p *Projector) AssembleThread(slice *graph.Slice, rootID, viewerID string) (*Thread, error) {
	superseded := supersededTargets(slice.Edges)
	parentOf := respondsTo(slice.Edges)

	originID := rootID
	for _, n := range slice.Nodes {
		if n.ID == rootID && n.RootAssertionID != "" {
			originID = n.RootAssertionID
			break
		}
	}

	var rootItem *Item
	var replies []Item
	for _, n := range slice.Nodes {
		if !isHead(n, superseded) {
			continue
		}
		if !visibleTo(n, viewerID) {
			continue
		}
		item := p.toItem(n, slice, parentOf)
		if n.ID == originID || n.RootAssertionID == originID {
			rootItem = &item
			continue
		}
		replies = append(replies, item)
	}

	if rootItem == nil {
		return nil, fmt.Errorf("thread root %s resolved to no head version", rootID)
	}

	sort.Slice(replies, func(i, j int) bool {
		if replies[i].CreatedAt.Equal(replies[j].CreatedAt) {
			return replies[i].ID < replies[j].ID
		}
		return replies[i].CreatedAt.Before(replies[j].CreatedAt)
	})

	return &Thread{
		Root:      *rootItem,
		Responses: replies,
		Count:     1 + len(replies),
	}, nil
}

// AssembleProfile projects heads authored by targetUserID, visibility
// filtered for the viewer, descending by createdAt.
func (p *Projector) AssembleProfile(slice *graph.Slice, targetUserID, viewerID string) []Item {
	superseded := supersededTargets(slice.Edges)
	parentOf := respondsTo(slice.Edges)

	items := []Item{}
	for _, n := range slice.Nodes {
		if n.AuthorID != targetUserID {
			continue
		}
		if !isHead(n, superseded) {
			continue
		}
		if !visibleTo(n, viewerID) {
			continue
		}
		items = append(items, p.toItem(n, slice, parentOf))
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	return items
}

// directResponses resolves the response set scoped to itself — never
// resolved globally and then subset — then filters to the given root,
// applies visibility, and sorts ascending.
func (p *Projector) directResponses(rootID string, responses []graph.Node, slice *graph.Slice, parentOf map[string]string, viewerID string) []Item {
	items := []Item{}
	for _, r := range responses {
		if effectiveParent(r, parentOf) != rootID {
			continue
		}
		if !visibleTo(r, viewerID) {
			continue
		}
		items = append(items, p.toItem(r, slice, parentOf))
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items
}

// assertRootPurity enforces that no emitted home item is a response. Test
// environments fail hard; development logs; production records a near-miss.
func (p *Projector) assertRootPurity(items []Item) error {
	for _, item := range items {
		if item.AssertionType != string(cso.TypeResponse) {
			continue
		}
		switch p.env {
		case EnvTest:
			return fmt.Errorf("root purity violated: home feed emitted response %s", item.ID)
		case EnvDevelopment:
			p.logger.Error("root purity violated in home feed",
				"assertionId", item.ID, "authorId", item.AuthorID)
		default:
			p.nearMiss("feed_root_purity_violation", map[string]interface{}{
				"assertionId": item.ID,
			})
		}
	}
	return nil
}

func (p *Projector) toItem(n graph.Node, slice *graph.Slice, parentOf map[string]string) Item {
	media := n.Media
	if media == nil {
		media = []cso.Media{}
	}
	return Item{
		ID:                n.ID,
		AssertionType:     n.AssertionType,
		Text:              n.Text,
		Title:             n.Title,
		Visibility:        n.Visibility,
		Media:             media,
		AuthorID:          n.AuthorID,
		AuthorHandle:      n.AuthorHandle,
		AuthorDisplayName: n.AuthorDisplayName,
		CreatedAt:         n.CreatedAt,
		RevisionNumber:    n.RevisionNumber,
		RootAssertionID:   n.RootAssertionID,
		Topics:            n.Topics,
		Mentions:          n.Mentions,
		ReplyTo:           replyTarget(n, parentOf),
		ReactionCounts:    countReactions(n.ID, slice.Reactions),
	}
}

// supersededTargets collects every SUPERSEDES edge target. Because edges
// point new → old, membership marks a node as superseded.
func supersededTargets(edges []graph.Edge) map[string]bool {
	targets := make(map[string]bool)
	for _, e := range edges {
		if e.Type == graph.EdgeSupersedes {
			targets[e.Target] = true
		}
	}
	return targets
}

// respondsTo maps response id → parent id.
func respondsTo(edges []graph.Edge) map[string]string {
	parents := make(map[string]string)
	for _, e := range edges {
		if e.Type == graph.EdgeRespondsTo {
			parents[e.Source] = e.Target
		}
	}
	return parents
}

// isHead reports whether a node is the current version: not superseded and
// not a tombstone.
func isHead(n graph.Node, superseded map[string]bool) bool {
	return !superseded[n.ID] && n.AssertionType != string(cso.TypeTombstone)
}

// isResponseNode applies belt-and-suspenders root detection: a node is a
// response if it is response-typed, has an outgoing RESPONDS_TO edge, or is
// a revision of a chain that has one.
func isResponseNode(n graph.Node, parentOf map[string]string) bool {
	if n.AssertionType == string(cso.TypeResponse) {
		return true
	}
	if _, ok := parentOf[n.ID]; ok {
		return true
	}
	if n.RootAssertionID != "" {
		if _, ok := parentOf[n.RootAssertionID]; ok {
			return true
		}
	}
	return false
}

// replyTarget returns the parent id for a node. Revisions carry no edge of
// their own — RESPONDS_TO is immutable — so the chain origin's edge applies.
func replyTarget(n graph.Node, parentOf map[string]string) string {
	if parent, ok := parentOf[n.ID]; ok {
		return parent
	}
	if n.RootAssertionID != "" {
		if parent, ok := parentOf[n.RootAssertionID]; ok {
			return parent
		}
	}
	return ""
}

// effectiveParent is replyTarget for home-feed grouping.
func effectiveParent(n graph.Node, parentOf map[string]string) string {
	return replyTarget(n, parentOf)
}

// visibleTo applies the visibility policy: public is always visible;
// private, unlisted, and followers degrade to author-only at this layer.
func visibleTo(n graph.Node, viewerID string) bool {
	if n.Visibility == string(cso.VisibilityPublic) {
		return true
	}
	return viewerID != "" && n.AuthorID == viewerID
}

// countReactions aggregates reaction edges targeting id. Aggregation is
// read-only: it never affects ordering, inclusion, or visibility. Unknown
// types are skipped.
func countReactions(id string, reactions []graph.ReactionEdge) map[string]int {
	counts := map[string]int{
		graph.ReactionLike:        0,
		graph.ReactionAcknowledge: 0,
	}
	for _, r := range reactions {
		if r.AssertionID != id {
			continue
		}
		if _, ok := counts[r.Type]; ok {
			counts[r.Type]++
		}
	}
	return counts
}
