// Package cso defines the Composer State Object — the canonical in-memory
// form of a publishable assertion — and its structural validation rules.
package cso

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AssertionType enumerates the kinds of assertions a composer can publish.
// Tombstones are never composed directly; they are created by the delete path.
type AssertionType string

const (
	TypeMoment    AssertionType = "moment"
	TypeNote      AssertionType = "note"
	TypeArticle   AssertionType = "article"
	TypeArtifact  AssertionType = "artifact"
	TypeResponse  AssertionType = "response"
	TypeCuration  AssertionType = "curation"
	TypeTombstone AssertionType = "tombstone"
)

// Visibility enumerates who can see an assertion.
type Visibility string

const (
	VisibilityPublic    Visibility = "public"
	VisibilityPrivate   Visibility = "private"
	VisibilityFollowers Visibility = "followers"
	VisibilityUnlisted  Visibility = "unlisted"
)

var validTypes = map[AssertionType]bool{
	TypeMoment:    true,
	TypeNote:      true,
	TypeArticle:   true,
	TypeArtifact:  true,
	TypeResponse:  true,
	TypeCuration:  true,
	TypeTombstone: true,
}

var validVisibilities = map[Visibility]bool{
	VisibilityPublic:    true,
	VisibilityPrivate:   true,
	VisibilityFollowers: true,
	VisibilityUnlisted:  true,
}

// Media describes one attached media item. Order is significant.
type Media struct {
	URL      string `json:"url"`
	MimeType string `json:"mimeType,omitempty"`
	AltText  string `json:"altText,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
}

// Ref is a reference to another resource. The contract is strict: a ref is
// always an object with a nonempty string uri. Bare strings are rejected.
type Ref struct {
	URI   string `json:"uri"`
	Label string `json:"label,omitempty"`
}

// Meta carries construction timestamps.
type Meta struct {
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Draft is the raw JSON shape submitted by the composer. Refs stay raw so
// validation can distinguish malformed shapes from absent targets.
type Draft struct {
	AssertionType string            `json:"assertionType"`
	Text          string            `json:"text"`
	Title         string            `json:"title,omitempty"`
	Visibility    string            `json:"visibility"`
	Topics        []string          `json:"topics,omitempty"`
	Mentions      []string          `json:"mentions,omitempty"`
	Refs          []json.RawMessage `json:"refs,omitempty"`
	Media         []Media           `json:"media,omitempty"`
}

// CSO is the normalized Composer State Object.
type CSO struct {
	AssertionType AssertionType
	Text          string
	Title         string
	Visibility    Visibility
	Topics        []string
	Mentions      []string
	Refs          []Ref
	Media         []Media
	Meta          Meta

	// rawRefs preserves the submitted refs so validation can flag entries
	// that did not parse into the object-with-uri shape.
	rawRefs []json.RawMessage
}

// New builds a CSO from a draft. Invalid assertionType or visibility values
// are rejected at construction; sequence fields are coerced to non-nil
// slices and meta timestamps are stamped.
func New(d Draft) (*CSO, error) {
	at := AssertionType(strings.TrimSpace(d.AssertionType))
	if !validTypes[at] {
		return nil, fmt.Errorf("invalid assertionType %q", d.AssertionType)
	}

	vis := Visibility(strings.TrimSpace(d.Visibility))
	if vis == "" {
		vis = VisibilityPublic
	}
	if !validVisibilities[vis] {
		return nil, fmt.Errorf("invalid visibility %q", d.Visibility)
	}

	now := time.Now().UTC()
	c := &CSO{
		AssertionType: at,
		Text:          d.Text,
		Title:         d.Title,
		Visibility:    vis,
		Topics:        coerce(d.Topics),
		Mentions:      coerce(d.Mentions),
		Refs:          []Ref{},
		Media:         coerceMedia(d.Media),
		Meta:          Meta{CreatedAt: now, UpdatedAt: now},
		rawRefs:       d.Refs,
	}

	for _, raw := range d.Refs {
		var ref Ref
		if err := json.Unmarshal(raw, &ref); err == nil && strings.TrimSpace(ref.URI) != "" {
			c.Refs = append(c.Refs, ref)
		}
	}

	return c, nil
}

// ParentAssertionID extracts the reply target from refs of the form
// "assertion:<id>". Empty when the CSO is not a response or no such ref
// exists.
func (c *CSO) ParentAssertionID() string {
	for _, ref := range c.Refs {
		if id, ok := strings.CutPrefix(ref.URI, "assertion:"); ok && id != "" {
			return id
		}
	}
	return ""
}

func coerce(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func coerceMedia(m []Media) []Media {
	if m == nil {
		return []Media{}
	}
	return m
}
