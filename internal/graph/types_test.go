package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNodeFromProps(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	props := map[string]interface{}{
		"id":              "asr_1",
		"assertionType":   "response",
		"text":            "hello",
		"visibility":      "public",
		"createdAt":       created,
		"supersedesId":    "asr_0",
		"revisionNumber":  int64(2),
		"rootAssertionId": "asr_0",
		"media":           `[{"url":"https://cdn.example/a.png","mimeType":"image/png"}]`,
	}

	n := nodeFromProps(props, "usr_1", "alice", "Alice")

	assert.Equal(t, "asr_1", n.ID)
	assert.Equal(t, "response", n.AssertionType)
	assert.Equal(t, "asr_0", n.SupersedesID)
	assert.Equal(t, int64(2), n.RevisionNumber)
	assert.Equal(t, created, n.CreatedAt)
	assert.Equal(t, "usr_1", n.AuthorID)
	assert.Equal(t, "alice", n.AuthorHandle)
	assert.Len(t, n.Media, 1)
	assert.Equal(t, "https://cdn.example/a.png", n.Media[0].URL)
}

func TestNodeFromPropsMalformedMedia(t *testing.T) {
	props := map[string]interface{}{
		"id":            "asr_1",
		"assertionType": "moment",
		"media":         "{not json",
	}

	n := nodeFromProps(props, "usr_1", "", "")
	assert.Empty(t, n.Media)
}

func TestStringList(t *testing.T) {
	assert.Equal(t, []string{"go", "dist"}, stringList([]interface{}{"go", "dist"}))
	assert.Empty(t, stringList([]interface{}{nil}))
	assert.Empty(t, stringList("not-a-list"))
}

func TestValidReactionType(t *testing.T) {
	assert.True(t, ValidReactionType("like"))
	assert.True(t, ValidReactionType("acknowledge"))
	assert.False(t, ValidReactionType("boost"))
	assert.False(t, ValidReactionType(""))
}
