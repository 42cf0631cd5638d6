package cso

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawRefs(t *testing.T, entries ...string) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, len(entries))
	for i, e := range entries {
		out[i] = json.RawMessage(e)
	}
	return out
}

func TestNewRejectsInvalidEnums(t *testing.T) {
	_, err := New(Draft{AssertionType: "blog", Text: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "assertionType")

	_, err = New(Draft{AssertionType: "moment", Text: "hi", Visibility: "secret"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "visibility")
}

func TestNewNormalizes(t *testing.T) {
	c, err := New(Draft{AssertionType: "moment", Text: "hi"})
	require.NoError(t, err)

	assert.Equal(t, TypeMoment, c.AssertionType)
	assert.Equal(t, VisibilityPublic, c.Visibility)
	assert.NotNil(t, c.Topics)
	assert.NotNil(t, c.Mentions)
	assert.NotNil(t, c.Media)
	assert.False(t, c.Meta.CreatedAt.IsZero())
	assert.False(t, c.Meta.UpdatedAt.IsZero())
}

func TestValidateEmptyAssertion(t *testing.T) {
	c, err := New(Draft{AssertionType: "moment", Text: "   "})
	require.NoError(t, err)

	res := c.Validate()
	assert.False(t, res.OK)
	assert.Contains(t, res.Errors, ErrEmptyAssertion)
}

func TestValidateMediaOnlyIsAllowed(t *testing.T) {
	c, err := New(Draft{
		AssertionType: "moment",
		Media:         []Media{{URL: "https://cdn.example/pic.png"}},
	})
	require.NoError(t, err)
	assert.True(t, c.Validate().OK)
}

func TestValidateResponseNoTarget(t *testing.T) {
	c, err := New(Draft{AssertionType: "response", Text: "agreed"})
	require.NoError(t, err)

	res := c.Validate()
	assert.False(t, res.OK)
	assert.Contains(t, res.Errors, ErrResponseNoTarget)
}

func TestValidateResponseRejectsStringRefs(t *testing.T) {
	c, err := New(Draft{
		AssertionType: "response",
		Text:          "agreed",
		Refs:          rawRefs(t, `"assertion:asr_1"`),
	})
	require.NoError(t, err)

	res := c.Validate()
	assert.False(t, res.OK)
	assert.Contains(t, res.Errors, ErrInvalidRefShape)
}

func TestValidateResponseRejectsRefWithoutURI(t *testing.T) {
	c, err := New(Draft{
		AssertionType: "response",
		Text:          "agreed",
		Refs:          rawRefs(t, `{"label":"parent"}`),
	})
	require.NoError(t, err)

	res := c.Validate()
	assert.False(t, res.OK)
	assert.Contains(t, res.Errors, ErrInvalidRefShape)
}

func TestValidateResponseWellFormed(t *testing.T) {
	c, err := New(Draft{
		AssertionType: "response",
		Text:          "agreed",
		Refs:          rawRefs(t, `{"uri":"assertion:asr_1"}`),
	})
	require.NoError(t, err)

	assert.True(t, c.Validate().OK)
	assert.Equal(t, "asr_1", c.ParentAssertionID())
}

func TestValidateCurationEmpty(t *testing.T) {
	c, err := New(Draft{AssertionType: "curation", Text: "reading list"})
	require.NoError(t, err)

	res := c.Validate()
	assert.False(t, res.OK)
	assert.Contains(t, res.Errors, ErrCurationEmpty)
}

func TestValidateCurationWithRefs(t *testing.T) {
	c, err := New(Draft{
		AssertionType: "curation",
		Text:          "reading list",
		Refs:          rawRefs(t, `{"uri":"https://example.com/post"}`),
	})
	require.NoError(t, err)
	assert.True(t, c.Validate().OK)
}

func TestParentAssertionIDIgnoresForeignRefs(t *testing.T) {
	c, err := New(Draft{
		AssertionType: "response",
		Text:          "see also",
		Refs:          rawRefs(t, `{"uri":"https://example.com"}`, `{"uri":"assertion:asr_42"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "asr_42", c.ParentAssertionID())
}
