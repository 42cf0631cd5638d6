package cso

import (
	"encoding/json"
	"strings"
)

// Validation error codes. These are stable identifiers surfaced to clients.
const (
	ErrEmptyAssertion   = "ERR_EMPTY_ASSERTION"
	ErrResponseNoTarget = "ERR_RESPONSE_NO_TARGET"
	ErrInvalidRefShape  = "ERR_INVALID_REF_SHAPE"
	ErrCurationEmpty    = "ERR_CURATION_EMPTY"
)

// Result is the outcome of structural validation.
type Result struct {
	OK       bool     `json:"ok"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// Validate applies the type-specific structural rules:
//
//   - every assertion needs nonempty text or nonempty media
//   - responses need refs, and every ref must be an object with a
//     nonempty string uri
//   - curations need at least one of refs, media
func (c *CSO) Validate() Result {
	res := Result{OK: true, Errors: []string{}, Warnings: []string{}}

	if strings.TrimSpace(c.Text) == "" && len(c.Media) == 0 {
		res.fail(ErrEmptyAssertion)
	}

	switch c.AssertionType {
	case TypeResponse:
		if len(c.rawRefs) == 0 {
			res.fail(ErrResponseNoTarget)
		} else if !refsWellFormed(c.rawRefs) {
			res.fail(ErrInvalidRefShape)
		}
	case TypeCuration:
		if len(c.rawRefs) == 0 && len(c.Media) == 0 {
			res.fail(ErrCurationEmpty)
		}
	}

	return res
}

func (r *Result) fail(code string) {
	r.OK = false
	r.Errors = append(r.Errors, code)
}

// refsWellFormed checks the strict ref contract: every entry is a JSON
// object carrying a nonempty string uri. Strings and other scalars fail.
func refsWellFormed(raw []json.RawMessage) bool {
	for _, entry := range raw {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(entry, &obj); err != nil {
			return false
		}
		uriRaw, ok := obj["uri"]
		if !ok {
			return false
		}
		var uri string
		if err := json.Unmarshal(uriRaw, &uri); err != nil {
			return false
		}
		if strings.TrimSpace(uri) == "" {
			return false
		}
	}
	return true
}
