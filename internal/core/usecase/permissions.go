package usecase

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	santhosh "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/atvirokodosprendimai/keyring/internal/core/domain"
)

// permissionsSchema: {"<resource>": ["<action>", ...]}.
const permissionsSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "propertyNames": {"type": "string", "minLength": 1, "maxLength": 100},
  "additionalProperties": {
    "type": "array",
    "uniqueItems": true,
    "maxItems": 64,
    "items": {"type": "string", "minLength": 1, "maxLength": 100}
  }
}`

var permissionsValidator = sync.OnceValues(func() (*santhosh.Schema, error) {
	compiler := santhosh.NewCompiler()
	compiler.Draft = santhosh.Draft7
	if err := compiler.AddResource("permissions.json", strings.NewReader(permissionsSchema)); err != nil {
		return nil, err
	}
	return compiler.Compile("permissions.json")
})

// ValidatePermissions accepts an absent document and otherwise requires a
// resource → actions object.
func ValidatePermissions(doc json.RawMessage) error {
	if isAbsent(doc) {
		return nil
	}
	sch, err := permissionsValidator()
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return &domain.ValidationError{Field: "permissions", Reason: "must be valid JSON"}
	}
	if err := sch.Validate(v); err != nil {
		var ve *santhosh.ValidationError
		if errors.As(err, &ve) {
			return &domain.ValidationError{Field: "permissions", Reason: strings.Join(collectValidationErrors(ve), "; ")}
		}
		return &domain.ValidationError{Field: "permissions", Reason: err.Error()}
	}
	return nil
}

// ValidateMetadata requires a JSON object when metadata is present.
func ValidateMetadata(doc json.RawMessage) error {
	if isAbsent(doc) {
		return nil
	}
	var v map[string]any
	if err := json.Unmarshal(doc, &v); err != nil || v == nil {
		return &domain.ValidationError{Field: "metadata", Reason: "must be a JSON object"}
	}
	return nil
}

func isAbsent(doc json.RawMessage) bool {
	trimmed := bytes.TrimSpace(doc)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func collectValidationErrors(ve *santhosh.ValidationError) []string {
	var msgs []string
	for _, cause := range ve.Causes {
		msgs = append(msgs, collectValidationErrors(cause)...)
	}
	if len(ve.Causes) == 0 {
		msgs = append(msgs, ve.InstanceLocation+": "+ve.Message)
	}
	return msgs
}
