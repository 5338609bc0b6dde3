// Package schema validates artifact payloads before manifest inclusion.
//
// Each artifact type has a compiled JSON Schema. A payload that fails its
// schema is excluded from the manifest with a PartialArtifactError rather
// than failing the whole generation: partial evidence beats none. Unknown
// extra fields are allowed for forward compatibility with vendor payloads.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/callmonitor/evidence/pkg/contracts"
)

var payloadSchemas = map[contracts.ArtifactType]string{
	contracts.ArtifactRecording: `{
		"type": "object",
		"required": ["recording_sid", "recording_url"],
		"properties": {
			"recording_sid": {"type": "string", "minLength": 1},
			"recording_url": {"type": "string", "minLength": 1},
			"duration_seconds": {"type": "number", "minimum": 0},
			"tool_id": {"type": "string"}
		}
	}`,
	contracts.ArtifactTranscript: `{
		"type": "object",
		"required": ["text", "model"],
		"properties": {
			"text": {"type": "string"},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1},
			"model": {"type": "string", "minLength": 1},
			"run_id": {"type": "string"},
			"language": {"type": "string"}
		}
	}`,
	contracts.ArtifactTranslation: `{
		"type": "object",
		"required": ["text", "from_lang", "to_lang"],
		"properties": {
			"text": {"type": "string"},
			"from_lang": {"type": "string", "minLength": 2},
			"to_lang": {"type": "string", "minLength": 2},
			"model": {"type": "string"}
		}
	}`,
	contracts.ArtifactSurvey: `{
		"type": "object",
		"required": ["score"],
		"properties": {
			"score": {"type": "number"},
			"max_score": {"type": "number"},
			"rubric": {"type": "string"},
			"answers": {"type": "object"}
		}
	}`,
}

// Validator holds the compiled per-type schemas.
type Validator struct {
	compiled map[contracts.ArtifactType]*jsonschema.Schema
}

// NewValidator compiles the built-in payload schemas. Compile failures are
// programming errors and surface immediately.
func NewValidator() (*Validator, error) {
	v := &Validator{compiled: make(map[contracts.ArtifactType]*jsonschema.Schema, len(payloadSchemas))}
	for artifactType, raw := range payloadSchemas {
		c := jsonschema.NewCompiler()
		url := fmt.Sprintf("evidence://payload/%s.json", artifactType)
		if err := c.AddResource(url, strings.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("schema load failed for %s: %w", artifactType, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("schema compile failed for %s: %w", artifactType, err)
		}
		v.compiled[artifactType] = compiled
	}
	return v, nil
}

// ValidatePayload checks an artifact's raw payload against the schema for
// its type. A malformed payload yields a PartialArtifactError; the caller
// excludes the artifact and continues.
func (v *Validator) ValidatePayload(artifact *contracts.Artifact) error {
	if len(artifact.Payload) == 0 {
		return &contracts.PartialArtifactError{
			ArtifactID: artifact.ID,
			Type:       artifact.Type,
			Reason:     "empty payload",
		}
	}

	var decoded any
	dec := json.NewDecoder(bytes.NewReader(artifact.Payload))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return &contracts.PartialArtifactError{
			ArtifactID: artifact.ID,
			Type:       artifact.Type,
			Reason:     fmt.Sprintf("unparseable payload: %v", err),
		}
	}

	compiled, ok := v.compiled[artifact.Type]
	if !ok {
		// Unknown artifact type: generic JSON is acceptable, no shape check.
		return nil
	}

	if err := compiled.Validate(decoded); err != nil {
		return &contracts.PartialArtifactError{
			ArtifactID: artifact.ID,
			Type:       artifact.Type,
			Reason:     fmt.Sprintf("schema violation: %v", err),
		}
	}
	return nil
}
