// Package alerting converts anomaly detections into schema-validated
// alerts with deterministic identity and a time-windowed dedup policy.
//
// The alert payload shape is fixed by the versioned replay.alert.v1
// contract; ValidatePayload checks arbitrary objects against it so
// downstream consumers can interop-test without importing this module's
// types.
package alerting

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaID names the alert contract version.
const SchemaID = "replay.alert.v1"

// Severity of an alert.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Kind classifies what the alert is about.
type Kind string

const (
	KindTransitionValidation Kind = "transition_validation"
	KindReplayHashMismatch   Kind = "replay_hash_mismatch"
	KindReplayIngestionLag   Kind = "replay_ingestion_lag"
	KindReplayAnomalyRepeat  Kind = "replay_anomaly_repeat"
)

// Alert is one emitted anomaly notification. ID is a deterministic hash of
// the identity fields (code, kind, entity references) and excludes
// EmittedAtMs and RepeatCount, so repeated occurrences share one id.
type Alert struct {
	ID                  string         `json:"id"`
	Code                string         `json:"code"`
	Severity            Severity       `json:"severity"`
	Kind                Kind           `json:"kind"`
	Message             string         `json:"message"`
	EmittedAtMs         int64          `json:"emittedAtMs"`
	RepeatCount         int            `json:"repeatCount"`
	EntityRef           string         `json:"entityRef,omitempty"`
	Slot                *int64         `json:"slot,omitempty"`
	Signature           string         `json:"signature,omitempty"`
	SourceEventName     string         `json:"sourceEventName,omitempty"`
	SourceEventSequence *int           `json:"sourceEventSequence,omitempty"`
	TraceID             string         `json:"traceId,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}

const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://schemas.agenc.dev/replay.alert.v1.schema.json",
  "title": "replay.alert.v1",
  "type": "object",
  "required": ["id", "code", "severity", "kind", "message", "emittedAtMs"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "code": {"type": "string", "minLength": 1},
    "severity": {"enum": ["error", "warning", "info"]},
    "kind": {"enum": ["transition_validation", "replay_hash_mismatch", "replay_ingestion_lag", "replay_anomaly_repeat"]},
    "message": {"type": "string"},
    "emittedAtMs": {"type": "integer", "minimum": 0},
    "repeatCount": {"type": "integer", "minimum": 1},
    "entityRef": {"type": "string"},
    "slot": {"type": "integer", "minimum": 0},
    "signature": {"type": "string"},
    "sourceEventName": {"type": "string"},
    "sourceEventSequence": {"type": "integer", "minimum": 0},
    "traceId": {"type": "string"},
    "metadata": {"type": "object"}
  },
  "additionalProperties": false
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := "https://schemas.agenc.dev/replay.alert.v1.schema.json"
		if err := c.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("alerting: load schema: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(url)
	})
	return compiledSchema, schemaErr
}

// ValidatePayload checks an arbitrary decoded JSON object against the
// replay.alert.v1 contract.
func ValidatePayload(v any) error {
	s, err := compiled()
	if err != nil {
		return err
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("alerting: payload violates %s: %w", SchemaID, err)
	}
	return nil
}

// Validate checks the alert itself against the schema, via a JSON
// round-trip so struct tags and the contract cannot drift apart silently.
func (a Alert) Validate() error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("alerting: marshal alert: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("alerting: decode alert: %w", err)
	}
	return ValidatePayload(generic)
}

// RequiredFields returns the published required-field set of the contract.
func RequiredFields() []string {
	return []string{"id", "code", "severity", "kind", "message", "emittedAtMs"}
}

// ValidSeverities returns the enumerated severities of the contract.
func ValidSeverities() []Severity {
	return []Severity{SeverityError, SeverityWarning, SeverityInfo}
}

// ValidKinds returns the enumerated kinds of the contract.
func ValidKinds() []Kind {
	return []Kind{KindTransitionValidation, KindReplayHashMismatch, KindReplayIngestionLag, KindReplayAnomalyRepeat}
}
