// Package trajectory defines the canonical, ordered, deterministic event
// sequence produced by projection or live recording, and the Recorder that
// captures one during execution.
package trajectory

// SchemaVersion is the trajectory schema this module reads and writes.
// The replay engine gates on it with a semver constraint.
const SchemaVersion = "1.0.0"

// Event is one entry of a trajectory. Seq is dense and starts at 1; it is
// assigned only after final ordering.
type Event struct {
	Seq         int            `json:"seq"`
	Type        string         `json:"type"`
	EntityRef   string         `json:"entityRef,omitempty"`
	TimestampMs int64          `json:"timestampMs"`
	Payload     map[string]any `json:"payload"`
}

// Trajectory is an immutable, replayable record of a run. Seed and TraceID
// are caller-supplied so the same inputs reproduce the same trajectory;
// they are never derived from wall-clock time.
type Trajectory struct {
	SchemaVersion string  `json:"schemaVersion"`
	TraceID       string  `json:"traceId"`
	Seed          int64   `json:"seed"`
	CreatedAtMs   int64   `json:"createdAtMs"`
	Events        []Event `json:"events"`
}

// Clone returns a deep copy of the event, payload included.
func (e Event) Clone() Event {
	out := e
	out.Payload = deepCopyMap(e.Payload)
	return out
}

// CloneEvents deep-copies a slice of events.
func CloneEvents(events []Event) []Event {
	out := make([]Event, len(events))
	for i, e := range events {
		out[i] = e.Clone()
	}
	return out
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
