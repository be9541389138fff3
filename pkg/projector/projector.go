// Package projector turns an unordered batch of raw ledger events into a
// canonical, deterministic trajectory: classified, content-deduplicated,
// lifecycle-validated, and totally ordered independent of input order.
//
// The projector owns no persistent state. Projecting the same batch twice,
// in any permutation, yields identical output; every anomaly it finds is
// reported through telemetry rather than an error, so a single bad event
// can never abort a projection.
package projector

import (
	"sort"

	"github.com/agenc-labs/replay/core/pkg/canonicalize"
	"github.com/agenc-labs/replay/core/pkg/ledger"
	"github.com/agenc-labs/replay/core/pkg/trajectory"
)

// TraceOptions identifies the trajectory a projection produces. All fields
// are caller-supplied; the projector never reads the wall clock.
type TraceOptions struct {
	TraceID     string
	Seed        int64
	CreatedAtMs int64
}

// Event is a projected timeline event: a trajectory event plus its ledger
// provenance.
type Event struct {
	trajectory.Event
	Slot                int64  `json:"slot"`
	Signature           string `json:"signature"`
	SourceEventName     string `json:"sourceEventName"`
	SourceEventSequence int    `json:"sourceEventSequence"`
	Fingerprint         string `json:"fingerprint"`
}

// TransitionConflict records a lifecycle transition outside the allowed
// set. Conflicts are observations: the offending event is still projected.
type TransitionConflict struct {
	EntityRef string `json:"entityRef"`
	FromState string `json:"fromState,omitempty"`
	ToState   string `json:"toState"`
	EventName string `json:"eventName"`
	Slot      int64  `json:"slot"`
	Signature string `json:"signature"`
}

// Telemetry summarizes what projection saw and dropped.
type Telemetry struct {
	TotalInputs         int                  `json:"totalInputs"`
	Projected           int                  `json:"projected"`
	UnknownEvents       map[string]int       `json:"unknownEvents"`
	MalformedInputs     int                  `json:"malformedInputs"`
	DuplicatesDropped   int                  `json:"duplicatesDropped"`
	TransitionConflicts []TransitionConflict `json:"transitionConflicts"`
}

// Result is the outcome of one projection.
type Result struct {
	Trace     *trajectory.Trajectory
	Events    []Event
	Telemetry Telemetry
}

// candidate is one input record that survived classification, carrying
// everything the sort comparator and walk need.
type candidate struct {
	raw       ledger.RawEvent
	kind      ledger.Kind
	payload   map[string]any
	entityRef string
	fp        string
	index     int
}

// Project is a pure function of its input batch. See the package comment
// for the guarantees it provides.
func Project(records []ledger.RawEvent, opts TraceOptions) *Result {
	tel := Telemetry{
		TotalInputs:         len(records),
		UnknownEvents:       map[string]int{},
		TransitionConflicts: []TransitionConflict{},
	}

	candidates := make([]candidate, 0, len(records))
	for i, rec := range records {
		if rec.EventName == "" {
			tel.MalformedInputs++
			continue
		}
		kind := ledger.Classify(rec.EventName)
		if !kind.Known() {
			tel.UnknownEvents[rec.EventName]++
			continue
		}
		if rec.Slot < 0 || rec.Signature == "" || rec.TimestampMs < 0 {
			tel.MalformedInputs++
			continue
		}

		sanitized, err := canonicalize.Sanitize(rec.Event)
		if err != nil {
			tel.MalformedInputs++
			continue
		}
		payload, _ := sanitized.(map[string]any)
		if payload == nil {
			payload = map[string]any{}
		}

		fp, err := ledger.Fingerprint(rec.Slot, rec.Signature, rec.EventName, payload)
		if err != nil {
			tel.MalformedInputs++
			continue
		}

		candidates = append(candidates, candidate{
			raw:       rec,
			kind:      kind,
			payload:   payload,
			entityRef: kind.EntityRef(payload),
			fp:        fp,
			index:     i,
		})
	}

	// Total order independent of input order. The original index is the
	// final key only to make the sort a strict weak ordering; any two
	// candidates differing only by index are duplicates and collapse in
	// the walk below.
	sort.Slice(candidates, func(a, b int) bool {
		ca, cb := candidates[a], candidates[b]
		if ca.raw.Slot != cb.raw.Slot {
			return ca.raw.Slot < cb.raw.Slot
		}
		if ca.raw.Signature != cb.raw.Signature {
			return ca.raw.Signature < cb.raw.Signature
		}
		if ca.kind.Rank() != cb.kind.Rank() {
			return ca.kind.Rank() < cb.kind.Rank()
		}
		if ca.raw.EventName != cb.raw.EventName {
			return ca.raw.EventName < cb.raw.EventName
		}
		if ca.fp != cb.fp {
			return ca.fp < cb.fp
		}
		return ca.index < cb.index
	})

	seen := make(map[string]struct{}, len(candidates))
	states := make(map[string]string)
	events := make([]Event, 0, len(candidates))

	for _, c := range candidates {
		if _, dup := seen[c.fp]; dup {
			tel.DuplicatesDropped++
			continue
		}
		seen[c.fp] = struct{}{}

		if table := ledger.Lifecycle(c.kind.Domain()); table != nil && c.entityRef != "" {
			key := stateKey(c.kind.Domain(), c.entityRef)
			prior := states[key]
			next := c.kind.State()
			if !table.ValidTransition(prior, next) {
				tel.TransitionConflicts = append(tel.TransitionConflicts, TransitionConflict{
					EntityRef: c.entityRef,
					FromState: prior,
					ToState:   next,
					EventName: c.raw.EventName,
					Slot:      c.raw.Slot,
					Signature: c.raw.Signature,
				})
			}
			// Validation failures are observations, not gates.
			states[key] = next
		}

		seq := len(events) + 1
		events = append(events, Event{
			Event: trajectory.Event{
				Seq:         seq,
				Type:        c.kind.TrajectoryType(),
				EntityRef:   c.entityRef,
				TimestampMs: c.raw.TimestampMs,
				Payload:     c.payload,
			},
			Slot:                c.raw.Slot,
			Signature:           c.raw.Signature,
			SourceEventName:     c.raw.EventName,
			SourceEventSequence: c.index,
			Fingerprint:         c.fp,
		})
	}

	tel.Projected = len(events)

	trajEvents := make([]trajectory.Event, len(events))
	for i, e := range events {
		trajEvents[i] = e.Event
	}

	return &Result{
		Trace: &trajectory.Trajectory{
			SchemaVersion: trajectory.SchemaVersion,
			TraceID:       opts.TraceID,
			Seed:          opts.Seed,
			CreatedAtMs:   opts.CreatedAtMs,
			Events:        trajEvents,
		},
		Events:    events,
		Telemetry: tel,
	}
}

func stateKey(d ledger.Domain, entityRef string) string {
	switch d {
	case ledger.DomainTask:
		return "task/" + entityRef
	case ledger.DomainDispute:
		return "dispute/" + entityRef
	case ledger.DomainSpeculation:
		return "speculation/" + entityRef
	default:
		return entityRef
	}
}
