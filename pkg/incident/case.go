// Package incident derives bounded, addressable investigation bundles from
// projected timelines. A case is a pure function of its inputs: rebuilding
// from the same filtered events yields byte-identical transitions and the
// identical case id.
package incident

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/agenc-labs/replay/core/pkg/canonicalize"
	"github.com/agenc-labs/replay/core/pkg/ledger"
	"github.com/agenc-labs/replay/core/pkg/projector"
)

// Status is the externally driven lifecycle of a case. The builder always
// creates cases open; transitions are applied by the investigation tooling,
// not computed here.
type Status string

const (
	StatusOpen          Status = "open"
	StatusInvestigating Status = "investigating"
	StatusResolved      Status = "resolved"
	StatusArchived      Status = "archived"
)

var validStatuses = map[Status]struct{}{
	StatusOpen: {}, StatusInvestigating: {}, StatusResolved: {}, StatusArchived: {},
}

// Role classifies an actor address within the case.
type Role string

const (
	RoleCreator   Role = "creator"
	RoleWorker    Role = "worker"
	RoleArbiter   Role = "arbiter"
	RoleAuthority Role = "authority"
	RoleUnknown   Role = "unknown"
)

// Window bounds the case in ledger slots and timestamps.
type Window struct {
	StartSlot        int64 `json:"startSlot"`
	EndSlot          int64 `json:"endSlot"`
	StartTimestampMs int64 `json:"startTimestampMs"`
	EndTimestampMs   int64 `json:"endTimestampMs"`
}

// Transition is one state change of a target entity, in trajectory order.
type Transition struct {
	Seq         int    `json:"seq"`
	EntityRef   string `json:"entityRef"`
	State       string `json:"state"`
	EventType   string `json:"eventType"`
	Slot        int64  `json:"slot"`
	Signature   string `json:"signature"`
	TimestampMs int64  `json:"timestampMs"`
}

// Actor is the resolved role of one address.
type Actor struct {
	Role          Role  `json:"role"`
	FirstSeenSlot int64 `json:"firstSeenSlot"`
}

// Case is an investigation bundle.
type Case struct {
	CaseID         string            `json:"caseId"`
	TraceWindow    Window            `json:"traceWindow"`
	Transitions    []Transition      `json:"transitions"`
	AnomalyRefs    []string          `json:"anomalyRefs"`
	ActorMap       map[string]Actor  `json:"actorMap"`
	EvidenceRoot   string            `json:"evidenceRoot"`
	EvidenceHashes map[string]string `json:"evidenceHashes"`
	Status         Status            `json:"caseStatus"`
}

// BuildOptions scopes a case build.
type BuildOptions struct {
	// Entities filters events to those referencing the given entity refs.
	// Empty means every event is in scope.
	Entities []string
	// WindowOverride replaces the computed trace window.
	WindowOverride *Window
	// AnomalyRefs are alert ids to carry on the case.
	AnomalyRefs []string
}

// ErrNoEvents is returned when no event falls inside the case scope.
var ErrNoEvents = errors.New("no events in case scope")

// Build derives a case from a set of projected events.
func Build(events []projector.Event, opts BuildOptions) (*Case, error) {
	scoped := filterByEntity(events, opts.Entities)
	if len(scoped) == 0 {
		return nil, ErrNoEvents
	}
	sort.Slice(scoped, func(a, b int) bool { return scoped[a].Seq < scoped[b].Seq })

	window := computeWindow(scoped)
	if opts.WindowOverride != nil {
		window = *opts.WindowOverride
	}

	transitions := deriveTransitions(scoped)
	actors := resolveActors(scoped)

	entities := opts.Entities
	if len(entities) == 0 {
		entities = distinctEntities(scoped)
	} else {
		entities = append([]string(nil), entities...)
	}
	sort.Strings(entities)

	caseID, err := canonicalize.CanonicalHash(map[string]any{
		"traceWindow": window,
		"entities":    entities,
	})
	if err != nil {
		return nil, fmt.Errorf("incident: compute case id: %w", err)
	}

	anomalyRefs := append([]string(nil), opts.AnomalyRefs...)
	sort.Strings(anomalyRefs)

	tree, err := EvidenceTree(scoped)
	if err != nil {
		return nil, fmt.Errorf("incident: build evidence tree: %w", err)
	}

	return &Case{
		CaseID:         caseID,
		TraceWindow:    window,
		Transitions:    transitions,
		AnomalyRefs:    anomalyRefs,
		ActorMap:       actors,
		EvidenceRoot:   tree.Root,
		EvidenceHashes: map[string]string{},
		Status:         StatusOpen,
	}, nil
}

// AttachEvidence records a named evidence hash. Evidence is append-only:
// re-attaching the same name with the same hash is idempotent, a different
// hash is rejected.
func (c *Case) AttachEvidence(name, hash string) error {
	if name == "" || hash == "" {
		return errors.New("incident: evidence name and hash are required")
	}
	if prev, ok := c.EvidenceHashes[name]; ok {
		if prev == hash {
			return nil
		}
		return fmt.Errorf("incident: evidence %q already attached with a different hash", name)
	}
	c.EvidenceHashes[name] = hash
	return nil
}

// SetStatus applies an externally driven status transition.
func (c *Case) SetStatus(s Status) error {
	if _, ok := validStatuses[s]; !ok {
		return fmt.Errorf("incident: invalid case status %q", s)
	}
	c.Status = s
	return nil
}

func filterByEntity(events []projector.Event, entities []string) []projector.Event {
	if len(entities) == 0 {
		return append([]projector.Event(nil), events...)
	}
	want := make(map[string]struct{}, len(entities))
	for _, e := range entities {
		want[e] = struct{}{}
	}
	var out []projector.Event
	for _, ev := range events {
		if _, ok := want[ev.EntityRef]; ok {
			out = append(out, ev)
		}
	}
	return out
}

func computeWindow(scoped []projector.Event) Window {
	w := Window{
		StartSlot:        scoped[0].Slot,
		EndSlot:          scoped[0].Slot,
		StartTimestampMs: scoped[0].TimestampMs,
		EndTimestampMs:   scoped[0].TimestampMs,
	}
	for _, ev := range scoped[1:] {
		if ev.Slot < w.StartSlot {
			w.StartSlot = ev.Slot
		}
		if ev.Slot > w.EndSlot {
			w.EndSlot = ev.Slot
		}
		if ev.TimestampMs < w.StartTimestampMs {
			w.StartTimestampMs = ev.TimestampMs
		}
		if ev.TimestampMs > w.EndTimestampMs {
			w.EndTimestampMs = ev.TimestampMs
		}
	}
	return w
}

// stateFromEventName maps an event name to the fixed case-state vocabulary
// by substring. Terminal substrings are checked before broader ones so
// "disputeResolved" lands on resolved, not disputed.
func stateFromEventName(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "resolved"):
		return "resolved"
	case strings.Contains(lower, "expired"):
		return "expired"
	case strings.Contains(lower, "cancelled"):
		return "cancelled"
	case strings.Contains(lower, "completed"):
		return "completed"
	case strings.Contains(lower, "claimed"):
		return "claimed"
	case strings.Contains(lower, "created"):
		return "created"
	case strings.Contains(lower, "dispute"):
		return "disputed"
	default:
		return ""
	}
}

func deriveTransitions(scoped []projector.Event) []Transition {
	transitions := make([]Transition, 0, len(scoped))
	for _, ev := range scoped {
		state := stateFromEventName(ev.SourceEventName)
		if state == "" || ev.EntityRef == "" {
			continue
		}
		transitions = append(transitions, Transition{
			Seq:         ev.Seq,
			EntityRef:   ev.EntityRef,
			State:       state,
			EventType:   ev.Type,
			Slot:        ev.Slot,
			Signature:   ev.Signature,
			TimestampMs: ev.TimestampMs,
		})
	}
	return transitions
}

// roleForField maps a payload field name to a role. Dispute-named events
// push voter-ish fields to arbiter.
func roleForField(field, eventName string) Role {
	switch field {
	case "creator", "owner", "initiator":
		return RoleCreator
	case "worker", "agent", "claimant":
		return RoleWorker
	case "arbiter", "voter":
		return RoleArbiter
	case "authority", "admin":
		return RoleAuthority
	}
	if strings.Contains(strings.ToLower(eventName), "dispute") {
		return RoleArbiter
	}
	return RoleUnknown
}

func resolveActors(scoped []projector.Event) map[string]Actor {
	actors := map[string]Actor{}
	for _, ev := range scoped {
		for _, field := range canonicalize.SortedKeys(ev.Payload) {
			addr, ok := ev.Payload[field].(string)
			if !ok || !ledger.IsAddress(addr) {
				continue
			}
			role := roleForField(field, ev.SourceEventName)
			prev, seen := actors[addr]
			if !seen {
				actors[addr] = Actor{Role: role, FirstSeenSlot: ev.Slot}
				continue
			}
			// Unknown is upgradeable to a specific role; a specific role
			// is never downgraded or reassigned.
			if prev.Role == RoleUnknown && role != RoleUnknown {
				prev.Role = role
				actors[addr] = prev
			}
		}
	}
	return actors
}

func distinctEntities(scoped []projector.Event) []string {
	set := map[string]struct{}{}
	for _, ev := range scoped {
		if ev.EntityRef != "" {
			set[ev.EntityRef] = struct{}{}
		}
	}
	return canonicalize.SortedKeys(set)
}
