// Package ledger defines the raw event surface of the agenc coordination
// protocol and the static classification tables the rest of the replay core
// is built on: the closed event-kind enum, per-kind sort ranks, entity
// lifecycle tables, and content fingerprints.
package ledger

import (
	"github.com/agenc-labs/replay/core/pkg/canonicalize"
)

// RawEvent is a single event as delivered by the ledger indexer or the
// task/execution pipeline. The payload is opaque; the replay core trusts it
// as given and never interprets amounts or proofs.
type RawEvent struct {
	EventName   string         `json:"eventName"`
	Event       map[string]any `json:"event"`
	Slot        int64          `json:"slot"`
	Signature   string         `json:"signature"`
	TimestampMs int64          `json:"timestampMs,omitempty"`
}

// Kind is a closed classification of known ledger event names. Unrecognized
// names classify as KindUnknown; there is no way to register kinds at
// runtime.
type Kind int

const (
	KindUnknown Kind = iota
	KindTaskCreated
	KindTaskClaimed
	KindTaskCompleted
	KindTaskFailed
	KindTaskCancelled
	KindDisputeInitiated
	KindDisputeVoteCast
	KindDisputeResolved
	KindDisputeCancelled
	KindDisputeExpired
	KindSpeculationStarted
	KindSpeculationConfirmed
	KindSpeculationAborted
	KindAgentRegistered
	KindAgentDeregistered
	KindAgentSuspended
	KindAgentUnsuspended
	KindRateLimitHit
	KindRewardDistributed
	KindPolicyViolation
	KindEscalationRaised
)

// Domain names the lifecycle state machine an event kind participates in.
type Domain int

const (
	DomainNone Domain = iota
	DomainTask
	DomainDispute
	DomainSpeculation
)

// kindSpec is one row of the static classification table.
type kindSpec struct {
	name       string
	trajType   string
	rank       int
	domain     Domain
	state      string
	entityKeys []string
}

var taskKeys = []string{"taskId", "task_id"}
var disputeKeys = []string{"disputeId", "dispute_id"}
var speculationKeys = []string{"commitmentId", "commitment_id", "speculationId"}
var agentKeys = []string{"agentId", "agent_id", "agent"}

// specs is built once at init. Ranks define the tie-break order between
// different event types sharing a slot and signature: creations sort before
// claims, claims before terminals, lifecycle events before bookkeeping
// events.
var specs = map[Kind]kindSpec{
	KindTaskCreated:          {"taskCreated", "task_discovered", 10, DomainTask, StateDiscovered, taskKeys},
	KindTaskClaimed:          {"taskClaimed", "task_claimed", 20, DomainTask, StateClaimed, taskKeys},
	KindTaskCompleted:        {"taskCompleted", "task_completed", 30, DomainTask, StateCompleted, taskKeys},
	KindTaskFailed:           {"taskFailed", "task_failed", 31, DomainTask, StateFailed, taskKeys},
	KindTaskCancelled:        {"taskCancelled", "task_cancelled", 32, DomainTask, StateCancelled, taskKeys},
	KindDisputeInitiated:     {"disputeInitiated", "dispute_initiated", 40, DomainDispute, StateInitiated, disputeKeys},
	KindDisputeVoteCast:      {"disputeVoteCast", "dispute_vote_cast", 41, DomainDispute, StateVoteCast, disputeKeys},
	KindDisputeResolved:      {"disputeResolved", "dispute_resolved", 42, DomainDispute, StateResolved, disputeKeys},
	KindDisputeCancelled:     {"disputeCancelled", "dispute_cancelled", 43, DomainDispute, StateCancelled, disputeKeys},
	KindDisputeExpired:       {"disputeExpired", "dispute_expired", 44, DomainDispute, StateExpired, disputeKeys},
	KindSpeculationStarted:   {"speculationStarted", "speculation_started", 50, DomainSpeculation, StateStarted, speculationKeys},
	KindSpeculationConfirmed: {"speculationConfirmed", "speculation_confirmed", 51, DomainSpeculation, StateConfirmed, speculationKeys},
	KindSpeculationAborted:   {"speculationAborted", "speculation_aborted", 52, DomainSpeculation, StateAborted, speculationKeys},
	KindAgentRegistered:      {"agentRegistered", "agent_registered", 60, DomainNone, "", agentKeys},
	KindAgentDeregistered:    {"agentDeregistered", "agent_deregistered", 61, DomainNone, "", agentKeys},
	KindAgentSuspended:       {"agentSuspended", "agent_suspended", 62, DomainNone, "", agentKeys},
	KindAgentUnsuspended:     {"agentUnsuspended", "agent_unsuspended", 63, DomainNone, "", agentKeys},
	KindRateLimitHit:         {"rateLimitHit", "rate_limit_hit", 70, DomainNone, "", agentKeys},
	KindRewardDistributed:    {"rewardDistributed", "reward_distributed", 71, DomainNone, "", taskKeys},
	KindPolicyViolation:      {"policyViolation", "policy_violation", 72, DomainNone, "", agentKeys},
	KindEscalationRaised:     {"escalationRaised", "escalation_raised", 73, DomainNone, "", disputeKeys},
}

var (
	kindByName     map[string]Kind
	kindByTrajType map[string]Kind
)

func init() {
	kindByName = make(map[string]Kind, len(specs))
	kindByTrajType = make(map[string]Kind, len(specs))
	for k, s := range specs {
		kindByName[s.name] = k
		kindByTrajType[s.trajType] = k
	}
}

// Classify maps a raw event name to its Kind. Unrecognized names return
// KindUnknown.
func Classify(name string) Kind {
	if k, ok := kindByName[name]; ok {
		return k
	}
	return KindUnknown
}

// ClassifyTrajectoryType maps a canonical trajectory type back to its Kind,
// for consumers (replay, incident building) that work on projected
// trajectories rather than raw events.
func ClassifyTrajectoryType(trajType string) Kind {
	if k, ok := kindByTrajType[trajType]; ok {
		return k
	}
	return KindUnknown
}

// Known reports whether the kind is in the closed set of recognized events.
func (k Kind) Known() bool { return k != KindUnknown }

// Name returns the raw ledger event name.
func (k Kind) Name() string { return specs[k].name }

// TrajectoryType returns the canonical trajectory type string for the kind.
func (k Kind) TrajectoryType() string { return specs[k].trajType }

// Rank returns the fixed sort rank used to tie-break events within one
// slot/signature pair. KindUnknown ranks last.
func (k Kind) Rank() int {
	if k == KindUnknown {
		return 1 << 20
	}
	return specs[k].rank
}

// Domain returns the lifecycle domain the kind belongs to.
func (k Kind) Domain() Domain { return specs[k].domain }

// State returns the lifecycle state this kind moves its entity to, or ""
// for non-lifecycle kinds.
func (k Kind) State() string { return specs[k].state }

// EntityRef extracts the entity reference for a kind from its payload by
// probing the kind's known payload keys in order. Values that are not
// strings are ignored.
func (k Kind) EntityRef(payload map[string]any) string {
	for _, key := range specs[k].entityKeys {
		if v, ok := payload[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// Fingerprint computes the dedup identity of an event: the canonical hash
// of (slot, signature, eventName, canonical payload). Two deliveries of the
// same ledger event always collide here regardless of delivery order.
func Fingerprint(slot int64, signature, eventName string, payload map[string]any) (string, error) {
	return canonicalize.CanonicalHash(map[string]any{
		"slot":      slot,
		"signature": signature,
		"eventName": eventName,
		"payload":   payload,
	})
}
