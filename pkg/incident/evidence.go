package incident

import (
	"fmt"

	"github.com/agenc-labs/replay/core/pkg/merkle"
	"github.com/agenc-labs/replay/core/pkg/projector"
)

// EvidenceTree builds a merkle tree over the case's events, keyed by
// fingerprint. The root pins the exact event set a case was derived from.
func EvidenceTree(events []projector.Event) (*merkle.Tree, error) {
	evidence := make(map[string]any, len(events))
	for _, ev := range events {
		evidence[ev.Fingerprint] = evidenceLeaf(ev)
	}
	return merkle.Build(evidence)
}

// EvidenceProof proves that one event, identified by fingerprint, belongs
// to the evidence set of a case built from the same events.
func EvidenceProof(events []projector.Event, fingerprint string) (*merkle.InclusionProof, error) {
	tree, err := EvidenceTree(events)
	if err != nil {
		return nil, err
	}
	proof, err := tree.Prove(fingerprint)
	if err != nil {
		return nil, fmt.Errorf("incident: %w", err)
	}
	return proof, nil
}

func evidenceLeaf(ev projector.Event) map[string]any {
	return map[string]any{
		"seq":         ev.Seq,
		"type":        ev.Type,
		"entityRef":   ev.EntityRef,
		"slot":        ev.Slot,
		"signature":   ev.Signature,
		"timestampMs": ev.TimestampMs,
		"payload":     ev.Payload,
	}
}
