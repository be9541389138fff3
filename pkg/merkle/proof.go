package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// InclusionProof proves one leaf belongs to a tree with a known root.
type InclusionProof struct {
	LeafPath  string      `json:"leafPath"`
	LeafHash  string      `json:"leafHash"`
	Root      string      `json:"root"`
	ProofPath []ProofStep `json:"proofPath"`
}

// ProofStep is one sibling on the path from leaf to root. Side reports
// which side the sibling sits on.
type ProofStep struct {
	Side        string `json:"side"` // "L" or "R"
	SiblingHash string `json:"siblingHash"`
}

// Prove produces an inclusion proof for the leaf at path.
func (t *Tree) Prove(path string) (*InclusionProof, error) {
	idx := t.leafIndex(path)
	if idx < 0 {
		return nil, fmt.Errorf("no leaf for path %q", path)
	}

	proof := &InclusionProof{
		LeafPath: path,
		LeafHash: t.Leaves[idx].LeafHash,
		Root:     t.Root,
	}

	// Walk every level below the root, collecting the sibling at each.
	for _, level := range t.levels[:len(t.levels)-1] {
		// Odd levels were padded by duplicating the last node.
		if len(level)%2 != 0 {
			level = append(append([]string(nil), level...), level[len(level)-1])
		}
		if idx%2 == 0 {
			proof.ProofPath = append(proof.ProofPath, ProofStep{Side: "R", SiblingHash: level[idx+1]})
		} else {
			proof.ProofPath = append(proof.ProofPath, ProofStep{Side: "L", SiblingHash: level[idx-1]})
		}
		idx /= 2
	}
	return proof, nil
}

// Verify recomputes the root from the proof and compares it against the
// expected root. An empty expectedRoot falls back to the proof's own.
func Verify(proof *InclusionProof, expectedRoot string) bool {
	if proof == nil {
		return false
	}
	if expectedRoot == "" {
		expectedRoot = proof.Root
	}
	if proof.Root != expectedRoot {
		return false
	}

	current := proof.LeafHash
	for _, step := range proof.ProofPath {
		combined := []byte(nodeTag)
		combined = append(combined, 0)
		if step.Side == "L" {
			combined = append(combined, hexToBytes(step.SiblingHash)...)
			combined = append(combined, hexToBytes(current)...)
		} else {
			combined = append(combined, hexToBytes(current)...)
			combined = append(combined, hexToBytes(step.SiblingHash)...)
		}
		h := sha256.Sum256(combined)
		current = hex.EncodeToString(h[:])
	}
	return current == expectedRoot
}
