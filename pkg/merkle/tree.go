// Package merkle builds evidence trees over canonical values. Incident
// cases pin a tree root so any single piece of attached evidence can be
// proven included without shipping the full timeline.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/agenc-labs/replay/core/pkg/canonicalize"
)

const (
	leafTag = "replay:evidence:leaf:v1"
	nodeTag = "replay:evidence:node:v1"
)

// Leaf is one evidence entry: a path (usually an event fingerprint) and
// the hash of its canonical bytes.
type Leaf struct {
	Path     string `json:"path"`
	LeafHash string `json:"leafHash"`
}

// Tree is a balanced binary hash tree over sorted leaves. Odd levels
// duplicate their last node.
type Tree struct {
	Leaves []Leaf
	Root   string
	levels [][]string
}

// Build constructs a tree from path->value evidence. Values pass through
// canonicalization, so logically equal evidence always yields the same
// root regardless of map ordering or input representation.
func Build(evidence map[string]any) (*Tree, error) {
	paths := canonicalize.SortedKeys(evidence)

	leaves := make([]Leaf, 0, len(paths))
	for _, path := range paths {
		canonical, err := canonicalize.Canonical(evidence[path])
		if err != nil {
			return nil, fmt.Errorf("canonicalize leaf %q: %w", path, err)
		}
		leaves = append(leaves, Leaf{
			Path:     path,
			LeafHash: sha256Hex(leafBytes(path, canonical)),
		})
	}

	if len(leaves) == 0 {
		return &Tree{}, nil
	}

	t := &Tree{Leaves: leaves}
	level := make([]string, len(leaves))
	for i, l := range leaves {
		level[i] = l.LeafHash
	}
	for len(level) > 1 {
		t.levels = append(t.levels, level)
		level = nextLevel(level)
	}
	t.levels = append(t.levels, level)
	t.Root = level[0]
	return t, nil
}

func leafBytes(path string, canonical []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(leafTag)
	buf.WriteByte(0)
	buf.WriteString(path)
	buf.WriteByte(0)
	buf.Write(canonical)
	return buf.Bytes()
}

func nextLevel(hashes []string) []string {
	if len(hashes)%2 != 0 {
		hashes = append(hashes, hashes[len(hashes)-1])
	}
	next := make([]string, len(hashes)/2)
	for i := 0; i < len(hashes); i += 2 {
		next[i/2] = nodeHash(hashes[i], hashes[i+1])
	}
	return next
}

func nodeHash(left, right string) string {
	var buf bytes.Buffer
	buf.WriteString(nodeTag)
	buf.WriteByte(0)
	buf.Write(hexToBytes(left))
	buf.Write(hexToBytes(right))
	return sha256Hex(buf.Bytes())
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hexToBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}

// leafIndex finds the leaf position for a path, or -1.
func (t *Tree) leafIndex(path string) int {
	i := sort.Search(len(t.Leaves), func(i int) bool { return t.Leaves[i].Path >= path })
	if i < len(t.Leaves) && t.Leaves[i].Path == path {
		return i
	}
	return -1
}
