package incident

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenc-labs/replay/core/pkg/merkle"
)

func TestBuild_SetsEvidenceRoot(t *testing.T) {
	events := caseEvents(t)

	a, err := Build(events, BuildOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, a.EvidenceRoot)

	b, err := Build(events, BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, a.EvidenceRoot, b.EvidenceRoot)
}

func TestEvidenceProof_VerifiesAgainstCaseRoot(t *testing.T) {
	events := caseEvents(t)

	c, err := Build(events, BuildOptions{})
	require.NoError(t, err)

	proof, err := EvidenceProof(events, events[0].Fingerprint)
	require.NoError(t, err)
	assert.True(t, merkle.Verify(proof, c.EvidenceRoot))
}

func TestEvidenceProof_UnknownFingerprint(t *testing.T) {
	_, err := EvidenceProof(caseEvents(t), "not-a-fingerprint")
	require.Error(t, err)
}
