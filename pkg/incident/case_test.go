package incident

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenc-labs/replay/core/pkg/ledger"
	"github.com/agenc-labs/replay/core/pkg/projector"
)

// Valid 32-byte addresses: 31 leading zero bytes plus one distinct byte.
var (
	addrCreator = strings.Repeat("1", 31) + "2"
	addrWorker  = strings.Repeat("1", 31) + "3"
	addrVoter   = strings.Repeat("1", 31) + "4"
	addrOther   = strings.Repeat("1", 31) + "5"
)

func caseEvents(t *testing.T) []projector.Event {
	t.Helper()
	res := projector.Project([]ledger.RawEvent{
		{EventName: "taskCreated", Event: map[string]any{"taskId": "task-1", "creator": addrCreator}, Slot: 10, Signature: "s1", TimestampMs: 1000},
		{EventName: "taskClaimed", Event: map[string]any{"taskId": "task-1", "worker": addrWorker}, Slot: 20, Signature: "s2", TimestampMs: 2000},
		{EventName: "disputeInitiated", Event: map[string]any{"disputeId": "disp-1", "initiator": addrCreator, "defendant": addrOther}, Slot: 30, Signature: "s3", TimestampMs: 3000},
		{EventName: "disputeVoteCast", Event: map[string]any{"disputeId": "disp-1", "voter": addrVoter}, Slot: 40, Signature: "s4", TimestampMs: 4000},
		{EventName: "disputeResolved", Event: map[string]any{"disputeId": "disp-1"}, Slot: 50, Signature: "s5", TimestampMs: 5000},
		{EventName: "rateLimitHit", Event: map[string]any{"agentId": "agent-9"}, Slot: 60, Signature: "s6", TimestampMs: 6000},
	}, projector.TraceOptions{TraceID: "trace-i", Seed: 1, CreatedAtMs: 0})
	return res.Events
}

func TestBuild_WindowAndTransitions(t *testing.T) {
	c, err := Build(caseEvents(t), BuildOptions{})
	require.NoError(t, err)

	assert.Equal(t, Window{StartSlot: 10, EndSlot: 60, StartTimestampMs: 1000, EndTimestampMs: 6000}, c.TraceWindow)
	assert.Equal(t, StatusOpen, c.Status)

	states := make([]string, 0, len(c.Transitions))
	for _, tr := range c.Transitions {
		states = append(states, tr.State)
	}
	// rateLimitHit has no state substring and is absent.
	assert.Equal(t, []string{"created", "claimed", "disputed", "disputed", "resolved"}, states)
}

func TestBuild_EntityFilter(t *testing.T) {
	c, err := Build(caseEvents(t), BuildOptions{Entities: []string{"disp-1"}})
	require.NoError(t, err)

	assert.Equal(t, Window{StartSlot: 30, EndSlot: 50, StartTimestampMs: 3000, EndTimestampMs: 5000}, c.TraceWindow)
	for _, tr := range c.Transitions {
		assert.Equal(t, "disp-1", tr.EntityRef)
	}
}

func TestBuild_ActorRoles(t *testing.T) {
	c, err := Build(caseEvents(t), BuildOptions{})
	require.NoError(t, err)

	assert.Equal(t, RoleCreator, c.ActorMap[addrCreator].Role)
	assert.Equal(t, RoleWorker, c.ActorMap[addrWorker].Role)
	assert.Equal(t, RoleArbiter, c.ActorMap[addrVoter].Role)
	// defendant is not a known field, but appears in a dispute-named
	// event, so it resolves to arbiter rather than unknown.
	assert.Equal(t, RoleArbiter, c.ActorMap[addrOther].Role)
	assert.Equal(t, int64(10), c.ActorMap[addrCreator].FirstSeenSlot)
}

func TestBuild_UnknownUpgradesButNeverDowngrades(t *testing.T) {
	res := projector.Project([]ledger.RawEvent{
		{EventName: "rewardDistributed", Event: map[string]any{"taskId": "task-1", "recipient": addrWorker}, Slot: 1, Signature: "s1"},
		{EventName: "taskClaimed", Event: map[string]any{"taskId": "task-1", "worker": addrWorker}, Slot: 2, Signature: "s2"},
		{EventName: "taskCreated", Event: map[string]any{"taskId": "task-1", "creator": addrWorker}, Slot: 3, Signature: "s3"},
	}, projector.TraceOptions{TraceID: "t", Seed: 1})

	c, err := Build(res.Events, BuildOptions{})
	require.NoError(t, err)
	// recipient → unknown, upgraded to worker at slot 2, kept at slot 3.
	assert.Equal(t, RoleWorker, c.ActorMap[addrWorker].Role)
	assert.Equal(t, int64(1), c.ActorMap[addrWorker].FirstSeenSlot)
}

func TestBuild_CaseIDDeterministic(t *testing.T) {
	events := caseEvents(t)

	c1, err := Build(events, BuildOptions{Entities: []string{"task-1", "disp-1"}})
	require.NoError(t, err)
	c2, err := Build(events, BuildOptions{Entities: []string{"disp-1", "task-1"}})
	require.NoError(t, err)
	assert.Equal(t, c1.CaseID, c2.CaseID)
	assert.Equal(t, c1.Transitions, c2.Transitions)

	// Changing the window changes the id.
	override := c1.TraceWindow
	override.StartSlot++
	c3, err := Build(events, BuildOptions{Entities: []string{"task-1", "disp-1"}, WindowOverride: &override})
	require.NoError(t, err)
	assert.NotEqual(t, c1.CaseID, c3.CaseID)
}

func TestBuild_NoEventsInScope(t *testing.T) {
	_, err := Build(caseEvents(t), BuildOptions{Entities: []string{"missing"}})
	require.ErrorIs(t, err, ErrNoEvents)

	_, err = Build(nil, BuildOptions{})
	require.ErrorIs(t, err, ErrNoEvents)
}

func TestAttachEvidence_AppendOnly(t *testing.T) {
	c, err := Build(caseEvents(t), BuildOptions{})
	require.NoError(t, err)

	require.NoError(t, c.AttachEvidence("trajectory", "abc123"))
	require.NoError(t, c.AttachEvidence("trajectory", "abc123")) // idempotent
	require.Error(t, c.AttachEvidence("trajectory", "def456"))
	require.Error(t, c.AttachEvidence("", "x"))
	assert.Equal(t, "abc123", c.EvidenceHashes["trajectory"])
}

func TestSetStatus(t *testing.T) {
	c, err := Build(caseEvents(t), BuildOptions{})
	require.NoError(t, err)

	require.NoError(t, c.SetStatus(StatusInvestigating))
	assert.Equal(t, StatusInvestigating, c.Status)
	require.Error(t, c.SetStatus(Status("bogus")))
}
