package trajectory

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(startMs int64, stepMs int64) func() time.Time {
	now := startMs
	return func() time.Time {
		t := time.UnixMilli(now)
		now += stepMs
		return t
	}
}

func TestRecorder_AssignsSeqAndTimestamp(t *testing.T) {
	r := NewRecorder().WithClock(fixedClock(1000, 100))

	ev1, err := r.Record("task_discovered", "task-1", map[string]any{"reward": uint64(5)})
	require.NoError(t, err)
	ev2, err := r.Record("task_claimed", "task-1", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, ev1.Seq)
	assert.Equal(t, int64(1000), ev1.TimestampMs)
	assert.Equal(t, 2, ev2.Seq)
	assert.Equal(t, int64(1100), ev2.TimestampMs)
	assert.Equal(t, 2, r.Count())
}

func TestRecorder_SanitizesPayload(t *testing.T) {
	r := NewRecorder().WithClock(fixedClock(0, 1))

	ev, err := r.Record("task_completed", "task-1", map[string]any{
		"amount": big.NewInt(9007199254740993),
		"proof":  []byte{0xab, 0xcd},
	})
	require.NoError(t, err)
	assert.Equal(t, "9007199254740993", ev.Payload["amount"])
	assert.Equal(t, "abcd", ev.Payload["proof"])
}

func TestRecorder_CapacityExceeded(t *testing.T) {
	r := NewRecorder().WithClock(fixedClock(0, 1)).WithMaxEvents(2)

	_, err := r.Record("a", "", nil)
	require.NoError(t, err)
	_, err = r.Record("b", "", nil)
	require.NoError(t, err)
	_, err = r.Record("c", "", nil)
	require.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, 2, r.Count())
}

func TestRecorder_DisabledIsNoOp(t *testing.T) {
	r := NewDisabledRecorder()

	ev, err := r.Record("task_discovered", "task-1", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.Equal(t, 0, r.Count())
}

func TestRecorder_ReadsAreDeepCopies(t *testing.T) {
	r := NewRecorder().WithClock(fixedClock(0, 1))

	_, err := r.Record("task_discovered", "task-1", map[string]any{"nested": map[string]any{"k": "v"}})
	require.NoError(t, err)

	events := r.Events()
	events[0].Payload["nested"].(map[string]any)["k"] = "mutated"
	events[0].Type = "mutated"

	again := r.Events()
	assert.Equal(t, "task_discovered", again[0].Type)
	assert.Equal(t, "v", again[0].Payload["nested"].(map[string]any)["k"])
}

func TestRecorder_CreateTrace(t *testing.T) {
	r := NewRecorder().WithClock(fixedClock(5000, 0))
	_, err := r.Record("task_discovered", "task-1", nil)
	require.NoError(t, err)

	traj := r.CreateTrace("trace-7", 42)
	assert.Equal(t, SchemaVersion, traj.SchemaVersion)
	assert.Equal(t, "trace-7", traj.TraceID)
	assert.Equal(t, int64(42), traj.Seed)
	require.Len(t, traj.Events, 1)

	// Mutating the returned trace must not reach the recorder.
	traj.Events[0].Type = "mutated"
	assert.Equal(t, "task_discovered", r.Events()[0].Type)
}

func TestRecorder_CreateTraceGeneratesTraceID(t *testing.T) {
	r := NewRecorder().WithClock(fixedClock(0, 1))
	traj := r.CreateTrace("", 1)
	assert.NotEmpty(t, traj.TraceID)
}
