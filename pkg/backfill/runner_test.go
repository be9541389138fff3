package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenc-labs/replay/core/pkg/alerting"
	"github.com/agenc-labs/replay/core/pkg/ledger"
	"github.com/agenc-labs/replay/core/pkg/projector"
)

const testTrace = "trace-backfill"

func rawEvent(name string, slot int64, sig string) ledger.RawEvent {
	return ledger.RawEvent{
		EventName:   name,
		Event:       map[string]any{"taskId": taskAddr, "slotNote": slot},
		Slot:        slot,
		Signature:   sig,
		TimestampMs: slot * 1000,
	}
}

var taskAddr = strings.Repeat("1", 31) + "2"

// memStore is an in-memory TimelineStore with per-call failure injection.
type memStore struct {
	cursor      *Cursor
	fingerprint map[string]bool
	saveCalls   int
	failSaveOn  int // 1-based Save call index to fail, 0 disables
	failCursor  bool
	failGet     bool
}

func newMemStore() *memStore {
	return &memStore{fingerprint: map[string]bool{}}
}

func (m *memStore) GetCursor(ctx context.Context) (*Cursor, error) {
	if m.failGet {
		return nil, errors.New("cursor table unavailable")
	}
	return m.cursor, nil
}

func (m *memStore) SaveCursor(ctx context.Context, cursor *Cursor) error {
	if m.failCursor {
		return errors.New("cursor write refused")
	}
	m.cursor = cursor
	return nil
}

func (m *memStore) Save(ctx context.Context, events []projector.Event) (SaveResult, error) {
	m.saveCalls++
	if m.failSaveOn != 0 && m.saveCalls == m.failSaveOn {
		return SaveResult{}, errors.New("disk full")
	}
	var res SaveResult
	for _, ev := range events {
		if m.fingerprint[ev.Fingerprint] {
			res.Duplicates++
			continue
		}
		m.fingerprint[ev.Fingerprint] = true
		res.Inserted++
	}
	return res, nil
}

func testEvents(n int) []ledger.RawEvent {
	events := make([]ledger.RawEvent, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, rawEvent("agentRegistered", int64(i+1), fmt.Sprintf("sig-%03d", i+1)))
	}
	return events
}

func newFetcher(t *testing.T, events []ledger.RawEvent) *JSONLFetcher {
	t.Helper()
	var sb strings.Builder
	for _, ev := range events {
		sb.WriteString(fmt.Sprintf(
			`{"eventName":%q,"event":{"taskId":%q},"slot":%d,"signature":%q,"timestampMs":%d}`,
			ev.EventName, taskAddr, ev.Slot, ev.Signature, ev.TimestampMs))
		sb.WriteString("\n")
	}
	f, err := NewJSONLFetcher(strings.NewReader(sb.String()), testTrace)
	require.NoError(t, err)
	return f
}

func newTestRunner(fetcher Fetcher, store TimelineStore) *Runner {
	logger := slog.New(slog.DiscardHandler)
	return NewRunner(fetcher, store, alerting.NewDisabledDispatcher(), logger)
}

func TestRun_IngestsAllPages(t *testing.T) {
	store := newMemStore()
	runner := newTestRunner(newFetcher(t, testEvents(25)), store)

	res, err := runner.Run(context.Background(), Options{TraceID: testTrace, PageSize: 10})
	require.NoError(t, err)

	assert.Equal(t, StopDone, res.StopReason)
	assert.Equal(t, 3, res.Pages)
	assert.Equal(t, 25, res.Inserted)
	assert.Zero(t, res.Duplicates)
	require.NotNil(t, res.Cursor)
	assert.Equal(t, int64(25), res.Cursor.Slot)
	assert.Equal(t, "sig-025", res.Cursor.Signature)
	assert.Equal(t, res.Cursor, store.cursor)
}

func TestRun_StoreFailurePreservesPreviousCursor(t *testing.T) {
	store := newMemStore()
	store.failSaveOn = 3
	runner := newTestRunner(newFetcher(t, testEvents(25)), store)

	res, err := runner.Run(context.Background(), Options{TraceID: testTrace, PageSize: 10})
	require.Error(t, err)

	assert.Equal(t, StopStoreFailure, res.StopReason)
	assert.Equal(t, 2, res.Pages)
	assert.Equal(t, 20, res.Inserted)
	// The cursor covers only durable work: page two, not page three.
	require.NotNil(t, res.Cursor)
	assert.Equal(t, int64(20), res.Cursor.Slot)
	assert.Equal(t, "sig-020", res.Cursor.Signature)
}

func TestRun_ResumeAbsorbsReplayedPage(t *testing.T) {
	store := newMemStore()
	store.failSaveOn = 3
	runner := newTestRunner(newFetcher(t, testEvents(25)), store)

	_, err := runner.Run(context.Background(), Options{TraceID: testTrace, PageSize: 10})
	require.Error(t, err)

	// Second run resumes from the persisted cursor; nothing is replayed
	// because the failed page was never stored.
	store.failSaveOn = 0
	runner = newTestRunner(newFetcher(t, testEvents(25)), store)
	res, err := runner.Run(context.Background(), Options{TraceID: testTrace, PageSize: 10})
	require.NoError(t, err)

	assert.Equal(t, StopDone, res.StopReason)
	assert.Equal(t, 5, res.Inserted)
	assert.Zero(t, res.Duplicates)
	assert.Equal(t, 25, len(store.fingerprint))
}

func TestRun_CursorFailureAfterStoreWrite(t *testing.T) {
	store := newMemStore()
	store.failCursor = true
	runner := newTestRunner(newFetcher(t, testEvents(5)), store)

	res, err := runner.Run(context.Background(), Options{TraceID: testTrace, PageSize: 10})
	require.Error(t, err)
	assert.Equal(t, StopCursorFailure, res.StopReason)
	assert.Zero(t, res.Pages)
	// Events landed before the cursor write failed; a retry reports them
	// as duplicates instead of double-ingesting.
	assert.Equal(t, 5, len(store.fingerprint))

	store.failCursor = false
	runner = newTestRunner(newFetcher(t, testEvents(5)), store)
	res, err = runner.Run(context.Background(), Options{TraceID: testTrace, PageSize: 10})
	require.NoError(t, err)
	assert.Zero(t, res.Inserted)
	assert.Equal(t, 5, res.Duplicates)
}

func TestRun_InvalidCursorResets(t *testing.T) {
	store := newMemStore()
	store.cursor = &Cursor{Slot: -4, Signature: "", TraceID: testTrace}
	runner := newTestRunner(newFetcher(t, testEvents(5)), store)

	res, err := runner.Run(context.Background(), Options{TraceID: testTrace, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Inserted)
}

func TestRun_ForeignTraceCursorResets(t *testing.T) {
	store := newMemStore()
	store.cursor = &Cursor{Slot: 3, Signature: "sig-003", TraceID: "someone-else"}
	runner := newTestRunner(newFetcher(t, testEvents(5)), store)

	res, err := runner.Run(context.Background(), Options{TraceID: testTrace, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Inserted)
}

func TestRun_GetCursorFailure(t *testing.T) {
	store := newMemStore()
	store.failGet = true
	runner := newTestRunner(newFetcher(t, testEvents(5)), store)

	res, err := runner.Run(context.Background(), Options{TraceID: testTrace})
	require.Error(t, err)
	assert.Equal(t, StopCursorFailure, res.StopReason)
}

// stalledFetcher returns an empty page without advancing the cursor.
type stalledFetcher struct{}

func (stalledFetcher) FetchPage(ctx context.Context, cursor *Cursor, toSlot int64, pageSize int) (*Page, error) {
	return &Page{NextCursor: cursor}, nil
}

func TestRun_StallDetection(t *testing.T) {
	runner := newTestRunner(stalledFetcher{}, newMemStore())

	res, err := runner.Run(context.Background(), Options{TraceID: testTrace})
	require.ErrorIs(t, err, ErrStalled)
	assert.Equal(t, StopStalled, res.StopReason)
}

// failingFetcher always errors.
type failingFetcher struct{}

func (failingFetcher) FetchPage(ctx context.Context, cursor *Cursor, toSlot int64, pageSize int) (*Page, error) {
	return nil, errors.New("rpc unavailable")
}

func TestRun_FetchFailure(t *testing.T) {
	runner := newTestRunner(failingFetcher{}, newMemStore())

	res, err := runner.Run(context.Background(), Options{TraceID: testTrace})
	require.Error(t, err)
	assert.Equal(t, StopFetchFailure, res.StopReason)
}

func TestRun_MaxPages(t *testing.T) {
	store := newMemStore()
	runner := newTestRunner(newFetcher(t, testEvents(25)), store)

	res, err := runner.Run(context.Background(), Options{TraceID: testTrace, PageSize: 5, MaxPages: 2})
	require.NoError(t, err)
	assert.Equal(t, StopPageLimit, res.StopReason)
	assert.Equal(t, 2, res.Pages)
	assert.Equal(t, 10, res.Inserted)
}

func TestRun_SlotBound(t *testing.T) {
	store := newMemStore()
	runner := newTestRunner(newFetcher(t, testEvents(25)), store)

	res, err := runner.Run(context.Background(), Options{TraceID: testTrace, PageSize: 10, ToSlot: 12})
	require.NoError(t, err)
	assert.Equal(t, StopDone, res.StopReason)
	assert.Equal(t, 12, res.Inserted)
	require.NotNil(t, res.Cursor)
	assert.Equal(t, int64(12), res.Cursor.Slot)
}

func TestRun_TransitionConflictAlerts(t *testing.T) {
	events := []ledger.RawEvent{
		rawEvent("taskCreated", 1, "sig-a"),
		rawEvent("taskCompleted", 2, "sig-b"),
	}
	var sb strings.Builder
	for _, ev := range events {
		sb.WriteString(fmt.Sprintf(
			`{"eventName":%q,"event":{"taskId":%q},"slot":%d,"signature":%q,"timestampMs":%d}`,
			ev.EventName, taskAddr, ev.Slot, ev.Signature, ev.TimestampMs))
		sb.WriteString("\n")
	}
	fetcher, err := NewJSONLFetcher(strings.NewReader(sb.String()), testTrace)
	require.NoError(t, err)

	dispatcher := alerting.NewDispatcher(alerting.NewMemoryDedupStore(), time.Minute, slog.New(slog.DiscardHandler))
	runner := NewRunner(fetcher, newMemStore(), dispatcher, slog.New(slog.DiscardHandler))

	res, err := runner.Run(context.Background(), Options{TraceID: testTrace})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	require.Len(t, res.Telemetry.TransitionConflicts, 1)
	assert.Equal(t, "taskCompleted", res.Telemetry.TransitionConflicts[0].EventName)
}

func TestCursor_Valid(t *testing.T) {
	var nilCursor *Cursor
	assert.True(t, nilCursor.Valid(testTrace))
	assert.True(t, (&Cursor{Slot: 0, Signature: "sig", TraceID: testTrace}).Valid(testTrace))
	assert.False(t, (&Cursor{Slot: -1, Signature: "sig", TraceID: testTrace}).Valid(testTrace))
	assert.False(t, (&Cursor{Slot: 1, Signature: "", TraceID: testTrace}).Valid(testTrace))
	assert.False(t, (&Cursor{Slot: 1, Signature: "sig", TraceID: "other"}).Valid(testTrace))
}
