// Package backfill ingests historical ledger events page by page and
// persists them with exactly-once semantics: events are stored before the
// cursor that covers them, so any crash replays a suffix and the store's
// fingerprint key absorbs the duplicates.
package backfill

import (
	"context"
	"errors"

	"github.com/agenc-labs/replay/core/pkg/ledger"
	"github.com/agenc-labs/replay/core/pkg/projector"
)

// Cursor marks the resume position of a backfill. Signature identifies the
// last ledger transaction covered; TraceSpanID is optional operator
// bookkeeping and never affects resume semantics.
type Cursor struct {
	Slot        int64  `json:"slot"`
	Signature   string `json:"signature"`
	TraceID     string `json:"traceId"`
	TraceSpanID string `json:"traceSpanId,omitempty"`
}

// Valid reports whether the cursor has the shape required to resume from
// it. A nil cursor is valid and means "start from the beginning".
func (c *Cursor) Valid(traceID string) bool {
	if c == nil {
		return true
	}
	return c.Slot >= 0 && c.Signature != "" && c.TraceID == traceID
}

// Equal compares resume positions. TraceSpanID is ignored.
func (c *Cursor) Equal(other *Cursor) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.Slot == other.Slot && c.Signature == other.Signature && c.TraceID == other.TraceID
}

// Page is one fetched batch of raw events. NextCursor covers every event
// in the page; Done signals that the source is exhausted up to the
// requested slot bound.
type Page struct {
	Events     []ledger.RawEvent
	NextCursor *Cursor
	Done       bool
}

// Fetcher reads raw events from a ledger source. A nil cursor requests
// the first page.
type Fetcher interface {
	FetchPage(ctx context.Context, cursor *Cursor, toSlot int64, pageSize int) (*Page, error)
}

// SaveResult reports what one Save call actually changed.
type SaveResult struct {
	Inserted   int
	Duplicates int
}

// TimelineStore persists projected events and the backfill cursor. Save
// must be idempotent on event fingerprint: replaying a page reports the
// replayed rows as Duplicates instead of failing.
type TimelineStore interface {
	GetCursor(ctx context.Context) (*Cursor, error)
	SaveCursor(ctx context.Context, cursor *Cursor) error
	Save(ctx context.Context, events []projector.Event) (SaveResult, error)
}

// ErrStalled is returned when a page advances neither the event stream
// nor the cursor, which would otherwise loop forever.
var ErrStalled = errors.New("backfill stalled: empty page without cursor advance")

// StopReason explains why a run ended.
type StopReason string

const (
	StopDone          StopReason = "done"
	StopFetchFailure  StopReason = "fetch_failure"
	StopStoreFailure  StopReason = "store_failure"
	StopCursorFailure StopReason = "cursor_failure"
	StopStalled       StopReason = "stalled"
	StopPageLimit     StopReason = "page_limit"
)

// Result summarizes a run. Cursor is the last durably persisted cursor;
// after a failure it is the position a retry must resume from, never the
// position of work that may not have been persisted.
type Result struct {
	Pages      int
	Inserted   int
	Duplicates int
	Cursor     *Cursor
	Telemetry  projector.Telemetry
	StopReason StopReason
}

// Options configures one run.
type Options struct {
	TraceID     string
	Seed        int64
	CreatedAtMs int64
	ToSlot      int64
	PageSize    int
	MaxPages    int // 0 means unbounded
}

// DefaultPageSize bounds a fetch when Options.PageSize is unset.
const DefaultPageSize = 1000
