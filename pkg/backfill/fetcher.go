package backfill

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/agenc-labs/replay/core/pkg/ledger"
)

// JSONLFetcher serves pages from a newline-delimited JSON stream of raw
// events, ordered by (slot, signature). It backs file-based replay
// sources and tests; live RPC sources implement Fetcher directly.
type JSONLFetcher struct {
	traceID string
	events  []ledger.RawEvent
}

// NewJSONLFetcher reads the whole stream up front. Blank lines are
// skipped; a malformed line fails the constructor rather than surfacing
// later as a mid-run fetch error.
func NewJSONLFetcher(r io.Reader, traceID string) (*JSONLFetcher, error) {
	f := &JSONLFetcher{traceID: traceID}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var ev ledger.RawEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		f.events = append(f.events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}

	sort.SliceStable(f.events, func(i, j int) bool {
		if f.events[i].Slot != f.events[j].Slot {
			return f.events[i].Slot < f.events[j].Slot
		}
		return f.events[i].Signature < f.events[j].Signature
	})
	return f, nil
}

// Len returns the number of loaded events.
func (f *JSONLFetcher) Len() int { return len(f.events) }

// FetchPage returns the next pageSize events after the cursor position.
// toSlot <= 0 means unbounded; otherwise events beyond toSlot are never
// served and the page that exhausts the bound reports Done.
func (f *JSONLFetcher) FetchPage(ctx context.Context, cursor *Cursor, toSlot int64, pageSize int) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	start := 0
	if cursor != nil {
		start = sort.Search(len(f.events), func(i int) bool {
			if f.events[i].Slot != cursor.Slot {
				return f.events[i].Slot > cursor.Slot
			}
			return f.events[i].Signature > cursor.Signature
		})
	}

	end := len(f.events)
	if toSlot > 0 {
		end = sort.Search(len(f.events), func(i int) bool {
			return f.events[i].Slot > toSlot
		})
	}
	if start > end {
		start = end
	}

	page := &Page{NextCursor: cursor}
	stop := start + pageSize
	if stop >= end {
		stop = end
		page.Done = true
	}
	page.Events = append([]ledger.RawEvent(nil), f.events[start:stop]...)
	if stop > start {
		last := f.events[stop-1]
		page.NextCursor = &Cursor{Slot: last.Slot, Signature: last.Signature, TraceID: f.traceID}
	}
	return page, nil
}
