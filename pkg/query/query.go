// Package query parses the compact textual filter language used by
// analysts into a structured, canonicalized, hashable query and applies it
// to projected events and alerts.
//
// Grammar: whitespace- or '&'-separated key=value tokens, e.g.
//
//	taskRef=<addr> severity=error slotRange=100-200 walletSet=<a>,<b>
//
// Parsing is all-or-nothing: unknown keys or malformed values produce the
// full list of field errors and no partial query. Normalization sorts all
// list-valued fields, so neither token order nor list order affects the
// hash.
package query

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/agenc-labs/replay/core/pkg/alerting"
	"github.com/agenc-labs/replay/core/pkg/canonicalize"
	"github.com/agenc-labs/replay/core/pkg/ledger"
	"github.com/agenc-labs/replay/core/pkg/projector"
)

// SlotRange bounds slots inclusively on both ends. One-sided ranges are
// rejected at parse time.
type SlotRange struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// Query is the structured form of a filter.
type Query struct {
	TaskRef      string     `json:"taskRef,omitempty"`
	DisputeRef   string     `json:"disputeRef,omitempty"`
	ActorRef     string     `json:"actorRef,omitempty"`
	EventType    string     `json:"eventType,omitempty"`
	Severity     string     `json:"severity,omitempty"`
	SlotRange    *SlotRange `json:"slotRange,omitempty"`
	WalletSet    []string   `json:"walletSet,omitempty"`
	AnomalyCodes []string   `json:"anomalyCodes,omitempty"`
}

// Normalized is a query plus its canonical serialization and stable hash.
type Normalized struct {
	DSL           string `json:"dsl"`
	Query         Query  `json:"query"`
	CanonicalJSON string `json:"canonicalJson"`
	Hash          string `json:"hash"`
}

// FieldError is one field-level validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries every field error found in one parse.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return "query validation failed: " + strings.Join(parts, "; ")
}

// Parse tokenizes, validates, and normalizes a DSL string.
func Parse(dsl string) (*Normalized, error) {
	tokens := strings.FieldsFunc(dsl, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '&'
	})

	var q Query
	var errs []FieldError
	seen := map[string]bool{}

	addErr := func(field, format string, args ...any) {
		errs = append(errs, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	for _, tok := range tokens {
		key, value, ok := strings.Cut(tok, "=")
		if !ok || key == "" {
			addErr(tok, "token is not key=value")
			continue
		}
		if seen[key] {
			addErr(key, "duplicate key")
			continue
		}
		seen[key] = true

		switch key {
		case "taskRef", "disputeRef", "actorRef":
			if err := ledger.ValidateAddress(value); err != nil {
				addErr(key, "%v", err)
				continue
			}
			switch key {
			case "taskRef":
				q.TaskRef = value
			case "disputeRef":
				q.DisputeRef = value
			case "actorRef":
				q.ActorRef = value
			}
		case "eventType":
			if value == "" {
				addErr(key, "event type is empty")
				continue
			}
			q.EventType = value
		case "severity":
			if value != "error" && value != "warning" {
				addErr(key, "severity must be error or warning, got %q", value)
				continue
			}
			q.Severity = value
		case "slotRange":
			r, err := parseSlotRange(value)
			if err != nil {
				addErr(key, "%v", err)
				continue
			}
			q.SlotRange = r
		case "walletSet":
			set, fieldErrs := parseAddressList(key, value)
			if len(fieldErrs) > 0 {
				errs = append(errs, fieldErrs...)
				continue
			}
			q.WalletSet = set
		case "anomalyCodes":
			codes, err := parseCodeList(value)
			if err != nil {
				addErr(key, "%v", err)
				continue
			}
			q.AnomalyCodes = codes
		default:
			addErr(key, "unknown key")
		}
	}

	if len(errs) > 0 {
		return nil, &ValidationError{Fields: errs}
	}
	return Normalize(dsl, q)
}

// Normalize sorts multi-value fields and computes the canonical JSON and
// hash of the query.
func Normalize(dsl string, q Query) (*Normalized, error) {
	if q.WalletSet != nil {
		q.WalletSet = sortedCopy(q.WalletSet)
	}
	if q.AnomalyCodes != nil {
		q.AnomalyCodes = sortedCopy(q.AnomalyCodes)
	}

	canonical, err := canonicalize.CanonicalString(q)
	if err != nil {
		return nil, fmt.Errorf("query: canonicalize: %w", err)
	}
	return &Normalized{
		DSL:           dsl,
		Query:         q,
		CanonicalJSON: canonical,
		Hash:          canonicalize.HashBytes([]byte(canonical)),
	}, nil
}

func parseSlotRange(value string) (*SlotRange, error) {
	from, to, ok := strings.Cut(value, "-")
	if !ok || from == "" || to == "" {
		return nil, fmt.Errorf("slot range must be from-to, got %q", value)
	}
	f, err := strconv.ParseInt(from, 10, 64)
	if err != nil || f < 0 {
		return nil, fmt.Errorf("invalid range start %q", from)
	}
	t, err := strconv.ParseInt(to, 10, 64)
	if err != nil || t < 0 {
		return nil, fmt.Errorf("invalid range end %q", to)
	}
	if t < f {
		return nil, fmt.Errorf("range end %d before start %d", t, f)
	}
	return &SlotRange{From: f, To: t}, nil
}

func parseAddressList(key, value string) ([]string, []FieldError) {
	if value == "" {
		return nil, []FieldError{{Field: key, Message: "list is empty"}}
	}
	parts := strings.Split(value, ",")
	var errs []FieldError
	for _, p := range parts {
		if err := ledger.ValidateAddress(p); err != nil {
			errs = append(errs, FieldError{Field: key, Message: err.Error()})
		}
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return parts, nil
}

func parseCodeList(value string) ([]string, error) {
	if value == "" {
		return nil, fmt.Errorf("list is empty")
	}
	parts := strings.Split(value, ",")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("empty code in list")
		}
	}
	return parts, nil
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

// MatchesEvent applies every event-applicable field as a conjunctive
// predicate. Severity and anomalyCodes describe alerts, not events, and do
// not constrain event matches.
func (n *Normalized) MatchesEvent(ev projector.Event) bool {
	q := n.Query
	if q.TaskRef != "" && !refMatches(ev, q.TaskRef, "taskId", "task_id") {
		return false
	}
	if q.DisputeRef != "" && !refMatches(ev, q.DisputeRef, "disputeId", "dispute_id") {
		return false
	}
	if q.ActorRef != "" && !payloadHasAddress(ev.Payload, q.ActorRef) {
		return false
	}
	if q.EventType != "" && q.EventType != ev.Type && q.EventType != ev.SourceEventName {
		return false
	}
	if q.SlotRange != nil && (ev.Slot < q.SlotRange.From || ev.Slot > q.SlotRange.To) {
		return false
	}
	if len(q.WalletSet) > 0 {
		// An event with no inspectable payload cannot match a wallet
		// filter.
		if len(ev.Payload) == 0 {
			return false
		}
		matched := false
		for _, w := range q.WalletSet {
			if payloadHasAddress(ev.Payload, w) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// MatchesAlert applies every alert-applicable field conjunctively.
func (n *Normalized) MatchesAlert(a alerting.Alert) bool {
	q := n.Query
	if q.Severity != "" && q.Severity != string(a.Severity) {
		return false
	}
	if len(q.AnomalyCodes) > 0 && !contains(q.AnomalyCodes, a.Code) {
		return false
	}
	if q.TaskRef != "" && a.EntityRef != q.TaskRef {
		return false
	}
	if q.DisputeRef != "" && a.EntityRef != q.DisputeRef {
		return false
	}
	if q.EventType != "" && q.EventType != a.SourceEventName {
		return false
	}
	if q.SlotRange != nil {
		if a.Slot == nil || *a.Slot < q.SlotRange.From || *a.Slot > q.SlotRange.To {
			return false
		}
	}
	return true
}

// FilterEvents returns the events matching the query, in input order.
func (n *Normalized) FilterEvents(events []projector.Event) []projector.Event {
	var out []projector.Event
	for _, ev := range events {
		if n.MatchesEvent(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// FilterAlerts returns the alerts matching the query, in input order.
func (n *Normalized) FilterAlerts(alerts []alerting.Alert) []alerting.Alert {
	var out []alerting.Alert
	for _, a := range alerts {
		if n.MatchesAlert(a) {
			out = append(out, a)
		}
	}
	return out
}

func refMatches(ev projector.Event, want string, payloadKeys ...string) bool {
	if ev.EntityRef == want {
		return true
	}
	for _, key := range payloadKeys {
		if s, ok := ev.Payload[key].(string); ok && s == want {
			return true
		}
	}
	return false
}

func payloadHasAddress(payload map[string]any, addr string) bool {
	for _, v := range payload {
		if s, ok := v.(string); ok && s == addr {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
