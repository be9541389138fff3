// Package replay re-walks a stored trajectory and reduces it to a
// deterministic hash plus a per-entity status summary. Two replays of the
// same trace always produce the identical hash and summary, which is what
// lets a live run be proven equivalent to its replay (or two historical
// runs to each other).
package replay

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/agenc-labs/replay/core/pkg/canonicalize"
	"github.com/agenc-labs/replay/core/pkg/ledger"
	"github.com/agenc-labs/replay/core/pkg/trajectory"
)

var (
	// ErrSchemaVersion indicates the trajectory was written by an
	// incompatible schema generation.
	ErrSchemaVersion = errors.New("unsupported trajectory schema version")

	// ErrHashMismatch indicates a replay did not reproduce the hash of
	// a previous run over the same trace.
	ErrHashMismatch = errors.New("deterministic hash mismatch")

	// ErrTransitionConflict is returned in strict mode when the walk
	// observes a lifecycle transition outside the allowed set.
	ErrTransitionConflict = errors.New("transition conflict during replay")
)

// schemaConstraint accepts any 1.x trajectory.
var schemaConstraint = mustConstraint("^1.0")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Conflict is a lifecycle transition outside the allowed set, observed at
// replay time.
type Conflict struct {
	EntityRef string `json:"entityRef"`
	FromState string `json:"fromState,omitempty"`
	ToState   string `json:"toState"`
	EventType string `json:"eventType"`
	Seq       int    `json:"seq"`
}

// Summary aggregates terminal outcomes across the trajectory.
type Summary struct {
	Completed         int `json:"completed"`
	Failed            int `json:"failed"`
	Escalated         int `json:"escalated"`
	PolicyViolations  int `json:"policyViolations"`
	SpeculationAborts int `json:"speculationAborts"`
}

// Result is the outcome of one replay.
type Result struct {
	TraceID           string            `json:"traceId"`
	DeterministicHash string            `json:"deterministicHash"`
	EntityStatus      map[string]string `json:"entityStatus"`
	Summary           Summary           `json:"summary"`
	Conflicts         []Conflict        `json:"conflicts"`
}

// Engine replays trajectories. Zero-value mode is lenient: conflicts are
// recorded in the result but do not fail the run.
type Engine struct {
	strict bool
	logger *slog.Logger
}

// NewEngine creates a lenient replay engine.
func NewEngine() *Engine {
	return &Engine{logger: slog.Default()}
}

// WithStrict makes any transition conflict a reported error.
func (e *Engine) WithStrict(strict bool) *Engine {
	e.strict = strict
	return e
}

// WithLogger overrides the logger.
func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	if logger != nil {
		e.logger = logger
	}
	return e
}

// Run replays traj in seq order. In lenient mode the returned error is
// non-nil only for structural problems (nil trajectory, incompatible
// schema); in strict mode it is also non-nil when conflicts were observed,
// with the partial result still returned.
func (e *Engine) Run(traj *trajectory.Trajectory) (*Result, error) {
	if traj == nil {
		return nil, errors.New("replay: nil trajectory")
	}
	if err := checkSchemaVersion(traj.SchemaVersion); err != nil {
		return nil, err
	}

	events := trajectory.CloneEvents(traj.Events)
	sort.Slice(events, func(a, b int) bool { return events[a].Seq < events[b].Seq })

	res := &Result{
		TraceID:   traj.TraceID,
		Conflicts: []Conflict{},
	}

	states := map[string]string{}
	for _, ev := range events {
		kind := ledger.ClassifyTrajectoryType(ev.Type)

		switch kind {
		case ledger.KindTaskCompleted:
			res.Summary.Completed++
		case ledger.KindTaskFailed:
			res.Summary.Failed++
		case ledger.KindEscalationRaised:
			res.Summary.Escalated++
		case ledger.KindPolicyViolation:
			res.Summary.PolicyViolations++
		case ledger.KindSpeculationAborted:
			res.Summary.SpeculationAborts++
		}

		table := ledger.Lifecycle(kind.Domain())
		if table == nil || ev.EntityRef == "" {
			continue
		}
		key := domainKey(kind.Domain(), ev.EntityRef)
		prior := states[key]
		next := kind.State()
		if !table.ValidTransition(prior, next) {
			res.Conflicts = append(res.Conflicts, Conflict{
				EntityRef: ev.EntityRef,
				FromState: prior,
				ToState:   next,
				EventType: ev.Type,
				Seq:       ev.Seq,
			})
		}
		states[key] = next
	}

	res.EntityStatus = states

	hash, err := canonicalize.CanonicalHash(events)
	if err != nil {
		return nil, fmt.Errorf("replay: hash trajectory %s: %w", traj.TraceID, err)
	}
	res.DeterministicHash = hash

	if len(res.Conflicts) > 0 {
		e.logger.Warn("replay observed transition conflicts",
			"traceId", traj.TraceID,
			"conflicts", len(res.Conflicts))
		if e.strict {
			return res, fmt.Errorf("replay of %s: %d conflicts: %w", traj.TraceID, len(res.Conflicts), ErrTransitionConflict)
		}
	}
	return res, nil
}

// Verify replays traj and compares its deterministic hash against the
// hash of an earlier run. An empty expectedHash skips the comparison, so
// a first run can be verified in place. The result is returned alongside
// ErrHashMismatch so callers can inspect what actually diverged.
func (e *Engine) Verify(traj *trajectory.Trajectory, expectedHash string) (*Result, error) {
	res, err := e.Run(traj)
	if err != nil {
		return res, err
	}
	if expectedHash != "" && res.DeterministicHash != expectedHash {
		e.logger.Warn("replay hash mismatch",
			"traceId", res.TraceID,
			"got", res.DeterministicHash,
			"want", expectedHash)
		return res, fmt.Errorf("replay of %s: got %s, want %s: %w",
			res.TraceID, res.DeterministicHash, expectedHash, ErrHashMismatch)
	}
	return res, nil
}

func checkSchemaVersion(v string) error {
	ver, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrSchemaVersion, v)
	}
	if !schemaConstraint.Check(ver) {
		return fmt.Errorf("%w: %q (want %s)", ErrSchemaVersion, v, schemaConstraint)
	}
	return nil
}

func domainKey(d ledger.Domain, entityRef string) string {
	switch d {
	case ledger.DomainTask:
		return "task/" + entityRef
	case ledger.DomainDispute:
		return "dispute/" + entityRef
	case ledger.DomainSpeculation:
		return "speculation/" + entityRef
	default:
		return entityRef
	}
}
