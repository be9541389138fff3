//go:build property
// +build property

package projector

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/agenc-labs/replay/core/pkg/ledger"
)

var knownNames = []string{
	"taskCreated", "taskClaimed", "taskCompleted", "taskFailed",
	"disputeInitiated", "disputeVoteCast", "disputeResolved",
	"speculationStarted", "speculationConfirmed", "speculationAborted",
	"rateLimitHit", "rewardDistributed", "someUnknownEvent",
}

func genRawEvent() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, len(knownNames)-1),
		gen.Int64Range(0, 1000),
		gen.Identifier(),
		gen.Identifier(),
	).Map(func(vals []any) ledger.RawEvent {
		return ledger.RawEvent{
			EventName: knownNames[vals[0].(int)],
			Event:     map[string]any{"taskId": vals[3].(string), "disputeId": vals[3].(string), "commitmentId": vals[3].(string)},
			Slot:      vals[1].(int64),
			Signature: vals[2].(string),
		}
	})
}

// Projection must be a pure function of the batch as a multiset: any
// permutation of the input yields an identical trajectory and identical
// telemetry counts.
func TestProject_PermutationInvariance(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("projection is permutation invariant", prop.ForAll(
		func(batch []ledger.RawEvent, seed int64) bool {
			base := Project(batch, TraceOptions{TraceID: "p", Seed: 1})

			reversed := make([]ledger.RawEvent, len(batch))
			for i, ev := range batch {
				reversed[len(batch)-1-i] = ev
			}
			other := Project(reversed, TraceOptions{TraceID: "p", Seed: 1})

			if len(base.Events) != len(other.Events) {
				return false
			}
			for i := range base.Events {
				if base.Events[i].Fingerprint != other.Events[i].Fingerprint {
					return false
				}
				if base.Events[i].Seq != other.Events[i].Seq {
					return false
				}
			}
			return base.Telemetry.Projected == other.Telemetry.Projected &&
				base.Telemetry.DuplicatesDropped == other.Telemetry.DuplicatesDropped &&
				base.Telemetry.MalformedInputs == other.Telemetry.MalformedInputs
		},
		gen.SliceOf(genRawEvent()),
		gen.Int64(),
	))

	properties.Property("no two retained events share a fingerprint", prop.ForAll(
		func(batch []ledger.RawEvent) bool {
			res := Project(batch, TraceOptions{TraceID: "p", Seed: 1})
			seen := make(map[string]struct{}, len(res.Events))
			for _, ev := range res.Events {
				if _, dup := seen[ev.Fingerprint]; dup {
					return false
				}
				seen[ev.Fingerprint] = struct{}{}
			}
			return true
		},
		gen.SliceOf(genRawEvent()),
	))

	properties.TestingRun(t)
}
