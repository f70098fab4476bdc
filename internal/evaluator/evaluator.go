// Package evaluator implements the NeedEvaluator policy: given a profile's
// queue depth, worker snapshot, and in-flight (booting) VM count, produce a
// signed delta of VMs to spawn (positive) or tear down (negative).
package evaluator

import (
	"math"
	"time"

	"github.com/oriys/rubber-controller/internal/profile"
	"github.com/oriys/rubber-controller/internal/registry"
	"github.com/oriys/rubber-controller/internal/workers"
)

// Evaluator computes NeedEvaluator deltas against a fixed policy.
type Evaluator struct {
	BackorderThreshold   int
	SlackerTimeThreshold time.Duration
}

// New builds an Evaluator from the given policy thresholds.
func New(backorderThreshold int, slackerTimeThreshold time.Duration) Evaluator {
	return Evaluator{
		BackorderThreshold:   backorderThreshold,
		SlackerTimeThreshold: slackerTimeThreshold,
	}
}

// Eval computes the delta for p given the current broker depth, worker
// snapshot, and this profile's registry records (used to count VMs still
// within their boot grace window). It is a pure function of its inputs:
// given the same depth and snapshot, it always returns the same delta.
func (e Evaluator) Eval(p profile.Profile, depth int, snap workers.Snapshot, records []registry.Record, now time.Time) int {
	idle := snap.Idle(p.QueueName)

	switch {
	case depth > e.BackorderThreshold:
		booting := e.countBooting(records, now)
		want := int(math.Floor(float64(depth) * p.SpawnRatio))
		delta := want - booting
		if delta < 0 {
			delta = 0
		}
		return delta
	case depth == 0:
		return -len(idle)
	default:
		return 0
	}
}

// countBooting returns how many of records are still within the slacker
// grace window: spawned recently enough that a missing worker is expected,
// not a failure.
func (e Evaluator) countBooting(records []registry.Record, now time.Time) int {
	count := 0
	for _, r := range records {
		if now.Sub(r.SpawnTime) < e.SlackerTimeThreshold {
			count++
		}
	}
	return count
}
