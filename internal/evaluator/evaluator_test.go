package evaluator

import (
	"testing"
	"time"

	"github.com/oriys/rubber-controller/internal/profile"
	"github.com/oriys/rubber-controller/internal/registry"
	"github.com/oriys/rubber-controller/internal/workers"
)

func TestEvalColdStartBacklog(t *testing.T) {
	// Backlog of 10 at ratio 0.5 wants 5 VMs; an empty queue with no idle
	// workers wants none.
	eval := New(0, 5*time.Minute)
	now := time.Now()

	a := profile.Profile{ID: "a", QueueName: "a", SpawnRatio: 0.5, MaxVMs: 2}
	snap := workers.NewSnapshot(nil)

	delta := eval.Eval(a, 10, snap, nil, now)
	if delta != 5 {
		t.Fatalf("Eval(depth=10) = %d, want floor(10*0.5)=5 before clamping by max_vms", delta)
	}

	b := profile.Profile{ID: "b", QueueName: "b", SpawnRatio: 0.5, MaxVMs: 2}
	delta = eval.Eval(b, 0, snap, nil, now)
	if delta != 0 {
		t.Fatalf("Eval(depth=0, no idle workers) = %d, want 0", delta)
	}
}

func TestEvalBootDelaySubtractsBooting(t *testing.T) {
	// VMs spawned 10s ago are still within the 300s grace window and
	// subtract from the desired spawn count.
	eval := New(0, 300*time.Second)
	now := time.Now()

	a := profile.Profile{ID: "a", QueueName: "a", SpawnRatio: 0.5, MaxVMs: 2}
	records := []registry.Record{
		{Name: "a-1", ProfileID: "a", SpawnTime: now.Add(-10 * time.Second)},
		{Name: "a-2", ProfileID: "a", SpawnTime: now.Add(-10 * time.Second)},
	}
	snap := workers.NewSnapshot(nil)

	delta := eval.Eval(a, 10, snap, records, now)
	if delta != 3 {
		t.Fatalf("Eval = %d, want floor(10*0.5) - 2 booting = 5-2=3", delta)
	}
}

func TestEvalClampsNonNegative(t *testing.T) {
	eval := New(0, 300*time.Second)
	now := time.Now()

	a := profile.Profile{ID: "a", QueueName: "a", SpawnRatio: 0.5}
	records := []registry.Record{
		{Name: "a-1", ProfileID: "a", SpawnTime: now},
		{Name: "a-2", ProfileID: "a", SpawnTime: now},
		{Name: "a-3", ProfileID: "a", SpawnTime: now},
	}
	snap := workers.NewSnapshot(nil)

	delta := eval.Eval(a, 1, snap, records, now)
	if delta != 0 {
		t.Fatalf("Eval should clamp negative spawn desire to 0, got %d", delta)
	}
}

func TestEvalDrainReturnsNegativeIdleCount(t *testing.T) {
	// Empty queue with 2 idle workers drains at -2.
	eval := New(0, 300*time.Second)
	now := time.Now()

	a := profile.Profile{ID: "a", QueueName: "a"}
	snap := workers.NewSnapshot([]workers.Row{
		{ID: "w1", Host: "a-1", Queues: map[string]bool{"a": true}, HasRunningTask: false, Active: true},
		{ID: "w2", Host: "a-2", Queues: map[string]bool{"a": true}, HasRunningTask: false, Active: true},
	})

	delta := eval.Eval(a, 0, snap, nil, now)
	if delta != -2 {
		t.Fatalf("Eval(drain) = %d, want -2", delta)
	}
}

func TestEvalBelowBackorderThresholdIsNoop(t *testing.T) {
	eval := New(5, 300*time.Second)
	now := time.Now()

	a := profile.Profile{ID: "a", QueueName: "a", SpawnRatio: 0.5}
	snap := workers.NewSnapshot(nil)

	delta := eval.Eval(a, 3, snap, nil, now)
	if delta != 0 {
		t.Fatalf("Eval(depth below threshold) = %d, want 0", delta)
	}
}

func TestEvalIsDeterministic(t *testing.T) {
	eval := New(0, 300*time.Second)
	now := time.Now()
	a := profile.Profile{ID: "a", QueueName: "a", SpawnRatio: 0.3}
	snap := workers.NewSnapshot([]workers.Row{
		{ID: "w1", Host: "a-1", Queues: map[string]bool{"a": true}, HasRunningTask: false, Active: true},
	})

	first := eval.Eval(a, 10, snap, nil, now)
	second := eval.Eval(a, 10, snap, nil, now)
	if first != second {
		t.Fatalf("Eval is not deterministic: %d != %d", first, second)
	}
}
