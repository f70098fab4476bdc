package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/oriys/rubber-controller/internal/cloud"
	"github.com/oriys/rubber-controller/internal/profile"
	"github.com/oriys/rubber-controller/internal/registry"
	"github.com/oriys/rubber-controller/internal/workers"
)

// fakeBroker reports a fixed, per-queue depth.
type fakeBroker struct {
	depths map[string]int
}

func (f *fakeBroker) Depth(_ context.Context, queueName string) (int, error) {
	return f.depths[queueName], nil
}

// fakeWorkers reports a fixed snapshot.
type fakeWorkers struct {
	snap workers.Snapshot
}

func (f *fakeWorkers) Snapshot(context.Context) (workers.Snapshot, error) {
	return f.snap, nil
}

// fakeDriver records calls and reports live VMs from a settable set.
type fakeDriver struct {
	mu      sync.Mutex
	created []string
	deleted []string
	live    map[string]bool
}

func (f *fakeDriver) Create(_ context.Context, name string, _ map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, name)
	if f.live == nil {
		f.live = make(map[string]bool)
	}
	f.live[name] = true
	return nil
}

func (f *fakeDriver) List(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for name := range f.live {
		out = append(out, name)
	}
	return out, nil
}

func (f *fakeDriver) Delete(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, name)
	delete(f.live, name)
	return nil
}

func newTestController(t *testing.T, profiles []profile.Profile, maxVMQty int, depths map[string]int, snap workers.Snapshot, driver *fakeDriver) (*Controller, *registry.Registry) {
	t.Helper()

	table, err := profile.NewTable(profiles, maxVMQty)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	reg, err := registry.Open(t.TempDir())
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	cfg := Config{
		EvalInterval:         time.Hour, // tests call Tick directly
		MinIdleWorkers:       1,
		BackorderThreshold:   0,
		SlackerTimeThreshold: 300 * time.Second,
	}

	c := New(cfg, table, reg, driver, &fakeBroker{depths: depths}, &fakeWorkers{snap: snap})
	return c, reg
}

func TestTickColdStartSpawnsHalfBacklog(t *testing.T) {
	// Budget 4 split across profiles a,b with spawn_ratio=0.5; only a has backlog.
	profiles := []profile.Profile{
		{ID: "a", QueueName: "a", SpawnRatio: 0.5},
		{ID: "b", QueueName: "b", SpawnRatio: 0.5},
	}
	driver := &fakeDriver{}
	c, reg := newTestController(t, profiles, 4, map[string]int{"a": 10, "b": 0}, workers.NewSnapshot(nil), driver)

	c.Tick(context.Background())

	count, err := reg.Count("a")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 VMs spawned for profile a, got %d (max_vms=2 clamps floor(10*0.5)=5)", count)
	}

	bCount, err := reg.Count("b")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if bCount != 0 {
		t.Fatalf("expected 0 VMs spawned for profile b, got %d", bCount)
	}
}

func TestTickInsufficientResourcesStopsSpawning(t *testing.T) {
	// Profile already owns its full budget of 2 -> zero new cloud calls.
	profiles := []profile.Profile{{ID: "a", QueueName: "a", SpawnRatio: 1.0}}
	driver := &fakeDriver{}
	c, reg := newTestController(t, profiles, 2, map[string]int{"a": 20}, workers.NewSnapshot(nil), driver)

	now := time.Now()
	for _, name := range []string{"a-x", "a-y"} {
		if err := reg.Put(registry.Record{Name: name, ProfileID: "a", SpawnTime: now}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	c.Tick(context.Background())

	if len(driver.created) != 0 {
		t.Fatalf("expected zero cloud calls once at budget, got %v", driver.created)
	}
}

func TestTickDrainTearsDownExactlyOneVM(t *testing.T) {
	// Empty queue with 2 idle workers and a floor of 1 -> surplus of exactly 1.
	profiles := []profile.Profile{{ID: "a", QueueName: "a", SpawnRatio: 0.5}}
	driver := &fakeDriver{live: map[string]bool{"a-1": true, "a-2": true}}
	snap := workers.NewSnapshot([]workers.Row{
		{ID: "w1", Host: "a-1", Queues: map[string]bool{"a": true}, HasRunningTask: false, Active: true},
		{ID: "w2", Host: "a-2", Queues: map[string]bool{"a": true}, HasRunningTask: false, Active: true},
	})
	c, reg := newTestController(t, profiles, 4, map[string]int{"a": 0}, snap, driver)

	now := time.Now()
	for _, name := range []string{"a-1", "a-2"} {
		if err := reg.Put(registry.Record{Name: name, ProfileID: "a", SpawnTime: now}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	c.Tick(context.Background())

	if len(driver.deleted) != 1 {
		t.Fatalf("expected exactly 1 teardown, got %v", driver.deleted)
	}

	remaining, err := reg.Count("a")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("expected 1 VM remaining after drain teardown, got %d", remaining)
	}
}

func TestSpawnWritesRegistryBeforeCloudCall(t *testing.T) {
	profiles := []profile.Profile{{ID: "a", QueueName: "a", SpawnRatio: 1.0}}
	driver := &registryCheckingDriver{}
	c, reg := newTestController(t, profiles, 4, map[string]int{}, workers.NewSnapshot(nil), &driver.fakeDriver)
	driver.reg = reg
	c.cloud = driver

	p, _ := c.profiles.Get("a")
	if err := c.spawn(context.Background(), p); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	if len(driver.created) != 1 {
		t.Fatalf("expected 1 cloud create call, got %v", driver.created)
	}
	if !driver.recordedBefore {
		t.Fatalf("registry record must exist before the cloud create call")
	}
	count, err := reg.Count("a")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected registry record to exist after spawn, count=%d", count)
	}
}

func TestSpawnRecordSurvivesFailedCloudCall(t *testing.T) {
	profiles := []profile.Profile{{ID: "a", QueueName: "a", SpawnRatio: 1.0}}
	failingDriver := &failOnceDriver{err: cloud.ErrTransient}
	c, reg := newTestController(t, profiles, 4, map[string]int{}, workers.NewSnapshot(nil), nil)
	c.cloud = failingDriver

	p, _ := c.profiles.Get("a")
	err := c.spawn(context.Background(), p)
	if err == nil {
		t.Fatalf("expected transient error to propagate")
	}

	count, countErr := reg.Count("a")
	if countErr != nil {
		t.Fatalf("Count: %v", countErr)
	}
	if count != 1 {
		t.Fatalf("registry record must survive a failed cloud call so the reaper can reclaim it, count=%d", count)
	}
}

type failOnceDriver struct {
	err error
}

func (f *failOnceDriver) Create(context.Context, string, map[string]string) error { return f.err }
func (f *failOnceDriver) List(context.Context) ([]string, error)                  { return nil, nil }
func (f *failOnceDriver) Delete(context.Context, string) error                    { return nil }

// registryCheckingDriver notes whether the VM's registry record already
// existed at the moment Create was called.
type registryCheckingDriver struct {
	fakeDriver
	reg            *registry.Registry
	recordedBefore bool
}

func (d *registryCheckingDriver) Create(ctx context.Context, name string, spawnArgs map[string]string) error {
	_, ok, _ := d.reg.Get(name)
	d.recordedBefore = ok
	return d.fakeDriver.Create(ctx, name, spawnArgs)
}
