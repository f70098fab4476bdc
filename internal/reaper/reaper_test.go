package reaper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oriys/rubber-controller/internal/cloud"
	"github.com/oriys/rubber-controller/internal/registry"
	"github.com/oriys/rubber-controller/internal/workers"
)

// fakeDriver records Delete calls and returns a scripted error per name.
type fakeDriver struct {
	mu      sync.Mutex
	deleted []string
	errFor  map[string]error
}

func (f *fakeDriver) Create(context.Context, string, map[string]string) error { return nil }
func (f *fakeDriver) List(context.Context) ([]string, error)                  { return nil, nil }

func (f *fakeDriver) Delete(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, name)
	return f.errFor[name]
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r, err := registry.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRunLeavesBootingVMsAlone(t *testing.T) {
	reg := newTestRegistry(t)
	now := time.Now()

	if err := reg.Put(registry.Record{Name: "a-1", ProfileID: "a", SpawnTime: now.Add(-10 * time.Second)}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	driver := &fakeDriver{errFor: map[string]error{}}
	r := New(reg, driver, 300*time.Second)

	if err := r.Run(context.Background(), workers.NewSnapshot(nil), now); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(driver.deleted) != 0 {
		t.Fatalf("booting VM should not be reaped, got deletes: %v", driver.deleted)
	}
	if _, ok, _ := reg.Get("a-1"); !ok {
		t.Fatalf("booting VM record should remain in registry")
	}
}

func TestRunReapsPastGraceWindow(t *testing.T) {
	// Both VMs are past the 300s grace window with no workers registered.
	reg := newTestRegistry(t)
	now := time.Now()

	for _, name := range []string{"a-1", "a-2"} {
		if err := reg.Put(registry.Record{Name: name, ProfileID: "a", SpawnTime: now.Add(-310 * time.Second)}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	driver := &fakeDriver{errFor: map[string]error{}}
	r := New(reg, driver, 300*time.Second)

	if err := r.Run(context.Background(), workers.NewSnapshot(nil), now); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(driver.deleted) != 2 {
		t.Fatalf("expected 2 cloud deletes, got %v", driver.deleted)
	}
	for _, name := range []string{"a-1", "a-2"} {
		if _, ok, _ := reg.Get(name); ok {
			t.Fatalf("expected registry record %s to be purged", name)
		}
	}
}

func TestRunSkipsVMsWithMatchingWorkerHost(t *testing.T) {
	reg := newTestRegistry(t)
	now := time.Now()

	if err := reg.Put(registry.Record{Name: "a-1", ProfileID: "a", SpawnTime: now.Add(-310 * time.Second)}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	snap := workers.NewSnapshot([]workers.Row{
		{ID: "worker@a-1", Host: "a-1", Queues: map[string]bool{"a": true}, Active: true},
	})

	driver := &fakeDriver{errFor: map[string]error{}}
	r := New(reg, driver, 300*time.Second)

	if err := r.Run(context.Background(), snap, now); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(driver.deleted) != 0 {
		t.Fatalf("VM with matching worker host should not be reaped, got deletes: %v", driver.deleted)
	}
}

func TestRunNotFoundStillPurgesRegistry(t *testing.T) {
	reg := newTestRegistry(t)
	now := time.Now()

	if err := reg.Put(registry.Record{Name: "a-1", ProfileID: "a", SpawnTime: now.Add(-310 * time.Second)}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	driver := &fakeDriver{errFor: map[string]error{"a-1": cloud.ErrNotFound}}
	r := New(reg, driver, 300*time.Second)

	if err := r.Run(context.Background(), workers.NewSnapshot(nil), now); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok, _ := reg.Get("a-1"); ok {
		t.Fatalf("NotFound delete should still purge the registry record")
	}
}

func TestRunTransientLeavesRecordForRetry(t *testing.T) {
	reg := newTestRegistry(t)
	now := time.Now()

	if err := reg.Put(registry.Record{Name: "a-1", ProfileID: "a", SpawnTime: now.Add(-310 * time.Second)}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	driver := &fakeDriver{errFor: map[string]error{"a-1": errors.Join(cloud.ErrTransient, errors.New("network blip"))}}
	r := New(reg, driver, 300*time.Second)

	if err := r.Run(context.Background(), workers.NewSnapshot(nil), now); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok, _ := reg.Get("a-1"); !ok {
		t.Fatalf("transient failure should leave the record for the next tick")
	}
}
