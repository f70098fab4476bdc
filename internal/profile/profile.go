// Package profile holds the static ProfileTable and the one-shot
// BudgetAllocator that derives each profile's VM cap from MAX_VM_QTY.
package profile

import (
	"errors"
	"fmt"
)

// ErrNoProfiles is returned by NewTable when given zero profiles: the
// controller would then have nothing to manage, which is a fatal startup
// condition, not a degenerate empty run.
var ErrNoProfiles = errors.New("profile: no profiles configured")

// DefaultSpawnRatio is applied to any profile configured without a
// spawn_ratio. A zero ratio would compute floor(depth*0) = 0 and silently
// disable spawn-up for the profile.
const DefaultSpawnRatio = 0.2

// Profile is an immutable service profile: a queue, the cloud arguments
// used to spawn workers for it, and its scaling knobs.
type Profile struct {
	ID         string
	QueueName  string
	SpawnArgs  map[string]string
	SpawnRatio float64
	MaxVMs     int
}

// Table is a read-only, order-preserving set of profiles. Iteration order
// is the order profiles were given to NewTable, and is significant: it is
// the tie-break BudgetAllocator uses to distribute MAX_VM_QTY's remainder,
// and the order the controller loop evaluates profiles in.
type Table struct {
	ordered []Profile
}

// NewTable builds a Table from profiles in the given order and allocates
// each one's MaxVMs as a fair share of maxVMQty: every profile gets
// floor(maxVMQty/N), and the first (maxVMQty mod N) profiles in iteration
// order each get one extra slot. The shares sum to exactly maxVMQty.
// Profiles with no spawn ratio get DefaultSpawnRatio.
func NewTable(profiles []Profile, maxVMQty int) (*Table, error) {
	if len(profiles) == 0 {
		return nil, ErrNoProfiles
	}

	n := len(profiles)
	share := maxVMQty / n
	remainder := maxVMQty % n

	ordered := make([]Profile, n)
	for i, p := range profiles {
		p.MaxVMs = share
		if i < remainder {
			p.MaxVMs++
		}
		if p.SpawnRatio == 0 {
			p.SpawnRatio = DefaultSpawnRatio
		}
		ordered[i] = p
	}

	return &Table{ordered: ordered}, nil
}

// All returns every profile, in iteration order. The returned slice is a
// copy; callers may not mutate the table through it.
func (t *Table) All() []Profile {
	return append([]Profile(nil), t.ordered...)
}

// Get returns the profile with the given ID.
func (t *Table) Get(id string) (Profile, bool) {
	for _, p := range t.ordered {
		if p.ID == id {
			return p, true
		}
	}
	return Profile{}, false
}

// TotalBudget returns the sum of every profile's MaxVMs, which by
// construction equals the maxVMQty passed to NewTable.
func (t *Table) TotalBudget() int {
	total := 0
	for _, p := range t.ordered {
		total += p.MaxVMs
	}
	return total
}

func (p Profile) String() string {
	return fmt.Sprintf("Profile{ID: %s, Queue: %s, MaxVMs: %d}", p.ID, p.QueueName, p.MaxVMs)
}
