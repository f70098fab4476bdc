// Package cloud defines the CloudDriver contract the controller spawns and
// tears down VMs through, plus a name-keyed registry so a concrete IaaS
// integration can plug itself in without this package depending on it. A
// concrete OpenStack (or any other IaaS) driver is an external collaborator
// outside this repository's scope.
package cloud

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors a Driver implementation maps its failures onto. Callers
// use errors.Is against these, never string comparison.
var (
	// ErrOverLimit means the cloud rejected a create call due to quota.
	ErrOverLimit = errors.New("cloud: over limit")
	// ErrTransient means a network or 5xx failure that may succeed on retry.
	ErrTransient = errors.New("cloud: transient failure")
	// ErrNotFound means the cloud has no record of the named VM.
	ErrNotFound = errors.New("cloud: vm not found")
)

// Driver is the contract a concrete IaaS integration must satisfy. name is
// always pre-normalized by the caller (internal/vmname) before it reaches
// Create or Delete.
type Driver interface {
	// Create asks the cloud to spawn a VM named name using the opaque
	// spawnArgs bag. A nil error means the cloud accepted the request; it
	// does not imply the VM has finished booting.
	Create(ctx context.Context, name string, spawnArgs map[string]string) error

	// List returns the names of VMs the cloud currently reports as live,
	// across all profiles this controller or others may have created.
	List(ctx context.Context) ([]string, error)

	// Delete asks the cloud to terminate the named VM.
	Delete(ctx context.Context, name string) error
}

// ErrUnknownDriver is returned by New when no Factory was registered under
// the requested name.
var ErrUnknownDriver = errors.New("cloud: unknown driver")

// Factory builds a Driver from the opaque settings bag in CloudConfig.
type Factory func(settings map[string]string) (Driver, error)

var factories = map[string]Factory{}

// Register associates a driver name (e.g. "openstack") with a Factory. A
// concrete IaaS integration calls this from its own package's init, then
// main imports that package for its side effect.
func Register(name string, factory Factory) {
	factories[name] = factory
}

// New builds a Driver for the named, already-registered backend. Nothing
// is registered by this package itself: wiring a concrete driver is left to
// whatever binary imports one.
func New(name string, settings map[string]string) (Driver, error) {
	factory, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, name)
	}
	return factory(settings)
}
