// Package controller implements the elasticity control loop: per tick, it
// refreshes the worker snapshot, runs the slacker reaper, then evaluates
// and acts on each profile's need delta via spawn/teardown.
package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oriys/rubber-controller/internal/broker"
	"github.com/oriys/rubber-controller/internal/cloud"
	"github.com/oriys/rubber-controller/internal/evaluator"
	"github.com/oriys/rubber-controller/internal/logging"
	"github.com/oriys/rubber-controller/internal/metrics"
	"github.com/oriys/rubber-controller/internal/observability"
	"github.com/oriys/rubber-controller/internal/profile"
	"github.com/oriys/rubber-controller/internal/reaper"
	"github.com/oriys/rubber-controller/internal/registry"
	"github.com/oriys/rubber-controller/internal/vmname"
	"github.com/oriys/rubber-controller/internal/workers"
)

// Per-spawn and per-teardown policy outcomes. These are expected control
// flow, not programmer errors: the loop branches on them with errors.Is and
// never logs them as failures.
var (
	ErrInsufficientResources = errors.New("controller: profile at max_vms")
	ErrMinimumWorkersReached = errors.New("controller: teardown would drop below floor")
	ErrNoIdleWorkers         = errors.New("controller: no idle worker for profile")
	ErrNoTearDownTargets     = errors.New("controller: idle workers exist but none match registry/cloud")
)

// Config holds the policy knobs the Controller needs beyond its
// collaborators, already resolved from internal/config.
type Config struct {
	EvalInterval         time.Duration
	MinIdleWorkers       int
	BackorderThreshold   int
	SlackerTimeThreshold time.Duration
}

// Controller is the periodic driver tying the VM Registry, CloudDriver,
// BrokerStats, WorkerRegistry, ProfileTable, and NeedEvaluator together.
type Controller struct {
	cfg       Config
	profiles  *profile.Table
	registry  *registry.Registry
	cloud     cloud.Driver
	broker    broker.Stats
	workerReg workers.Registry
	eval      evaluator.Evaluator
	reaper    reaper.Reaper

	now func() time.Time
}

// New constructs a Controller. profiles must be non-empty; NewTable already
// enforces that via ErrNoProfiles at construction time, so by the time a
// Table reaches here the zero-profiles case has already been rejected.
func New(cfg Config, profiles *profile.Table, reg *registry.Registry, driver cloud.Driver, brokerStats broker.Stats, workerReg workers.Registry) *Controller {
	return &Controller{
		cfg:       cfg,
		profiles:  profiles,
		registry:  reg,
		cloud:     driver,
		broker:    brokerStats,
		workerReg: workerReg,
		eval:      evaluator.New(cfg.BackorderThreshold, cfg.SlackerTimeThreshold),
		reaper:    reaper.New(reg, driver, cfg.SlackerTimeThreshold),
		now:       time.Now,
	}
}

// Run blocks, ticking every cfg.EvalInterval, until ctx is canceled. A tick
// in progress always runs to completion before the next begins; on
// cancellation, Run returns once the current tick (if any) finishes.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.EvalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Op().Info("controller: shutdown signal received, exiting after current tick")
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick runs one full reconciliation pass: refresh worker snapshot, reap
// slackers, then evaluate and act on every profile in table order.
func (c *Controller) Tick(ctx context.Context) {
	ctx, span := observability.StartSpan(ctx, "rubber.tick")
	defer span.End()

	start := c.now()
	defer func() {
		metrics.ObserveTickDuration(c.now().Sub(start))
	}()

	snap, err := c.workerReg.Snapshot(ctx)
	if err != nil {
		logging.Op().Warn("controller: worker snapshot failed, aborting tick", "error", err)
		metrics.RecordTickError("workers")
		observability.SetSpanError(span, err)
		return
	}

	if err := c.reaper.Run(ctx, snap, start); err != nil {
		logging.Op().Warn("controller: slacker reaper failed", "error", err)
		metrics.RecordTickError("reap")
	}

	for _, p := range c.profiles.All() {
		c.evaluateProfile(ctx, p, snap, start)
	}

	observability.SetSpanOK(span)
}

func (c *Controller) evaluateProfile(ctx context.Context, p profile.Profile, snap workers.Snapshot, now time.Time) {
	depth, err := c.broker.Depth(ctx, p.QueueName)
	if err != nil {
		logging.Op().Warn("controller: broker depth lookup failed, skipping profile this tick",
			"profile", p.ID, "queue", p.QueueName, "error", err)
		metrics.RecordTickError("broker")
		return
	}
	metrics.SetQueueDepth(p.ID, depth)
	metrics.SetProfileBudget(p.ID, p.MaxVMs)
	metrics.SetIdleWorkers(p.ID, len(snap.Idle(p.QueueName)))

	records, err := c.registry.ForProfile(p.ID)
	if err != nil {
		logging.Op().Warn("controller: registry lookup failed, skipping profile this tick",
			"profile", p.ID, "error", err)
		metrics.RecordTickError("registry")
		return
	}
	metrics.SetActiveVMs(p.ID, len(records))

	delta := c.eval.Eval(p, depth, snap, records, now)
	metrics.SetNeedDelta(p.ID, delta)

	switch {
	case delta > 0:
		c.runSpawns(ctx, p, delta)
	case delta < 0:
		surplus := -delta - c.cfg.MinIdleWorkers
		if surplus < 0 {
			surplus = 0
		}
		c.runTeardowns(ctx, p, snap, surplus)
	}
}

func (c *Controller) runSpawns(ctx context.Context, p profile.Profile, count int) {
	for i := 0; i < count; i++ {
		err := c.spawn(ctx, p)
		switch {
		case err == nil:
			metrics.RecordSpawn(p.ID, "created")
			continue
		case errors.Is(err, ErrInsufficientResources):
			logging.Op().Info("controller: profile at budget, stopping spawn loop", "profile", p.ID)
			metrics.RecordSpawn(p.ID, "insufficient_resources")
			return
		case errors.Is(err, cloud.ErrOverLimit):
			logging.Op().Warn("controller: cloud over limit, stopping spawn loop this tick", "profile", p.ID, "error", err)
			metrics.RecordSpawn(p.ID, "over_limit")
			return
		case errors.Is(err, cloud.ErrTransient):
			logging.Op().Warn("controller: transient cloud error spawning, continuing", "profile", p.ID, "error", err)
			metrics.RecordSpawn(p.ID, "transient")
			continue
		default:
			logging.Op().Error("controller: unexpected spawn error", "profile", p.ID, "error", err)
			metrics.RecordSpawn(p.ID, "error")
			return
		}
	}
}

// spawn writes the registry record before the cloud call, not after, so a
// crash or failed create still leaves a trace the slacker reaper can
// reclaim.
func (c *Controller) spawn(ctx context.Context, p profile.Profile) error {
	ctx, span := observability.StartSpan(ctx, "rubber.spawn",
		observability.AttrProfileID.String(p.ID),
		observability.AttrQueueName.String(p.QueueName),
	)
	defer span.End()

	owned, err := c.registry.Count(p.ID)
	if err != nil {
		observability.SetSpanError(span, err)
		return fmt.Errorf("count owned VMs for %s: %w", p.ID, err)
	}
	if owned+1 > p.MaxVMs {
		observability.SetSpanError(span, ErrInsufficientResources)
		return ErrInsufficientResources
	}

	name, err := vmname.Fresh(p.QueueName)
	if err != nil {
		logging.Op().Error("controller: generated VM name too long, skipping this spawn", "profile", p.ID, "error", err)
		observability.SetSpanError(span, err)
		return nil
	}
	span.SetAttributes(observability.AttrVMName.String(name))

	rec := registry.Record{
		Name:      name,
		ProfileID: p.ID,
		QueueName: p.QueueName,
		SpawnTime: c.now(),
	}
	if err := c.registry.Put(rec); err != nil {
		observability.SetSpanError(span, err)
		return fmt.Errorf("write registry record for %s: %w", name, err)
	}

	callStart := c.now()
	err = c.cloud.Create(ctx, name, p.SpawnArgs)
	metrics.ObserveCloudCallDuration("create", c.now().Sub(callStart))
	if err != nil {
		// Do not remove the record: the slacker reaper reclaims it if the
		// VM never appears within the boot grace window.
		observability.SetSpanError(span, err)
		return err
	}

	logging.Op().Info("controller: spawned VM", "vm", name, "profile", p.ID, "queue", p.QueueName)
	observability.SetSpanOK(span)
	return nil
}

func (c *Controller) runTeardowns(ctx context.Context, p profile.Profile, snap workers.Snapshot, count int) {
	for i := 0; i < count; i++ {
		err := c.teardown(ctx, p, snap)
		switch {
		case err == nil:
			metrics.RecordTeardown(p.ID, "terminated")
			continue
		case errors.Is(err, ErrMinimumWorkersReached):
			logging.Op().Info("controller: at minimum idle worker floor, stopping teardown loop", "profile", p.ID)
			metrics.RecordTeardown(p.ID, "minimum_workers_reached")
			return
		case errors.Is(err, ErrNoIdleWorkers):
			logging.Op().Info("controller: no idle workers for profile, skipping teardown", "profile", p.ID)
			metrics.RecordTeardown(p.ID, "no_idle_workers")
			return
		case errors.Is(err, ErrNoTearDownTargets):
			logging.Op().Warn("controller: idle workers exist but none match registry/cloud, possible drift", "profile", p.ID)
			metrics.RecordTeardown(p.ID, "no_teardown_targets")
			return
		default:
			logging.Op().Error("controller: unexpected teardown error", "profile", p.ID, "error", err)
			metrics.RecordTeardown(p.ID, "error")
			return
		}
	}
}

// teardown picks one idle worker that is both cloud-live and
// registry-owned and terminates it.
func (c *Controller) teardown(ctx context.Context, p profile.Profile, snap workers.Snapshot) error {
	ctx, span := observability.StartSpan(ctx, "rubber.teardown",
		observability.AttrProfileID.String(p.ID),
		observability.AttrQueueName.String(p.QueueName),
	)
	defer span.End()

	idleHosts := snap.Idle(p.QueueName)
	if len(idleHosts) == 0 {
		observability.SetSpanError(span, ErrNoIdleWorkers)
		return ErrNoIdleWorkers
	}

	consumers := snap.Consumers(p.QueueName)
	if len(consumers)-1 < c.cfg.MinIdleWorkers {
		observability.SetSpanError(span, ErrMinimumWorkersReached)
		return ErrMinimumWorkersReached
	}

	callStart := c.now()
	live, err := c.cloud.List(ctx)
	metrics.ObserveCloudCallDuration("list", c.now().Sub(callStart))
	if err != nil {
		observability.SetSpanError(span, err)
		return fmt.Errorf("list cloud VMs: %w", err)
	}
	liveSet := make(map[string]bool, len(live))
	for _, name := range live {
		liveSet[name] = true
	}

	owned, err := c.registry.ForProfile(p.ID)
	if err != nil {
		observability.SetSpanError(span, err)
		return fmt.Errorf("list owned VMs for %s: %w", p.ID, err)
	}
	ownedSet := make(map[string]bool, len(owned))
	for _, rec := range owned {
		ownedSet[rec.Name] = true
	}

	var chosen string
	for _, host := range idleHosts {
		if liveSet[host.Host] && ownedSet[host.Host] {
			chosen = host.Host
			break
		}
	}
	if chosen == "" {
		observability.SetSpanError(span, ErrNoTearDownTargets)
		return ErrNoTearDownTargets
	}
	span.SetAttributes(observability.AttrVMName.String(chosen))

	callStart = c.now()
	err = c.cloud.Delete(ctx, chosen)
	metrics.ObserveCloudCallDuration("delete", c.now().Sub(callStart))
	if err != nil && !errors.Is(err, cloud.ErrNotFound) {
		observability.SetSpanError(span, err)
		return err
	}
	if delErr := c.registry.Delete(chosen); delErr != nil {
		logging.Op().Warn("controller: registry delete failed after teardown", "vm", chosen, "profile", p.ID, "error", delErr)
	} else {
		logging.Op().Info("controller: tore down idle VM", "vm", chosen, "profile", p.ID)
	}
	observability.SetSpanOK(span)
	return nil
}
