// Package reaper implements the SlackerReaper: it reclaims VMs that were
// spawned but never joined the worker registry within their boot grace
// window.
package reaper

import (
	"context"
	"errors"
	"time"

	"github.com/oriys/rubber-controller/internal/cloud"
	"github.com/oriys/rubber-controller/internal/logging"
	"github.com/oriys/rubber-controller/internal/metrics"
	"github.com/oriys/rubber-controller/internal/observability"
	"github.com/oriys/rubber-controller/internal/registry"
	"github.com/oriys/rubber-controller/internal/workers"
)

// Reaper reclaims slacker VMs against a Registry and a Driver.
type Reaper struct {
	Registry             *registry.Registry
	Driver               cloud.Driver
	SlackerTimeThreshold time.Duration
}

// New builds a Reaper.
func New(reg *registry.Registry, driver cloud.Driver, slackerTimeThreshold time.Duration) Reaper {
	return Reaper{Registry: reg, Driver: driver, SlackerTimeThreshold: slackerTimeThreshold}
}

// Run scans every registry record. A record is a slacker candidate when no
// active worker reports a matching host; it is reaped once it has also
// been alive at least SlackerTimeThreshold. Records younger than the
// threshold are "booting" and left alone.
//
// Run never overlaps profile evaluation in the same tick: the controller
// calls it strictly before NeedEvaluator, so budget freed by a reap is
// available to that tick's spawn phase.
func (r Reaper) Run(ctx context.Context, snap workers.Snapshot, now time.Time) error {
	ctx, span := observability.StartSpan(ctx, "rubber.reap")
	defer span.End()

	var candidates []registry.Record
	err := r.Registry.Iter(func(rec registry.Record) error {
		if snap.HasHost(rec.Name) {
			return nil
		}
		if now.Sub(rec.SpawnTime) < r.SlackerTimeThreshold {
			return nil // still booting
		}
		candidates = append(candidates, rec)
		return nil
	})
	if err != nil {
		observability.SetSpanError(span, err)
		return err
	}

	for _, rec := range candidates {
		r.reapOne(ctx, rec)
	}
	observability.SetSpanOK(span)
	return nil
}

func (r Reaper) reapOne(ctx context.Context, rec registry.Record) {
	ctx, span := observability.StartSpan(ctx, "rubber.reap_one",
		observability.AttrProfileID.String(rec.ProfileID),
		observability.AttrVMName.String(rec.Name),
	)
	defer span.End()

	err := r.Driver.Delete(ctx, rec.Name)
	switch {
	case err == nil:
		metrics.RecordReap("terminated")
		span.SetAttributes(observability.AttrOutcome.String("terminated"))
		observability.SetSpanOK(span)
		if delErr := r.Registry.Delete(rec.Name); delErr != nil {
			logging.Op().Warn("slacker reap: registry delete failed after cloud delete succeeded",
				"vm", rec.Name, "profile", rec.ProfileID, "error", delErr)
		} else {
			logging.Op().Info("slacker reap: terminated VM that never joined",
				"vm", rec.Name, "profile", rec.ProfileID)
		}
	case errors.Is(err, cloud.ErrNotFound):
		metrics.RecordReap("not_found")
		span.SetAttributes(observability.AttrOutcome.String("not_found"))
		observability.SetSpanOK(span)
		if delErr := r.Registry.Delete(rec.Name); delErr != nil {
			logging.Op().Warn("slacker reap: registry delete failed for already-gone VM",
				"vm", rec.Name, "profile", rec.ProfileID, "error", delErr)
		} else {
			logging.Op().Info("slacker reap: VM already gone, purged registry record",
				"vm", rec.Name, "profile", rec.ProfileID)
		}
	case errors.Is(err, cloud.ErrTransient):
		metrics.RecordReap("transient")
		span.SetAttributes(observability.AttrOutcome.String("transient"))
		observability.SetSpanError(span, err)
		logging.Op().Warn("slacker reap: transient cloud error, will retry next tick",
			"vm", rec.Name, "profile", rec.ProfileID, "error", err)
	default:
		metrics.RecordReap("error")
		span.SetAttributes(observability.AttrOutcome.String("error"))
		observability.SetSpanError(span, err)
		logging.Op().Error("slacker reap: unexpected cloud error",
			"vm", rec.Name, "profile", rec.ProfileID, "error", err)
	}
}
