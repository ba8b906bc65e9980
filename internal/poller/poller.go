package poller

import (
	"context"
	"time"

	harvia "harvia_mirror"
	"harvia_mirror/internal/logger"
	"harvia_mirror/internal/repository"
)

// DefaultInterval is the fallback polling cadence. Push is the primary
// update path; this is the correctness backstop.
const DefaultInterval = 5 * time.Minute

// SnapshotFetcher reads full device state from the cloud.
type SnapshotFetcher interface {
	ListDevices(ctx context.Context) ([]string, error)
	GetState(ctx context.Context, deviceID string) (map[string]any, error)
	GetLatestTelemetry(ctx context.Context, deviceID string) (map[string]any, error)
}

// Engine is the reconciliation surface the poller feeds.
type Engine interface {
	ApplySnapshot(deviceID string, stateFields, telemetryFields map[string]any)
	SetAvailable(available bool)
}

// Poller periodically pulls full snapshots and pushes them through the
// same reconciliation path the realtime sessions use. A failed cycle marks
// the account unavailable and is retried on the next tick; it never
// affects the push path.
type Poller struct {
	fetcher SnapshotFetcher
	engine  Engine
	events  repository.EventRepo
	log     *logger.Logger
}

// New builds a poller. events may be nil.
func New(fetcher SnapshotFetcher, engine Engine, events repository.EventRepo, log *logger.Logger) *Poller {
	return &Poller{fetcher: fetcher, engine: engine, events: events, log: log}
}

// Run polls once immediately, then at the given interval until ctx is
// canceled.
func (p *Poller) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	if err := p.PollOnce(ctx); err != nil {
		p.log.Warnw("initial poll failed", "err", err)
	}

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := p.PollOnce(ctx); err != nil {
				p.log.Warnw("poll cycle failed", "err", err)
			}
		}
	}
}

// PollOnce walks the device tree and merges a full snapshot per device.
// Any failure fails the whole cycle: availability flips false and prior
// state stays intact.
func (p *Poller) PollOnce(ctx context.Context) error {
	ids, err := p.fetcher.ListDevices(ctx)
	if err != nil {
		p.failCycle(ctx, err)
		return err
	}

	for _, id := range ids {
		state, err := p.fetcher.GetState(ctx, id)
		if err != nil {
			p.failCycle(ctx, err)
			return err
		}
		telemetry, err := p.fetcher.GetLatestTelemetry(ctx, id)
		if err != nil {
			p.failCycle(ctx, err)
			return err
		}
		p.engine.ApplySnapshot(id, state, telemetry)
	}

	p.engine.SetAvailable(true)
	p.log.Debugw("poll cycle complete", "devices", len(ids))
	return nil
}

func (p *Poller) failCycle(ctx context.Context, err error) {
	p.engine.SetAvailable(false)
	if p.events == nil {
		return
	}
	appendErr := p.events.Append(ctx, harvia.SyncEvent{
		Type:        "POLL_FAILED",
		Description: "fallback poll cycle failed",
		Metadata:    map[string]any{"error": err.Error()},
	})
	if appendErr != nil {
		p.log.Errorw("record poll failure event", "err", appendErr)
	}
}
