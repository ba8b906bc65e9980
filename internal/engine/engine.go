package engine

import (
	"context"
	"sync"
	"time"

	harvia "harvia_mirror"
	"harvia_mirror/internal/logger"
	"harvia_mirror/internal/repository"
)

// CommandSender forwards a state-change command to the cloud. The engine
// does not depend on the echo coming back; the optimistic write stands on
// its own.
type CommandSender interface {
	RequestStateChange(ctx context.Context, deviceID string, fields map[string]any) error
}

// Config tunes the engine.
type Config struct {
	// DefaultHeaterPowerW is the nameplate power assumed for devices
	// without an explicit override. Configuration-supplied, never
	// device-reported.
	DefaultHeaterPowerW int

	// HeaterPowerOverrides maps device id to nameplate watts.
	HeaterPowerOverrides map[string]int
}

// Engine is the single writer of the account mirror. Every mutation — push
// deltas from any session, snapshots from the poller, optimistic command
// writes — is serialized under one lock so no two updates interleave
// mid-record. Readers get deep copies.
type Engine struct {
	cfg    Config
	sender CommandSender
	energy repository.EnergyRepo
	log    *logger.Logger

	// now must provide a monotonic reading; energy integration uses
	// time.Time.Sub which operates on the monotonic clock. Injectable
	// for tests.
	now func() time.Time

	mu   sync.Mutex
	data *harvia.AccountData
}

// New constructs an engine. sender and energy may be nil (commands
// rejected, no persistence).
func New(cfg Config, sender CommandSender, energy repository.EnergyRepo, log *logger.Logger) *Engine {
	if cfg.DefaultHeaterPowerW <= 0 {
		cfg.DefaultHeaterPowerW = harvia.DefaultHeaterPowerW
	}
	return &Engine{
		cfg:    cfg,
		sender: sender,
		energy: energy,
		log:    log,
		now:    time.Now,
		data:   harvia.NewAccountData(),
	}
}

// LoadPersisted seeds device records with the energy counters stored by a
// previous run. Call once before any updates flow.
func (e *Engine) LoadPersisted(ctx context.Context) error {
	if e.energy == nil {
		return nil
	}
	stored, err := e.energy.LoadAll(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rec := range stored {
		dev := e.ensureDeviceLocked(rec.DeviceID)
		if rec.EnergyKWh > dev.EnergyKWh {
			dev.EnergyKWh = rec.EnergyKWh
		}
	}
	return nil
}

// ApplySnapshot merges a full REST snapshot: creates the record if this is
// the first sighting of the device, then applies both partial-update
// rules.
func (e *Engine) ApplySnapshot(deviceID string, stateFields, telemetryFields map[string]any) {
	e.mu.Lock()
	dev := e.ensureDeviceLocked(deviceID)
	e.applyStateLocked(dev, stateFields)
	pending := e.applyTelemetryLocked(dev, telemetryFields)
	e.mu.Unlock()
	e.flushEnergy(pending)
}

// ApplyStateDelta merges a pushed control-state delta. Deltas for devices
// never seen in a snapshot are dropped; only snapshots create records.
func (e *Engine) ApplyStateDelta(deviceID string, fields map[string]any) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	dev, ok := e.data.Devices[deviceID]
	if !ok {
		e.log.Debugw("state delta for unknown device dropped", "device", deviceID)
		return false
	}
	e.applyStateLocked(dev, fields)
	return true
}

// ApplyTelemetryDelta merges a pushed telemetry delta, running the energy
// integration when the delta carries a heat flag.
func (e *Engine) ApplyTelemetryDelta(deviceID string, fields map[string]any) bool {
	e.mu.Lock()
	dev, ok := e.data.Devices[deviceID]
	if !ok {
		e.mu.Unlock()
		e.log.Debugw("telemetry delta for unknown device dropped", "device", deviceID)
		return false
	}
	pending := e.applyTelemetryLocked(dev, fields)
	e.mu.Unlock()
	e.flushEnergy(pending)
	return true
}

// RequestOptimisticUpdate sends a command for one field and, on a
// successful send, writes the field locally so readers see the intent
// before the server echo arrives. The echo later re-applies the same value
// and is a no-op.
func (e *Engine) RequestOptimisticUpdate(ctx context.Context, deviceID, field string, value any) error {
	if e.sender != nil {
		if err := e.sender.RequestStateChange(ctx, deviceID, map[string]any{field: value}); err != nil {
			return err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	dev, ok := e.data.Devices[deviceID]
	if !ok {
		return nil
	}
	e.applyStateLocked(dev, map[string]any{field: value})
	return nil
}

// SetAvailable flips the account availability flag. Only the fallback
// poller calls this; push-path outages do not affect it.
func (e *Engine) SetAvailable(available bool) {
	e.mu.Lock()
	e.data.Available = available
	e.mu.Unlock()
}

// Snapshot returns a deep copy of the account mirror.
func (e *Engine) Snapshot() *harvia.AccountData {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.data.Clone()
}

// Device returns a copy of one record, if known.
func (e *Engine) Device(deviceID string) (*harvia.DeviceRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	dev, ok := e.data.Devices[deviceID]
	if !ok {
		return nil, false
	}
	return dev.Clone(), true
}

// KnownDevices lists the ids of every mirrored device.
func (e *Engine) KnownDevices() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.data.Devices))
	for id := range e.data.Devices {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) ensureDeviceLocked(deviceID string) *harvia.DeviceRecord {
	if dev, ok := e.data.Devices[deviceID]; ok {
		return dev
	}
	dev := harvia.NewDeviceRecord(deviceID, e.heaterPowerFor(deviceID))
	e.data.Devices[deviceID] = dev
	return dev
}

func (e *Engine) heaterPowerFor(deviceID string) int {
	if w, ok := e.cfg.HeaterPowerOverrides[deviceID]; ok && w > 0 {
		return w
	}
	return e.cfg.DefaultHeaterPowerW
}

// applyStateLocked merges known state fields, last write wins per field.
func (e *Engine) applyStateLocked(dev *harvia.DeviceRecord, fields map[string]any) {
	for key, value := range fields {
		if set, ok := stateSetters[key]; ok {
			set(dev, value)
		}
	}
}

// applyTelemetryLocked merges known telemetry fields and integrates
// energy. The heat flag in effect before this delta decides whether the
// interval since HeatOnSince accrues; a delta that reports "still heating"
// accrues the interval since the previous one. A non-nil return is an
// updated counter the caller must persist after releasing the lock.
func (e *Engine) applyTelemetryLocked(dev *harvia.DeviceRecord, fields map[string]any) *harvia.DeviceEnergy {
	var pending *harvia.DeviceEnergy
	if raw, ok := fields["heatOn"]; ok {
		if heating, ok := asBool(raw); ok {
			pending = e.integrateEnergyLocked(dev, heating)
		}
	}
	for key, value := range fields {
		if set, ok := telemetrySetters[key]; ok {
			set(dev, value)
		}
	}
	return pending
}

func (e *Engine) integrateEnergyLocked(dev *harvia.DeviceRecord, heating bool) *harvia.DeviceEnergy {
	now := e.now()

	accrued := false
	if dev.HeatOn && dev.HeatOnSince != nil {
		elapsedHours := now.Sub(*dev.HeatOnSince).Hours()
		if elapsedHours > 0 {
			dev.EnergyKWh += float64(dev.HeaterPowerW) / 1000.0 * elapsedHours
			accrued = true
		}
	}

	dev.HeatOn = heating
	if heating {
		ts := now
		dev.HeatOnSince = &ts
	} else {
		dev.HeatOnSince = nil
	}

	if !accrued {
		return nil
	}
	return &harvia.DeviceEnergy{
		DeviceID:     dev.DeviceID,
		EnergyKWh:    dev.EnergyKWh,
		HeaterPowerW: dev.HeaterPowerW,
		UpdatedAt:    time.Now().UTC(),
	}
}

// flushEnergy writes one counter update to storage. Called without the
// engine lock held so slow storage never stalls delta processing.
func (e *Engine) flushEnergy(rec *harvia.DeviceEnergy) {
	if rec == nil || e.energy == nil {
		return
	}
	if err := e.energy.Upsert(context.Background(), *rec); err != nil {
		e.log.Errorw("persist energy counter failed", "device", rec.DeviceID, "err", err)
	}
}
