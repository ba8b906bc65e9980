package repository

import (
	"context"
	"database/sql"
	"time"

	harvia "harvia_mirror"
)

// EnergyRepo persists per-device derived energy state. Only the current
// counter is stored, never telemetry history.
type EnergyRepo interface {
	Upsert(ctx context.Context, rec harvia.DeviceEnergy) error
	LoadAll(ctx context.Context) ([]harvia.DeviceEnergy, error)
}

// EventRepo is the append-only synchronization audit log.
type EventRepo interface {
	Append(ctx context.Context, e harvia.SyncEvent) error
	List(ctx context.Context, from, to time.Time, typ string) ([]harvia.SyncEvent, error)
}

// Repository bundles the sqlite-backed repos.
type Repository struct {
	Energy EnergyRepo
	Events EventRepo
}

// NewRepository wires the concrete sqlite implementations.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{
		Energy: NewEnergySQLite(db),
		Events: NewEventSQLite(db),
	}
}
