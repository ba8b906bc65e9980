package repository

import (
	"context"
	"database/sql"
	"time"

	harvia "harvia_mirror"
)

type EnergySQLite struct {
	db *sql.DB
}

func NewEnergySQLite(db *sql.DB) *EnergySQLite {
	return &EnergySQLite{db: db}
}

const (
	upsertEnergySQL = `
		INSERT INTO device_energy (device_id, energy_kwh, heater_power_w, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			energy_kwh=excluded.energy_kwh,
			heater_power_w=excluded.heater_power_w,
			updated_at=excluded.updated_at
	`

	selectEnergySQL = `
		SELECT device_id, energy_kwh, heater_power_w, updated_at
		FROM device_energy
	`
)

// Upsert writes one device's current energy counter.
func (r *EnergySQLite) Upsert(ctx context.Context, rec harvia.DeviceEnergy) error {
	tsUTC := rec.UpdatedAt
	if tsUTC.IsZero() {
		tsUTC = time.Now().UTC()
	} else {
		tsUTC = tsUTC.UTC()
	}

	_, err := r.db.ExecContext(ctx, upsertEnergySQL,
		rec.DeviceID,
		rec.EnergyKWh,
		rec.HeaterPowerW,
		tsUTC,
	)
	return err
}

// LoadAll returns every stored energy counter.
func (r *EnergySQLite) LoadAll(ctx context.Context) ([]harvia.DeviceEnergy, error) {
	rows, err := r.db.QueryContext(ctx, selectEnergySQL)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []harvia.DeviceEnergy
	for rows.Next() {
		var rec harvia.DeviceEnergy
		if err := rows.Scan(&rec.DeviceID, &rec.EnergyKWh, &rec.HeaterPowerW, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.UpdatedAt = rec.UpdatedAt.UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
