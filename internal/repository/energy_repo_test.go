package repository

import (
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	harvia "harvia_mirror"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestUpsert_Success(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer func(db *sql.DB) { _ = db.Close() }(db)

	repo := NewEnergySQLite(db)

	at := time.Date(2026, 2, 3, 9, 30, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(`
		INSERT INTO device_energy (device_id, energy_kwh, heater_power_w, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			energy_kwh=excluded.energy_kwh,
			heater_power_w=excluded.heater_power_w,
			updated_at=excluded.updated_at
	`)).
		WithArgs("sauna-1", 10.8, 10800, at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.Upsert(ctx(t), harvia.DeviceEnergy{
		DeviceID:     "sauna-1",
		EnergyKWh:    10.8,
		HeaterPowerW: 10800,
		UpdatedAt:    at,
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("mock expectations: %v", err)
	}
}

func TestUpsert_ZeroTimestampDefaulted(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer func(db *sql.DB) { _ = db.Close() }(db)

	repo := NewEnergySQLite(db)

	mock.ExpectExec("INSERT INTO device_energy").
		WithArgs("sauna-1", 0.5, 9000, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.Upsert(ctx(t), harvia.DeviceEnergy{
		DeviceID:     "sauna-1",
		EnergyKWh:    0.5,
		HeaterPowerW: 9000,
		// UpdatedAt zero -> repo sets UTC now
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("mock expectations: %v", err)
	}
}

func TestUpsert_DBError(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer func(db *sql.DB) { _ = db.Close() }(db)

	repo := NewEnergySQLite(db)

	mock.ExpectExec("INSERT INTO device_energy").
		WillReturnError(errors.New("locked"))

	err = repo.Upsert(ctx(t), harvia.DeviceEnergy{DeviceID: "sauna-1"})
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("mock expectations: %v", err)
	}
}

func TestLoadAll_ReturnsAllCounters(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer func(db *sql.DB) { _ = db.Close() }(db)

	repo := NewEnergySQLite(db)

	at := time.Date(2026, 2, 3, 9, 30, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"device_id", "energy_kwh", "heater_power_w", "updated_at"}).
		AddRow("sauna-1", 10.8, 10800, at).
		AddRow("sauna-2", 3.2, 9000, at.Add(time.Minute))

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT device_id, energy_kwh, heater_power_w, updated_at FROM device_energy`)).
		WillReturnRows(rows)

	got, err := repo.LoadAll(ctx(t))
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2, got %d", len(got))
	}
	if got[0].DeviceID != "sauna-1" || got[0].EnergyKWh != 10.8 || got[0].HeaterPowerW != 10800 {
		t.Fatalf("unexpected first row: %+v", got[0])
	}
	if got[1].DeviceID != "sauna-2" || got[1].EnergyKWh != 3.2 {
		t.Fatalf("unexpected second row: %+v", got[1])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("mock expectations: %v", err)
	}
}

func TestLoadAll_ScanError(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer func(db *sql.DB) { _ = db.Close() }(db)

	repo := NewEnergySQLite(db)

	rows := sqlmock.NewRows([]string{"device_id", "energy_kwh", "heater_power_w", "updated_at"}).
		// updated_at wrong type to force scan error
		AddRow("sauna-1", 1.0, 10800, "not-a-time")

	mock.ExpectQuery("SELECT device_id, energy_kwh, heater_power_w, updated_at FROM device_energy").
		WillReturnRows(rows)

	_, err = repo.LoadAll(ctx(t))
	if err == nil {
		t.Fatalf("expected scan error, got nil")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("mock expectations: %v", err)
	}
}
