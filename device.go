package harvia_mirror

import "time"

// Default nameplate power in watts (10.8 kW heater) when the config does
// not override it for a device.
const DefaultHeaterPowerW = 10800

// DefaultOnTimeMinutes is the factory maximum on-time of the controller.
const DefaultOnTimeMinutes = 360

// DeviceRecord is the mirrored state of a single sauna controller. It is
// built up from partial updates: control-state deltas and telemetry deltas
// pushed over WebSocket, and full REST snapshots from the fallback poll.
type DeviceRecord struct {
	DeviceID    string `json:"device_id"`
	DisplayName string `json:"display_name"`

	// Control state (reported)
	Active              bool `json:"active"`
	LightsOn            bool `json:"lights_on"`
	FanOn               bool `json:"fan_on"`
	SteamEnabled        bool `json:"steam_enabled"`
	AromaEnabled        bool `json:"aroma_enabled"`
	AutoLight           bool `json:"auto_light"`
	AutoFan             bool `json:"auto_fan"`
	DehumidifierEnabled bool `json:"dehumidifier_enabled"`

	// Set-points
	TargetTemp int `json:"target_temp"` // °C
	TargetRH   int `json:"target_rh"`   // %
	AromaLevel int `json:"aroma_level"` // 0-100
	TempUnit   int `json:"temp_unit"`   // 0 = Celsius

	// Timers (minutes)
	HeatUpTime    int `json:"heat_up_time"`
	RemainingTime int `json:"remaining_time"`
	OnTime        int `json:"on_time"`

	// Status
	StatusCodes string `json:"status_codes,omitempty"`
	DoorOpen    bool   `json:"door_open"`
	HeatOn      bool   `json:"heat_on"`
	SteamOn     bool   `json:"steam_on"`

	// Telemetry
	CurrentTemp int    `json:"current_temp"`
	Humidity    int    `json:"humidity"`
	WifiRSSI    int    `json:"wifi_rssi"`
	Timestamp   string `json:"timestamp,omitempty"` // ISO timestamp of last telemetry

	// Diagnostic counters. The LT variants are lifetime totals, the
	// others reset with the device.
	Ph1RelayCounter   int `json:"ph1_relay_counter"`
	Ph2RelayCounter   int `json:"ph2_relay_counter"`
	Ph3RelayCounter   int `json:"ph3_relay_counter"`
	Ph1RelayCounterLT int `json:"ph1_relay_counter_lt"`
	Ph2RelayCounterLT int `json:"ph2_relay_counter_lt"`
	Ph3RelayCounterLT int `json:"ph3_relay_counter_lt"`
	SteamOnCounter    int `json:"steam_on_counter"`
	SteamOnCounterLT  int `json:"steam_on_counter_lt"`
	HeatOnCounter     int `json:"heat_on_counter"`
	HeatOnCounterLT   int `json:"heat_on_counter_lt"`

	// Derived energy state. EnergyKWh only ever grows; HeatOnSince is
	// set while the heater is on and drives the integration.
	HeaterPowerW int        `json:"heater_power_w"`
	EnergyKWh    float64    `json:"energy_kwh"`
	HeatOnSince  *time.Time `json:"-"`
}

// NewDeviceRecord returns a record with controller defaults.
func NewDeviceRecord(deviceID string, heaterPowerW int) *DeviceRecord {
	if heaterPowerW <= 0 {
		heaterPowerW = DefaultHeaterPowerW
	}
	return &DeviceRecord{
		DeviceID:     deviceID,
		DisplayName:  "Harvia Sauna",
		OnTime:       DefaultOnTimeMinutes,
		HeaterPowerW: heaterPowerW,
	}
}

// Clone returns a deep copy of the record.
func (d *DeviceRecord) Clone() *DeviceRecord {
	cp := *d
	if d.HeatOnSince != nil {
		ts := *d.HeatOnSince
		cp.HeatOnSince = &ts
	}
	return &cp
}

// AccountData is the mirror for one MyHarvia account: every device seen so
// far plus an availability flag. Available only turns false when the
// fallback poll itself fails; push-path outages do not flip it.
type AccountData struct {
	Devices   map[string]*DeviceRecord `json:"devices"`
	Available bool                     `json:"available"`
}

// NewAccountData returns an empty, available account mirror.
func NewAccountData() *AccountData {
	return &AccountData{
		Devices:   make(map[string]*DeviceRecord),
		Available: true,
	}
}

// Clone returns a deep copy safe to hand to readers.
func (a *AccountData) Clone() *AccountData {
	cp := &AccountData{
		Devices:   make(map[string]*DeviceRecord, len(a.Devices)),
		Available: a.Available,
	}
	for id, dev := range a.Devices {
		cp.Devices[id] = dev.Clone()
	}
	return cp
}

// DeviceEnergy is the persisted slice of a record's derived energy state,
// kept so the monotonic kWh counter survives restarts.
type DeviceEnergy struct {
	DeviceID     string    `json:"device_id"`
	EnergyKWh    float64   `json:"energy_kwh"`
	HeaterPowerW int       `json:"heater_power_w"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SyncEvent is a single entry in the synchronization audit log.
type SyncEvent struct {
	EventID     string    `json:"event_id"`
	OccurredAt  time.Time `json:"occurred_at"`
	Type        string    `json:"type"`        // CONNECTED | DISCONNECTED | POLL_OK | POLL_FAILED | COMMAND
	Description string    `json:"description"` // human-readable
	Metadata    any       `json:"metadata,omitempty"`
}
