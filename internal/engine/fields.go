package engine

import (
	"math"
	"strconv"

	harvia "harvia_mirror"
)

// Explicit wire-key tables. Every known key maps to one record mutation;
// unknown keys are dropped without touching the record.

// stateSetters covers the reported control-state document.
var stateSetters = map[string]func(*harvia.DeviceRecord, any){
	"deviceId":    func(d *harvia.DeviceRecord, v any) { setString(&d.DeviceID, v) },
	"displayName": func(d *harvia.DeviceRecord, v any) { setString(&d.DisplayName, v) },
	"active":      func(d *harvia.DeviceRecord, v any) { setBool(&d.Active, v) },
	"light":       func(d *harvia.DeviceRecord, v any) { setBool(&d.LightsOn, v) },
	"fan":         func(d *harvia.DeviceRecord, v any) { setBool(&d.FanOn, v) },
	"steamEn":     func(d *harvia.DeviceRecord, v any) { setBool(&d.SteamEnabled, v) },
	"aromaEn":     func(d *harvia.DeviceRecord, v any) { setBool(&d.AromaEnabled, v) },
	"autoLight":   func(d *harvia.DeviceRecord, v any) { setBool(&d.AutoLight, v) },
	"autoFan":     func(d *harvia.DeviceRecord, v any) { setBool(&d.AutoFan, v) },
	"dehumEn":     func(d *harvia.DeviceRecord, v any) { setBool(&d.DehumidifierEnabled, v) },
	"targetTemp":  func(d *harvia.DeviceRecord, v any) { setInt(&d.TargetTemp, v) },
	"targetRh":    func(d *harvia.DeviceRecord, v any) { setInt(&d.TargetRH, v) },
	"aromaLevel":  func(d *harvia.DeviceRecord, v any) { setInt(&d.AromaLevel, v) },
	"tempUnit":    func(d *harvia.DeviceRecord, v any) { setInt(&d.TempUnit, v) },
	"heatUpTime":  func(d *harvia.DeviceRecord, v any) { setInt(&d.HeatUpTime, v) },
	"onTime":      func(d *harvia.DeviceRecord, v any) { setInt(&d.OnTime, v) },
	"statusCodes": applyStatusCodes,
	"tz":          func(*harvia.DeviceRecord, any) {}, // timezone info, not mirrored
}

// telemetrySetters covers the telemetry document. The stateful heatOn key
// is handled by the engine's energy integration, not here.
var telemetrySetters = map[string]func(*harvia.DeviceRecord, any){
	"temperature":       func(d *harvia.DeviceRecord, v any) { setInt(&d.CurrentTemp, v) },
	"humidity":          func(d *harvia.DeviceRecord, v any) { setInt(&d.Humidity, v) },
	"steamOn":           func(d *harvia.DeviceRecord, v any) { setBool(&d.SteamOn, v) },
	"remainingTime":     func(d *harvia.DeviceRecord, v any) { setInt(&d.RemainingTime, v) },
	"targetTemp":        func(d *harvia.DeviceRecord, v any) { setInt(&d.TargetTemp, v) },
	"wifiRSSI":          func(d *harvia.DeviceRecord, v any) { setInt(&d.WifiRSSI, v) },
	"timestamp":         func(d *harvia.DeviceRecord, v any) { setString(&d.Timestamp, v) },
	"ph1RelayCounter":   func(d *harvia.DeviceRecord, v any) { setInt(&d.Ph1RelayCounter, v) },
	"ph2RelayCounter":   func(d *harvia.DeviceRecord, v any) { setInt(&d.Ph2RelayCounter, v) },
	"ph3RelayCounter":   func(d *harvia.DeviceRecord, v any) { setInt(&d.Ph3RelayCounter, v) },
	"ph1RelayCounterLT": func(d *harvia.DeviceRecord, v any) { setInt(&d.Ph1RelayCounterLT, v) },
	"ph2RelayCounterLT": func(d *harvia.DeviceRecord, v any) { setInt(&d.Ph2RelayCounterLT, v) },
	"ph3RelayCounterLT": func(d *harvia.DeviceRecord, v any) { setInt(&d.Ph3RelayCounterLT, v) },
	"steamOnCounter":    func(d *harvia.DeviceRecord, v any) { setInt(&d.SteamOnCounter, v) },
	"steamOnCounterLT":  func(d *harvia.DeviceRecord, v any) { setInt(&d.SteamOnCounterLT, v) },
	"heatOnCounter":     func(d *harvia.DeviceRecord, v any) { setInt(&d.HeatOnCounter, v) },
	"heatOnCounterLT":   func(d *harvia.DeviceRecord, v any) { setInt(&d.HeatOnCounterLT, v) },
}

// applyStatusCodes stores the raw status string and derives the door flag
// from its second character: '9' means open. Too-short or non-numeric
// strings leave the existing flag untouched.
func applyStatusCodes(d *harvia.DeviceRecord, v any) {
	s, ok := asString(v)
	if !ok {
		return
	}
	d.StatusCodes = s
	if len(s) < 2 {
		return
	}
	c := s[1]
	if c < '0' || c > '9' {
		return
	}
	d.DoorOpen = c == '9'
}

func setBool(dst *bool, v any) {
	if b, ok := asBool(v); ok {
		*dst = b
	}
}

func setInt(dst *int, v any) {
	if n, ok := asInt(v); ok {
		*dst = n
	}
}

func setString(dst *string, v any) {
	if s, ok := asString(v); ok {
		*dst = s
	}
}

// The controller reports booleans as 0/1 and JSON decoding yields float64
// for every number, so the coercions below accept all of those.

func asBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case float64:
		return x != 0, true
	case int:
		return x != 0, true
	}
	return false, false
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case float64:
		return int(x), true
	case int:
		return x, true
	case int64:
		return int(x), true
	}
	return 0, false
}

func asString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case float64:
		if x == math.Trunc(x) {
			return strconv.FormatInt(int64(x), 10), true
		}
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int:
		return strconv.Itoa(x), true
	}
	return "", false
}
