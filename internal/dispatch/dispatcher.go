package dispatch

import (
	"encoding/json"

	"harvia_mirror/internal/logger"
)

// Applier is the reconciliation surface the dispatcher feeds. Both calls
// report whether the device was known; unknown devices are dropped here
// without creating records.
type Applier interface {
	ApplyStateDelta(deviceID string, fields map[string]any) bool
	ApplyTelemetryDelta(deviceID string, fields map[string]any) bool
}

// Dispatcher classifies decoded "data" frame payloads by their nested
// subscription-result shape and routes them to the reconciliation engine.
// It knows nothing about transport; malformed payloads are logged and
// dropped, never raised back into the session.
type Dispatcher struct {
	applier Applier
	log     *logger.Logger
}

// New builds a dispatcher routing into the given applier.
func New(applier Applier, log *logger.Logger) *Dispatcher {
	return &Dispatcher{applier: applier, log: log}
}

// dataEnvelope is the payload of a "data" frame.
type dataEnvelope struct {
	Data struct {
		OnStateUpdated *struct {
			Reported string `json:"reported"`
		} `json:"onStateUpdated"`
		OnDataUpdates *struct {
			Item struct {
				DeviceID  string `json:"deviceId"`
				Timestamp string `json:"timestamp"`
				Data      string `json:"data"`
			} `json:"item"`
		} `json:"onDataUpdates"`
	} `json:"data"`
}

// HandleData implements session.MessageSink.
func (d *Dispatcher) HandleData(channel string, payload json.RawMessage) {
	var env dataEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		d.log.Warnw("unparseable data payload", "channel", channel, "err", err)
		return
	}

	switch {
	case env.Data.OnStateUpdated != nil:
		d.handleStateUpdate(env.Data.OnStateUpdated.Reported)
	case env.Data.OnDataUpdates != nil:
		item := env.Data.OnDataUpdates.Item
		d.handleTelemetryUpdate(item.DeviceID, item.Timestamp, item.Data)
	default:
		d.log.Debugw("unrecognized data payload shape", "channel", channel)
	}
}

// handleStateUpdate decodes the reported control-state document (an AWSJSON
// string) and applies it as a state delta.
func (d *Dispatcher) handleStateUpdate(reported string) {
	if reported == "" {
		return
	}
	fields := map[string]any{}
	if err := json.Unmarshal([]byte(reported), &fields); err != nil {
		d.log.Warnw("malformed reported state", "err", err)
		return
	}
	deviceID, _ := fields["deviceId"].(string)
	if deviceID == "" {
		d.log.Debugw("state delta without device id dropped")
		return
	}
	d.applier.ApplyStateDelta(deviceID, fields)
}

// handleTelemetryUpdate decodes the nested telemetry document, attaches the
// envelope timestamp, and applies it as a telemetry delta.
func (d *Dispatcher) handleTelemetryUpdate(deviceID, timestamp, data string) {
	if deviceID == "" {
		d.log.Debugw("telemetry delta without device id dropped")
		return
	}
	fields := map[string]any{}
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		d.log.Warnw("malformed telemetry payload", "device", deviceID, "err", err)
		return
	}
	fields["timestamp"] = timestamp
	d.applier.ApplyTelemetryDelta(deviceID, fields)
}
