package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	appErrors "vehicle-telemetry-core/pkg/errors"
)

type wireLocation struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	Alt float64 `json:"alt"`
	Acc float64 `json:"acc"`
}

type wireBattery struct {
	Pct     float64 `json:"pct"`
	Voltage float64 `json:"voltage"`
}

type wireNetwork struct {
	RSSI int    `json:"rssi"`
	RAT  string `json:"rat"`
}

type wireEvent struct {
	DeviceID string          `json:"deviceId"`
	Ts       string          `json:"ts"`
	EventTy  string          `json:"eventType"`
	Seq      uint64          `json:"seq"`
	Loc      wireLocation    `json:"loc"`
	SpeedKph float64         `json:"speedKph"`
	Heading  float64         `json:"heading"`
	Battery  wireBattery     `json:"battery"`
	Network  wireNetwork     `json:"network"`
	Extras   json.RawMessage `json:"extras,omitempty"`
}

// Codec serializes Events to the canonical JSON wire shape of SPEC_FULL.md
// §4.4 and back.
type Codec struct{}

// Encode serializes an Event to its canonical JSON representation.
func (Codec) Encode(e Event) ([]byte, error) {
	w := wireEvent{
		DeviceID: e.DeviceID,
		Ts:       e.Timestamp,
		EventTy:  e.Type.String(),
		Seq:      e.Sequence,
		Loc: wireLocation{
			Lat: e.Location.Lat,
			Lon: e.Location.Lon,
			Alt: e.Location.Alt,
			Acc: e.Location.Accuracy,
		},
		SpeedKph: e.SpeedKph,
		Heading:  e.Heading,
		Battery: wireBattery{
			Pct:     e.Battery.Percentage,
			Voltage: e.Battery.Voltage,
		},
		Network: wireNetwork{
			RSSI: e.Network.RSSI,
			RAT:  e.Network.RAT,
		},
	}

	if len(e.ExtraKeys) > 0 {
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range e.ExtraKeys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return nil, appErrors.JSONParse("failed to encode extras key", err)
			}
			buf.Write(keyJSON)
			buf.WriteByte(':')
			v := e.ExtraValues[k]
			if v == nil {
				buf.WriteString("null")
				continue
			}
			valJSON, err := json.Marshal(*v)
			if err != nil {
				return nil, appErrors.JSONParse("failed to encode extras value", err)
			}
			buf.Write(valJSON)
		}
		buf.WriteByte('}')
		w.Extras = buf.Bytes()
	}

	out, err := json.Marshal(w)
	if err != nil {
		return nil, appErrors.JSONParse("failed to encode event", err)
	}
	return out, nil
}

// Decode parses the canonical JSON representation back into an Event.
func (Codec) Decode(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, appErrors.JSONParse("failed to decode event", err)
	}

	t, err := ParseType(w.EventTy)
	if err != nil {
		return Event{}, appErrors.JSONParse(fmt.Sprintf("unknown event type %q", w.EventTy), err)
	}

	e := Event{
		DeviceID:  w.DeviceID,
		Timestamp: w.Ts,
		Type:      t,
		Sequence:  w.Seq,
		Location: Location{
			Lat:      w.Loc.Lat,
			Lon:      w.Loc.Lon,
			Alt:      w.Loc.Alt,
			Accuracy: w.Loc.Acc,
		},
		SpeedKph: w.SpeedKph,
		Heading:  w.Heading,
		Battery: Battery{
			Percentage: w.Battery.Pct,
			Voltage:    w.Battery.Voltage,
		},
		Network: Network{
			RSSI: w.Network.RSSI,
			RAT:  w.Network.RAT,
		},
	}

	if len(w.Extras) > 0 {
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(w.Extras, &raw); err != nil {
			return Event{}, appErrors.JSONParse("failed to decode extras", err)
		}
		e.ExtraValues = make(map[string]*string, len(raw))
		for k, v := range raw {
			e.ExtraKeys = append(e.ExtraKeys, k)
			if bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
				e.ExtraValues[k] = nil
				continue
			}
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return Event{}, appErrors.JSONParse("failed to decode extras value", err)
			}
			e.ExtraValues[k] = &s
		}
		sort.Strings(e.ExtraKeys)
	}

	return e, nil
}
