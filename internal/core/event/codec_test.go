package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTripsCoreFields(t *testing.T) {
	e := Event{
		DeviceID:  "device-1",
		Timestamp: "2026-08-03T12:00:00.000Z",
		Type:      GeofenceEnter,
		Sequence:  42,
		Location:  Location{Lat: 37.1, Lon: -122.2, Alt: 10, Accuracy: 5},
		SpeedKph:  55.5,
		Heading:   180,
		Battery:   Battery{Percentage: 73.42, Voltage: 3.91},
		Network:   Network{RSSI: -65, RAT: "LTE"},
	}
	e = e.WithExtra("geofence_id", ExtraString("depot"))

	payload, err := Codec{}.Encode(e)
	require.NoError(t, err)

	decoded, err := Codec{}.Decode(payload)
	require.NoError(t, err)

	assert.Equal(t, e.DeviceID, decoded.DeviceID)
	assert.Equal(t, e.Timestamp, decoded.Timestamp)
	assert.Equal(t, e.Type, decoded.Type)
	assert.Equal(t, e.Sequence, decoded.Sequence)
	assert.Equal(t, e.Location, decoded.Location)
	assert.Equal(t, e.SpeedKph, decoded.SpeedKph)
	assert.Equal(t, e.Heading, decoded.Heading)
	assert.Equal(t, e.Battery, decoded.Battery)
	assert.Equal(t, e.Network, decoded.Network)
	require.Contains(t, decoded.ExtraKeys, "geofence_id")
	require.NotNil(t, decoded.ExtraValues["geofence_id"])
	assert.Equal(t, "depot", *decoded.ExtraValues["geofence_id"])
}

func TestCodecEncodesNullExtraValue(t *testing.T) {
	e := Event{Type: SpeedOverLimit}
	e = e.WithExtra("measured", nil)

	payload, err := Codec{}.Encode(e)
	require.NoError(t, err)

	decoded, err := Codec{}.Decode(payload)
	require.NoError(t, err)
	require.Contains(t, decoded.ExtraKeys, "measured")
	assert.Nil(t, decoded.ExtraValues["measured"])
}

func TestDecodeRejectsUnknownEventType(t *testing.T) {
	_, err := Codec{}.Decode([]byte(`{"deviceId":"d","eventType":"not-a-real-type"}`))
	assert.Error(t, err)
}

func TestParseTypeRoundTripsAllTypes(t *testing.T) {
	for _, typ := range []Type{
		Heartbeat, IgnitionOn, IgnitionOff, MotionStart, MotionStop,
		GeofenceEnter, GeofenceExit, SpeedOverLimit, LowBattery,
	} {
		parsed, err := ParseType(typ.String())
		require.NoError(t, err)
		assert.Equal(t, typ, parsed)
	}
}

func TestWithExtraDoesNotMutateReceiver(t *testing.T) {
	base := Event{Type: Heartbeat}
	withExtra := base.WithExtra("k", ExtraString("v"))

	assert.Equal(t, 0, base.ExtrasLen())
	assert.Equal(t, 1, withExtra.ExtrasLen())
}
