package transport

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caldera-labs/go-caldera/internal/device"
)

func TestTemperatureConversion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		celsius    float64
		fahrenheit int
	}{
		{0, 32},
		{100, 212},
		{93.5, 200},
		{21.0, 70},
		{-10, 14},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.fahrenheit, CelsiusToFahrenheit(tt.celsius), "%vC", tt.celsius)
	}

	// Round-trip through the wire's integer convention stays within the
	// grid's resolution.
	for f := 32; f <= 212; f++ {
		assert.Equal(t, f, CelsiusToFahrenheit(FahrenheitToCelsius(f)))
	}
}

func TestDecodeStatus(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"current_temp_f": 140,
		"target_temp_f": 205,
		"state": "HEATING",
		"power": "ON",
		"firmware_version": "2.4.1",
		"water_level": 0.72,
		"water_low": false
	}`)

	status, err := DecodeStatus(body)
	require.NoError(t, err)

	assert.InDelta(t, 60.0, status.CurrentTemperature, 0.01)
	assert.InDelta(t, 96.11, status.TargetTemperature, 0.01)
	assert.Equal(t, device.ThermalHeating, status.ThermalState)
	assert.Equal(t, device.PowerOn, status.PowerState)
	assert.Equal(t, "2.4.1", status.FirmwareVersion)
	require.NotNil(t, status.WaterLevel)
	assert.Equal(t, 0.72, *status.WaterLevel)
	require.NotNil(t, status.IsWaterLow)
	assert.False(t, *status.IsWaterLow)
}

func TestDecodeStatusMalformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `<html>installed a captive portal</html>`},
		{name: "wrong shape", body: `{"status": "ok"}`},
		{name: "empty object", body: `{}`},
		{name: "empty body", body: ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeStatus([]byte(tt.body))
			assert.Error(t, err)
		})
	}
}

func TestDecodeStatusUnknownPower(t *testing.T) {
	t.Parallel()

	status, err := DecodeStatus([]byte(`{"current_temp_f":70,"target_temp_f":70,"state":"STANDBY","power":"REBOOTING"}`))
	require.NoError(t, err)
	assert.Equal(t, device.PowerUnknown, status.PowerState)
}

func TestDecodeDevices(t *testing.T) {
	t.Parallel()

	body := []byte(`{"devices":[
		{"id":"KTL-1","name":"Kitchen","model":"CV-1","firmware_version":"2.4.1"},
		{"id":"KTL-2","name":"Office","model":"CV-2","firmware_version":"2.3.0"}
	]}`)

	devices, err := DecodeDevices(body)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "KTL-1", devices[0].ID)
	assert.Equal(t, "Office", devices[1].Name)
}

func TestDecodeDevicesMalformed(t *testing.T) {
	t.Parallel()

	_, err := DecodeDevices([]byte(`{"devices":[{"name":"missing id"}]}`))
	assert.Error(t, err)

	_, err = DecodeDevices([]byte(`[]`))
	assert.Error(t, err)
}

func TestPowerBody(t *testing.T) {
	t.Parallel()

	target := 93.5
	encoded, err := json.Marshal(PowerBody(true, &target))
	require.NoError(t, err)
	assert.JSONEq(t, `{"power":"ON","target_temp_f":200}`, string(encoded))

	encoded, err = json.Marshal(PowerBody(false, nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"power":"OFF"}`, string(encoded))
}

func TestTemperatureBody(t *testing.T) {
	t.Parallel()

	encoded, err := json.Marshal(TemperatureBody(21.0))
	require.NoError(t, err)
	assert.JSONEq(t, `{"target_temp_f":70}`, string(encoded))
}

func TestDevicePath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/v1/devices/KTL-1", DevicePath("KTL-1"))
}
