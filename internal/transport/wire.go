package transport

import (
	"encoding/json"
	"math"
	"net/http"

	"github.com/cockroachdb/errors"

	"github.com/caldera-labs/go-caldera/internal/device"
)

// Paths of the device API.
const (
	DevicesPath = "/v1/devices"
)

// DevicePath returns the path for one device's resource.
func DevicePath(deviceID string) string {
	return DevicesPath + "/" + deviceID
}

// wireDevice is one entry of the GET /v1/devices listing.
type wireDevice struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Model           string `json:"model"`
	FirmwareVersion string `json:"firmware_version"`
}

type wireDeviceList struct {
	Devices []wireDevice `json:"devices"`
}

// wireStatus is the device state as the cloud reports it. Temperatures are
// Fahrenheit integers.
type wireStatus struct {
	CurrentTempF    int      `json:"current_temp_f"`
	TargetTempF     int      `json:"target_temp_f"`
	State           string   `json:"state"`
	Power           string   `json:"power"`
	FirmwareVersion string   `json:"firmware_version,omitempty"`
	WaterLevel      *float64 `json:"water_level,omitempty"`
	WaterLow        *bool    `json:"water_low,omitempty"`
}

// controlBody is the PATCH /v1/devices/{id} request body. Only the fields
// being changed are sent.
type controlBody struct {
	Power       *string `json:"power,omitempty"`
	TargetTempF *int    `json:"target_temp_f,omitempty"`
}

// DecodeDevices parses a device listing response body.
func DecodeDevices(body []byte) ([]device.Device, error) {
	var list wireDeviceList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, errors.Wrap(err, "malformed device list response")
	}

	devices := make([]device.Device, 0, len(list.Devices))
	for _, w := range list.Devices {
		if w.ID == "" {
			return nil, errors.New("malformed device list response: entry without id")
		}
		devices = append(devices, device.Device{
			ID:              w.ID,
			Name:            w.Name,
			Model:           w.Model,
			FirmwareVersion: w.FirmwareVersion,
		})
	}
	return devices, nil
}

// DecodeStatus parses a device status response body into a Celsius
// snapshot. A body of unexpected shape is an error; the caller treats it as
// a failed read.
func DecodeStatus(body []byte) (*device.Status, error) {
	var w wireStatus
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, errors.Wrap(err, "malformed device status response")
	}
	if w.State == "" {
		return nil, errors.New("malformed device status response: missing state")
	}

	status := device.Status{
		CurrentTemperature: FahrenheitToCelsius(w.CurrentTempF),
		TargetTemperature:  FahrenheitToCelsius(w.TargetTempF),
		ThermalState:       device.ThermalState(w.State),
		PowerState:         powerFromWire(w.Power),
		FirmwareVersion:    w.FirmwareVersion,
		WaterLevel:         w.WaterLevel,
		IsWaterLow:         w.WaterLow,
	}
	return &status, nil
}

// PowerBody builds the control body for a power command, optionally with a
// target temperature in Celsius.
func PowerBody(on bool, targetC *float64) any {
	power := "OFF"
	if on {
		power = "ON"
	}
	body := controlBody{Power: &power}
	if targetC != nil {
		f := CelsiusToFahrenheit(*targetC)
		body.TargetTempF = &f
	}
	return body
}

// TemperatureBody builds the control body for a set-temperature command.
func TemperatureBody(targetC float64) any {
	f := CelsiusToFahrenheit(targetC)
	return controlBody{TargetTempF: &f}
}

// HTTP methods used by the device operations.
const (
	MethodList  = http.MethodGet
	MethodRead  = http.MethodGet
	MethodWrite = http.MethodPatch
)

// CelsiusToFahrenheit converts to the wire's integer Fahrenheit convention,
// rounding to nearest.
func CelsiusToFahrenheit(c float64) int {
	return int(math.Round(c*9/5 + 32))
}

// FahrenheitToCelsius converts a wire temperature back to Celsius.
func FahrenheitToCelsius(f int) float64 {
	return float64(f-32) * 5 / 9
}

func powerFromWire(power string) device.PowerState {
	switch power {
	case "ON":
		return device.PowerOn
	case "OFF":
		return device.PowerOff
	default:
		return device.PowerUnknown
	}
}
