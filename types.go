package caldera

import "github.com/caldera-labs/go-caldera/internal/device"

// Device identifies one registered appliance on the account.
type Device = device.Device

// DeviceStatus is an immutable snapshot of one device's reported state.
// Temperatures are Celsius at this boundary; the upstream API's Fahrenheit
// convention is confined to the HTTP edge.
type DeviceStatus = device.Status

// PowerState reports whether the heating element is energized.
type PowerState = device.PowerState

// ThermalState describes what the device is doing with its element.
type ThermalState = device.ThermalState

// Power states.
const (
	PowerOn      = device.PowerOn
	PowerOff     = device.PowerOff
	PowerUnknown = device.PowerUnknown
)

// Thermal states.
const (
	ThermalStandby = device.ThermalStandby
	ThermalHeating = device.ThermalHeating
	ThermalHolding = device.ThermalHolding
	ThermalCooling = device.ThermalCooling
	ThermalOff     = device.ThermalOff
)

// StatusCallback delivers a fresh status snapshot to a polling subscriber.
type StatusCallback func(deviceID string, status DeviceStatus)

// ErrorCallback delivers a polling failure to a subscriber. The subscriber
// should fall back to the last known state if it is still tolerably stale,
// else surface an unknown state.
type ErrorCallback func(deviceID string, err error)
