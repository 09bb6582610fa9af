// Package device defines the model types shared between the scheduler,
// cache, and public client surface.
package device

// PowerState reports whether the heating element is energized.
type PowerState string

const (
	PowerOn      PowerState = "ON"
	PowerOff     PowerState = "OFF"
	PowerUnknown PowerState = "UNKNOWN"
)

// ThermalState describes what the device is doing with its element.
type ThermalState string

const (
	ThermalStandby ThermalState = "STANDBY"
	ThermalHeating ThermalState = "HEATING"
	ThermalHolding ThermalState = "HOLDING"
	ThermalCooling ThermalState = "COOLING"
	ThermalOff     ThermalState = "OFF"
)

// Active reports whether the thermal state implies the element is doing work.
func (s ThermalState) Active() bool {
	return s == ThermalHeating || s == ThermalHolding || s == ThermalCooling
}

// Idle reports whether the thermal state implies the element is powered down.
func (s ThermalState) Idle() bool {
	return s == ThermalStandby || s == ThermalOff
}

// Device identifies one registered appliance on the account.
type Device struct {
	ID              string
	Name            string
	Model           string
	FirmwareVersion string
}

// Status is an immutable snapshot of one device's reported state.
// Temperatures are Celsius. A new Status is always built whole, never
// patched in place, so concurrent cache readers can hold a copy safely.
type Status struct {
	CurrentTemperature float64
	TargetTemperature  float64
	ThermalState       ThermalState
	PowerState         PowerState
	FirmwareVersion    string
	WaterLevel         *float64
	IsWaterLow         *bool
}

// StatusPatch carries the fields of a control command. Nil fields were not
// part of the command. The cache merges a patch over the previous snapshot
// when applying a trusted write.
type StatusPatch struct {
	TargetTemperature *float64
	ThermalState      *ThermalState
	PowerState        *PowerState
}
