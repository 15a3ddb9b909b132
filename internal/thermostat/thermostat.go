// Package thermostat defines the host's thermostat device model: HVAC and fan
// modes, the thermostat and universal actions a device receives, and the
// state keys a thermostat device reports.
package thermostat

import (
	"fmt"
	"strings"
)

// HvacMode is the host's thermostat operating mode.
type HvacMode int

const (
	HvacOff HvacMode = iota
	HvacHeat
	HvacCool
	HvacHeatCool
	HvacProgramHeat
	HvacProgramCool
	HvacProgramHeatCool
)

var hvacModeNames = []string{"Off", "Heat", "Cool", "HeatCool", "ProgramHeat", "ProgramCool", "ProgramHeatCool"}

func (m HvacMode) String() string {
	if m >= 0 && int(m) < len(hvacModeNames) {
		return hvacModeNames[m]
	}
	return fmt.Sprintf("HvacMode(%d)", int(m))
}

// ParseHvacMode accepts a mode name (case-insensitive) or its number.
func ParseHvacMode(s string) (HvacMode, error) {
	s = strings.TrimSpace(s)
	for i, name := range hvacModeNames {
		if strings.EqualFold(name, s) || s == fmt.Sprint(i) {
			return HvacMode(i), nil
		}
	}
	return 0, fmt.Errorf("unknown hvac mode %q", s)
}

// FanMode is the host's thermostat fan setting.
type FanMode int

const (
	FanAuto FanMode = iota
	FanAlwaysOn
)

func (f FanMode) String() string {
	switch f {
	case FanAuto:
		return "Auto"
	case FanAlwaysOn:
		return "AlwaysOn"
	}
	return fmt.Sprintf("FanMode(%d)", int(f))
}

// ParseFanMode accepts "Auto", "AlwaysOn" or their numbers.
func ParseFanMode(s string) (FanMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto", "0":
		return FanAuto, nil
	case "alwayson", "always_on", "on", "1":
		return FanAlwaysOn, nil
	}
	return 0, fmt.Errorf("unknown fan mode %q", s)
}

// ActionKind identifies a thermostat action.
type ActionKind string

const (
	SetHvacMode           ActionKind = "SetHvacMode"
	SetFanMode            ActionKind = "SetFanMode"
	SetCoolSetpoint       ActionKind = "SetCoolSetpoint"
	SetHeatSetpoint       ActionKind = "SetHeatSetpoint"
	DecreaseCoolSetpoint  ActionKind = "DecreaseCoolSetpoint"
	IncreaseCoolSetpoint  ActionKind = "IncreaseCoolSetpoint"
	DecreaseHeatSetpoint  ActionKind = "DecreaseHeatSetpoint"
	IncreaseHeatSetpoint  ActionKind = "IncreaseHeatSetpoint"
	RequestStatusAll      ActionKind = "RequestStatusAll"
	RequestMode           ActionKind = "RequestMode"
	RequestEquipmentState ActionKind = "RequestEquipmentState"
	RequestTemperatures   ActionKind = "RequestTemperatures"
	RequestHumidities     ActionKind = "RequestHumidities"
	RequestDeadbands      ActionKind = "RequestDeadbands"
	RequestSetpoints      ActionKind = "RequestSetpoints"
)

var actionKinds = map[ActionKind]bool{
	SetHvacMode: true, SetFanMode: true, SetCoolSetpoint: true, SetHeatSetpoint: true,
	DecreaseCoolSetpoint: true, IncreaseCoolSetpoint: true, DecreaseHeatSetpoint: true, IncreaseHeatSetpoint: true,
	RequestStatusAll: true, RequestMode: true, RequestEquipmentState: true, RequestTemperatures: true,
	RequestHumidities: true, RequestDeadbands: true, RequestSetpoints: true,
}

// Valid reports whether k is a known thermostat action.
func (k ActionKind) Valid() bool { return actionKinds[k] }

// IsRequest reports whether k only asks the device to report its state.
func (k ActionKind) IsRequest() bool {
	return k.Valid() && strings.HasPrefix(string(k), "Request")
}

// Action is a thermostat action addressed to one device.
//
// Mode is used by SetHvacMode, FanMode by SetFanMode, and Value by the
// setpoint actions (an absolute setpoint or a delta for Increase/Decrease).
type Action struct {
	Kind    ActionKind
	Mode    HvacMode
	FanMode FanMode
	Value   float64
}

// UniversalKind identifies a device-independent action.
type UniversalKind string

const (
	Beep          UniversalKind = "Beep"
	EnergyUpdate  UniversalKind = "EnergyUpdate"
	EnergyReset   UniversalKind = "EnergyReset"
	RequestStatus UniversalKind = "RequestStatus"
)

// Valid reports whether k is a known universal action.
func (k UniversalKind) Valid() bool {
	switch k {
	case Beep, EnergyUpdate, EnergyReset, RequestStatus:
		return true
	}
	return false
}

// State keys reported by thermostat devices.
const (
	StateHvacOperationMode    = "hvacOperationMode"
	StateHvacFanMode          = "hvacFanMode"
	StateHvacCoolerIsOn       = "hvacCoolerIsOn"
	StateHvacHeaterIsOn       = "hvacHeaterIsOn"
	StateHvacDehumidifierIsOn = "hvacDehumidifierIsOn"
	StateHvacFanIsOn          = "hvacFanIsOn"
	StateSetpointCool         = "setpointCool"
	StateSetpointHeat         = "setpointHeat"
	StateTemperatureInput1    = "temperatureInput1"
	StateFanSpeed             = "fanSpeed"
	StateVerticalVaneMode     = "verticalVaneMode"
)

// StateUpdate is one state change. UIValue, when set, is the display form.
type StateUpdate struct {
	Key     string `json:"key"`
	Value   any    `json:"value"`
	UIValue string `json:"uiValue,omitempty"`
}

// Option is a value/label pair for a UI list.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Number converts a state value to float64. It accepts the numeric types a
// state may hold after a JSON round trip.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
