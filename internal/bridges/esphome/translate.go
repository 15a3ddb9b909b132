package esphome

import (
	"strings"
	"unicode/utf8"

	esp "github.com/nerrad567/gray-logic-esphome/internal/esphome"
	"github.com/nerrad567/gray-logic-esphome/internal/thermostat"
)

// climateToHvac maps node modes to host modes. FAN_ONLY shows as Off on the
// host, with hvacFanMode AlwaysOn. DRY and AUTO have no host equivalent and
// leave hvacOperationMode untouched.
var climateToHvac = map[esp.ClimateMode]thermostat.HvacMode{
	esp.ClimateModeOff:      thermostat.HvacOff,
	esp.ClimateModeHeatCool: thermostat.HvacHeatCool,
	esp.ClimateModeCool:     thermostat.HvacCool,
	esp.ClimateModeHeat:     thermostat.HvacHeat,
	esp.ClimateModeFanOnly:  thermostat.HvacOff,
}

var hvacToClimate = map[thermostat.HvacMode]esp.ClimateMode{
	thermostat.HvacOff:      esp.ClimateModeOff,
	thermostat.HvacHeatCool: esp.ClimateModeHeatCool,
	thermostat.HvacCool:     esp.ClimateModeCool,
	thermostat.HvacHeat:     esp.ClimateModeHeat,
}

// fanSpeed is one row of the fan speed table.
type fanSpeed struct {
	mode esp.ClimateFanMode
	name string
}

// fanSpeeds lists node fan modes roughly from slowest to fastest. Not every
// model supports every speed, and focus/diffuse/quiet have no clear place.
var fanSpeeds = []fanSpeed{
	{esp.ClimateFanOff, "off"},
	{esp.ClimateFanAuto, "auto"},
	{esp.ClimateFanFocus, "focus"},
	{esp.ClimateFanDiffuse, "diffuse"},
	{esp.ClimateFanQuiet, "quiet"},
	{esp.ClimateFanLow, "low"},
	{esp.ClimateFanMedium, "medium"},
	{esp.ClimateFanMiddle, "middle"},
	{esp.ClimateFanHigh, "high"},
	{esp.ClimateFanOn, "on"},
}

// fanSpeedName returns the host name of a node fan mode.
func fanSpeedName(m esp.ClimateFanMode) (string, bool) {
	for _, fs := range fanSpeeds {
		if fs.mode == m {
			return fs.name, true
		}
	}
	return "", false
}

// parseFanSpeed returns the node fan mode for a host fan speed name.
func parseFanSpeed(name string) (esp.ClimateFanMode, bool) {
	for _, fs := range fanSpeeds {
		if fs.name == name {
			return fs.mode, true
		}
	}
	return 0, false
}

// label capitalises an option for display: "down_center" -> "Down_center".
func label(s string) string {
	first, size := utf8.DecodeRuneInString(s)
	if size == 0 {
		return s
	}
	return strings.ToUpper(string(first)) + strings.ToLower(s[size:])
}

// hvacFanMode is AlwaysOn only while the node runs fan-only. When heating or
// cooling the fan always runs anyway, so there is nothing else to report.
func hvacFanMode(m esp.ClimateMode) thermostat.FanMode {
	if m == esp.ClimateModeFanOnly {
		return thermostat.FanAlwaysOn
	}
	return thermostat.FanAuto
}

// fanIsOn reports whether the node's fan is moving air for action a.
func fanIsOn(a esp.ClimateAction) bool {
	return a != esp.ClimateActionOff && a != esp.ClimateActionIdle
}

func modeUpdate(m thermostat.HvacMode) thermostat.StateUpdate {
	return thermostat.StateUpdate{Key: thermostat.StateHvacOperationMode, Value: int(m), UIValue: m.String()}
}

func fanModeUpdate(f thermostat.FanMode) thermostat.StateUpdate {
	return thermostat.StateUpdate{Key: thermostat.StateHvacFanMode, Value: int(f), UIValue: f.String()}
}

// hostHvacMode reads a host hvacOperationMode state value.
func hostHvacMode(v any) (thermostat.HvacMode, bool) {
	if n, ok := thermostat.Number(v); ok {
		return thermostat.HvacMode(int(n)), true
	}
	if s, ok := v.(string); ok {
		m, err := thermostat.ParseHvacMode(s)
		return m, err == nil
	}
	return 0, false
}
