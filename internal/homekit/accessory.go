package homekit

import (
	"hash/fnv"
	"math"

	"github.com/brutella/hc/accessory"
	"github.com/brutella/hc/characteristic"

	"github.com/nerrad567/gray-logic-esphome/internal/bridges/esphome"
	"github.com/nerrad567/gray-logic-esphome/internal/host"
	"github.com/nerrad567/gray-logic-esphome/internal/thermostat"
)

// Celsius limits shown in the Home app. They cover the Mitsubishi
// remote's 16-31°C setpoint range.
const (
	minTemperature  = 10.0
	maxTemperature  = 35.0
	temperatureStep = 0.5
)

// climate is the HomeKit thermostat for one host device.
type climate struct {
	deviceID string
	acc      *accessory.Thermostat

	coolingThreshold *characteristic.CoolingThresholdTemperature
	heatingThreshold *characteristic.HeatingThresholdTemperature
	fault            *characteristic.StatusFault

	// send queues a command for the device.
	send func(cmd host.Command)
	// fahrenheit reports the host temperature unit.
	fahrenheit func() bool
}

// accessoryID derives a stable HomeKit accessory ID from the device ID so
// pairings survive restarts. ID 1 belongs to the bridge.
func accessoryID(deviceID string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(deviceID)) //nolint:errcheck // hash writes never fail
	id := h.Sum64()
	if id <= 1 {
		id += 2
	}
	return id
}

func newClimate(deviceID, name string, send func(host.Command), fahrenheit func() bool) *climate {
	info := accessory.Info{
		Name:         name,
		SerialNumber: deviceID,
		Manufacturer: "Mitsubishi",
		Model:        "ESPHome Heat Pump",
	}
	acc := accessory.NewThermostat(info, 20, minTemperature, maxTemperature, temperatureStep)
	acc.Accessory.ID = accessoryID(deviceID)

	c := &climate{
		deviceID:   deviceID,
		acc:        acc,
		send:       send,
		fahrenheit: fahrenheit,
	}

	svc := acc.Thermostat
	svc.TargetHeatingCoolingState.OnValueRemoteUpdate(c.onTargetState)
	svc.TargetTemperature.OnValueRemoteUpdate(c.onTargetTemperature)

	c.coolingThreshold = characteristic.NewCoolingThresholdTemperature()
	c.coolingThreshold.SetMinValue(minTemperature)
	c.coolingThreshold.SetMaxValue(maxTemperature)
	c.coolingThreshold.SetStepValue(temperatureStep)
	c.coolingThreshold.OnValueRemoteUpdate(c.onCoolingThreshold)
	svc.AddCharacteristic(c.coolingThreshold.Characteristic)

	c.heatingThreshold = characteristic.NewHeatingThresholdTemperature()
	c.heatingThreshold.SetMinValue(minTemperature)
	c.heatingThreshold.SetMaxValue(maxTemperature)
	c.heatingThreshold.SetStepValue(temperatureStep)
	c.heatingThreshold.OnValueRemoteUpdate(c.onHeatingThreshold)
	svc.AddCharacteristic(c.heatingThreshold.Characteristic)

	c.fault = characteristic.NewStatusFault()
	svc.AddCharacteristic(c.fault.Characteristic)

	return c
}

// apply mirrors host states onto the accessory.
func (c *climate) apply(states map[string]any, errorState string) {
	svc := c.acc.Thermostat

	if c.isFahrenheit() {
		svc.TemperatureDisplayUnits.SetValue(characteristic.TemperatureDisplayUnitsFahrenheit)
	} else {
		svc.TemperatureDisplayUnits.SetValue(characteristic.TemperatureDisplayUnitsCelsius)
	}

	mode, hasMode := hvacMode(states[thermostat.StateHvacOperationMode])
	if hasMode {
		svc.TargetHeatingCoolingState.SetValue(targetState(mode))
	}

	current := characteristic.CurrentHeatingCoolingStateOff
	switch {
	case isTrue(states[thermostat.StateHvacHeaterIsOn]):
		current = characteristic.CurrentHeatingCoolingStateHeat
	case isTrue(states[thermostat.StateHvacCoolerIsOn]):
		current = characteristic.CurrentHeatingCoolingStateCool
	}
	svc.CurrentHeatingCoolingState.SetValue(current)

	if t, ok := c.celsius(states[thermostat.StateTemperatureInput1]); ok {
		svc.CurrentTemperature.SetValue(t)
	}

	cool, hasCool := c.celsius(states[thermostat.StateSetpointCool])
	heat, hasHeat := c.celsius(states[thermostat.StateSetpointHeat])
	if hasCool {
		c.coolingThreshold.SetValue(clamp(cool))
	}
	if hasHeat {
		c.heatingThreshold.SetValue(clamp(heat))
	}
	switch {
	case hasMode && (mode == thermostat.HvacHeat || mode == thermostat.HvacProgramHeat) && hasHeat:
		svc.TargetTemperature.SetValue(clamp(heat))
	case hasCool:
		svc.TargetTemperature.SetValue(clamp(cool))
	}

	if errorState != "" {
		c.fault.SetValue(characteristic.StatusFaultGeneralFault)
	} else {
		c.fault.SetValue(characteristic.StatusFaultNoFault)
	}
}

func (c *climate) onTargetState(state int) {
	var mode thermostat.HvacMode
	switch state {
	case characteristic.TargetHeatingCoolingStateOff:
		mode = thermostat.HvacOff
	case characteristic.TargetHeatingCoolingStateHeat:
		mode = thermostat.HvacHeat
	case characteristic.TargetHeatingCoolingStateCool:
		mode = thermostat.HvacCool
	case characteristic.TargetHeatingCoolingStateAuto:
		mode = thermostat.HvacHeatCool
	default:
		return
	}
	c.send(host.Command{Action: string(thermostat.SetHvacMode), Mode: mode.String()})
}

// onTargetTemperature sets the heat setpoint in heat mode and the cool
// setpoint otherwise.
func (c *climate) onTargetTemperature(degC float64) {
	action := thermostat.SetCoolSetpoint
	if c.acc.Thermostat.TargetHeatingCoolingState.GetValue() == characteristic.TargetHeatingCoolingStateHeat {
		action = thermostat.SetHeatSetpoint
	}
	c.sendSetpoint(action, degC)
}

func (c *climate) onCoolingThreshold(degC float64) {
	c.sendSetpoint(thermostat.SetCoolSetpoint, degC)
}

func (c *climate) onHeatingThreshold(degC float64) {
	c.sendSetpoint(thermostat.SetHeatSetpoint, degC)
}

func (c *climate) sendSetpoint(action thermostat.ActionKind, degC float64) {
	value := c.hostTemperature(degC)
	c.send(host.Command{Action: string(action), Value: &value})
}

func (c *climate) isFahrenheit() bool {
	return c.fahrenheit != nil && c.fahrenheit()
}

// celsius reads a host temperature state as Celsius.
func (c *climate) celsius(v any) (float64, bool) {
	deg, ok := thermostat.Number(v)
	if !ok || math.IsNaN(deg) {
		return 0, false
	}
	return esphome.TemperatureConverter{Fahrenheit: c.isFahrenheit()}.ToNode(deg), true
}

// hostTemperature converts a HomeKit Celsius value to the host unit.
// Fahrenheit setpoints are whole degrees.
func (c *climate) hostTemperature(degC float64) float64 {
	if !c.isFahrenheit() {
		return degC
	}
	return math.Round(esphome.TemperatureConverter{Fahrenheit: true}.CtoF(degC))
}

func targetState(mode thermostat.HvacMode) int {
	switch mode {
	case thermostat.HvacHeat, thermostat.HvacProgramHeat:
		return characteristic.TargetHeatingCoolingStateHeat
	case thermostat.HvacCool, thermostat.HvacProgramCool:
		return characteristic.TargetHeatingCoolingStateCool
	case thermostat.HvacHeatCool, thermostat.HvacProgramHeatCool:
		return characteristic.TargetHeatingCoolingStateAuto
	}
	return characteristic.TargetHeatingCoolingStateOff
}

func hvacMode(v any) (thermostat.HvacMode, bool) {
	if n, ok := thermostat.Number(v); ok {
		return thermostat.HvacMode(int(n)), true
	}
	if s, ok := v.(string); ok {
		m, err := thermostat.ParseHvacMode(s)
		return m, err == nil
	}
	return 0, false
}

func isTrue(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func clamp(deg float64) float64 {
	return math.Max(minTemperature, math.Min(maxTemperature, deg))
}
