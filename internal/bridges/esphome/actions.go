package esphome

import (
	"context"
	"fmt"

	esp "github.com/nerrad567/gray-logic-esphome/internal/esphome"
	"github.com/nerrad567/gray-logic-esphome/internal/thermostat"
)

// Custom actions and the props they read.
const (
	ActionSetFanSpeed         = "setFanSpeed"
	ActionSetVerticalVaneMode = "setVerticalVaneMode"

	PropNewFanSpeed         = "newFanSpeed"
	PropNewVerticalVaneMode = "newVerticalVaneMode"
)

// ActionControlThermostat handles a thermostat action for a device.
func (p *Plugin) ActionControlThermostat(ctx context.Context, deviceID string, action thermostat.Action) error {
	switch action.Kind {
	case thermostat.SetHvacMode:
		mode, ok := hvacToClimate[action.Mode]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnsupportedMode, action.Mode)
		}
		return p.command(ctx, deviceID, request{mode: &mode})

	case thermostat.SetFanMode:
		// The node has a fan-only mode rather than an always-on fan, so the
		// host fan mode only means something while the host mode is Off.
		current, ok := hostHvacMode(p.host.States(deviceID)[thermostat.StateHvacOperationMode])
		if !ok || current != thermostat.HvacOff {
			p.logDebug("fan mode ignored while not off", "device", deviceID, "fan_mode", action.FanMode.String())
			return nil
		}
		mode := esp.ClimateModeOff
		if action.FanMode == thermostat.FanAlwaysOn {
			mode = esp.ClimateModeFanOnly
		}
		return p.command(ctx, deviceID, request{mode: &mode})

	case thermostat.SetCoolSetpoint, thermostat.SetHeatSetpoint:
		target := action.Value
		return p.command(ctx, deviceID, request{target: &target})

	case thermostat.DecreaseCoolSetpoint, thermostat.IncreaseCoolSetpoint:
		return p.adjustSetpoint(ctx, deviceID, thermostat.StateSetpointCool, action)

	case thermostat.DecreaseHeatSetpoint, thermostat.IncreaseHeatSetpoint:
		return p.adjustSetpoint(ctx, deviceID, thermostat.StateSetpointHeat, action)
	}

	if action.Kind.IsRequest() {
		// A command with nothing changed makes the node push its state.
		p.logDebug("status request action", "device", deviceID, "action", string(action.Kind))
		return p.command(ctx, deviceID, request{})
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedAction, action.Kind)
}

func (p *Plugin) adjustSetpoint(ctx context.Context, deviceID, key string, action thermostat.Action) error {
	current, ok := thermostat.Number(p.host.States(deviceID)[key])
	if !ok {
		return fmt.Errorf("%w: no current %s", ErrNotReady, key)
	}
	target := current + action.Value
	if action.Kind == thermostat.DecreaseCoolSetpoint || action.Kind == thermostat.DecreaseHeatSetpoint {
		target = current - action.Value
	}
	return p.command(ctx, deviceID, request{target: &target})
}

// ActionControlUniversal handles a device-independent action. Only
// RequestStatus is supported.
func (p *Plugin) ActionControlUniversal(ctx context.Context, deviceID string, kind thermostat.UniversalKind) error {
	if kind == thermostat.RequestStatus {
		p.logInfo("sending status request", "device", deviceID)
		return p.command(ctx, deviceID, request{})
	}
	p.logWarn("unsupported action request", "device", deviceID, "action", string(kind))
	return fmt.Errorf("%w: %s", ErrUnsupportedAction, kind)
}

// SetFanSpeed sets the node's fan speed by name ("auto", "low", ...).
func (p *Plugin) SetFanSpeed(ctx context.Context, deviceID, speed string) error {
	fan, ok := parseFanSpeed(speed)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownFanSpeed, speed)
	}
	return p.command(ctx, deviceID, request{fan: &fan})
}

// SetVerticalVaneMode sets the vane select to one of its options.
func (p *Plugin) SetVerticalVaneMode(ctx context.Context, deviceID, mode string) error {
	return p.command(ctx, deviceID, request{vane: &mode})
}

// ActionCustom dispatches a custom action by name.
func (p *Plugin) ActionCustom(ctx context.Context, deviceID, name string, props map[string]string) error {
	switch name {
	case ActionSetFanSpeed:
		return p.SetFanSpeed(ctx, deviceID, props[PropNewFanSpeed])
	case ActionSetVerticalVaneMode:
		return p.SetVerticalVaneMode(ctx, deviceID, props[PropNewVerticalVaneMode])
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedAction, name)
}

// SupportedFanSpeeds lists the fan speeds the device reported, slowest first.
// For a device that is not started every speed is listed.
func (p *Plugin) SupportedFanSpeeds(ctx context.Context, deviceID string) []thermostat.Option {
	var supported []esp.ClimateFanMode
	known := false
	//nolint:errcheck // a stopped loop just means the device is unknown
	p.loop.Submit(ctx, func(context.Context) error {
		if info := p.devices[deviceID]; info != nil {
			supported, known = info.supportedFanSpeeds, true
		}
		return nil
	})
	if !known {
		p.logWarn("fan speed list requested for unknown device", "device", deviceID)
	}

	options := []thermostat.Option{}
	for _, fs := range fanSpeeds {
		if known && !containsFan(supported, fs.mode) {
			continue
		}
		options = append(options, thermostat.Option{Value: fs.name, Label: label(fs.name)})
	}
	return options
}

// VerticalVaneModes lists the options of the device's vane select.
func (p *Plugin) VerticalVaneModes(ctx context.Context, deviceID string) []thermostat.Option {
	var modes []string
	known := false
	//nolint:errcheck // a stopped loop just means the device is unknown
	p.loop.Submit(ctx, func(context.Context) error {
		if info := p.devices[deviceID]; info != nil {
			modes, known = info.supportedVaneModes, true
		}
		return nil
	})
	if !known {
		p.logWarn("vane mode list requested for unknown device", "device", deviceID)
	}

	options := make([]thermostat.Option, 0, len(modes))
	for _, m := range modes {
		options = append(options, thermostat.Option{Value: m, Label: label(m)})
	}
	return options
}

func containsFan(modes []esp.ClimateFanMode, m esp.ClimateFanMode) bool {
	for _, x := range modes {
		if x == m {
			return true
		}
	}
	return false
}
