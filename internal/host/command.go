package host

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/nerrad567/gray-logic-esphome/internal/bridges/esphome"
	"github.com/nerrad567/gray-logic-esphome/internal/device"
	"github.com/nerrad567/gray-logic-esphome/internal/thermostat"
)

// defaultSetpointStep is the delta used by Increase/Decrease actions sent
// without a value.
const defaultSetpointStep = 1.0

// Command is an action addressed to one device, as received from the API or
// the host bus.
//
// Action is a thermostat action (SetHvacMode, IncreaseCoolSetpoint, ...), a
// universal action (RequestStatus) or a custom action (setFanSpeed,
// setVerticalVaneMode). Mode carries the HVAC or fan mode, Value the
// setpoint or delta, and Props the custom action's props.
type Command struct {
	Action string            `json:"action"`
	Value  *float64          `json:"value,omitempty"`
	Mode   string            `json:"mode,omitempty"`
	Props  map[string]string `json:"props,omitempty"`
}

// Execute dispatches cmd to the matching Execute*Action method.
func (r *Runtime) Execute(ctx context.Context, deviceID string, cmd Command) error {
	switch {
	case thermostat.ActionKind(cmd.Action).Valid():
		action, err := cmd.thermostatAction()
		if err != nil {
			return err
		}
		return r.ExecuteThermostatAction(ctx, deviceID, action)

	case thermostat.UniversalKind(cmd.Action).Valid():
		return r.ExecuteUniversalAction(ctx, deviceID, thermostat.UniversalKind(cmd.Action))

	case cmd.Action == esphome.ActionSetFanSpeed:
		return r.ExecuteCustomAction(ctx, deviceID, cmd.Action, cmd.customProps(esphome.PropNewFanSpeed))

	case cmd.Action == esphome.ActionSetVerticalVaneMode:
		return r.ExecuteCustomAction(ctx, deviceID, cmd.Action, cmd.customProps(esphome.PropNewVerticalVaneMode))
	}
	return fmt.Errorf("%w: %q", ErrInvalidCommand, cmd.Action)
}

func (c Command) thermostatAction() (thermostat.Action, error) {
	action := thermostat.Action{Kind: thermostat.ActionKind(c.Action)}

	switch action.Kind {
	case thermostat.SetHvacMode:
		mode, err := thermostat.ParseHvacMode(c.Mode)
		if err != nil {
			return action, fmt.Errorf("%w: %w", ErrInvalidParameters, err)
		}
		action.Mode = mode

	case thermostat.SetFanMode:
		fan, err := thermostat.ParseFanMode(c.Mode)
		if err != nil {
			return action, fmt.Errorf("%w: %w", ErrInvalidParameters, err)
		}
		action.FanMode = fan

	case thermostat.SetCoolSetpoint, thermostat.SetHeatSetpoint:
		if c.Value == nil {
			return action, fmt.Errorf("%w: value is required", ErrInvalidParameters)
		}
		action.Value = *c.Value

	case thermostat.IncreaseCoolSetpoint, thermostat.DecreaseCoolSetpoint,
		thermostat.IncreaseHeatSetpoint, thermostat.DecreaseHeatSetpoint:
		action.Value = defaultSetpointStep
		if c.Value != nil {
			if *c.Value <= 0 {
				return action, fmt.Errorf("%w: delta must be positive", ErrInvalidParameters)
			}
			action.Value = *c.Value
		}
	}

	if math.IsNaN(action.Value) || math.IsInf(action.Value, 0) {
		return action, fmt.Errorf("%w: value must be a finite number", ErrInvalidParameters)
	}
	return action, nil
}

// customProps returns the command's props, filling key from Mode when only
// Mode was given.
func (c Command) customProps(key string) map[string]string {
	props := make(map[string]string, len(c.Props)+1)
	for k, v := range c.Props {
		props[k] = v
	}
	if props[key] == "" && c.Mode != "" {
		props[key] = c.Mode
	}
	return props
}

// Error codes reported in command acknowledgements.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// ErrorCode classifies an error returned by Execute.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, device.ErrDeviceNotFound):
		return ErrCodeNotConfigured
	case errors.Is(err, ErrInvalidCommand), errors.Is(err, esphome.ErrUnsupportedAction):
		return ErrCodeInvalidCommand
	case errors.Is(err, ErrInvalidParameters),
		errors.Is(err, esphome.ErrUnsupportedMode),
		errors.Is(err, esphome.ErrUnknownFanSpeed):
		return ErrCodeInvalidParameters
	case errors.Is(err, ErrDeviceNotStarted),
		errors.Is(err, esphome.ErrNotReady),
		errors.Is(err, esphome.ErrUnknownDevice):
		return ErrCodeDeviceUnreachable
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	}
	return ErrCodeBridgeError
}
