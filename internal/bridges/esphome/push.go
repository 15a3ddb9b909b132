package esphome

import (
	"math"

	esp "github.com/nerrad567/gray-logic-esphome/internal/esphome"
	"github.com/nerrad567/gray-logic-esphome/internal/thermostat"
)

// handleState applies a pushed entity state to the host. Runs on the loop.
func (p *Plugin) handleState(info *deviceInfo, st esp.State) {
	if p.devices[info.id] != info {
		return
	}

	switch s := st.(type) {
	case esp.ClimateState:
		if !info.hasClimate || s.Key != info.climateKey {
			return
		}
		p.logDebug("climate state pushed", "device", info.name, "mode", s.Mode.String(),
			"action", s.Action.String(), "target", s.TargetTemperature, "current", s.CurrentTemperature)
		last := s
		info.lastClimate = &last
		p.host.UpdateStates(info.id, p.climateUpdates(info.name, s))
	case esp.SelectState:
		if !info.hasVane || s.Key != info.vaneKey || s.MissingState {
			return
		}
		p.logDebug("vane state pushed", "device", info.name, "state", s.State)
		info.lastVane = s.State
		p.host.UpdateStates(info.id, []thermostat.StateUpdate{
			{Key: thermostat.StateVerticalVaneMode, Value: s.State},
		})
	default:
		return
	}
	p.metrics.statePushed()
}

// climateUpdates translates a climate state into host state updates.
// Fields the node has not reported yet are left out.
func (p *Plugin) climateUpdates(name string, s esp.ClimateState) []thermostat.StateUpdate {
	var updates []thermostat.StateUpdate

	if s.HasMode {
		if mode, ok := climateToHvac[s.Mode]; ok {
			updates = append(updates, modeUpdate(mode))
		}
		updates = append(updates, fanModeUpdate(hvacFanMode(s.Mode)))
	}

	if s.HasFanMode {
		if speed, ok := fanSpeedName(s.FanMode); ok {
			updates = append(updates, thermostat.StateUpdate{Key: thermostat.StateFanSpeed, Value: speed})
		}
	}

	if s.HasAction {
		updates = append(updates,
			thermostat.StateUpdate{Key: thermostat.StateHvacCoolerIsOn, Value: s.Action == esp.ClimateActionCooling},
			thermostat.StateUpdate{Key: thermostat.StateHvacHeaterIsOn, Value: s.Action == esp.ClimateActionHeating},
			thermostat.StateUpdate{Key: thermostat.StateHvacDehumidifierIsOn, Value: s.Action == esp.ClimateActionDrying},
			thermostat.StateUpdate{Key: thermostat.StateHvacFanIsOn, Value: fanIsOn(s.Action)},
		)
	}

	conv := p.converter()

	// Nodes have a single setpoint; both host setpoints follow it.
	if !math.IsNaN(s.TargetTemperature) {
		target := conv.ToHost(s.TargetTemperature)
		updates = append(updates,
			thermostat.StateUpdate{Key: thermostat.StateSetpointCool, Value: target},
			thermostat.StateUpdate{Key: thermostat.StateSetpointHeat, Value: target},
		)
	}

	if !math.IsNaN(s.CurrentTemperature) {
		updates = append(updates, thermostat.StateUpdate{
			Key:   thermostat.StateTemperatureInput1,
			Value: conv.ToHost(s.CurrentTemperature),
		})
	} else {
		p.logWarn("No reported temperature - disconnected?", "device", name)
	}

	return updates
}
