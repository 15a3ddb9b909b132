package esphome

import (
	"context"
	"math"

	"github.com/nerrad567/gray-logic-esphome/internal/clock"
	esp "github.com/nerrad567/gray-logic-esphome/internal/esphome"
	"github.com/nerrad567/gray-logic-esphome/internal/thermostat"
)

// request is a command as the host asked for it. Nil fields were not
// requested and are filled in before sending. target is in the host's unit.
type request struct {
	mode   *esp.ClimateMode
	target *float64
	fan    *esp.ClimateFanMode
	vane   *string
}

// outbound is a fully assembled command in node vocabulary.
type outbound struct {
	climate esp.ClimateCommand
	vane    *esp.SelectCommand
}

// pendingCommand is a command waiting out the debounce delay.
type pendingCommand struct {
	seq   uint64
	timer clock.Timer
	out   outbound
}

func (info *deviceInfo) cancelPending() {
	if info.pending != nil {
		info.pending.timer.Stop()
		info.pending = nil
	}
}

// command assembles req for the device, applies the requested fields to the
// host and schedules the send.
func (p *Plugin) command(ctx context.Context, deviceID string, req request) error {
	return p.loop.Submit(ctx, func(context.Context) error {
		info := p.devices[deviceID]
		if info == nil {
			return ErrUnknownDevice
		}
		if !info.hasClimate {
			return ErrNotReady
		}

		out, updates := p.assemble(info, req)
		if len(updates) > 0 {
			p.logDebug("updating host states", "device", info.name, "updates", updates)
			p.host.UpdateStates(info.id, updates)
		}
		p.schedule(info, out)
		p.metrics.commandRequested()
		return nil
	})
}

// assemble fills the fields req leaves out and returns the command together
// with the host updates for the fields req sets. Runs on the loop.
//
// Omitted fields come from the pending command, then the node's last pushed
// state, then the host's states. The HeatPump firmware applies every setting
// it last sent on each command, so a partial command would revert changes
// made elsewhere, for example with the IR remote.
func (p *Plugin) assemble(info *deviceInfo, req request) (outbound, []thermostat.StateUpdate) {
	conv := p.converter()
	states := p.host.States(info.id)

	var pending *outbound
	if info.pending != nil {
		pending = &info.pending.out
	}

	out := outbound{climate: esp.ClimateCommand{Key: info.climateKey}}
	var updates []thermostat.StateUpdate

	if req.target != nil {
		target := conv.ToNode(*req.target)
		out.climate.TargetTemperature = &target
		updates = append(updates,
			thermostat.StateUpdate{Key: thermostat.StateSetpointCool, Value: *req.target},
			thermostat.StateUpdate{Key: thermostat.StateSetpointHeat, Value: *req.target},
		)
	} else if target, ok := knownTarget(info, pending, states, conv); ok {
		out.climate.TargetTemperature = &target
	}

	if req.fan != nil {
		fan := *req.fan
		out.climate.FanMode = &fan
		if name, ok := fanSpeedName(fan); ok {
			updates = append(updates, thermostat.StateUpdate{Key: thermostat.StateFanSpeed, Value: name})
		}
	} else if fan, ok := knownFanMode(info, pending, states); ok {
		out.climate.FanMode = &fan
	}

	var vane string
	if req.vane != nil {
		vane = *req.vane
		updates = append(updates, thermostat.StateUpdate{Key: thermostat.StateVerticalVaneMode, Value: vane})
	} else {
		vane = knownVane(info, pending, states)
	}
	if info.hasVane && vane != "" {
		out.vane = &esp.SelectCommand{Key: info.vaneKey, State: vane}
	}

	if req.mode != nil {
		mode := *req.mode
		out.climate.Mode = &mode
		if hvac, ok := climateToHvac[mode]; ok {
			updates = append(updates, modeUpdate(hvac))
		}
		updates = append(updates, fanModeUpdate(hvacFanMode(mode)))
	} else if mode, ok := knownMode(info, pending, states); ok {
		out.climate.Mode = &mode
	}

	return out, updates
}

// knownTarget returns the setpoint to resend, in Celsius.
func knownTarget(info *deviceInfo, pending *outbound, states map[string]any, conv TemperatureConverter) (float64, bool) {
	if pending != nil && pending.climate.TargetTemperature != nil {
		return *pending.climate.TargetTemperature, true
	}
	if info.lastClimate != nil && !math.IsNaN(info.lastClimate.TargetTemperature) {
		return info.lastClimate.TargetTemperature, true
	}
	if v, ok := thermostat.Number(states[thermostat.StateSetpointCool]); ok {
		return conv.ToNode(v), true
	}
	return 0, false
}

func knownFanMode(info *deviceInfo, pending *outbound, states map[string]any) (esp.ClimateFanMode, bool) {
	if pending != nil && pending.climate.FanMode != nil {
		return *pending.climate.FanMode, true
	}
	if info.lastClimate != nil && info.lastClimate.HasFanMode {
		return info.lastClimate.FanMode, true
	}
	if name, ok := states[thermostat.StateFanSpeed].(string); ok {
		return parseFanSpeed(name)
	}
	return 0, false
}

func knownVane(info *deviceInfo, pending *outbound, states map[string]any) string {
	if pending != nil && pending.vane != nil {
		return pending.vane.State
	}
	if info.lastVane != "" {
		return info.lastVane
	}
	vane, _ := states[thermostat.StateVerticalVaneMode].(string)
	return vane
}

func knownMode(info *deviceInfo, pending *outbound, states map[string]any) (esp.ClimateMode, bool) {
	if pending != nil && pending.climate.Mode != nil {
		return *pending.climate.Mode, true
	}
	if info.lastClimate != nil && info.lastClimate.HasMode {
		return info.lastClimate.Mode, true
	}
	hvac, ok := hostHvacMode(states[thermostat.StateHvacOperationMode])
	if !ok {
		return 0, false
	}
	if hvac == thermostat.HvacOff {
		if f, ok := thermostat.Number(states[thermostat.StateHvacFanMode]); ok && thermostat.FanMode(int(f)) == thermostat.FanAlwaysOn {
			return esp.ClimateModeFanOnly, true
		}
	}
	mode, ok := hvacToClimate[hvac]
	return mode, ok
}

// schedule replaces any pending command with out and starts its delay.
// Runs on the loop.
func (p *Plugin) schedule(info *deviceInfo, out outbound) {
	if info.pending != nil {
		info.pending.timer.Stop()
		p.logDebug("superseding pending command", "device", info.name)
		p.metrics.commandSuperseded()
	}

	info.seq++
	seq := info.seq
	pc := &pendingCommand{seq: seq, out: out}
	pc.timer = p.clock.AfterFunc(p.commandDelay, func() {
		p.post(func() { p.send(info, seq) })
	})
	info.pending = pc
}

// send delivers the pending command if it is still the latest one.
// Runs on the loop.
func (p *Plugin) send(info *deviceInfo, seq uint64) {
	pc := info.pending
	if pc == nil || pc.seq != seq || p.devices[info.id] != info {
		return
	}
	info.pending = nil

	ctx, cancel := context.WithTimeout(p.loop.Context(), p.commandTimeout)
	defer cancel()

	p.logDebug("sending climate command", "device", info.name, "command", describe(pc.out.climate))
	if err := info.client.ClimateCommand(ctx, pc.out.climate); err != nil {
		p.logError("climate command failed", "device", info.name, "error", err)
		p.metrics.commandFailed()
		return
	}
	if pc.out.vane != nil {
		p.logDebug("sending select command", "device", info.name, "state", pc.out.vane.State)
		if err := info.client.SelectCommand(ctx, *pc.out.vane); err != nil {
			p.logError("select command failed", "device", info.name, "error", err)
			p.metrics.commandFailed()
			return
		}
	}
	p.metrics.commandSent()
}

// describe renders a climate command for logging.
func describe(c esp.ClimateCommand) map[string]any {
	d := map[string]any{"key": c.Key}
	if c.Mode != nil {
		d["mode"] = c.Mode.String()
	}
	if c.TargetTemperature != nil {
		d["target_temperature"] = *c.TargetTemperature
	}
	if c.FanMode != nil {
		d["fan_mode"] = c.FanMode.String()
	}
	return d
}
