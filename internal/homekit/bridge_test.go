package homekit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/brutella/hc/characteristic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-esphome/internal/device"
	"github.com/nerrad567/gray-logic-esphome/internal/host"
	"github.com/nerrad567/gray-logic-esphome/internal/thermostat"
)

type fakeExecutor struct {
	mu   sync.Mutex
	cmds chan host.Command
	ids  []string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{cmds: make(chan host.Command, 8)}
}

func (f *fakeExecutor) Execute(_ context.Context, deviceID string, cmd host.Command) error {
	f.mu.Lock()
	f.ids = append(f.ids, deviceID)
	f.mu.Unlock()
	f.cmds <- cmd
	return nil
}

func (f *fakeExecutor) next(t *testing.T) host.Command {
	t.Helper()
	select {
	case cmd := <-f.cmds:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for command")
		return host.Command{}
	}
}

func newTestBridge(t *testing.T, fahrenheit bool) (*Bridge, *fakeExecutor) {
	t.Helper()
	exec := newFakeExecutor()
	b, err := New(Options{
		Pin:        "00102003",
		Executor:   exec,
		Fahrenheit: func() bool { return fahrenheit },
	})
	require.NoError(t, err)
	return b, exec
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Pin: "00102003"})
	assert.ErrorIs(t, err, ErrNoExecutor)

	for _, pin := range []string{"", "1234", "0010200a", "001020030"} {
		_, err := New(Options{Pin: pin, Executor: newFakeExecutor()})
		assert.ErrorIs(t, err, ErrInvalidPin, "pin %q", pin)
	}
}

func TestAccessoryID_Stable(t *testing.T) {
	assert.Equal(t, accessoryID("lounge"), accessoryID("lounge"))
	assert.NotEqual(t, accessoryID("lounge"), accessoryID("bedroom"))
	assert.Greater(t, accessoryID("lounge"), uint64(1))
}

func TestApply_Celsius(t *testing.T) {
	b, _ := newTestBridge(t, false)
	b.Add(device.Device{
		ID:   "lounge",
		Name: "Lounge",
		States: device.States{
			thermostat.StateHvacOperationMode: float64(thermostat.HvacCool),
			thermostat.StateHvacCoolerIsOn:    true,
			thermostat.StateTemperatureInput1: 23.5,
			thermostat.StateSetpointCool:      22.0,
			thermostat.StateSetpointHeat:      19.0,
		},
	})

	svc := b.climates["lounge"].acc.Thermostat
	assert.Equal(t, characteristic.TargetHeatingCoolingStateCool, svc.TargetHeatingCoolingState.GetValue())
	assert.Equal(t, characteristic.CurrentHeatingCoolingStateCool, svc.CurrentHeatingCoolingState.GetValue())
	assert.Equal(t, 23.5, svc.CurrentTemperature.GetValue())
	assert.Equal(t, 22.0, svc.TargetTemperature.GetValue())
	assert.Equal(t, 19.0, b.climates["lounge"].heatingThreshold.GetValue())
	assert.Equal(t, characteristic.TemperatureDisplayUnitsCelsius, svc.TemperatureDisplayUnits.GetValue())
}

func TestApply_FahrenheitUsesRemoteTable(t *testing.T) {
	b, _ := newTestBridge(t, true)
	b.Add(device.Device{
		ID:   "lounge",
		Name: "Lounge",
		States: device.States{
			thermostat.StateHvacOperationMode: "Heat",
			thermostat.StateHvacHeaterIsOn:    true,
			thermostat.StateSetpointHeat:      68.0,
			thermostat.StateSetpointCool:      72.0,
		},
	})

	c := b.climates["lounge"]
	svc := c.acc.Thermostat
	assert.Equal(t, characteristic.TargetHeatingCoolingStateHeat, svc.TargetHeatingCoolingState.GetValue())
	assert.Equal(t, characteristic.CurrentHeatingCoolingStateHeat, svc.CurrentHeatingCoolingState.GetValue())
	assert.Equal(t, 20.0, svc.TargetTemperature.GetValue())
	assert.Equal(t, 22.5, c.coolingThreshold.GetValue())
	assert.Equal(t, characteristic.TemperatureDisplayUnitsFahrenheit, svc.TemperatureDisplayUnits.GetValue())
}

func TestHandleEvent_ErrorStateSetsFault(t *testing.T) {
	b, _ := newTestBridge(t, false)
	b.Add(device.Device{ID: "lounge", Name: "Lounge"})

	b.HandleEvent(host.Event{Type: host.EventErrorChanged, DeviceID: "lounge", ErrorState: "Disconnected"})
	assert.Equal(t, characteristic.StatusFaultGeneralFault, b.climates["lounge"].fault.GetValue())

	b.HandleEvent(host.Event{Type: host.EventErrorChanged, DeviceID: "lounge"})
	assert.Equal(t, characteristic.StatusFaultNoFault, b.climates["lounge"].fault.GetValue())
}

func TestHandleEvent_AddRemove(t *testing.T) {
	b, _ := newTestBridge(t, false)

	b.HandleEvent(host.Event{Type: host.EventDeviceAdded, DeviceID: "lounge", Name: "Lounge"})
	require.Contains(t, b.climates, "lounge")

	// Unknown devices are ignored.
	b.HandleEvent(host.Event{Type: host.EventStateChanged, DeviceID: "attic"})
	assert.NotContains(t, b.climates, "attic")

	b.HandleEvent(host.Event{Type: host.EventDeviceRemoved, DeviceID: "lounge"})
	assert.NotContains(t, b.climates, "lounge")
}

func TestRemoteUpdates_BecomeCommands(t *testing.T) {
	b, exec := newTestBridge(t, false)
	b.Add(device.Device{ID: "lounge", Name: "Lounge", States: device.States{
		thermostat.StateHvacOperationMode: float64(thermostat.HvacHeat),
	}})
	c := b.climates["lounge"]

	c.onTargetState(characteristic.TargetHeatingCoolingStateAuto)
	cmd := exec.next(t)
	assert.Equal(t, string(thermostat.SetHvacMode), cmd.Action)
	assert.Equal(t, "HeatCool", cmd.Mode)

	c.onTargetTemperature(21.5)
	cmd = exec.next(t)
	assert.Equal(t, string(thermostat.SetHeatSetpoint), cmd.Action)
	require.NotNil(t, cmd.Value)
	assert.Equal(t, 21.5, *cmd.Value)

	c.onCoolingThreshold(24)
	cmd = exec.next(t)
	assert.Equal(t, string(thermostat.SetCoolSetpoint), cmd.Action)
	assert.Equal(t, 24.0, *cmd.Value)

	b.Stop()
	assert.Equal(t, []string{"lounge", "lounge", "lounge"}, exec.ids)
}

func TestRemoteSetpoint_FahrenheitHost(t *testing.T) {
	b, exec := newTestBridge(t, true)
	b.Add(device.Device{ID: "lounge", Name: "Lounge"})

	b.climates["lounge"].onHeatingThreshold(22.5)
	cmd := exec.next(t)
	assert.Equal(t, string(thermostat.SetHeatSetpoint), cmd.Action)
	assert.Equal(t, 72.0, *cmd.Value)

	// Off-table values are converted linearly and rounded.
	b.climates["lounge"].onHeatingThreshold(10)
	cmd = exec.next(t)
	assert.Equal(t, 50.0, *cmd.Value)
}
