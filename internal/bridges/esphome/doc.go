// Package esphome bridges ESPHome climate nodes to the host's thermostat
// device model.
//
// The Plugin is driven entirely by host callbacks: Startup and Shutdown for
// the process, DeviceStartComm and DeviceStopComm per device, and the
// thermostat, universal and custom action entry points. All ESPHome traffic
// runs on a single event loop owned by the plugin; host calls hand work to the
// loop and block on the result.
//
// # Architecture
//
//	┌────────────┐  callbacks  ┌──────────────┐  loop  ┌────────────────┐
//	│    Host    │◄───────────►│    Plugin    │◄──────►│ esphome.Client │◄──► node
//	└────────────┘   states    └──────────────┘        └────────────────┘
//
// # Commands
//
// Node firmware (the SwiCago HeatPump component) re-applies a complete
// setting on every command, so a command always carries mode, setpoint and
// fan speed. Fields the caller did not set are filled from the pending
// command, then the last state the node pushed, then the host's states.
// Requested fields are written to the host optimistically.
//
// Commands are debounced per device: each command waits CommandDelay before
// it is sent, and a newer command replaces one that is still waiting. A burst
// of setpoint clicks therefore reaches the node as a single command.
//
// # Temperatures
//
// Nodes always speak Celsius. With the Fahrenheit preference set, setpoints
// are converted through the table printed on Mitsubishi handheld remotes
// (61..88°F), so the host shows the same numbers as the remote. Values outside
// the table are converted linearly and logged.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use. Host callbacks may be
// made from the plugin's loop goroutine, so a Host must not call back into the
// Plugin synchronously from UpdateStates, SetErrorState or ReplacePluginProps.
package esphome
