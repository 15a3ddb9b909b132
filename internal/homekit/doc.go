// Package homekit exposes host climate devices as HomeKit thermostats.
//
// A Bridge publishes one thermostat accessory per device behind a HomeKit
// bridge accessory. It is a host.StateSink: state events update the
// accessory characteristics, and changes made in the Home app become host
// commands (SetHvacMode, SetCoolSetpoint, SetHeatSetpoint).
//
// HomeKit always speaks Celsius. When the host shows Fahrenheit, values are
// converted with the same remote-control table the ESPHome plugin uses, so a
// 72°F setpoint reads as 22.5°C in the Home app and back again.
//
// The HAP transport fixes its accessory list at start. Devices added while
// the bridge is running appear in HomeKit on the next start.
package homekit
