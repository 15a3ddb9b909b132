// Package influxdb writes climate history to InfluxDB 2.x.
//
// Each state change becomes one point in the "climate" measurement, tagged
// with device_id and name. Numbers, booleans and strings are stored as fields
// named after the thermostat state key (temperatureInput1, setpointCool,
// hvacHeaterIsOn, fanSpeed). Writes are batched per batch_size and
// flush_interval and never block the caller.
package influxdb
