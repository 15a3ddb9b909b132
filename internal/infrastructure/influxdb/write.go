package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// MeasurementClimate holds one point per thermostat state change.
const MeasurementClimate = "climate"

// WriteClimate records the states that changed on a device.
//
// Numbers and booleans become fields of the same name; strings (fan speed,
// vane mode) are stored as string fields. Other values are skipped. Nothing
// is written when no field remains.
//
// Example:
//
//	client.WriteClimate("lounge", "Lounge", map[string]any{
//	    "temperatureInput1": 71.0,
//	    "hvacHeaterIsOn":    true,
//	}, time.Now())
func (c *Client) WriteClimate(deviceID, name string, states map[string]any, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	if p := climatePoint(deviceID, name, states, ts); p != nil {
		c.points.WritePoint(p)
	}
}

// WritePoint writes a point with explicit tags and fields at ts.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any, ts time.Time) {
	if !c.IsConnected() || len(fields) == 0 {
		return
	}
	c.points.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}

func climatePoint(deviceID, name string, states map[string]any, ts time.Time) *write.Point {
	fields := make(map[string]any, len(states))
	for k, v := range states {
		switch val := v.(type) {
		case float64, float32, int, int64, bool, string:
			fields[k] = val
		}
	}
	if len(fields) == 0 {
		return nil
	}

	tags := map[string]string{"device_id": deviceID}
	if name != "" {
		tags["name"] = name
	}
	return write.NewPoint(MeasurementClimate, tags, fields, ts)
}
