package esphome

import "math"

// mitsubishiFtoC is the Fahrenheit scale of Mitsubishi handheld remotes.
// The remote does not round linearly (68°F is 20.0°C, 88°F is 31.0°C), and
// the host should show the same numbers as the remote.
var mitsubishiFtoC = map[float64]float64{
	61: 16.0, 62: 16.5, 63: 17.0, 64: 17.5, 65: 18.0, 66: 18.5, 67: 19.0, 68: 20.0, 69: 21.0,
	70: 21.5, 71: 22.0, 72: 22.5, 73: 23.0, 74: 23.5, 75: 24.0, 76: 24.5, 77: 25.0, 78: 25.5, 79: 26.0,
	80: 26.5, 81: 27.0, 82: 27.5, 83: 28.0, 84: 28.5, 85: 29.0, 86: 29.5, 87: 30.0, 88: 31.0,
}

var mitsubishiCtoF = invert(mitsubishiFtoC)

func invert(m map[float64]float64) map[float64]float64 {
	out := make(map[float64]float64, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

// TemperatureConverter applies the temperature unit preference.
type TemperatureConverter struct {
	Fahrenheit bool
	Logger     Logger
}

// FtoC converts a host Fahrenheit value to node Celsius.
func (c TemperatureConverter) FtoC(degF float64) float64 {
	if degC, ok := mitsubishiFtoC[degF]; ok {
		return degC
	}
	degC := (degF - 32) / 1.8
	c.warn("temperature outside remote table, converted linearly", "fahrenheit", degF, "celsius", degC)
	return degC
}

// CtoF converts a node Celsius value to host Fahrenheit.
func (c TemperatureConverter) CtoF(degC float64) float64 {
	if degF, ok := mitsubishiCtoF[degC]; ok {
		return degF
	}
	degF := degC*1.8 + 32
	c.warn("temperature outside remote table, converted linearly", "celsius", degC, "fahrenheit", degF)
	return degF
}

// ToNode converts a host temperature to Celsius when the host uses Fahrenheit.
func (c TemperatureConverter) ToNode(deg float64) float64 {
	if c.Fahrenheit {
		return c.FtoC(deg)
	}
	return deg
}

// ToHost converts a node Celsius temperature to the host's unit.
func (c TemperatureConverter) ToHost(deg float64) float64 {
	if c.Fahrenheit && !math.IsNaN(deg) {
		return c.CtoF(deg)
	}
	return deg
}

func (c TemperatureConverter) warn(msg string, keysAndValues ...any) {
	if c.Logger != nil {
		c.Logger.Warn(msg, keysAndValues...)
	}
}
