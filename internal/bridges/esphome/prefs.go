package esphome

import "strings"

// Plugin preference keys and values.
const (
	PrefDebugEnabled    = "debugEnabled"
	PrefTemperatureUnit = "temperatureUnit"

	UnitFahrenheit = "degreesF"
	UnitCelsius    = "degreesC"
)

// ClosedPrefsConfig applies preferences saved in the host's config UI.
// Nothing changes when the dialog was cancelled.
func (p *Plugin) ClosedPrefsConfig(values map[string]string, cancelled bool) {
	if cancelled {
		return
	}
	p.SetupFromPrefs(values)
}

// SetupFromPrefs applies the debug and temperature unit preferences.
func (p *Plugin) SetupFromPrefs(values map[string]string) {
	debug := truthy(values[PrefDebugEnabled])
	if sw, ok := p.logger.(debugSwitch); ok {
		sw.SetDebug(debug)
	}
	if debug {
		p.logDebug("debugging enabled")
	} else {
		p.logDebug("debugging disabled")
	}

	fahrenheit := values[PrefTemperatureUnit] == UnitFahrenheit
	p.prefsMu.Lock()
	p.fahrenheit = fahrenheit
	p.prefsMu.Unlock()
	p.logDebug("convert to/from degrees F", "enabled", fahrenheit)
}

// Fahrenheit reports whether host temperatures are in °F.
func (p *Plugin) Fahrenheit() bool {
	p.prefsMu.RLock()
	defer p.prefsMu.RUnlock()
	return p.fahrenheit
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}
