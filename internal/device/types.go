package device

import (
	"maps"
	"time"
)

// TypeESPHomeThermostat is the device type of climate heads driven through
// an ESPHome node.
const TypeESPHomeThermostat = "esphomeThermostat"

// Props are a device's plugin properties: connection settings and UI flags.
// Values are strings, as entered in the device configuration form.
type Props map[string]string

// States holds a device's reported thermostat states keyed by state name
// (see the thermostat package). Values are JSON scalars.
type States map[string]any

// Device is a thermostat device managed by the bridge.
type Device struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`

	// Props configure the plugin's connection to the node.
	Props Props `json:"props"`

	// States are the last values reported by the plugin.
	States States `json:"states"`

	// ErrorState is shown while the device is unreachable. Empty when healthy.
	ErrorState string `json:"error_state,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	StateUpdatedAt *time.Time `json:"state_updated_at,omitempty"`
}

// DeepCopy returns a copy of d that shares no maps or pointers with it.
// Returns nil for a nil receiver.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Props = d.Props.Clone()
	cp.States = d.States.Clone()
	if d.StateUpdatedAt != nil {
		t := *d.StateUpdatedAt
		cp.StateUpdatedAt = &t
	}
	return &cp
}

// HasError reports whether the device currently shows an error state.
func (d *Device) HasError() bool {
	return d.ErrorState != ""
}

// Clone returns a copy of p. A nil map clones to an empty one.
func (p Props) Clone() Props {
	cp := make(Props, len(p))
	maps.Copy(cp, p)
	return cp
}

// Clone returns a deep copy of s. A nil map clones to an empty one.
func (s States) Clone() States {
	cp := make(States, len(s))
	for k, v := range s {
		cp[k] = deepCopyValue(v)
	}
	return cp
}

// Changed returns the entries of update whose value differs from s.
func (s States) Changed(update States) States {
	changed := make(States)
	for k, v := range update {
		if old, ok := s[k]; ok && equalValue(old, v) {
			continue
		}
		changed[k] = v
	}
	return changed
}

// deepCopyValue copies nested maps and slices that survive a JSON round trip.
func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		cp := make(map[string]any, len(val))
		for k, inner := range val {
			cp[k] = deepCopyValue(inner)
		}
		return cp
	case []any:
		cp := make([]any, len(val))
		for i, inner := range val {
			cp[i] = deepCopyValue(inner)
		}
		return cp
	default:
		return v
	}
}

// equalValue compares two state values, treating numbers of different Go
// types as equal when their values are.
func equalValue(a, b any) bool {
	af, aNum := number(a)
	bf, bNum := number(b)
	if aNum && bNum {
		return af == bf
	}
	switch a.(type) {
	case map[string]any, []any:
		return false
	}
	switch b.(type) {
	case map[string]any, []any:
		return false
	}
	return a == b
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
