package esphome

import (
	"math"
	"strings"
)

// ClimateMode is the operating mode of a climate entity.
// Values match the ESPHome native API enumeration.
type ClimateMode int32

const (
	ClimateModeOff ClimateMode = iota
	ClimateModeHeatCool
	ClimateModeCool
	ClimateModeHeat
	ClimateModeFanOnly
	ClimateModeDry
	ClimateModeAuto
)

var climateModeNames = map[ClimateMode]string{
	ClimateModeOff:      "OFF",
	ClimateModeHeatCool: "HEAT_COOL",
	ClimateModeCool:     "COOL",
	ClimateModeHeat:     "HEAT",
	ClimateModeFanOnly:  "FAN_ONLY",
	ClimateModeDry:      "DRY",
	ClimateModeAuto:     "AUTO",
}

func (m ClimateMode) String() string {
	if s, ok := climateModeNames[m]; ok {
		return s
	}
	return "UNKNOWN"
}

// Payload returns the MQTT payload ESPHome uses for the mode ("heat_cool", "fan_only", ...).
func (m ClimateMode) Payload() string {
	return strings.ToLower(m.String())
}

// ParseClimateMode parses a mode payload or name, case-insensitively.
func ParseClimateMode(s string) (ClimateMode, bool) {
	for m, name := range climateModeNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return m, true
		}
	}
	return 0, false
}

// ClimateFanMode is the fan setting of a climate entity.
type ClimateFanMode int32

const (
	ClimateFanOn ClimateFanMode = iota
	ClimateFanOff
	ClimateFanAuto
	ClimateFanLow
	ClimateFanMedium
	ClimateFanHigh
	ClimateFanMiddle
	ClimateFanFocus
	ClimateFanDiffuse
	ClimateFanQuiet
)

var climateFanModeNames = map[ClimateFanMode]string{
	ClimateFanOn:      "ON",
	ClimateFanOff:     "OFF",
	ClimateFanAuto:    "AUTO",
	ClimateFanLow:     "LOW",
	ClimateFanMedium:  "MEDIUM",
	ClimateFanHigh:    "HIGH",
	ClimateFanMiddle:  "MIDDLE",
	ClimateFanFocus:   "FOCUS",
	ClimateFanDiffuse: "DIFFUSE",
	ClimateFanQuiet:   "QUIET",
}

func (f ClimateFanMode) String() string {
	if s, ok := climateFanModeNames[f]; ok {
		return s
	}
	return "UNKNOWN"
}

// Payload returns the MQTT payload ESPHome uses for the fan mode.
func (f ClimateFanMode) Payload() string {
	return strings.ToLower(f.String())
}

// ParseClimateFanMode parses a fan mode payload or name, case-insensitively.
func ParseClimateFanMode(s string) (ClimateFanMode, bool) {
	for f, name := range climateFanModeNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return f, true
		}
	}
	return 0, false
}

// ClimateAction is what the climate device is currently doing.
type ClimateAction int32

const (
	ClimateActionOff     ClimateAction = 0
	ClimateActionCooling ClimateAction = 2
	ClimateActionHeating ClimateAction = 3
	ClimateActionIdle    ClimateAction = 4
	ClimateActionDrying  ClimateAction = 5
	ClimateActionFan     ClimateAction = 6
)

var climateActionNames = map[ClimateAction]string{
	ClimateActionOff:     "OFF",
	ClimateActionCooling: "COOLING",
	ClimateActionHeating: "HEATING",
	ClimateActionIdle:    "IDLE",
	ClimateActionDrying:  "DRYING",
	ClimateActionFan:     "FAN",
}

func (a ClimateAction) String() string {
	if s, ok := climateActionNames[a]; ok {
		return s
	}
	return "UNKNOWN"
}

// ParseClimateAction parses an action payload or name, case-insensitively.
func ParseClimateAction(s string) (ClimateAction, bool) {
	for a, name := range climateActionNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return a, true
		}
	}
	return 0, false
}

// EntityInfo describes one entity exposed by a node.
type EntityInfo interface {
	EntityKey() uint32
	EntityObjectID() string
}

// ClimateInfo describes a climate entity.
type ClimateInfo struct {
	Key               uint32
	ObjectID          string
	Name              string
	UniqueID          string
	SupportedModes    []ClimateMode
	SupportedFanModes []ClimateFanMode
	VisualMinTemp     float64
	VisualMaxTemp     float64
	VisualStep        float64
}

func (c ClimateInfo) EntityKey() uint32      { return c.Key }
func (c ClimateInfo) EntityObjectID() string { return c.ObjectID }

// SelectInfo describes a select entity.
type SelectInfo struct {
	Key      uint32
	ObjectID string
	Name     string
	UniqueID string
	Options  []string
}

func (s SelectInfo) EntityKey() uint32      { return s.Key }
func (s SelectInfo) EntityObjectID() string { return s.ObjectID }

// HasOption reports whether opt is one of the select's options.
func (s SelectInfo) HasOption(opt string) bool {
	for _, o := range s.Options {
		if o == opt {
			return true
		}
	}
	return false
}

// State is a pushed entity state.
type State interface {
	StateKey() uint32
}

// ClimateState is the full state of a climate entity.
// Temperatures are NaN when the node has not reported them.
type ClimateState struct {
	Key                uint32
	Mode               ClimateMode
	Action             ClimateAction
	FanMode            ClimateFanMode
	CurrentTemperature float64
	TargetTemperature  float64

	// HasMode, HasAction and HasFanMode are false until the corresponding
	// field has been reported at least once.
	HasMode    bool
	HasAction  bool
	HasFanMode bool
}

func (c ClimateState) StateKey() uint32 { return c.Key }

// newClimateState returns a state with nothing reported yet.
func newClimateState(key uint32) ClimateState {
	return ClimateState{
		Key:                key,
		CurrentTemperature: math.NaN(),
		TargetTemperature:  math.NaN(),
	}
}

// SelectState is the current option of a select entity.
type SelectState struct {
	Key          uint32
	State        string
	MissingState bool
}

func (s SelectState) StateKey() uint32 { return s.Key }

// ClimateCommand changes a climate entity. Nil fields are left unchanged by the node.
type ClimateCommand struct {
	Key               uint32
	Mode              *ClimateMode
	TargetTemperature *float64
	FanMode           *ClimateFanMode
}

// Empty reports whether the command carries no fields.
func (c ClimateCommand) Empty() bool {
	return c.Mode == nil && c.TargetTemperature == nil && c.FanMode == nil
}

// SelectCommand sets the option of a select entity.
type SelectCommand struct {
	Key   uint32
	State string
}

// Transport selects how a node is reached.
type Transport string

const (
	// TransportNative is the ESPHome native API, encrypted when a NoisePSK is set.
	TransportNative Transport = "native"

	// TransportMQTT is ESPHome's MQTT component, through a broker.
	TransportMQTT Transport = "mqtt"
)

// ParseTransport accepts "native", "mqtt" and "" (native).
func ParseTransport(s string) (Transport, bool) {
	switch Transport(strings.ToLower(strings.TrimSpace(s))) {
	case "", TransportNative:
		return TransportNative, true
	case TransportMQTT:
		return TransportMQTT, true
	}
	return "", false
}

// ConnectParams identifies a node and the credentials used to reach it.
type ConnectParams struct {
	Transport Transport

	// Address and Port are the node itself for the native API and the
	// broker for MQTT.
	Address  string
	Port     int
	Username string
	Password string

	// Node is the node's MQTT topic prefix. Unused by the native API.
	Node string

	// NoisePSK is the node's base64 encryption key for the native API. The
	// MQTT transport relies on the broker's TLS instead.
	NoisePSK string

	// TLS enables TLS to the broker.
	TLS bool
}
