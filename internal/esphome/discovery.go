package esphome

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
)

// EntityKey returns the key ESPHome assigns an entity: the 32-bit FNV-1 hash of its object id.
func EntityKey(objectID string) uint32 {
	h := fnv.New32()
	h.Write([]byte(objectID))
	return h.Sum32()
}

// discoveryDoc is the abbreviated Home Assistant discovery document ESPHome
// publishes for climate and select entities.
type discoveryDoc struct {
	Base     string `json:"~"`
	Name     string `json:"name"`
	UniqueID string `json:"uniq_id"`
	ObjectID string `json:"obj_id"`

	Availability string `json:"avty_t"`

	// Climate
	ModeCommand    string   `json:"mode_cmd_t"`
	ModeState      string   `json:"mode_stat_t"`
	Modes          []string `json:"modes"`
	TempCommand    string   `json:"temp_cmd_t"`
	TempState      string   `json:"temp_stat_t"`
	CurrentTemp    string   `json:"curr_temp_t"`
	Action         string   `json:"act_t"`
	FanModeCommand string   `json:"fan_mode_cmd_t"`
	FanModeState   string   `json:"fan_mode_stat_t"`
	FanModes       []string `json:"fan_modes"`
	MinTemp        float64  `json:"min_temp"`
	MaxTemp        float64  `json:"max_temp"`
	TempStep       float64  `json:"temp_step"`

	// Select
	Command     string   `json:"cmd_t"`
	State       string   `json:"stat_t"`
	Options     []string `json:"ops"`
	OptionsLong []string `json:"options"`
}

// climateTopics are the state and command topics of one climate entity.
type climateTopics struct {
	modeState, modeCommand       string
	tempState, tempCommand       string
	currentTemp, action          string
	fanModeState, fanModeCommand string
}

type selectTopics struct {
	state, command string
}

// discoveredClimate is a parsed climate discovery document.
type discoveredClimate struct {
	info         ClimateInfo
	topics       climateTopics
	availability string
}

// discoveredSelect is a parsed select discovery document.
type discoveredSelect struct {
	info         SelectInfo
	topics       selectTopics
	availability string
}

// expand resolves the "~" base topic abbreviation at either end of a topic.
func expand(base, topic string) string {
	if base == "" || topic == "" {
		return topic
	}
	if strings.HasPrefix(topic, "~") {
		return base + topic[1:]
	}
	if strings.HasSuffix(topic, "~") {
		return topic[:len(topic)-1] + base
	}
	return topic
}

// discoveryTopicParts splits <prefix>/<component>/<node>/<object_id>/config.
func discoveryTopicParts(prefix, topic string) (component, node, objectID string, ok bool) {
	rest, found := strings.CutPrefix(topic, prefix+"/")
	if !found {
		return "", "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 4 || parts[3] != "config" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func parseClimateDiscovery(objectID string, payload []byte) (discoveredClimate, error) {
	var doc discoveryDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return discoveredClimate{}, fmt.Errorf("%w: %w", ErrInvalidDiscovery, err)
	}
	if doc.ObjectID != "" {
		objectID = doc.ObjectID
	}

	b := doc.Base
	d := discoveredClimate{
		info: ClimateInfo{
			Key:           EntityKey(objectID),
			ObjectID:      objectID,
			Name:          doc.Name,
			UniqueID:      doc.UniqueID,
			VisualMinTemp: doc.MinTemp,
			VisualMaxTemp: doc.MaxTemp,
			VisualStep:    doc.TempStep,
		},
		topics: climateTopics{
			modeState:      expand(b, doc.ModeState),
			modeCommand:    expand(b, doc.ModeCommand),
			tempState:      expand(b, doc.TempState),
			tempCommand:    expand(b, doc.TempCommand),
			currentTemp:    expand(b, doc.CurrentTemp),
			action:         expand(b, doc.Action),
			fanModeState:   expand(b, doc.FanModeState),
			fanModeCommand: expand(b, doc.FanModeCommand),
		},
		availability: expand(b, doc.Availability),
	}

	for _, m := range doc.Modes {
		if mode, ok := ParseClimateMode(m); ok {
			d.info.SupportedModes = append(d.info.SupportedModes, mode)
		}
	}
	for _, f := range doc.FanModes {
		if fan, ok := ParseClimateFanMode(f); ok {
			d.info.SupportedFanModes = append(d.info.SupportedFanModes, fan)
		}
	}

	if d.topics.modeCommand == "" && d.topics.tempCommand == "" {
		return discoveredClimate{}, fmt.Errorf("%w: climate %s has no command topics", ErrInvalidDiscovery, objectID)
	}
	return d, nil
}

func parseSelectDiscovery(objectID string, payload []byte) (discoveredSelect, error) {
	var doc discoveryDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return discoveredSelect{}, fmt.Errorf("%w: %w", ErrInvalidDiscovery, err)
	}
	if doc.ObjectID != "" {
		objectID = doc.ObjectID
	}

	opts := doc.Options
	if len(opts) == 0 {
		opts = doc.OptionsLong
	}

	b := doc.Base
	d := discoveredSelect{
		info: SelectInfo{
			Key:      EntityKey(objectID),
			ObjectID: objectID,
			Name:     doc.Name,
			UniqueID: doc.UniqueID,
			Options:  append([]string(nil), opts...),
		},
		topics: selectTopics{
			state:   expand(b, doc.State),
			command: expand(b, doc.Command),
		},
		availability: expand(b, doc.Availability),
	}
	if d.topics.command == "" {
		return discoveredSelect{}, fmt.Errorf("%w: select %s has no command topic", ErrInvalidDiscovery, objectID)
	}
	return d, nil
}

// sortedEntities lists climates then selects, each ordered by object id, so
// "first entity" selection is stable across reconnects.
func sortedEntities(climates map[uint32]discoveredClimate, selects map[uint32]discoveredSelect) []EntityInfo {
	cl := make([]ClimateInfo, 0, len(climates))
	for _, c := range climates {
		cl = append(cl, c.info)
	}
	sort.Slice(cl, func(i, j int) bool { return cl[i].ObjectID < cl[j].ObjectID })

	sl := make([]SelectInfo, 0, len(selects))
	for _, s := range selects {
		sl = append(sl, s.info)
	}
	sort.Slice(sl, func(i, j int) bool { return sl[i].ObjectID < sl[j].ObjectID })

	out := make([]EntityInfo, 0, len(cl)+len(sl))
	for _, c := range cl {
		out = append(out, c)
	}
	for _, s := range sl {
		out = append(out, s)
	}
	return out
}
