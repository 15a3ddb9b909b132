package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes for the host bus.
//
// Bridge topics use the flat scheme graylogic/{category}/{protocol}/{device}.
const (
	TopicPrefixBridge = "graylogic"
	TopicPrefixSystem = "graylogic/system"
)

// Topics provides builders for host bus topics.
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.BridgeState("esphome", "lounge")
//	// Returns: "graylogic/state/esphome/lounge"
type Topics struct{}

// BridgeState returns the retained device state topic.
func (Topics) BridgeState(protocol, deviceID string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefixBridge, protocol, deviceID)
}

// BridgeCommand returns the topic devices receive commands on.
func (Topics) BridgeCommand(protocol, deviceID string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefixBridge, protocol, deviceID)
}

// BridgeAck returns the topic command acknowledgements are published on.
func (Topics) BridgeAck(protocol, deviceID string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefixBridge, protocol, deviceID)
}

// BridgeHealth returns the retained bridge health topic.
//
// Example: graylogic/health/esphome
func (Topics) BridgeHealth(protocol string) string {
	return fmt.Sprintf("%s/health/%s", TopicPrefixBridge, protocol)
}

// SystemStatus returns the service online/offline status topic.
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}

// AllBridgeCommands matches the command topic of every device of a protocol.
func (Topics) AllBridgeCommands(protocol string) string {
	return fmt.Sprintf("%s/command/%s/+", TopicPrefixBridge, protocol)
}

// LastSegment returns the final level of a topic, which for bridge topics is the device ID.
func LastSegment(topic string) string {
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}
