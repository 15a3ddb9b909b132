// Package esphome is the client side of an ESPHome node.
//
// It defines the node's climate and select entity model in the vocabulary of
// the ESPHome native API (modes, fan modes, actions, entity keys), a Client
// interface, a ReconnectLogic helper that keeps a Client connected, and two
// Client implementations:
//
//   - NativeClient speaks the native API (port 6053) through
//     github.com/mycontroller-org/esphome_api. A 32-byte base64 NoisePSK
//     turns on the encrypted transport.
//   - MQTTClient goes through a broker and ESPHome's MQTT component.
//
// # Topics
//
// MQTTClient only. For a node publishing under the topic prefix "lounge-hp":
//
//	homeassistant/climate/lounge-hp/<object_id>/config   retained discovery (JSON, abbreviated keys)
//	homeassistant/select/lounge-hp/<object_id>/config    retained discovery
//	lounge-hp/status                                     online / offline
//	lounge-hp/climate/<object_id>/mode/state             "heat", "fan_only", ...
//	lounge-hp/climate/<object_id>/mode/command
//	lounge-hp/climate/<object_id>/target_temperature/state
//
// State and command topics are taken from the discovery documents rather than
// built, so custom topic layouts work.
//
// # Keys
//
// Entity keys are the 32-bit FNV-1 hash of the object id, the same value the
// native API reports, so keys survive reconnects.
package esphome
