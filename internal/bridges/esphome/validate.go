package esphome

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	esp "github.com/nerrad567/gray-logic-esphome/internal/esphome"
)

// Device prop keys.
const (
	PropAddress  = "address"
	PropPort     = "port"
	PropNode     = "node"
	PropUsername = "username"
	PropPassword = "password"
	PropPSK      = "psk"
	PropTLS      = "tls"

	// PropTransport selects "native" (default) or "mqtt".
	PropTransport = "transport"
)

// Validation messages shown next to the offending field.
const (
	msgAddress   = "Host must not be empty"
	msgPort      = "Port must be a number between 1 and 65535 inclusive."
	msgPSK       = "Key, if present, must be a 32-byte base64 string"
	msgNode      = "Node must not be empty for the MQTT transport"
	msgTransport = "Transport must be native or mqtt"
)

// ValidateDeviceConfig checks device props from the config UI. It returns
// nil when they are valid, otherwise a message per failing field.
func ValidateDeviceConfig(values map[string]string) map[string]string {
	errs := make(map[string]string)

	if values[PropAddress] == "" {
		errs[PropAddress] = msgAddress
	}
	if _, ok := parsePort(values[PropPort]); !ok {
		errs[PropPort] = msgPort
	}
	if psk := values[PropPSK]; psk != "" {
		if _, err := esp.DecodeNoisePSK(psk); err != nil {
			errs[PropPSK] = msgPSK
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func parsePort(s string) (int, bool) {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || port < 1 || port > 65535 {
		return 0, false
	}
	return port, true
}

// ConnectParamsFromProps validates device props and converts them to
// connection parameters. Besides ValidateDeviceConfig it checks what the
// selected transport needs: a known transport name, and a node for MQTT.
func ConnectParamsFromProps(props map[string]string) (esp.ConnectParams, error) {
	errs := ValidateDeviceConfig(props)
	if errs == nil {
		errs = make(map[string]string)
	}
	transport, ok := esp.ParseTransport(props[PropTransport])
	switch {
	case !ok:
		errs[PropTransport] = msgTransport
	case transport == esp.TransportMQTT && strings.TrimSpace(props[PropNode]) == "":
		errs[PropNode] = msgNode
	}
	if len(errs) > 0 {
		return esp.ConnectParams{}, &ValidationError{Fields: errs}
	}

	port, _ := parsePort(props[PropPort])
	return esp.ConnectParams{
		Transport: transport,
		Address:   props[PropAddress],
		Port:      port,
		Node:      strings.TrimSpace(props[PropNode]),
		Username:  props[PropUsername],
		Password:  props[PropPassword],
		NoisePSK:  props[PropPSK],
		TLS:       truthy(props[PropTLS]),
	}, nil
}

// ValidationError carries the per-field messages of a rejected config.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return fmt.Sprintf("%v: %s", ErrInvalidConfig, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidConfig }
