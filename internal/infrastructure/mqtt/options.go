package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for initial connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout is the maximum time to wait for publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 1000 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 60 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// DialOptions describes a single broker connection.
type DialOptions struct {
	Host     string
	Port     int
	TLS      bool
	ClientID string
	Username string
	Password string
	QoS      byte

	// ConnectTimeout bounds the initial connection. Zero uses defaultConnectTimeout.
	ConnectTimeout time.Duration

	// AutoReconnect lets paho reconnect on its own. Leave false when the caller
	// runs its own reconnect loop.
	AutoReconnect bool
	InitialDelay  time.Duration
	MaxDelay      time.Duration

	// StatusTopic, when set, carries a retained online/offline status with a
	// Last Will for unexpected disconnects.
	StatusTopic string
}

// optionsFromConfig maps the host bus configuration to DialOptions.
func optionsFromConfig(cfg config.MQTTConfig) DialOptions {
	return DialOptions{
		Host:          cfg.Broker.Host,
		Port:          cfg.Broker.Port,
		TLS:           cfg.Broker.TLS,
		ClientID:      cfg.Broker.ClientID,
		Username:      cfg.Auth.Username,
		Password:      cfg.Auth.Password,
		QoS:           byte(cfg.QoS),
		AutoReconnect: true,
		InitialDelay:  time.Duration(cfg.Reconnect.InitialDelay) * time.Second,
		MaxDelay:      time.Duration(cfg.Reconnect.MaxDelay) * time.Second,
		StatusTopic:   Topics{}.SystemStatus(),
	}
}

// buildClientOptions creates paho MQTT options.
//
// This configures:
//   - Broker URL (tcp:// or ssl:// based on TLS setting)
//   - Client ID for identification
//   - Authentication credentials (if provided)
//   - Auto-reconnect with exponential backoff (if requested)
//   - TLS configuration (if enabled)
//   - Clean session mode
func buildClientOptions(o DialOptions) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if o.TLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, o.Host, o.Port))
	opts.SetClientID(o.ClientID)

	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}

	opts.SetCleanSession(true)

	opts.SetAutoReconnect(o.AutoReconnect)
	if o.AutoReconnect {
		opts.SetConnectRetry(true)
		if o.InitialDelay > 0 {
			opts.SetConnectRetryInterval(o.InitialDelay)
		}
		if o.MaxDelay > 0 {
			opts.SetMaxReconnectInterval(o.MaxDelay)
		}
	}

	opts.SetConnectTimeout(connectTimeout(o))
	opts.SetKeepAlive(defaultKeepAlive)

	if o.TLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tlsMinVersion,
		})
	}

	// The broker publishes the will (retained, QoS 1) if we vanish without Close.
	if o.StatusTopic != "" {
		opts.SetBinaryWill(o.StatusTopic, offlineStatus(o.ClientID, reasonDisconnect), 1, true)
	}

	return opts
}

// Reasons carried by offline status messages.
const (
	reasonShutdown   = "graceful_shutdown"
	reasonDisconnect = "unexpected_disconnect"
)

// statusMessage is the retained payload on the status topic.
type statusMessage struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

func (m statusMessage) encode() []byte {
	m.Timestamp = time.Now().UTC().Format(time.RFC3339)
	b, _ := json.Marshal(m) //nolint:errcheck // plain strings always marshal
	return b
}

func onlineStatus(clientID string) []byte {
	return statusMessage{Status: "online", ClientID: clientID}.encode()
}

func offlineStatus(clientID, reason string) []byte {
	return statusMessage{Status: "offline", ClientID: clientID, Reason: reason}.encode()
}

// connectTimeout returns o.ConnectTimeout or the default.
func connectTimeout(o DialOptions) time.Duration {
	if o.ConnectTimeout > 0 {
		return o.ConnectTimeout
	}
	return defaultConnectTimeout
}
