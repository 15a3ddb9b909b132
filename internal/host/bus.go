package host

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-esphome/internal/audit"
	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/mqtt"
)

// Protocol is the protocol segment of this bridge's host bus topics.
const Protocol = "esphome"

const (
	busQoS         = 1
	commandTimeout = 10 * time.Second
)

// Publisher publishes to the host bus. *mqtt.Client satisfies it.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// Bus is a Publisher that can also subscribe. *mqtt.Client satisfies it.
type Bus interface {
	Publisher
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// CommandMessage is a command received on graylogic/command/esphome/{device}.
// The device ID is taken from the topic.
type CommandMessage struct {
	// ID correlates the command with its acknowledgement. Generated when empty.
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Command
	Source string `json:"source,omitempty"`
}

// AckStatus is the outcome of a command.
type AckStatus string

const (
	// AckAccepted means the command was handed to the plugin. The node
	// receives it after the debounce delay.
	AckAccepted AckStatus = "accepted"
	AckFailed   AckStatus = "failed"
)

// AckMessage is published on graylogic/ack/esphome/{device}.
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`
	Error     *AckError `json:"error,omitempty"`
}

// AckError explains a failed command.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StateMessage is the retained device state on graylogic/state/esphome/{device}.
type StateMessage struct {
	DeviceID   string         `json:"device_id"`
	Name       string         `json:"name,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	State      map[string]any `json:"state"`
	ErrorState string         `json:"error_state,omitempty"`
	Protocol   string         `json:"protocol"`
}

// CommandListener feeds host bus commands into a Runtime and publishes
// acknowledgements.
type CommandListener struct {
	runtime *Runtime
	bus     Bus
	logger  Logger
	topics  mqtt.Topics
	audit   audit.Recorder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCommandListener creates a listener. Call Start to subscribe.
func NewCommandListener(runtime *Runtime, bus Bus, logger Logger) *CommandListener {
	if logger == nil {
		logger = noopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &CommandListener{
		runtime: runtime,
		bus:     bus,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetAudit records every executed command with recorder.
func (l *CommandListener) SetAudit(recorder audit.Recorder) {
	l.audit = recorder
}

// Start subscribes to graylogic/command/esphome/+.
func (l *CommandListener) Start() error {
	return l.bus.Subscribe(l.topics.AllBridgeCommands(Protocol), busQoS, l.handleMessage)
}

// Stop unsubscribes and waits for commands in progress.
func (l *CommandListener) Stop() {
	if l.bus.IsConnected() {
		if err := l.bus.Unsubscribe(l.topics.AllBridgeCommands(Protocol)); err != nil {
			l.logger.Warn("unsubscribing from commands failed", "error", err)
		}
	}
	l.cancel()
	l.wg.Wait()
}

// handleMessage runs on the MQTT client's delivery goroutine. Publishing an
// ack there would wait on the same goroutine, so commands run separately.
func (l *CommandListener) handleMessage(topic string, payload []byte) error {
	deviceID := mqtt.LastSegment(topic)

	var msg CommandMessage
	err := json.Unmarshal(payload, &msg)
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err != nil {
			l.logger.Warn("discarding malformed command", "topic", topic, "error", err)
			l.publishAck(AckMessage{
				CommandID: msg.ID,
				DeviceID:  deviceID,
				Status:    AckFailed,
				Error:     &AckError{Code: ErrCodeInvalidCommand, Message: "malformed command payload"},
			})
			return
		}
		l.execute(deviceID, msg)
	}()
	return nil
}

func (l *CommandListener) execute(deviceID string, msg CommandMessage) {
	l.logger.Info("received command",
		"command_id", msg.ID,
		"device_id", deviceID,
		"action", msg.Action,
		"source", msg.Source)

	ctx, cancel := context.WithTimeout(l.ctx, commandTimeout)
	defer cancel()

	ack := AckMessage{CommandID: msg.ID, DeviceID: deviceID, Status: AckAccepted}
	if err := l.runtime.Execute(ctx, deviceID, msg.Command); err != nil {
		l.logger.Warn("command failed", "command_id", msg.ID, "device_id", deviceID, "error", err)
		ack.Status = AckFailed
		ack.Error = &AckError{Code: ErrorCode(err), Message: err.Error()}
	}
	l.publishAck(ack)
	l.recordAudit(ctx, deviceID, msg, ack)
}

func (l *CommandListener) recordAudit(ctx context.Context, deviceID string, msg CommandMessage, ack AckMessage) {
	if l.audit == nil {
		return
	}
	details := map[string]any{
		"command_id": msg.ID,
		"action":     msg.Action,
		"status":     string(ack.Status),
	}
	if msg.Value != nil {
		details["value"] = *msg.Value
	}
	if msg.Mode != "" {
		details["mode"] = msg.Mode
	}
	if ack.Error != nil {
		details["error"] = ack.Error.Code
	}
	entry := &audit.Entry{
		Action:   audit.ActionCommand,
		DeviceID: deviceID,
		Actor:    msg.Source,
		Source:   audit.SourceBus,
		Details:  details,
	}
	if err := l.audit.Record(context.WithoutCancel(ctx), entry); err != nil {
		l.logger.Warn("recording command audit failed", "command_id", msg.ID, "error", err)
	}
}

func (l *CommandListener) publishAck(ack AckMessage) {
	ack.Timestamp = time.Now().UTC()
	ack.Protocol = Protocol

	payload, err := json.Marshal(ack)
	if err != nil {
		l.logger.Error("marshalling ack failed", "error", err)
		return
	}
	if err := l.bus.Publish(l.topics.BridgeAck(Protocol, ack.DeviceID), payload, busQoS, false); err != nil {
		l.logger.Warn("publishing ack failed", "device_id", ack.DeviceID, "error", err)
	}
}

// StatePublisher is a StateSink that publishes retained device state to the
// host bus. A removed device's retained state is cleared.
type StatePublisher struct {
	bus    Publisher
	logger Logger
	topics mqtt.Topics
}

// NewStatePublisher creates a state publisher.
func NewStatePublisher(bus Publisher, logger Logger) *StatePublisher {
	if logger == nil {
		logger = noopLogger{}
	}
	return &StatePublisher{bus: bus, logger: logger}
}

// HandleEvent implements StateSink.
func (p *StatePublisher) HandleEvent(ev Event) {
	topic := p.topics.BridgeState(Protocol, ev.DeviceID)

	if ev.Type == EventDeviceRemoved {
		if err := p.bus.Publish(topic, nil, busQoS, true); err != nil {
			p.logger.Warn("clearing retained state failed", "device_id", ev.DeviceID, "error", err)
		}
		return
	}

	state := ev.States
	if state == nil {
		state = map[string]any{}
	}
	payload, err := json.Marshal(StateMessage{
		DeviceID:   ev.DeviceID,
		Name:       ev.Name,
		Timestamp:  ev.Timestamp,
		State:      state,
		ErrorState: ev.ErrorState,
		Protocol:   Protocol,
	})
	if err != nil {
		p.logger.Error("marshalling state failed", "device_id", ev.DeviceID, "error", err)
		return
	}
	if err := p.bus.Publish(topic, payload, busQoS, true); err != nil {
		p.logger.Warn("publishing state failed", "device_id", ev.DeviceID, "error", err)
	}
}

// ClimateWriter records climate points. *influxdb.Client satisfies it.
type ClimateWriter interface {
	WriteClimate(deviceID, name string, states map[string]any, ts time.Time)
}

// HistorySink is a StateSink that writes changed states to a time series
// database.
type HistorySink struct {
	writer ClimateWriter
}

// NewHistorySink creates a history sink.
func NewHistorySink(w ClimateWriter) *HistorySink {
	return &HistorySink{writer: w}
}

// HandleEvent implements StateSink.
func (s *HistorySink) HandleEvent(ev Event) {
	if ev.Type != EventStateChanged || len(ev.Changed) == 0 {
		return
	}
	s.writer.WriteClimate(ev.DeviceID, ev.Name, ev.Changed, ev.Timestamp)
}
