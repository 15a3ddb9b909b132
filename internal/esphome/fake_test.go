package esphome

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/mqtt"
)

// fakeBroker is an in-memory Broker. Subscribing delivers retained messages
// synchronously, like a real broker delivering retained state on SUBACK.
type fakeBroker struct {
	mu           sync.Mutex
	retained     map[string][]byte
	subs         map[string]mqtt.MessageHandler
	published    [][2]string
	closed       bool
	onDisconnect func(error)
	subscribeErr error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		retained: make(map[string][]byte),
		subs:     make(map[string]mqtt.MessageHandler),
	}
}

func (b *fakeBroker) retain(topic, payload string) {
	b.mu.Lock()
	b.retained[topic] = []byte(payload)
	b.mu.Unlock()
}

// deliver sends a live message to every matching subscription.
func (b *fakeBroker) deliver(topic, payload string) {
	b.mu.Lock()
	var handlers []mqtt.MessageHandler
	for filter, h := range b.subs {
		if topicMatches(filter, topic) {
			handlers = append(handlers, h)
		}
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(topic, []byte(payload))
	}
}

func (b *fakeBroker) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	b.mu.Lock()
	if b.subscribeErr != nil {
		b.mu.Unlock()
		return b.subscribeErr
	}
	b.subs[topic] = handler
	var matches [][2]string
	for t, p := range b.retained {
		if topicMatches(topic, t) {
			matches = append(matches, [2]string{t, string(p)})
		}
	}
	b.mu.Unlock()

	for _, m := range matches {
		handler(m[0], []byte(m[1]))
	}
	return nil
}

func (b *fakeBroker) Unsubscribe(topic string) error {
	b.mu.Lock()
	delete(b.subs, topic)
	b.mu.Unlock()
	return nil
}

func (b *fakeBroker) PublishString(topic, payload string, _ byte, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("closed")
	}
	b.published = append(b.published, [2]string{topic, payload})
	return nil
}

func (b *fakeBroker) SetOnDisconnect(cb func(error)) {
	b.mu.Lock()
	b.onDisconnect = cb
	b.mu.Unlock()
}

func (b *fakeBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

func (b *fakeBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

// dropConnection simulates the broker connection being lost.
func (b *fakeBroker) dropConnection() {
	b.mu.Lock()
	cb := b.onDisconnect
	b.closed = true
	b.mu.Unlock()
	if cb != nil {
		cb(errors.New("connection reset"))
	}
}

func (b *fakeBroker) publishedTo(topic string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, p := range b.published {
		if p[0] == topic {
			out = append(out, p[1])
		}
	}
	return out
}

func (b *fakeBroker) allPublished() [][2]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][2]string(nil), b.published...)
}

func (b *fakeBroker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func staticDialer(b *fakeBroker) Dialer {
	return func(context.Context, ConnectParams) (Broker, error) {
		b.mu.Lock()
		b.closed = false
		b.mu.Unlock()
		return b, nil
	}
}

// topicMatches implements MQTT + and # wildcard matching.
func topicMatches(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, f := range fp {
		if f == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}
