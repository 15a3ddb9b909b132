package influxdb

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-esphome/internal/infrastructure/config"
)

type recordingWriter struct {
	mu      sync.Mutex
	points  []*write.Point
	flushes int
}

func (w *recordingWriter) WritePoint(p *write.Point) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.points = append(w.points, p)
}

func (w *recordingWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushes++
}

func fieldMap(p *write.Point) map[string]any {
	out := make(map[string]any)
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

func tagMap(p *write.Point) map[string]string {
	out := make(map[string]string)
	for _, t := range p.TagList() {
		out[t.Key] = t.Value
	}
	return out
}

func TestConnect_Disabled(t *testing.T) {
	_, err := Connect(context.Background(), config.InfluxDBConfig{Enabled: false})
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Connect(ctx, config.InfluxDBConfig{Enabled: true, URL: "http://127.0.0.1:1", Bucket: "climate"})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestWriteClimate(t *testing.T) {
	w := &recordingWriter{}
	c := newWithWriter(w)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c.WriteClimate("lounge", "Lounge", map[string]any{
		"temperatureInput1": 71.0,
		"hvacOperationMode": 2,
		"hvacHeaterIsOn":    false,
		"fanSpeed":          "quiet",
		"ignored":           []any{1},
	}, ts)

	if len(w.points) != 1 {
		t.Fatalf("wrote %d points, want 1", len(w.points))
	}
	p := w.points[0]
	if p.Name() != MeasurementClimate || !p.Time().Equal(ts) {
		t.Errorf("point = %s at %v", p.Name(), p.Time())
	}
	tags := tagMap(p)
	if tags["device_id"] != "lounge" || tags["name"] != "Lounge" {
		t.Errorf("tags = %v", tags)
	}
	fields := fieldMap(p)
	if len(fields) != 4 {
		t.Errorf("fields = %v, want 4 scalar fields", fields)
	}
	if fields["temperatureInput1"] != 71.0 || fields["fanSpeed"] != "quiet" || fields["hvacHeaterIsOn"] != false {
		t.Errorf("fields = %v", fields)
	}
	if _, ok := fields["ignored"]; ok {
		t.Error("non-scalar value written")
	}
}

func TestWriteClimate_NothingToWrite(t *testing.T) {
	w := &recordingWriter{}
	c := newWithWriter(w)

	c.WriteClimate("lounge", "", map[string]any{}, time.Now())
	c.WriteClimate("lounge", "", map[string]any{"nested": map[string]any{}}, time.Now())
	c.WritePoint("bridge", nil, nil, time.Now())

	if len(w.points) != 0 {
		t.Errorf("wrote %d points, want 0", len(w.points))
	}
}

func TestClose(t *testing.T) {
	w := &recordingWriter{}
	c := newWithWriter(w)

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if w.flushes != 1 {
		t.Errorf("flushes = %d, want 1", w.flushes)
	}
	if c.IsConnected() {
		t.Error("IsConnected() after Close")
	}

	// Writes after close are dropped.
	c.WritePoint("bridge", nil, map[string]any{"x": 1}, time.Now())
	c.Flush()
	if len(w.points) != 0 || w.flushes != 1 {
		t.Errorf("points=%d flushes=%d after Close", len(w.points), w.flushes)
	}
	if !errors.Is(c.HealthCheck(context.Background()), ErrNotConnected) {
		t.Error("HealthCheck() after Close should be ErrNotConnected")
	}

	var nilClient *Client
	if err := nilClient.Close(); err != nil {
		t.Errorf("Close() on nil = %v", err)
	}
}
