package telemetry

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// mockPoints collects written samples with optional blocking.
type mockPoints struct {
	mu      sync.Mutex
	samples []Sample
	blockCh chan struct{} // when set, WriteChannelSample waits for a receive
}

func (m *mockPoints) WriteChannelSample(uuid, channel, namespace string, fields map[string]any, ts time.Time) {
	if m.blockCh != nil {
		<-m.blockCh
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, Sample{
		UUID: uuid, Channel: channel, Namespace: namespace,
		Fields: fields, Time: ts,
	})
}

func (m *mockPoints) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.samples)
}

func TestNewWriter_RequiresPoints(t *testing.T) {
	_, err := NewWriter(WriterOptions{})
	if !errors.Is(err, ErrNilPoints) {
		t.Errorf("NewWriter() error = %v, want ErrNilPoints", err)
	}
}

func TestWriter_RecordForwards(t *testing.T) {
	points := &mockPoints{}
	w, err := NewWriter(WriterOptions{Points: points})
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}

	ts := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	w.Record(Sample{
		UUID:      "dev-aaa",
		Channel:   "0",
		Namespace: "Appliance.Control.Electricity",
		Fields:    map[string]any{"power_w": 23.5},
		Time:      ts,
	})
	w.Stop()

	if got := points.count(); got != 1 {
		t.Fatalf("wrote %d samples, want 1", got)
	}

	points.mu.Lock()
	defer points.mu.Unlock()
	s := points.samples[0]
	if s.UUID != "dev-aaa" || s.Channel != "0" {
		t.Errorf("tags = %q/%q, want dev-aaa/0", s.UUID, s.Channel)
	}
	if !s.Time.Equal(ts) {
		t.Errorf("Time = %v, want %v", s.Time, ts)
	}
	if s.Fields["power_w"] != 23.5 {
		t.Errorf("power_w = %v, want 23.5", s.Fields["power_w"])
	}
}

func TestWriter_OnSampleCallback(t *testing.T) {
	points := &mockPoints{}
	var mu sync.Mutex
	var seen []Sample
	w, err := NewWriter(WriterOptions{
		Points: points,
		OnSample: func(s Sample) {
			mu.Lock()
			seen = append(seen, s)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}

	w.Record(Sample{UUID: "dev-aaa", Channel: "0",
		Namespace: "Appliance.Control.Electricity",
		Fields:    map[string]any{"power_w": 2.0}})
	w.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 {
		t.Fatalf("callback fired %d times, want 1", len(seen))
	}
	if seen[0].UUID != "dev-aaa" {
		t.Errorf("callback UUID = %q, want dev-aaa", seen[0].UUID)
	}
}

func TestWriter_DefaultsZeroTimestamp(t *testing.T) {
	points := &mockPoints{}
	w, err := NewWriter(WriterOptions{Points: points})
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}

	w.Record(Sample{UUID: "dev-aaa", Channel: "0",
		Namespace: "Appliance.Control.Electricity",
		Fields:    map[string]any{"power_w": 1.0}})
	w.Stop()

	points.mu.Lock()
	defer points.mu.Unlock()
	if len(points.samples) != 1 {
		t.Fatalf("wrote %d samples, want 1", len(points.samples))
	}
	if points.samples[0].Time.IsZero() {
		t.Error("Time = zero, want defaulted timestamp")
	}
}

func TestWriter_RecordNeverBlocks(t *testing.T) {
	points := &mockPoints{blockCh: make(chan struct{})}
	w, err := NewWriter(WriterOptions{Points: points, BufferSize: 1})
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}

	sample := Sample{UUID: "dev-aaa", Channel: "0",
		Namespace: "Appliance.Control.Electricity",
		Fields:    map[string]any{"power_w": 1.0}}

	// First sample blocks the worker inside the point writer.
	w.Record(sample)

	deadline := time.After(time.Second)
	for len(w.samples) != 0 {
		select {
		case <-deadline:
			t.Fatal("worker never picked up first sample")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Second fills the buffer, third must drop.
	w.Record(sample)
	w.Record(sample)

	if dropped := w.Stats()["dropped"].(uint64); dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}

	close(points.blockCh)
	w.Stop()

	if got := points.count(); got != 2 {
		t.Errorf("wrote %d samples, want 2", got)
	}
}

func TestExtractFields_Electricity(t *testing.T) {
	fragment := map[string]any{
		"channel": float64(0),
		"power":   float64(23500),  // milliwatts
		"voltage": float64(2298),   // decivolts
		"current": float64(102),    // milliamps
		"config":  map[string]any{"voltageRatio": 188},
	}

	fields, ts := ExtractFields("Appliance.Control.Electricity", fragment)
	if !ts.IsZero() {
		t.Errorf("timestamp = %v, want zero", ts)
	}
	if fields["power_w"] != 23.5 {
		t.Errorf("power_w = %v, want 23.5", fields["power_w"])
	}
	if fields["voltage_v"] != 229.8 {
		t.Errorf("voltage_v = %v, want 229.8", fields["voltage_v"])
	}
	if fields["current_a"] != 0.102 {
		t.Errorf("current_a = %v, want 0.102", fields["current_a"])
	}
	if _, ok := fields["config"]; ok {
		t.Error("config should not be extracted as a field")
	}
}

func TestExtractFields_ConsumptionX(t *testing.T) {
	fragment := map[string]any{
		"date":  "2026-03-01",
		"time":  float64(1772352000),
		"value": float64(418),
	}

	fields, ts := ExtractFields("Appliance.Control.ConsumptionX", fragment)
	if fields["energy_wh"] != float64(418) {
		t.Errorf("energy_wh = %v, want 418", fields["energy_wh"])
	}
	want := time.Unix(1772352000, 0).UTC()
	if !ts.Equal(want) {
		t.Errorf("timestamp = %v, want %v", ts, want)
	}
}

func TestExtractFields_Generic(t *testing.T) {
	fragment := map[string]any{
		"channel":  float64(1),
		"lmTime":   float64(1772352000),
		"luminance": float64(78),
		"mode":     "auto",
	}

	fields, _ := ExtractFields("Appliance.Control.Light", fragment)
	if fields["luminance"] != float64(78) {
		t.Errorf("luminance = %v, want 78", fields["luminance"])
	}
	if _, ok := fields["channel"]; ok {
		t.Error("channel should not be extracted as a field")
	}
	if _, ok := fields["mode"]; ok {
		t.Error("non-numeric values should not be extracted")
	}
}

func TestExtractFields_NothingNumeric(t *testing.T) {
	fields, _ := ExtractFields("Appliance.Control.Light", map[string]any{
		"channel": float64(0),
		"mode":    "auto",
	})
	if fields != nil {
		t.Errorf("fields = %v, want nil", fields)
	}
}
