// Package telemetry forwards device channel readings to InfluxDB.
//
// The engine's parsers produce one Sample per payload fragment; a
// Writer buffers them on a channel and hands them to a point writer
// (the influxdb client) from a single worker. Recording never blocks
// the engine.
package telemetry

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-meross/internal/engine"
	"github.com/nerrad567/gray-logic-meross/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-meross/internal/protocol"
)

// ErrNilPoints indicates NewWriter was called without a point writer.
var ErrNilPoints = errors.New("telemetry: point writer is required")

const defaultBufferSize = 512

// Sample is one channel reading extracted from a device payload.
type Sample struct {
	UUID      string
	Channel   string
	Namespace string
	Fields    map[string]any
	Time      time.Time
}

// PointWriter receives samples as time series points. Implementations
// must not block; the influxdb client satisfies this with its
// non-blocking write API.
type PointWriter interface {
	WriteChannelSample(uuid, channel, namespace string, fields map[string]any, timestamp time.Time)
}

// WriterOptions configures a Writer.
type WriterOptions struct {
	Points PointWriter
	// BufferSize is the in-flight channel capacity. Defaults to 512.
	BufferSize int
	Logger     *logging.Logger

	// OnSample fires from the worker for every forwarded sample, after
	// the point write. Optional; used to fan samples out to live
	// consumers like the websocket hub.
	OnSample func(Sample)
}

// Writer consumes samples and forwards them to the point writer.
type Writer struct {
	points   PointWriter
	log      *logging.Logger
	onSample func(Sample)

	samples chan Sample

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup

	written atomic.Uint64
	dropped atomic.Uint64
}

// NewWriter creates a telemetry writer and starts its worker.
func NewWriter(opts WriterOptions) (*Writer, error) {
	if opts.Points == nil {
		return nil, ErrNilPoints
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}

	w := &Writer{
		points:   opts.Points,
		log:      opts.Logger.With("component", "telemetry"),
		onSample: opts.OnSample,
		samples:  make(chan Sample, opts.BufferSize),
		done:     make(chan struct{}),
	}

	w.wg.Add(1)
	go w.worker()

	return w, nil
}

// Record queues one sample. Never blocks; saturated buffers drop and
// count.
func (w *Writer) Record(s Sample) {
	select {
	case w.samples <- s:
	default:
		w.dropped.Add(1)
	}
}

// Stop shuts down the worker after draining buffered samples.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
	w.wg.Wait()
}

// Stats returns counters for diagnostics.
func (w *Writer) Stats() map[string]any {
	return map[string]any{
		"written":  w.written.Load(),
		"dropped":  w.dropped.Load(),
		"buffered": len(w.samples),
	}
}

func (w *Writer) worker() {
	defer w.wg.Done()
	for {
		select {
		case s := <-w.samples:
			w.write(s)
		case <-w.done:
			for {
				select {
				case s := <-w.samples:
					w.write(s)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) write(s Sample) {
	if s.Time.IsZero() {
		s.Time = time.Now().UTC()
	}
	w.points.WriteChannelSample(s.UUID, s.Channel, s.Namespace, s.Fields, s.Time)
	w.written.Add(1)
	if w.onSample != nil {
		w.onSample(s)
	}
}

// sampledNamespaces lists the namespaces whose payloads feed time
// series points.
var sampledNamespaces = []string{
	"Appliance.Control.Electricity",
	"Appliance.Control.ElectricityX",
	"Appliance.Control.ConsumptionX",
	"Appliance.Control.ConsumptionH",
}

// Attach registers sample producing parsers on every sampled namespace
// the device advertises. Call once the descriptor is known; devices
// without energy abilities are left untouched so their polling plan
// does not grow.
func (w *Writer) Attach(d *engine.Device) {
	desc := d.Descriptor()
	if desc == nil {
		return
	}
	abilities := desc.Abilities()
	uuid := d.DeviceID()

	for _, name := range sampledNamespaces {
		if _, ok := abilities[name]; !ok {
			continue
		}
		h := d.Handler(name)
		ns := h.Namespace()
		h.RegisterFactory(func(c protocol.Channel) engine.Parser {
			return w.parser(uuid, ns, c)
		})
	}
}

func (w *Writer) parser(uuid string, ns *protocol.Namespace, c protocol.Channel) engine.Parser {
	return func(fragment map[string]any) error {
		fields, ts := ExtractFields(ns.Name, fragment)
		if len(fields) == 0 {
			return nil
		}
		w.Record(Sample{
			UUID:      uuid,
			Channel:   c.String(),
			Namespace: ns.Name,
			Fields:    fields,
			Time:      ts,
		})
		return nil
	}
}
