package engine

import (
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-meross/internal/protocol"
)

// counters accumulates per device traffic totals, guarded by the
// device lock.
type counters struct {
	TxHTTP             int64
	TxMQTT             int64
	Rx                 int64
	Errors             int64
	Truncated          int64
	IdentityMismatches int64
	RouteSwitches      int64
	Batches            int64
	BatchShrinks       int64
}

// Metrics is a point in time snapshot of the device traffic counters
// and polling state.
type Metrics struct {
	Online          bool    `json:"online"`
	ConfiguredRoute string  `json:"configured_route"`
	PreferredRoute  string  `json:"preferred_route"`
	CurrentRoute    string  `json:"current_route"`
	HTTPActive      bool    `json:"http_active"`
	MQTTActive      bool    `json:"mqtt_active"`
	ClockDelta      float64 `json:"clock_delta_seconds"`

	TxHTTP             int64 `json:"tx_http"`
	TxMQTT             int64 `json:"tx_mqtt"`
	Rx                 int64 `json:"rx"`
	Errors             int64 `json:"errors"`
	Truncated          int64 `json:"truncated"`
	IdentityMismatches int64 `json:"identity_mismatches"`
	RouteSwitches      int64 `json:"route_switches"`
	Batches            int64 `json:"batches"`
	BatchShrinks       int64 `json:"batch_shrinks"`

	ResponseSizeMin int       `json:"response_size_min"`
	ResponseSizeMax int       `json:"response_size_max"`
	Handlers        int       `json:"handlers"`
	LastResponse    time.Time `json:"last_response,omitzero"`
}

// Metrics snapshots the device state for observability surfaces.
func (d *Device) Metrics() Metrics {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Metrics{
		Online:          d.online,
		ConfiguredRoute: d.confRoute.String(),
		PreferredRoute:  d.prefRoute.String(),
		CurrentRoute:    d.currRoute.String(),
		HTTPActive:      d.httpActive,
		MQTTActive:      d.mqttActive,
		ClockDelta:      d.clockDelta,

		TxHTTP:             d.counters.TxHTTP,
		TxMQTT:             d.counters.TxMQTT,
		Rx:                 d.counters.Rx,
		Errors:             d.counters.Errors,
		Truncated:          d.counters.Truncated,
		IdentityMismatches: d.counters.IdentityMismatches,
		RouteSwitches:      d.counters.RouteSwitches,
		Batches:            d.counters.Batches,
		BatchShrinks:       d.counters.BatchShrinks,

		ResponseSizeMin: d.responseSizeMin,
		ResponseSizeMax: d.responseSizeMax,
		Handlers:        len(d.handlers),
		LastResponse:    epochTime(d.lastResponse),
	}
}

// Fragment keys carrying timestamps or addressing rather than state;
// not worth recording as diagnostics.
func diagSkippedKey(key string) bool {
	switch key {
	case protocol.KeyChannel, protocol.KeyID,
		"lmTime", "lmTime_", "syncedTime", "latestSampleTime":
		return true
	}
	return false
}

// diagStore collects values from namespaces nothing else parses, one
// slot per namespace and channel. It has its own lock so recording
// never contends with the device lock.
type diagStore struct {
	mu     sync.Mutex
	values map[string]map[string]any
}

func newDiagStore() *diagStore {
	return &diagStore{values: make(map[string]map[string]any)}
}

// parserFor returns a parser that records every fragment value for
// the namespace and channel.
func (s *diagStore) parserFor(ns *protocol.Namespace, c protocol.Channel) Parser {
	slot := ns.Name + ":" + c.String()
	return func(fragment map[string]any) error {
		s.record(slot, fragment)
		return nil
	}
}

// recordPayload stores a payload that did not resolve to channel
// fragments, keyed by namespace alone.
func (s *diagStore) recordPayload(namespace string, payload map[string]any) {
	s.record(namespace, payload)
}

func (s *diagStore) record(slot string, fragment map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dst, ok := s.values[slot]
	if !ok {
		dst = make(map[string]any, len(fragment))
		s.values[slot] = dst
	}
	for k, v := range fragment {
		if diagSkippedKey(k) {
			continue
		}
		dst[k] = cloneAny(v)
	}
}

// Values returns a deep copy of everything recorded so far.
func (s *diagStore) Values() map[string]map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]map[string]any, len(s.values))
	for slot, vals := range s.values {
		out[slot] = cloneMap(vals)
	}
	return out
}

// Diagnostics returns the values recorded from unclassified
// namespaces, keyed by namespace and channel.
func (d *Device) Diagnostics() map[string]map[string]any {
	return d.diag.Values()
}
