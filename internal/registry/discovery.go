package registry

import (
	"context"
	"sort"
	"time"

	"github.com/nerrad567/gray-logic-meross/internal/protocol"
)

// identifyTimeout bounds the single state query sent to an unknown
// appliance.
const identifyTimeout = 10 * time.Second

// Discovered describes an unconfigured appliance seen on the discovery
// topic. Never persisted; the list resets with the process.
type Discovered struct {
	UUID      string    `json:"uuid"`
	Type      string    `json:"type,omitempty"`
	Firmware  string    `json:"firmware,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Messages  uint64    `json:"messages"`
}

// Discovered returns the unconfigured appliances seen so far, ordered
// by first appearance.
func (r *Registry) Discovered() []Discovered {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Discovered, 0, len(r.discovered))
	for _, d := range r.discovered {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FirstSeen.Before(out[j].FirstSeen)
	})
	return out
}

// handleDiscovery runs on the broker delivery goroutine for envelopes
// from uuids with no bound device. First contact triggers a one-shot
// identification query under the site key.
func (r *Registry) handleDiscovery(uuid string, raw []byte) {
	if !protocol.ValidUUID.MatchString(uuid) {
		return
	}

	now := time.Now().UTC()

	r.mu.Lock()
	d, known := r.discovered[uuid]
	if known {
		d.LastSeen = now
		d.Messages++
		r.mu.Unlock()
		return
	}
	d = &Discovered{UUID: uuid, FirstSeen: now, LastSeen: now, Messages: 1}
	r.discovered[uuid] = d
	r.mu.Unlock()

	r.log.Info("unconfigured appliance seen", "uuid", uuid)

	if r.cfg.Site.Key != "" && r.broker != nil {
		go r.identify(uuid)
	} else {
		r.emit(Event{Type: EventDiscovered, UUID: uuid, Time: now})
	}
}

// identify queries the appliance's full state to learn its model and
// firmware. Failure leaves the entry bare; the uuid alone is still
// useful to an installer.
func (r *Registry) identify(uuid string) {
	ctx, cancel := context.WithTimeout(context.Background(), identifyTimeout)
	defer cancel()

	msg := protocol.NewRequest(protocol.NSSystemAll, protocol.MethodGet, nil,
		r.cfg.Site.Key, protocol.Manufacturer, time.Now())

	raw, err := r.broker.Send(ctx, uuid, msg)
	if err != nil {
		r.log.Debug("discovery identification failed", "uuid", uuid, "error", err)
		r.emit(Event{Type: EventDiscovered, UUID: uuid})
		return
	}

	reply, _, err := protocol.DecodeResponse(raw)
	if err != nil {
		r.log.Debug("discovery reply undecodable", "uuid", uuid, "error", err)
		r.emit(Event{Type: EventDiscovered, UUID: uuid})
		return
	}

	system := protocol.DictField(protocol.DictField(reply.Payload, protocol.KeyAll), protocol.KeySystem)
	hardware := protocol.DictField(system, protocol.KeyHardware)
	firmware := protocol.DictField(system, protocol.KeyFirmware)

	model := protocol.StringField(hardware, protocol.KeyType)
	version := protocol.StringField(firmware, protocol.KeyVersion)

	r.mu.Lock()
	if d, ok := r.discovered[uuid]; ok {
		d.Type = model
		d.Firmware = version
	}
	r.mu.Unlock()

	r.log.Info("unconfigured appliance identified",
		"uuid", uuid, "type", model, "firmware", version)

	r.emit(Event{Type: EventDiscovered, UUID: uuid, Payload: map[string]any{
		"type":     model,
		"firmware": version,
	}})
}
