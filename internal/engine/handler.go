package engine

import (
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-meross/internal/protocol"
)

// Parser consumes one payload fragment addressed to the channel it was
// registered for. Fragments arrive outside the engine lock; parsers
// sharing state must synchronise it themselves and must not issue
// device requests synchronously.
type Parser func(fragment map[string]any) error

// rawFunc is a whole payload handler used for the namespaces the
// device consumes itself (System.All and friends).
type rawFunc func(header *protocol.Header, payload map[string]any)

// dispatchShape tracks the payload layout observed for a namespace.
// Firmware families disagree on whether a namespace wraps its data in
// a list or a plain dict, so the shape starts unknown, is detected on
// first contact and silently corrected once if the device proves the
// guess wrong. After a correction the shape sticks.
type dispatchShape uint8

const (
	shapeUnknown dispatchShape = iota
	shapeList
	shapeDict
	shapeGeneric
)

func (s dispatchShape) String() string {
	switch s {
	case shapeList:
		return "list"
	case shapeDict:
		return "dict"
	case shapeGeneric:
		return "generic"
	}
	return "unknown"
}

func detectShape(v any) dispatchShape {
	switch v.(type) {
	case []any:
		return shapeList
	case map[string]any:
		return shapeDict
	}
	return shapeGeneric
}

// Handler drives one namespace of one device: it dispatches inbound
// payload fragments to per channel parsers and describes how the
// polling cycle should keep the namespace fresh.
//
// Handlers are created by their Device and share its lock; fields are
// only touched with the device lock held.
type Handler struct {
	device *Device
	ns     *protocol.Namespace

	raw     rawFunc
	shape   dispatchShape
	parsers map[protocol.Channel]Parser
	factory func(protocol.Channel) Parser

	// channels lists registered channels in registration order and
	// feeds the channel list polling payload.
	channels        []protocol.Channel
	payloadOverride map[string]any

	lastRequest      float64
	lastResponse     float64
	pollingEpochNext float64

	period      int
	cloudPeriod int
	baseSize    int
	itemSize    int
	size        int // current response size estimate in bytes
	strategy    protocol.Strategy
}

// newHandler builds the handler for ns and registers it on d. The
// caller holds d.mu. Namespaces without a polling profile get the
// conservative diagnostic cadence.
func newHandler(d *Device, ns *protocol.Namespace) *Handler {
	p := ns.Polling
	if p == (protocol.PollingDefaults{}) {
		p = protocol.PollingDefaults{
			Period:      protocol.PollPeriodDiagnostic,
			CloudPeriod: protocol.PollPeriodCloud,
			BaseSize:    protocol.HeaderSizeEstimate,
		}
	}
	h := &Handler{
		device:      d,
		ns:          ns,
		raw:         d.rawFuncs[ns.Name],
		parsers:     make(map[protocol.Channel]Parser),
		period:      p.Period,
		cloudPeriod: p.CloudPeriod,
		baseSize:    p.BaseSize,
		itemSize:    p.ItemSize,
		size:        p.BaseSize,
		strategy:    p.Strategy,
	}
	d.handlers[ns.Name] = h
	return h
}

// Namespace returns the grammar this handler serves.
func (h *Handler) Namespace() *protocol.Namespace { return h.ns }

// RegisterParser wires fn to channel c. For channel list namespaces
// the channel also joins the polling query so the device reports it.
// Returns ErrChannelRegistered when the channel already has a parser.
func (h *Handler) RegisterParser(c protocol.Channel, fn Parser) error {
	h.device.mu.Lock()
	defer h.device.mu.Unlock()
	if _, ok := h.parsers[c]; ok {
		return fmt.Errorf("%w: %s %s", ErrChannelRegistered, h.ns.Name, c.String())
	}
	h.registerParserLocked(c, fn)
	return nil
}

// UnregisterParser removes the parser for channel c and drops the
// channel from the polling query.
func (h *Handler) UnregisterParser(c protocol.Channel) {
	h.device.mu.Lock()
	defer h.device.mu.Unlock()
	if _, ok := h.parsers[c]; !ok {
		return
	}
	delete(h.parsers, c)
	for i, have := range h.channels {
		if have == c {
			h.channels = append(h.channels[:i], h.channels[i+1:]...)
			break
		}
	}
	h.resizeLocked()
}

// RegisterFactory installs a parser factory consulted when a fragment
// arrives for a channel nobody registered. The factory may return nil
// to decline.
func (h *Handler) RegisterFactory(factory func(protocol.Channel) Parser) {
	h.device.mu.Lock()
	defer h.device.mu.Unlock()
	h.factory = factory
}

// SetPollPayload overrides the polling query payload. Passing nil
// restores the payload derived from the grammar and the registered
// channels.
func (h *Handler) SetPollPayload(payload map[string]any) {
	h.device.mu.Lock()
	defer h.device.mu.Unlock()
	h.payloadOverride = payload
}

func (h *Handler) registerParserLocked(c protocol.Channel, fn Parser) {
	if _, ok := h.parsers[c]; !ok {
		h.channels = append(h.channels, c)
	}
	h.parsers[c] = fn
	h.resizeLocked()
}

// resizeLocked refreshes the response size estimate: channel list
// queries grow with every registered channel.
func (h *Handler) resizeLocked() {
	if h.ns.Shape == protocol.RequestChannelList && h.itemSize > 0 {
		h.size = h.baseSize + h.itemSize*len(h.channels)
	}
}

// pollRequestLocked builds the poll request for the namespace in its
// current channel configuration. The caller holds the device lock.
func (h *Handler) pollRequestLocked() pollRequest {
	var payload map[string]any
	switch {
	case h.payloadOverride != nil:
		payload = h.payloadOverride
	case h.ns.Shape == protocol.RequestChannelList && len(h.channels) > 0:
		items := make([]any, 0, len(h.channels))
		for _, c := range h.channels {
			items = append(items, h.ns.ChannelItem(c))
		}
		payload = map[string]any{h.ns.Key: items}
	default:
		payload = h.ns.DefaultQueryPayload()
	}
	return pollRequest{
		Namespace: h.ns.Name,
		Method:    h.ns.QueryMethod(),
		Payload:   payload,
	}
}

// parseCall pairs a resolved parser with the fragment it should eat.
type parseCall struct {
	fn       Parser
	channel  protocol.Channel
	fragment map[string]any
}

// dispatch routes the payload to the channel parsers, or to the raw
// device handler when the namespace has one. Parser callbacks run
// outside the device lock and are isolated from each other: a failing
// or panicking parser never blocks the remaining fragments.
func (h *Handler) dispatch(header *protocol.Header, payload map[string]any) {
	if h.raw != nil {
		h.raw(header, payload)
		return
	}
	d := h.device
	d.mu.Lock()
	calls := h.resolveLocked(payload)
	d.mu.Unlock()
	for _, call := range calls {
		if call.fn == nil {
			continue
		}
		h.invoke(call)
	}
}

// parseDigest routes a bare digest fragment, which carries the
// namespace value without the usual payload key wrapper.
func (h *Handler) parseDigest(value any) {
	d := h.device
	d.mu.Lock()
	var calls []parseCall
	switch v := value.(type) {
	case []any:
		calls = h.resolveItemsLocked(v)
	case map[string]any:
		calls = []parseCall{h.resolveFragmentLocked(v)}
	}
	d.mu.Unlock()
	for _, call := range calls {
		if call.fn == nil {
			continue
		}
		h.invoke(call)
	}
}

func (h *Handler) invoke(call parseCall) {
	d := h.device
	defer func() {
		if r := recover(); r != nil {
			if d.throttle.Allow("dispatch:"+h.ns.Name, dispatchLogWindow) {
				d.log.Error("parser panic",
					"device", d.logID,
					"namespace", h.ns.Name,
					"channel", call.channel.String(),
					"panic", r)
			}
		}
	}()
	if err := call.fn(call.fragment); err != nil {
		if d.throttle.Allow("dispatch:"+h.ns.Name, dispatchLogWindow) {
			d.log.Warn("parser error",
				"device", d.logID,
				"namespace", h.ns.Name,
				"channel", call.channel.String(),
				"error", err)
		}
	}
}

// resolveLocked turns the payload into parser calls, detecting and
// correcting the dispatch shape along the way.
func (h *Handler) resolveLocked(payload map[string]any) []parseCall {
	value, ok := payload[h.ns.Key]
	if !ok || value == nil {
		h.resolveUndefinedLocked(payload)
		return nil
	}
	if h.shape == shapeUnknown {
		h.shape = detectShape(value)
	}
	for {
		switch h.shape {
		case shapeList:
			items, ok := value.([]any)
			if !ok {
				h.correctShapeLocked(shapeDict)
				continue
			}
			return h.resolveItemsLocked(items)
		case shapeDict:
			fragment, ok := value.(map[string]any)
			if !ok {
				h.correctShapeLocked(shapeGeneric)
				continue
			}
			return []parseCall{h.resolveFragmentLocked(fragment)}
		default:
			switch v := value.(type) {
			case map[string]any:
				return []parseCall{h.resolveFragmentLocked(v)}
			case []any:
				return h.resolveItemsLocked(v)
			}
			d := h.device
			if d.throttle.Allow("shape:"+h.ns.Name, protocolLogWindow) {
				d.log.Warn("unexpected payload type",
					"device", d.logID, "namespace", h.ns.Name)
			}
			return nil
		}
	}
}

func (h *Handler) correctShapeLocked(next dispatchShape) {
	d := h.device
	d.log.Debug("dispatch shape corrected",
		"device", d.logID,
		"namespace", h.ns.Name,
		"from", h.shape.String(),
		"to", next.String())
	h.shape = next
}

func (h *Handler) resolveItemsLocked(items []any) []parseCall {
	calls := make([]parseCall, 0, len(items))
	for _, item := range items {
		fragment, ok := item.(map[string]any)
		if !ok {
			d := h.device
			if d.throttle.Allow("item:"+h.ns.Name, protocolLogWindow) {
				d.log.Warn("malformed list item",
					"device", d.logID, "namespace", h.ns.Name)
			}
			continue
		}
		calls = append(calls, h.resolveFragmentLocked(fragment))
	}
	return calls
}

// resolveFragmentLocked finds or creates the parser for the fragment's
// channel. Fragments without a channel key address channel 0.
func (h *Handler) resolveFragmentLocked(fragment map[string]any) parseCall {
	c, _ := h.ns.ChannelOf(fragment)
	fn, ok := h.parsers[c]
	if !ok {
		fn = h.createParserLocked(c)
	}
	return parseCall{fn: fn, channel: c, fragment: fragment}
}

// createParserLocked builds a parser for a channel nobody registered,
// in priority order: the consumer factory, a diagnostic recorder when
// diagnostics are enabled, a silent stub otherwise.
func (h *Handler) createParserLocked(c protocol.Channel) Parser {
	if h.factory != nil {
		if fn := h.factory(c); fn != nil {
			h.registerParserLocked(c, fn)
			return fn
		}
	}
	d := h.device
	if d.diagnostics {
		if h.strategy == protocol.StrategyNone {
			h.strategy = protocol.StrategyDiagnostic
		}
		fn := d.diag.parserFor(h.ns, c)
		h.registerParserLocked(c, fn)
		return fn
	}
	d.log.Debug("no parser for channel",
		"device", d.logID,
		"namespace", h.ns.Name,
		"channel", c.String())
	fn := func(map[string]any) error { return nil }
	h.registerParserLocked(c, fn)
	return fn
}

// resolveUndefinedLocked absorbs payloads that do not carry the
// namespace key. With diagnostics enabled the raw keys are recorded so
// unknown firmware data stays observable.
func (h *Handler) resolveUndefinedLocked(payload map[string]any) {
	d := h.device
	if !d.diagnostics {
		if d.throttle.Allow("undefined:"+h.ns.Name, protocolLogWindow) {
			d.log.Debug("payload without namespace key",
				"device", d.logID, "namespace", h.ns.Name)
		}
		return
	}
	if h.strategy == protocol.StrategyNone {
		h.strategy = protocol.StrategyDiagnostic
	}
	d.diag.recordPayload(h.ns.Name, payload)
}

// LastResponse returns the epoch of the last payload seen for this
// namespace, as seconds since the Unix epoch.
func (h *Handler) LastResponse() time.Time {
	h.device.mu.Lock()
	defer h.device.mu.Unlock()
	return epochTime(h.lastResponse)
}

func epochTime(epoch float64) time.Time {
	if epoch == 0 {
		return time.Time{}
	}
	sec := int64(epoch)
	return time.Unix(sec, int64((epoch-float64(sec))*1e9))
}
