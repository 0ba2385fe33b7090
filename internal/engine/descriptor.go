package engine

import (
	"math"
	"net"
	"strconv"
	"strings"

	"github.com/nerrad567/gray-logic-meross/internal/protocol"
)

// Payload keys that only show up in descriptor handling.
const (
	keyCloud        = "cloud"
	keyActiveServer = "activeServer"
	keyDebug        = "debug"
)

// defaultBrokerPort is what appliances use when the firmware reports
// no explicit broker port.
const defaultBrokerPort = 443

// Descriptor is the parsed view of the device description: the
// Appliance.System.All payload plus the ability map and the last
// debug report. The engine keeps one under its lock; snapshots
// returned to callers are deep copies.
type Descriptor struct {
	payload map[string]any // full System.All reply payload
	ability map[string]any
	debug   map[string]any
}

func newDescriptor() *Descriptor {
	return &Descriptor{
		payload: map[string]any{},
		ability: map[string]any{},
	}
}

// update folds a System.All payload in, overwriting top level keys.
func (dd *Descriptor) update(payload map[string]any) {
	for k, v := range payload {
		dd.payload[k] = v
	}
}

func (dd *Descriptor) updateAbility(ability map[string]any) {
	dd.ability = ability
}

// updateTime folds a time report into the system section.
func (dd *Descriptor) updateTime(t map[string]any) {
	system := dd.system()
	if system == nil {
		return
	}
	current := protocol.DictField(system, protocol.KeyTime)
	if current == nil {
		system[protocol.KeyTime] = t
		return
	}
	for k, v := range t {
		current[k] = v
	}
}

func (dd *Descriptor) clone() *Descriptor {
	return &Descriptor{
		payload: cloneMap(dd.payload),
		ability: cloneMap(dd.ability),
		debug:   cloneMap(dd.debug),
	}
}

// All returns the "all" section of the descriptor payload.
func (dd *Descriptor) All() map[string]any {
	return protocol.DictField(dd.payload, protocol.KeyAll)
}

// Payload returns the full System.All reply payload, for persistence.
func (dd *Descriptor) Payload() map[string]any { return dd.payload }

// Abilities returns the ability map.
func (dd *Descriptor) Abilities() map[string]any { return dd.ability }

// Debug returns the last Appliance.System.Debug report, or nil.
func (dd *Descriptor) Debug() map[string]any { return dd.debug }

func (dd *Descriptor) hasAbility(name string) bool {
	_, ok := dd.ability[name]
	return ok
}

// digest returns the digest section, falling back to "control" which
// is what very old firmware calls it.
func (dd *Descriptor) digest() map[string]any {
	all := dd.All()
	if d := protocol.DictField(all, protocol.KeyDigest); d != nil {
		return d
	}
	return protocol.DictField(all, "control")
}

// Digest returns the digest section of the descriptor.
func (dd *Descriptor) Digest() map[string]any { return dd.digest() }

func (dd *Descriptor) system() map[string]any {
	return protocol.DictField(dd.All(), protocol.KeySystem)
}

func (dd *Descriptor) hardware() map[string]any {
	return protocol.DictField(dd.system(), protocol.KeyHardware)
}

func (dd *Descriptor) firmware() map[string]any {
	return protocol.DictField(dd.system(), protocol.KeyFirmware)
}

// Type returns the appliance model, like "mss310".
func (dd *Descriptor) Type() string {
	if t := protocol.StringField(dd.hardware(), protocol.KeyType); t != "" {
		return t
	}
	return protocol.Manufacturer
}

// UUID returns the hardware identity carried by the descriptor.
func (dd *Descriptor) UUID() string {
	return protocol.StringField(dd.hardware(), protocol.KeyUUID)
}

// MacAddress returns the device MAC as reported by the firmware.
func (dd *Descriptor) MacAddress() string {
	return protocol.StringField(dd.hardware(), protocol.KeyMacAddress)
}

// HardwareVersion returns the hardware revision string.
func (dd *Descriptor) HardwareVersion() string {
	return protocol.StringField(dd.hardware(), protocol.KeyVersion)
}

// FirmwareVersion returns the firmware revision string.
func (dd *Descriptor) FirmwareVersion() string {
	return protocol.StringField(dd.firmware(), protocol.KeyVersion)
}

// InnerIP returns the LAN address the firmware believes it has.
func (dd *Descriptor) InnerIP() string {
	return protocol.StringField(dd.firmware(), protocol.KeyInnerIP)
}

// UserID returns the cloud account the device is bound to.
func (dd *Descriptor) UserID() string {
	fw := dd.firmware()
	if s := protocol.StringField(fw, protocol.KeyUserID); s != "" {
		return s
	}
	if n := protocol.IntField(fw, protocol.KeyUserID); n != 0 {
		return strconv.Itoa(n)
	}
	return ""
}

// TimeZone returns the IANA zone configured on the device.
func (dd *Descriptor) TimeZone() string {
	t := protocol.DictField(dd.system(), protocol.KeyTime)
	return protocol.StringField(t, protocol.KeyTimezone)
}

// TimeRules returns the DST transition table configured on the
// device. Each rule is [epoch, utcOffset, isDST].
func (dd *Descriptor) TimeRules() []any {
	t := protocol.DictField(dd.system(), protocol.KeyTime)
	return protocol.ListField(t, protocol.KeyTimeRule)
}

// Brokers returns the MQTT brokers configured in the firmware as
// host:port, primary first.
func (dd *Descriptor) Brokers() []string {
	fw := dd.firmware()
	var brokers []string
	server := protocol.StringField(fw, protocol.KeyServer)
	if server != "" {
		brokers = append(brokers, joinBroker(server, fw, protocol.KeyPort))
	}
	if second := protocol.StringField(fw, protocol.KeySecondServer); second != "" && second != server {
		brokers = append(brokers, joinBroker(second, fw, protocol.KeySecondPort))
	}
	return brokers
}

func joinBroker(host string, obj map[string]any, portKey string) string {
	port := protocol.IntField(obj, portKey)
	if port == 0 {
		port = defaultBrokerPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// deviceOnline reports whether the firmware believes it is attached
// to its broker.
func (dd *Descriptor) deviceOnline() bool {
	online := protocol.DictField(dd.system(), protocol.KeyOnline)
	return protocol.IntField(online, protocol.KeyStatus) == protocol.StatusOnline
}

// multipleMax returns the batch command capacity advertised by the
// Appliance.Control.Multiple ability.
func (dd *Descriptor) multipleMax() int {
	m := protocol.DictField(dd.ability, protocol.NSControlMultiple)
	return protocol.IntField(m, protocol.KeyMaxCmdNum)
}

// activeBrokerHost extracts the hostname of the broker the device
// reports being attached to in an Appliance.System.Debug payload.
func activeBrokerHost(debug map[string]any) string {
	cloud := protocol.DictField(debug, keyCloud)
	return protocol.StringField(cloud, keyActiveServer)
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneAny(v)
	}
	return out
}

func cloneAny(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneAny(item)
		}
		return out
	}
	return v
}

// parseAll digests an Appliance.System.All payload: identity check,
// descriptor refresh, digest fan out and the follow up queries a
// fresh description calls for.
func (d *Device) parseAll(_ *protocol.Header, payload map[string]any) {
	all := protocol.DictField(payload, protocol.KeyAll)
	if all == nil {
		return
	}
	hardware := protocol.DictField(protocol.DictField(all, protocol.KeySystem), protocol.KeyHardware)
	if d.checkIdentity(protocol.StringField(hardware, protocol.KeyUUID)) {
		return
	}

	d.mu.Lock()
	d.descriptor.update(payload)
	d.digestInitLocked()
	needAbility := len(d.descriptor.ability) == 0 && !d.abilityAsked
	if needAbility {
		d.abilityAsked = true
	}
	needDebug := false
	if d.confRoute == RouteAuto {
		if d.mqttActive {
			if !d.descriptor.deviceOnline() {
				// The device dropped off its broker; stop trusting
				// the MQTT path until proven again.
				d.mqttActive = false
				d.descriptor.debug = nil
			}
		} else if d.descriptor.deviceOnline() {
			needDebug = d.descriptor.debug == nil
		} else {
			d.descriptor.debug = nil
		}
	}
	type digestCall struct {
		parse    func(any)
		fragment any
	}
	var calls []digestCall
	for key, fragment := range d.descriptor.digest() {
		if parse := d.digestParsers[key]; parse != nil {
			calls = append(calls, digestCall{parse, fragment})
		}
	}
	snapshot := d.descriptor.clone()
	d.mu.Unlock()

	for _, c := range calls {
		c.parse(c.fragment)
	}
	if needAbility {
		go func() {
			_, _ = d.Request(d.ctx, protocol.NSSystemAbility, protocol.MethodGet,
				map[string]any{protocol.KeyAbility: map[string]any{}})
		}()
	}
	if needDebug {
		go func() {
			_, _ = d.Request(d.ctx, protocol.NSSystemDebug, protocol.MethodGet,
				map[string]any{keyDebug: map[string]any{}})
		}()
	}
	if d.onDescriptor != nil {
		d.onDescriptor(snapshot)
	}
}

// parseAbility refreshes the ability map and everything derived from
// it: batching capacity, timezone duty and the polled namespace set.
func (d *Device) parseAbility(_ *protocol.Header, payload map[string]any) {
	ability := protocol.DictField(payload, protocol.KeyAbility)
	if ability == nil {
		return
	}
	d.mu.Lock()
	d.descriptor.updateAbility(ability)
	d.applyAbilitiesLocked()
	snapshot := d.descriptor.clone()
	d.mu.Unlock()
	if d.onDescriptor != nil {
		d.onDescriptor(snapshot)
	}
}

// applyAbilitiesLocked derives engine state from the ability map:
// batch capacity and response budget, the timezone audit schedule and
// handlers for every ability the catalog knows how to poll.
func (d *Device) applyAbilitiesLocked() {
	ability := d.descriptor.ability
	if len(ability) == 0 {
		return
	}
	d.multipleMax = d.descriptor.multipleMax()
	if d.responseSizeMax == 0 {
		d.responseSizeMax = d.multipleMax * responseSizePerCommand
	}
	if d.descriptor.hasAbility(protocol.NSSystemTime) {
		if math.IsInf(d.timezoneNext, 1) {
			d.timezoneNext = 0
		}
	} else {
		d.timezoneNext = math.Inf(1)
	}
	for name := range ability {
		if _, ok := d.handlers[name]; ok {
			continue
		}
		if ns, ok := d.catalog.Get(name); ok && ns.Polling.Strategy != protocol.StrategyNone {
			newHandler(d, ns)
		}
	}
}

// Digest keys that map straight onto a pollable namespace.
var digestNamespaces = map[string]string{
	"toggle":     protocol.NSControlToggle,
	"togglex":    protocol.NSControlToggleX,
	"light":      "Appliance.Control.Light",
	"fan":        "Appliance.Control.Fan",
	"spray":      "Appliance.Control.Spray",
	"garageDoor": "Appliance.GarageDoor.State",
}

// Digest keys that carry no pollable state of their own.
var digestIgnored = map[string]bool{
	"timer":    true,
	"timerx":   true,
	"trigger":  true,
	"triggerx": true,
	"time":     true,
}

// Nested digest keys: the fragment is itself keyed by sub feature,
// each mapping to a namespace under the listed prefix.
var digestNested = map[string]string{
	"thermostat": "Appliance.Control.Thermostat.",
	"diffuser":   "Appliance.Control.Diffuser.",
}

// digestInitLocked builds a digest parser for every digest key not
// seen before. Unknown keys are remembered as absorbed so the lookup
// runs once per key.
func (d *Device) digestInitLocked() {
	for key, fragment := range d.descriptor.digest() {
		if _, ok := d.digestParsers[key]; ok {
			continue
		}
		d.digestParsers[key] = d.buildDigestParserLocked(key, fragment)
	}
}

func (d *Device) buildDigestParserLocked(key string, fragment any) func(any) {
	if digestIgnored[key] {
		return nil
	}
	if key == protocol.KeyHub {
		d.hub = true
		d.hubDigestScanLocked(fragment)
		return func(v any) {
			d.mu.Lock()
			d.hubDigestScanLocked(v)
			d.mu.Unlock()
		}
	}
	if prefix, ok := digestNested[key]; ok {
		return d.nestedDigestParserLocked(prefix, fragment)
	}
	name, ok := digestNamespaces[key]
	if !ok {
		d.log.Debug("unhandled digest key",
			"device", d.logID, "key", key)
		return nil
	}
	h := d.handlerLocked(name)
	d.seedDigestChannelsLocked(h, fragment)
	d.addDigestPollerLocked(h)
	return h.parseDigest
}

// nestedDigestParserLocked handles digests whose fragment is keyed by
// sub feature (thermostat, diffuser): each sub key becomes its own
// namespace handler.
func (d *Device) nestedDigestParserLocked(prefix string, fragment any) func(any) {
	bind := func(sub map[string]any) map[string]*Handler {
		bound := make(map[string]*Handler, len(sub))
		for subkey, subfragment := range sub {
			if subkey == protocol.KeyType {
				continue
			}
			h := d.handlerLocked(prefix + titleFirst(subkey))
			d.seedDigestChannelsLocked(h, subfragment)
			d.addDigestPollerLocked(h)
			bound[subkey] = h
		}
		return bound
	}
	if sub, ok := fragment.(map[string]any); ok {
		bind(sub)
	}
	return func(v any) {
		sub, ok := v.(map[string]any)
		if !ok {
			return
		}
		d.mu.Lock()
		bound := bind(sub)
		d.mu.Unlock()
		for subkey, h := range bound {
			h.parseDigest(sub[subkey])
		}
	}
}

// seedDigestChannelsLocked registers the channels a digest fragment
// proves to exist, so polling queries cover them from the start.
func (d *Device) seedDigestChannelsLocked(h *Handler, fragment any) {
	switch f := fragment.(type) {
	case []any:
		for _, item := range f {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if c, ok := h.ns.ChannelOf(m); ok {
				if _, have := h.parsers[c]; !have {
					h.createParserLocked(c)
				}
			}
		}
	case map[string]any:
		if _, have := h.parsers[protocol.Channel{}]; !have {
			h.createParserLocked(protocol.Channel{})
		}
	}
}

func (d *Device) addDigestPollerLocked(h *Handler) {
	for _, have := range d.digestPollers {
		if have == h {
			return
		}
	}
	d.digestPollers = append(d.digestPollers, h)
}

// hubDigestScanLocked walks the hub subdevice list, routing each
// subdevice to the namespace matching its kind: thermostat valves
// report under Mts100.All, everything else under Sensor.All, with
// battery levels polled for all of them.
func (d *Device) hubDigestScanLocked(fragment any) {
	m, ok := fragment.(map[string]any)
	if !ok {
		return
	}
	sensors := d.handlerLocked(protocol.NSHubSensorAll)
	valves := d.handlerLocked(protocol.NSHubMts100All)
	battery := d.handlerLocked(protocol.NSHubBattery)
	d.addDigestPollerLocked(sensors)
	d.addDigestPollerLocked(valves)
	for _, item := range protocol.ListField(m, protocol.KeySubDevice) {
		sub, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id := protocol.StringField(sub, protocol.KeyID)
		if id == "" {
			continue
		}
		c := protocol.Channel{SubID: id}
		target := sensors
		if subdeviceKind(sub) == "mts" {
			target = valves
		}
		if _, have := target.parsers[c]; !have {
			target.createParserLocked(c)
		}
		if _, have := battery.parsers[c]; !have {
			battery.createParserLocked(c)
		}
	}
}

// subdeviceKind classifies a hub subdevice by the model key embedded
// in its digest entry.
func subdeviceKind(sub map[string]any) string {
	for key := range sub {
		switch key {
		case protocol.KeyID, protocol.KeyStatus, "onoff", "lastActiveTime", "mode":
			continue
		}
		if strings.HasPrefix(key, "mts") {
			return "mts"
		}
		return "sensor"
	}
	return "sensor"
}

func titleFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
