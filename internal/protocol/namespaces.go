package protocol

import (
	"sort"
	"strconv"
	"strings"
	"sync"
)

// RequestShape describes how a namespace expects its query payload built.
type RequestShape uint8

const (
	// RequestEmptyDict queries with an empty object under the payload key.
	RequestEmptyDict RequestShape = iota
	// RequestChannelList queries with one list item per registered channel.
	RequestChannelList
	// RequestFixedValue queries with a fixed literal under the payload key,
	// such as the empty list that asks for every channel at once.
	RequestFixedValue
)

// Grammar grades how much of a namespace definition is verified knowledge.
type Grammar uint8

const (
	// GrammarUnknown marks entries synthesised from name heuristics.
	GrammarUnknown Grammar = iota
	// GrammarExperimental marks entries whose shape was observed on few
	// devices and may still be wrong.
	GrammarExperimental
	// GrammarStable marks entries verified across the device fleet.
	GrammarStable
)

func (g Grammar) String() string {
	switch g {
	case GrammarExperimental:
		return "experimental"
	case GrammarStable:
		return "stable"
	}
	return "unknown"
}

// Strategy tags how the scheduler keeps a namespace fresh.
type Strategy uint8

const (
	// StrategyNone marks namespaces queried only on demand.
	StrategyNone Strategy = iota
	// StrategyAll drives the full state refresh through System.All.
	StrategyAll
	// StrategyDefault queries on every polling cycle.
	StrategyDefault
	// StrategyLazy stretches queries to the namespace period and yields
	// to byte budget pressure.
	StrategyLazy
	// StrategySmart queries every cycle on the direct transport but backs
	// off to the cloud period when routed through a broker.
	StrategySmart
	// StrategyOnce queries once after the device comes online, then relies
	// on pushes.
	StrategyOnce
	// StrategyDiagnostic covers namespaces discovered at runtime when
	// diagnostics collection is enabled.
	StrategyDiagnostic
)

func (s Strategy) String() string {
	switch s {
	case StrategyAll:
		return "all"
	case StrategyDefault:
		return "default"
	case StrategyLazy:
		return "lazy"
	case StrategySmart:
		return "smart"
	case StrategyOnce:
		return "once"
	case StrategyDiagnostic:
		return "diagnostic"
	}
	return "none"
}

// PollingDefaults seed the scheduler for a namespace before runtime
// adjustment. The zero value means the namespace has no polling profile.
type PollingDefaults struct {
	Period      int // seconds between polls over the direct transport
	CloudPeriod int // seconds between polls when routed through a broker
	BaseSize    int // expected reply envelope size in bytes
	ItemSize    int // expected per channel reply growth in bytes
	Strategy    Strategy
}

// Channel identifies a dispatch target inside a namespace payload: the
// output index for plain devices or the subdevice id for hub namespaces.
// The zero value addresses channel 0.
type Channel struct {
	Idx   int
	SubID string
}

func (c Channel) String() string {
	if c.SubID != "" {
		return c.SubID
	}
	return strconv.Itoa(c.Idx)
}

// Namespace describes the grammar of one appliance namespace: its payload
// key, where channels live in its payloads, how to query it and how the
// scheduler should keep it fresh. Values are immutable once published by
// the catalog.
type Namespace struct {
	Name       string
	Key        string // payload key wrapping the namespace data
	ChannelKey string // field carrying the channel identity in items

	Shape        RequestShape
	Fixed        any            // literal for RequestFixedValue queries
	ChannelExtra map[string]any // extra fields merged into channel items

	// Verb knowledge. Get and NoGet are confirmed positives and
	// negatives; when neither is set the namespace is assumed queryable.
	Get       bool
	NoGet     bool
	Set       bool
	Push      bool
	PushQuery bool

	Hub        bool // channels are subdevice ids under "id"
	HubSub     bool // hub override grammar keyed by "subId"
	Sensor     bool
	Thermostat bool

	Grammar Grammar
	Polling PollingDefaults
}

// IsHub reports whether payloads are keyed by subdevice identity.
func (n *Namespace) IsHub() bool {
	return n.Hub || n.HubSub
}

// QueryMethod returns the method used to solicit a state report.
func (n *Namespace) QueryMethod() string {
	if n.PushQuery || n.NoGet {
		return MethodPush
	}
	return MethodGet
}

// HasQuery reports whether the namespace answers unsolicited queries at
// all. SET only namespaces like Appliance.Config.Key do not.
func (n *Namespace) HasQuery() bool {
	return n.Get || n.PushQuery || !n.NoGet
}

// ChannelItem builds one query list item addressing c, merging any extra
// fields the grammar requires.
func (n *Namespace) ChannelItem(c Channel) map[string]any {
	item := make(map[string]any, 1+len(n.ChannelExtra))
	if c.SubID != "" {
		item[n.ChannelKey] = c.SubID
	} else {
		item[n.ChannelKey] = c.Idx
	}
	for k, v := range n.ChannelExtra {
		item[k] = cloneValue(v)
	}
	return item
}

// ChannelOf reads the channel identity from a payload fragment. ok is
// false when the fragment carries no identity under the channel key.
func (n *Namespace) ChannelOf(fragment map[string]any) (Channel, bool) {
	switch id := fragment[n.ChannelKey].(type) {
	case string:
		return Channel{SubID: id}, true
	case float64:
		return Channel{Idx: int(id)}, true
	case int:
		return Channel{Idx: id}, true
	}
	return Channel{}, false
}

// DefaultQueryPayload builds the payload for an ad hoc query before any
// channel is registered. PUSH queries are always empty.
func (n *Namespace) DefaultQueryPayload() map[string]any {
	if n.QueryMethod() == MethodPush {
		return map[string]any{}
	}
	switch n.Shape {
	case RequestChannelList:
		return map[string]any{n.Key: []any{n.ChannelItem(Channel{})}}
	case RequestFixedValue:
		return map[string]any{n.Key: cloneValue(n.Fixed)}
	default:
		return map[string]any{n.Key: map[string]any{}}
	}
}

// Slug derives the fallback payload key from the last name segment: first
// letter lowered, with a trailing X lowered too (ToggleX becomes togglex).
func Slug(name string) string {
	seg := name[strings.LastIndexByte(name, '.')+1:]
	if seg == "" {
		return ""
	}
	s := strings.ToLower(seg[:1]) + seg[1:]
	if strings.HasSuffix(s, "X") {
		s = s[:len(s)-1] + "x"
	}
	return s
}

// cloneValue copies json shaped values so grammar templates never leak
// mutable state to callers.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Catalog resolves namespace names to their grammar. Known entries come
// from the seeded table; unknown names synthesise a heuristic entry which
// is cached for reuse. Hub devices consult an override table first since a
// few namespaces change shape when addressed to a hub.
type Catalog struct {
	mu  sync.RWMutex
	std map[string]*Namespace
	hub map[string]*Namespace
}

// NewCatalog returns a catalog seeded with the predefined grammar table.
func NewCatalog() *Catalog {
	c := &Catalog{
		std: make(map[string]*Namespace, 2*len(stdGrammar)),
		hub: make(map[string]*Namespace, 2*len(hubGrammar)),
	}
	for _, n := range stdGrammar {
		c.put(n, c.std)
	}
	for _, n := range hubGrammar {
		c.put(n, c.hub)
	}
	return c
}

// put normalises a seeded entry and stores it.
func (c *Catalog) put(n Namespace, m map[string]*Namespace) {
	if n.Key == "" {
		n.Key = Slug(n.Name)
	}
	if n.ChannelKey == "" {
		switch {
		case n.Hub:
			n.ChannelKey = KeyID
		case n.HubSub:
			n.ChannelKey = KeySubID
		default:
			n.ChannelKey = KeyChannel
		}
	}
	if n.Hub && n.Shape == RequestEmptyDict && n.Fixed == nil {
		n.Shape = RequestFixedValue
		n.Fixed = []any{}
	}
	if n.Grammar == GrammarUnknown {
		n.Grammar = GrammarStable
	}
	m[n.Name] = &n
}

// Get returns the entry for name without synthesising.
func (c *Catalog) Get(name string) (*Namespace, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n, ok := c.std[name]; ok {
		return n, true
	}
	if n, ok := c.hub[name]; ok {
		return n, true
	}
	return nil, false
}

// Lookup resolves name, synthesising and caching a heuristic entry when
// the namespace is unknown.
func (c *Catalog) Lookup(name string) *Namespace {
	c.mu.RLock()
	n := c.std[name]
	c.mu.RUnlock()
	if n != nil {
		return n
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if n = c.std[name]; n != nil {
		return n
	}
	n = synthesize(name, false)
	c.std[name] = n
	return n
}

// LookupHub resolves name for a hub device, preferring the hub override
// table. Unknown names fall back to the standard heuristics.
func (c *Catalog) LookupHub(name string) *Namespace {
	c.mu.RLock()
	n := c.hub[name]
	if n == nil {
		n = c.std[name]
	}
	c.mu.RUnlock()
	if n != nil {
		return n
	}
	return c.Lookup(name)
}

// FromMessage resolves name, teaching the catalog from an observed message
// when the namespace is unknown: the payload key and the replied method
// seed the new entry. hub selects the hub grammar context, which keys
// sensor namespaces by subdevice.
func (c *Catalog) FromMessage(name, method string, payload map[string]any, hub bool) *Namespace {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hub {
		if n := c.hub[name]; n != nil {
			return n
		}
	}
	if n := c.std[name]; n != nil {
		return n
	}
	n := synthesize(name, hub)
	if key := payloadKey(payload, n.Key); key != "" {
		n.Key = key
	}
	switch method {
	case MethodGetAck:
		n.Get = true
	case MethodSetAck:
		n.Set = true
	case MethodPush:
		n.Push = true
	}
	if hub && n.IsHub() {
		c.hub[name] = n
	} else {
		c.std[name] = n
	}
	return n
}

// payloadKey guesses the namespace key from an observed payload. Single
// key payloads are authoritative; otherwise the slug wins when present and
// the smallest key breaks the tie.
func payloadKey(payload map[string]any, slug string) string {
	switch len(payload) {
	case 0:
		return ""
	case 1:
		for k := range payload {
			return k
		}
	}
	if _, ok := payload[slug]; ok {
		return slug
	}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys[0]
}

// synthesize applies the name heuristics that classify a namespace nobody
// taught us about. They encode observed firmware families: hub namespaces
// key by subdevice id, roller shutters answer whole list queries, screen,
// sensor and thermostat controls expect channel lists.
func synthesize(name string, hub bool) *Namespace {
	n := &Namespace{
		Name:       name,
		Key:        Slug(name),
		ChannelKey: KeyChannel,
		Shape:      RequestEmptyDict,
		Grammar:    GrammarUnknown,
	}
	parts := strings.Split(name, ".")
	second, third := "", ""
	if len(parts) > 1 {
		second = parts[1]
	}
	if len(parts) > 2 {
		third = parts[2]
	}
	switch {
	case second == "Hub":
		n.Hub = true
		n.ChannelKey = KeyID
		n.Shape = RequestFixedValue
		n.Fixed = []any{}
	case second == "RollerShutter":
		n.Shape = RequestFixedValue
		n.Fixed = []any{}
	case second == "Control" && third == "Screen":
		n.Shape = RequestChannelList
	case second == "Control" && third == "Sensor":
		n.Sensor = true
		n.Shape = RequestChannelList
		if hub {
			n.HubSub = true
			n.ChannelKey = KeySubID
		}
	case second == "Control" && third == "Thermostat":
		n.Thermostat = true
		n.Shape = RequestChannelList
	}
	return n
}
