package engine

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-meross/internal/protocol"
)

// pollStrategies maps each polling strategy to its per cycle
// behavior.
var pollStrategies = map[protocol.Strategy]func(*Device, context.Context, *Handler){
	protocol.StrategyAll:        (*Device).pollAll,
	protocol.StrategyDefault:    (*Device).pollDefault,
	protocol.StrategyLazy:       (*Device).pollLazy,
	protocol.StrategySmart:      (*Device).pollSmart,
	protocol.StrategyOnce:       (*Device).pollOnce,
	protocol.StrategyDiagnostic: (*Device).pollDiagnostic,
}

// pollCycle is one pass of the scheduler. A device that answered its
// last request recently is polled incrementally; one that did not is
// probed with a full state query before being declared offline.
func (d *Device) pollCycle(trigger string) {
	ctx := d.ctx
	epoch := d.epochNow()
	d.mu.Lock()
	d.pollingEpoch = epoch
	strictlyOnline := d.online &&
		(d.lastResponse > d.lastRequest ||
			epoch-d.lastRequest < float64(d.pollingPeriod-2))
	d.mu.Unlock()
	d.log.Debug("polling begin", "device", d.logID)

	if strictlyOnline {
		d.onlineCycle(ctx, epoch, trigger)
	} else {
		d.offlineCycle(ctx, epoch)
	}

	d.mu.Lock()
	d.pollingEpoch = 0
	d.mu.Unlock()
	d.log.Debug("polling end", "device", d.logID)
}

// onlineCycle runs the housekeeping an online device needs before its
// state updates: probing HTTP for a comeback when it is the preferred
// route, heartbeating an otherwise idle local broker link and keeping
// the device timezone configured.
func (d *Device) onlineCycle(ctx context.Context, epoch float64, trigger string) {
	d.mu.Lock()
	comeback := d.currRoute == RouteMQTT && d.prefRoute == RouteHTTP &&
		epoch-d.httpLastRequest > d.heartbeatPeriod
	d.mu.Unlock()
	if comeback {
		req := d.systemAllRequest()
		if _, err := d.sendHTTP(ctx, req.Namespace, req.Method, req.Payload); err == nil {
			// Already polled the full state; skip it below.
			trigger = protocol.NSSystemAll
		}
	}

	d.mu.Lock()
	local := d.mqttLocallyActiveLocked()
	heartbeat := local && epoch-d.mqttLastResponse > d.heartbeatPeriod
	timezoneDue := local && !heartbeat && epoch > d.timezoneNext
	var zone string
	var delta float64
	if timezoneDue {
		d.timezoneNext = epoch + timezoneCheckRetry
		delta = d.clockDelta
		zone = d.descriptor.TimeZone()
		if zone == "" {
			zone = d.timeZone
		}
	}
	d.mu.Unlock()

	if heartbeat {
		req := d.systemAllRequest()
		if _, err := d.sendMQTT(ctx, req.Namespace, req.Method, req.Payload); err != nil {
			d.mu.Lock()
			d.mqttActive = false
			d.descriptor.debug = nil
			d.mu.Unlock()
		}
	} else if timezoneDue && math.Abs(delta) < d.timestampTolerance {
		// Only audit the timezone while the clock is aligned,
		// otherwise the rule epochs cannot be trusted.
		d.checkTimezone(ctx, epoch, zone)
	}

	d.requestUpdates(ctx, trigger)
}

// offlineCycle probes the device with a full state query over the
// configured transports. Failure moves the device offline, or backs
// the cadence off toward the heartbeat period when it already was.
func (d *Device) offlineCycle(ctx context.Context, epoch float64) {
	d.mu.Lock()
	all := d.handlers[protocol.NSSystemAll]
	req := all.pollRequestLocked()
	conf := d.confRoute
	d.mu.Unlock()

	var ok bool
	switch conf {
	case RouteAuto:
		if d.http != nil {
			_, err := d.sendHTTP(ctx, req.Namespace, req.Method, req.Payload)
			ok = err == nil
		}
		if d.mqttUsable() && !d.Online() {
			_, err := d.sendMQTT(ctx, req.Namespace, req.Method, req.Payload)
			ok = err == nil
		}
	case RouteMQTT:
		if d.mqttUsable() {
			_, err := d.sendMQTT(ctx, req.Namespace, req.Method, req.Payload)
			ok = err == nil
		}
	case RouteHTTP:
		if d.http != nil {
			_, err := d.sendHTTP(ctx, req.Namespace, req.Method, req.Payload)
			ok = err == nil
		}
	}

	if ok {
		d.mu.Lock()
		all.lastRequest = epoch
		all.pollingEpochNext = epoch + float64(all.period)
		d.mu.Unlock()
		d.requestUpdates(ctx, protocol.NSSystemAll)
		return
	}

	d.mu.Lock()
	if d.online {
		d.setOfflineLocked()
		d.mu.Unlock()
		if d.onStateChange != nil {
			d.onStateChange(false)
		}
		return
	}
	if d.pollingDelay < int(d.heartbeatPeriod) {
		d.pollingDelay += d.pollingPeriod
	} else {
		d.pollingDelay = int(d.heartbeatPeriod)
	}
	d.mu.Unlock()
}

func (d *Device) systemAllRequest() pollRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handlers[protocol.NSSystemAll].pollRequestLocked()
}

// requestUpdates runs every handler's polling strategy, skipping the
// namespace that triggered this cycle. Going offline mid cycle stops
// the strategies but the pending batch is still flushed, so its
// members get their fair retry on the next cycle.
func (d *Device) requestUpdates(ctx context.Context, trigger string) {
	type scheduled struct {
		h        *Handler
		strategy protocol.Strategy
	}
	d.mu.Lock()
	d.lazyQueue = d.lazyQueue[:0]
	d.queuedCloud = 0
	plan := make([]scheduled, 0, len(d.handlers))
	for _, h := range d.handlers {
		if h.ns.Name == trigger || h.strategy == protocol.StrategyNone {
			continue
		}
		plan = append(plan, scheduled{h, h.strategy})
	}
	d.mu.Unlock()
	sort.Slice(plan, func(i, j int) bool {
		return plan[i].h.ns.Name < plan[j].h.ns.Name
	})

	for _, s := range plan {
		fn := pollStrategies[s.strategy]
		if fn == nil {
			continue
		}
		fn(d, ctx, s.h)
		if !d.Online() || ctx.Err() != nil {
			break
		}
	}

	d.mu.Lock()
	pending := len(d.batch) > 0
	d.mu.Unlock()
	if pending {
		d.flushBatch(ctx)
	}

	d.diagnosticScan(ctx)
}

// pollAll drives the full state refresh. Connected to a broker,
// pushes keep the state fresh and the query is only needed when
// onlining; over plain HTTP the full refresh runs on its period, with
// the digest namespaces polled in the cycles between for fresh
// actuator states.
func (d *Device) pollAll(ctx context.Context, h *Handler) {
	d.mu.Lock()
	mqttActive := d.mqttActive
	needOnline := h.pollingEpochNext == 0
	due := d.pollingEpoch >= h.pollingEpochNext
	pollers := append([]*Handler(nil), d.digestPollers...)
	d.mu.Unlock()

	if mqttActive {
		if needOnline {
			d.requestPoll(ctx, h)
		}
		return
	}
	if due {
		d.requestPoll(ctx, h)
		return
	}
	for _, p := range pollers {
		d.requestPoll(ctx, p)
	}
}

// pollDefault queries every cycle, unless a broker connection is
// pushing the state anyway.
func (d *Device) pollDefault(ctx context.Context, h *Handler) {
	d.mu.Lock()
	skip := d.mqttActive && h.pollingEpochNext != 0
	d.mu.Unlock()
	if !skip {
		d.requestPoll(ctx, h)
	}
}

// pollLazy queries on its period; off period the handler queues for a
// free slot in an outgoing batch.
func (d *Device) pollLazy(ctx context.Context, h *Handler) {
	d.mu.Lock()
	due := d.pollingEpoch >= h.pollingEpochNext
	if !due {
		d.queueLazyLocked(h)
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	d.smartPoll(ctx, h)
}

// pollSmart queries on its period; a query displaced by cloud rate
// limiting queues for a free batch slot instead.
func (d *Device) pollSmart(ctx context.Context, h *Handler) {
	d.mu.Lock()
	due := d.pollingEpoch >= h.pollingEpochNext
	d.mu.Unlock()
	if !due {
		return
	}
	if !d.smartPoll(ctx, h) {
		d.mu.Lock()
		d.queueLazyLocked(h)
		d.mu.Unlock()
	}
}

// pollOnce queries once after onlining; pushes carry the rest.
func (d *Device) pollOnce(ctx context.Context, h *Handler) {
	d.mu.Lock()
	needOnline := h.pollingEpochNext == 0
	d.mu.Unlock()
	if needOnline {
		d.smartPoll(ctx, h)
	}
}

// pollDiagnostic queries runtime discovered namespaces on a fixed
// cadence.
func (d *Device) pollDiagnostic(ctx context.Context, h *Handler) {
	d.mu.Lock()
	due := d.pollingEpoch >= h.pollingEpochNext
	d.mu.Unlock()
	if due {
		d.smartPoll(ctx, h)
	}
}

// diagScanExcluded reports abilities never probed by the diagnostic
// scan: identity namespaces already covered elsewhere, and namespaces
// known to disconnect or error out appliances when queried cold. The
// Mcu tree is excluded wholesale for the same reason.
func diagScanExcluded(name string) bool {
	if strings.HasPrefix(name, "Appliance.Mcu.") {
		return true
	}
	switch name {
	case protocol.NSSystemAbility,
		protocol.NSSystemAll,
		protocol.NSSystemClock,
		protocol.NSSystemOnline,
		protocol.NSSystemTime,
		"Appliance.System.DNDMode",
		"Appliance.System.Firmware",
		"Appliance.System.Hardware",
		"Appliance.System.Position",
		"Appliance.Control.TriggerX",
		"Appliance.Control.Unbind",
		"Appliance.Hub.Exception",
		"Appliance.Hub.Report",
		"Appliance.Hub.SubdeviceList",
		"Appliance.Hub.PairSubDev",
		"Appliance.Hub.SubDevice.Beep",
		"Appliance.Hub.SubDevice.MotorAdjust":
		return true
	}
	return false
}

// diagnosticScan probes every unclassified ability once after
// onlining, so payloads from namespaces the catalog has no grammar
// for still surface as recorded diagnostics. The scan flag stays set
// until a pass completes while online.
func (d *Device) diagnosticScan(ctx context.Context) {
	d.mu.Lock()
	if !d.diagScan || !d.online {
		d.mu.Unlock()
		return
	}
	names := make([]string, 0, len(d.descriptor.ability))
	for name := range d.descriptor.ability {
		names = append(names, name)
	}
	sort.Strings(names)
	var probes []*protocol.Namespace
	for _, name := range names {
		if diagScanExcluded(name) {
			continue
		}
		if h, ok := d.handlers[name]; ok && h.strategy != protocol.StrategyNone {
			continue
		}
		ns := d.catalog.Lookup(name)
		if !ns.HasQuery() {
			continue
		}
		probes = append(probes, ns)
	}
	d.mu.Unlock()
	if len(probes) > 0 {
		d.log.Debug("diagnostic scan begin",
			"device", d.logID, "namespaces", len(probes))
	}

	for _, ns := range probes {
		if !d.Online() || ctx.Err() != nil {
			return
		}
		_, _ = d.Request(ctx, ns.Name, ns.QueryMethod(), ns.DefaultQueryPayload())
	}

	d.mu.Lock()
	d.diagScan = false
	d.mu.Unlock()
	d.log.Debug("diagnostic scan end", "device", d.logID)
}

// checkTimezone verifies the DST rule table on the device against the
// zone database and reconfigures it when stale. A clean audit defers
// the next one for a week; anything else re-checks soon.
func (d *Device) checkTimezone(ctx context.Context, epoch float64, zone string) {
	d.mu.Lock()
	ts := d.deviceTimestamp
	rules := d.descriptor.TimeRules()
	d.mu.Unlock()

	stale, err := timeRulesStale(ts, zone, rules)
	if err != nil {
		if d.throttle.Allow("timezone", protocolLogWindow) {
			d.log.Warn("timezone unusable",
				"device", d.logID, "timezone", zone, "error", err)
		}
		return
	}
	if !stale {
		d.mu.Lock()
		d.timezoneNext = epoch + timezoneCheckOK
		d.mu.Unlock()
		return
	}
	d.configTimezone(ctx, zone)
}

// configTimezone pushes the zone name and its DST transition rules to
// the device. An empty zone clears the configuration.
func (d *Device) configTimezone(ctx context.Context, zone string) bool {
	t := map[string]any{
		protocol.KeyTimezone: "",
		protocol.KeyTimeRule: []any{},
	}
	if zone != "" {
		loc, err := time.LoadLocation(zone)
		if err != nil {
			if d.throttle.Allow("timezone", protocolLogWindow) {
				d.log.Warn("timezone unusable",
					"device", d.logID, "timezone", zone, "error", err)
			}
			return false
		}
		d.mu.Lock()
		ts := d.deviceTimestamp
		d.mu.Unlock()
		t[protocol.KeyTimezone] = zone
		t[protocol.KeyTimeRule] = buildTimeRules(ts, loc)
	}

	payload := map[string]any{protocol.KeyTime: t}
	if _, err := d.RequestAck(ctx, protocol.NSSystemTime, protocol.MethodSet, payload); err != nil {
		d.log.Debug("timezone config not acknowledged",
			"device", d.logID, "timezone", zone, "error", err)
		return false
	}

	d.mu.Lock()
	d.descriptor.updateTime(t)
	snapshot := d.descriptor.clone()
	d.mu.Unlock()
	d.log.Info("configured device timezone",
		"device", d.logID, "timezone", zone)
	if d.onDescriptor != nil {
		d.onDescriptor(snapshot)
	}
	return true
}

// timeRulesStale reports whether the rule table fails to describe the
// zone's offsets around the device's current time, including the next
// transition within a week.
func timeRulesStale(ts int64, zone string, rules []any) (bool, error) {
	if zone == "" {
		return len(rules) > 0, nil
	}
	if len(rules) == 0 {
		return true, nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return false, err
	}
	idx := sort.Search(len(rules), func(i int) bool {
		return ruleEpoch(rules[i]) > ts
	})
	if idx == 0 {
		// Device time predates every rule.
		return true, nil
	}
	rule := rules[idx-1]
	if timeRuleWrong(ts, rule, loc) {
		return true, nil
	}
	future := ts + int64(timezoneCheckOK)
	if idx < len(rules) {
		next := ruleEpoch(rules[idx])
		if future >= next {
			// A transition is coming up: both sides of it must match
			// the zone database.
			wrong := timeRuleWrong(next-1, rule, loc) ||
				timeRuleWrong(next+1, rules[idx], loc)
			return wrong, nil
		}
	}
	return timeRuleWrong(future, rule, loc), nil
}

// buildTimeRules produces the rule table for the zone as the device
// expects it: the transition in effect at ts and the next one, each
// as [epoch, utcOffset, isDST].
func buildTimeRules(ts int64, loc *time.Location) []any {
	now := time.Unix(ts, 0).In(loc)
	_, offset := now.Zone()
	start, end := now.ZoneBounds()
	base := ts
	if !start.IsZero() {
		base = start.Unix()
	}
	rules := []any{timeRule(base, offset, now.IsDST())}
	if !end.IsZero() {
		next := end.In(loc)
		_, nextOffset := next.Zone()
		rules = append(rules, timeRule(end.Unix(), nextOffset, next.IsDST()))
	}
	return rules
}

func timeRule(epoch int64, offset int, dst bool) []any {
	flag := 0
	if dst {
		flag = 1
	}
	return []any{epoch, offset, flag}
}

func timeRuleWrong(epoch int64, rule any, loc *time.Location) bool {
	list, ok := rule.([]any)
	if !ok || len(list) < 3 {
		return true
	}
	t := time.Unix(epoch, 0).In(loc)
	_, offset := t.Zone()
	if ruleInt(list[1]) != offset {
		return true
	}
	dst := 0
	if t.IsDST() {
		dst = 1
	}
	return ruleInt(list[2]) != dst
}

func ruleEpoch(rule any) int64 {
	list, ok := rule.([]any)
	if !ok || len(list) == 0 {
		return 0
	}
	return int64(ruleInt(list[0]))
}

func ruleInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	}
	return 0
}
