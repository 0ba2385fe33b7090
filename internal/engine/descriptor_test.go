package engine

import (
	"math"
	"reflect"
	"testing"

	"github.com/nerrad567/gray-logic-meross/internal/protocol"
)

func richDescriptorPayload() map[string]any {
	return map[string]any{
		"all": map[string]any{
			"system": map[string]any{
				"hardware": map[string]any{
					"type":       "mss310",
					"uuid":       testUUID,
					"macAddress": "48:e1:e9:aa:bb:cc",
					"version":    "6.0.0",
				},
				"firmware": map[string]any{
					"version":      "6.1.8",
					"innerIp":      "10.0.0.77",
					"server":       "10.0.0.2",
					"port":         8883,
					"secondServer": "10.0.0.3",
					"userId":       12345,
				},
				"time": map[string]any{
					"timestamp": 1756000000,
					"timezone":  "Europe/London",
				},
				"online": map[string]any{"status": 1},
			},
			"digest": map[string]any{
				"togglex": []any{map[string]any{"channel": 0, "onoff": 1}},
			},
		},
	}
}

func TestDescriptorAccessors(t *testing.T) {
	dd := newDescriptor()
	dd.update(richDescriptorPayload())
	dd.updateAbility(map[string]any{
		protocol.NSControlMultiple: map[string]any{"maxCmdNum": 5},
	})

	if got := dd.Type(); got != "mss310" {
		t.Errorf("Type() = %q, want mss310", got)
	}
	if got := dd.UUID(); got != testUUID {
		t.Errorf("UUID() = %q, want %q", got, testUUID)
	}
	if got := dd.MacAddress(); got != "48:e1:e9:aa:bb:cc" {
		t.Errorf("MacAddress() = %q", got)
	}
	if got := dd.HardwareVersion(); got != "6.0.0" {
		t.Errorf("HardwareVersion() = %q, want 6.0.0", got)
	}
	if got := dd.FirmwareVersion(); got != "6.1.8" {
		t.Errorf("FirmwareVersion() = %q, want 6.1.8", got)
	}
	if got := dd.InnerIP(); got != "10.0.0.77" {
		t.Errorf("InnerIP() = %q, want 10.0.0.77", got)
	}
	// Numeric account ids are normalized to strings.
	if got := dd.UserID(); got != "12345" {
		t.Errorf("UserID() = %q, want 12345", got)
	}
	if got := dd.TimeZone(); got != "Europe/London" {
		t.Errorf("TimeZone() = %q, want Europe/London", got)
	}
	// The secondary broker has no explicit port and gets the default.
	wantBrokers := []string{"10.0.0.2:8883", "10.0.0.3:443"}
	if got := dd.Brokers(); !reflect.DeepEqual(got, wantBrokers) {
		t.Errorf("Brokers() = %v, want %v", got, wantBrokers)
	}
	if !dd.deviceOnline() {
		t.Error("deviceOnline() = false for an attached device")
	}
	if got := dd.multipleMax(); got != 5 {
		t.Errorf("multipleMax() = %d, want 5", got)
	}
	if dd.Digest() == nil {
		t.Error("Digest() = nil with a digest present")
	}

	empty := newDescriptor()
	if got := empty.Type(); got != protocol.Manufacturer {
		t.Errorf("Type() on an empty descriptor = %q, want %q", got, protocol.Manufacturer)
	}
	if got := empty.Brokers(); got != nil {
		t.Errorf("Brokers() on an empty descriptor = %v, want none", got)
	}
}

func TestDescriptorDigestFallback(t *testing.T) {
	dd := newDescriptor()
	dd.update(map[string]any{
		"all": map[string]any{
			"control": map[string]any{
				"toggle": map[string]any{"onoff": 1},
			},
		},
	})
	digest := dd.Digest()
	if digest == nil || digest["toggle"] == nil {
		t.Fatalf("Digest() = %v, want the legacy control section", digest)
	}
}

func TestDescriptorCloneIsDeep(t *testing.T) {
	dd := newDescriptor()
	dd.update(richDescriptorPayload())
	dd.debug = map[string]any{
		"cloud": map[string]any{"activeServer": "10.0.0.2"},
	}

	snap := dd.clone()
	snap.All()["system"].(map[string]any)["hardware"].(map[string]any)["uuid"] = "mutated"
	snap.debug["cloud"].(map[string]any)["activeServer"] = "mutated"

	if got := dd.UUID(); got != testUUID {
		t.Errorf("source UUID changed through a clone: %q", got)
	}
	if got := activeBrokerHost(dd.debug); got != "10.0.0.2" {
		t.Errorf("source debug changed through a clone: %q", got)
	}
}

func TestDescriptorUpdateTime(t *testing.T) {
	dd := newDescriptor()
	dd.update(richDescriptorPayload())
	dd.updateTime(map[string]any{
		"timezone": "UTC",
		"timeRule": []any{[]any{int64(1756000000), 0, 0}},
	})

	if got := dd.TimeZone(); got != "UTC" {
		t.Errorf("TimeZone() = %q, want UTC after the update", got)
	}
	if got := len(dd.TimeRules()); got != 1 {
		t.Errorf("TimeRules() = %d rules, want 1", got)
	}
	// Keys not in the update survive the merge.
	section := protocol.DictField(dd.system(), protocol.KeyTime)
	if got := protocol.IntField(section, "timestamp"); got != 1756000000 {
		t.Errorf("timestamp = %d, want preserved", got)
	}

	// Without a system section the update has nowhere to land.
	bare := newDescriptor()
	bare.updateTime(map[string]any{"timezone": "UTC"})
	if got := bare.TimeZone(); got != "" {
		t.Errorf("TimeZone() = %q on a bare descriptor", got)
	}
}

func TestApplyAbilities(t *testing.T) {
	http := &fakeTransport{usable: true, respond: emptyAck}
	d, err := NewDevice(Options{
		UUID: testUUID, Key: testKey,
		Transport: RouteHTTP, HTTP: http,
		Ability: map[string]any{
			protocol.NSControlMultiple: map[string]any{"maxCmdNum": 5},
			protocol.NSSystemTime:      map[string]any{},
			protocol.NSSystemRuntime:   map[string]any{},
		},
	})
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}

	d.mu.Lock()
	max, budget, tzNext := d.multipleMax, d.responseSizeMax, d.timezoneNext
	runtime := d.handlers[protocol.NSSystemRuntime]
	d.mu.Unlock()
	if max != 5 {
		t.Errorf("multipleMax = %d, want 5", max)
	}
	if budget != 5*responseSizePerCommand {
		t.Errorf("responseSizeMax = %d, want %d", budget, 5*responseSizePerCommand)
	}
	if tzNext != 0 {
		t.Errorf("timezoneNext = %v, want 0 with the time ability present", tzNext)
	}
	if runtime == nil {
		t.Fatal("no handler created for a pollable ability")
	}
	if runtime.strategy != protocol.StrategyLazy {
		t.Errorf("runtime strategy = %v, want lazy", runtime.strategy)
	}

	// A firmware update can withdraw abilities; the derived state follows.
	d.parseAbility(nil, map[string]any{
		"ability": map[string]any{
			protocol.NSControlMultiple: map[string]any{"maxCmdNum": 3},
		},
	})
	d.mu.Lock()
	max, budget, tzNext = d.multipleMax, d.responseSizeMax, d.timezoneNext
	d.mu.Unlock()
	if max != 3 {
		t.Errorf("multipleMax = %d after the refresh, want 3", max)
	}
	if budget != 5*responseSizePerCommand {
		t.Errorf("responseSizeMax = %d, want the learned budget kept", budget)
	}
	if !math.IsInf(tzNext, 1) {
		t.Errorf("timezoneNext = %v, want unscheduled without the time ability", tzNext)
	}
}

func TestHubDigestScan(t *testing.T) {
	http := &fakeTransport{usable: true, respond: emptyAck}
	desc := map[string]any{
		"all": map[string]any{
			"system": map[string]any{
				"hardware": map[string]any{"type": "msh300", "uuid": testUUID},
				"online":   map[string]any{"status": 1},
			},
			"digest": map[string]any{
				"hub": map[string]any{
					"hubId": 1234,
					"subdevice": []any{
						map[string]any{
							"id": "00112233", "status": 1,
							"mts100v3": map[string]any{"mode": 0},
						},
						map[string]any{
							"id": "44556677", "status": 1,
							"ms100": map[string]any{"latestTemperature": 215},
						},
					},
				},
			},
		},
	}
	d, err := NewDevice(Options{
		UUID: testUUID, Key: testKey,
		Transport: RouteHTTP, HTTP: http,
		Descriptor: desc,
	})
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.hub {
		t.Fatal("hub digest did not mark the device as a hub")
	}
	sensors := d.handlers[protocol.NSHubSensorAll]
	valves := d.handlers[protocol.NSHubMts100All]
	battery := d.handlers[protocol.NSHubBattery]
	if sensors == nil || valves == nil || battery == nil {
		t.Fatal("hub namespaces missing their handlers")
	}
	if got := len(d.digestPollers); got != 2 {
		t.Errorf("digest pollers = %d, want sensors and valves", got)
	}
	valve := protocol.Channel{SubID: "00112233"}
	sensor := protocol.Channel{SubID: "44556677"}
	if _, ok := valves.parsers[valve]; !ok {
		t.Error("thermostat valve not routed to the mts100 namespace")
	}
	if _, ok := sensors.parsers[sensor]; !ok {
		t.Error("sensor subdevice not routed to the sensor namespace")
	}
	if _, ok := valves.parsers[sensor]; ok {
		t.Error("sensor subdevice routed to the valve namespace")
	}
	for _, c := range []protocol.Channel{valve, sensor} {
		if _, ok := battery.parsers[c]; !ok {
			t.Errorf("subdevice %s missing from battery polling", c.String())
		}
	}
}

func TestNestedThermostatDigest(t *testing.T) {
	http := &fakeTransport{usable: true, respond: emptyAck}
	desc := map[string]any{
		"all": map[string]any{
			"system": map[string]any{
				"hardware": map[string]any{"type": "mts200", "uuid": testUUID},
				"online":   map[string]any{"status": 1},
			},
			"digest": map[string]any{
				"thermostat": map[string]any{
					"type": 1,
					"mode": []any{
						map[string]any{"channel": 0, "state": 1},
					},
					"summerMode": []any{
						map[string]any{"channel": 0, "mode": 0},
					},
				},
			},
		},
	}
	d, err := NewDevice(Options{
		UUID: testUUID, Key: testKey,
		Transport: RouteHTTP, HTTP: http,
		Descriptor: desc,
	})
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	mode := d.handlers["Appliance.Control.Thermostat.Mode"]
	summer := d.handlers["Appliance.Control.Thermostat.SummerMode"]
	if mode == nil || summer == nil {
		t.Fatal("thermostat sub features missing their handlers")
	}
	if _, ok := d.handlers["Appliance.Control.Thermostat.Type"]; ok {
		t.Error("the type marker became a namespace handler")
	}
	if got := len(d.digestPollers); got != 2 {
		t.Errorf("digest pollers = %d, want one per sub feature", got)
	}
	if _, ok := mode.parsers[protocol.Channel{}]; !ok {
		t.Error("channel 0 not seeded for the mode namespace")
	}
}

func TestParseAllRejectsForeignIdentity(t *testing.T) {
	http := &fakeTransport{usable: true, respond: emptyAck}
	d, err := NewDevice(Options{
		UUID: testUUID, Key: testKey,
		Transport: RouteHTTP, HTTP: http,
	})
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}

	payload := systemAllPayload()
	hardware := payload["all"].(map[string]any)["system"].(map[string]any)["hardware"].(map[string]any)
	hardware["uuid"] = otherUUID
	d.parseAll(nil, payload)

	if got := d.Descriptor().UUID(); got != "" {
		t.Errorf("descriptor took identity %q from a foreign payload", got)
	}
	if got := d.Metrics().IdentityMismatches; got != 1 {
		t.Errorf("IdentityMismatches = %d, want 1", got)
	}
	if d.Online() {
		t.Error("device online after a rejected payload")
	}
}
