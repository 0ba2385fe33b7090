package engine

import (
	"errors"
	"reflect"
	"testing"

	"github.com/nerrad567/gray-logic-meross/internal/protocol"
)

func newDispatchDevice(t *testing.T) *Device {
	t.Helper()
	d, err := NewDevice(Options{
		UUID: testUUID, Key: testKey,
		Transport: RouteHTTP,
		HTTP:      &fakeTransport{usable: true},
	})
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	return d
}

func mustRegister(t *testing.T, h *Handler, c protocol.Channel, fn Parser) {
	t.Helper()
	if err := h.RegisterParser(c, fn); err != nil {
		t.Fatalf("RegisterParser(%s): %v", c.String(), err)
	}
}

func TestDispatchListPayload(t *testing.T) {
	d := newDispatchDevice(t)
	h := d.Handler(protocol.NSControlToggleX)

	var got0, got1 []map[string]any
	mustRegister(t, h, protocol.Channel{}, func(f map[string]any) error {
		got0 = append(got0, f)
		return nil
	})
	mustRegister(t, h, protocol.Channel{Idx: 1}, func(f map[string]any) error {
		got1 = append(got1, f)
		return nil
	})

	header := &protocol.Header{Namespace: protocol.NSControlToggleX, Method: protocol.MethodGetAck}
	h.dispatch(header, map[string]any{
		"togglex": []any{
			map[string]any{"channel": 0, "onoff": 1},
			map[string]any{"channel": 1, "onoff": 0},
		},
	})

	if len(got0) != 1 || got0[0]["onoff"] != 1 {
		t.Errorf("channel 0 fragments = %v, want one with onoff 1", got0)
	}
	if len(got1) != 1 || got1[0]["onoff"] != 0 {
		t.Errorf("channel 1 fragments = %v, want one with onoff 0", got1)
	}
	d.mu.Lock()
	shape := h.shape
	d.mu.Unlock()
	if shape != shapeList {
		t.Errorf("shape = %v, want list", shape)
	}
}

func TestRegisterParserDuplicateChannel(t *testing.T) {
	d := newDispatchDevice(t)
	h := d.Handler(protocol.NSControlToggleX)

	var first, second int
	mustRegister(t, h, protocol.Channel{}, func(map[string]any) error {
		first++
		return nil
	})
	if err := h.RegisterParser(protocol.Channel{}, func(map[string]any) error {
		second++
		return nil
	}); !errors.Is(err, ErrChannelRegistered) {
		t.Fatalf("duplicate RegisterParser err = %v, want ErrChannelRegistered", err)
	}

	header := &protocol.Header{Namespace: protocol.NSControlToggleX, Method: protocol.MethodGetAck}
	h.dispatch(header, map[string]any{
		"togglex": []any{map[string]any{"channel": 0, "onoff": 1}},
	})
	if first != 1 || second != 0 {
		t.Errorf("parser calls = %d/%d, want the original parser to keep the channel", first, second)
	}

	h.UnregisterParser(protocol.Channel{})
	mustRegister(t, h, protocol.Channel{}, func(map[string]any) error { return nil })

	if err := d.RegisterParser(protocol.NSControlToggleX, protocol.Channel{}, func(map[string]any) error { return nil }); !errors.Is(err, ErrChannelRegistered) {
		t.Errorf("device duplicate RegisterParser err = %v, want ErrChannelRegistered", err)
	}
}

func TestDispatchShapeCorrection(t *testing.T) {
	t.Run("list to dict", func(t *testing.T) {
		d := newDispatchDevice(t)
		h := d.Handler(protocol.NSControlToggleX)
		var got []map[string]any
		mustRegister(t, h, protocol.Channel{}, func(f map[string]any) error {
			got = append(got, f)
			return nil
		})
		header := &protocol.Header{Namespace: protocol.NSControlToggleX, Method: protocol.MethodGetAck}

		h.dispatch(header, map[string]any{
			"togglex": []any{map[string]any{"channel": 0, "onoff": 1}},
		})
		// The next firmware reply wraps the same data in a plain dict.
		h.dispatch(header, map[string]any{
			"togglex": map[string]any{"channel": 0, "onoff": 0},
		})

		if len(got) != 2 {
			t.Fatalf("fragments = %d, want 2", len(got))
		}
		if got[1]["onoff"] != 0 {
			t.Errorf("second fragment = %v, want the dict payload", got[1])
		}
		d.mu.Lock()
		shape := h.shape
		d.mu.Unlock()
		if shape != shapeDict {
			t.Errorf("shape = %v, want dict after correction", shape)
		}
	})

	t.Run("dict to generic", func(t *testing.T) {
		d := newDispatchDevice(t)
		h := d.Handler(protocol.NSControlToggleX)
		var got []map[string]any
		mustRegister(t, h, protocol.Channel{}, func(f map[string]any) error {
			got = append(got, f)
			return nil
		})
		header := &protocol.Header{Namespace: protocol.NSControlToggleX, Method: protocol.MethodGetAck}

		h.dispatch(header, map[string]any{
			"togglex": map[string]any{"channel": 0, "onoff": 1},
		})
		h.dispatch(header, map[string]any{"togglex": "on"})
		// Generic shape still routes well formed values.
		h.dispatch(header, map[string]any{
			"togglex": map[string]any{"channel": 0, "onoff": 0},
		})

		if len(got) != 2 {
			t.Fatalf("fragments = %d, want 2", len(got))
		}
		d.mu.Lock()
		shape := h.shape
		d.mu.Unlock()
		if shape != shapeGeneric {
			t.Errorf("shape = %v, want generic after correction", shape)
		}
	})
}

func TestDispatchIsolatesParserFailures(t *testing.T) {
	d := newDispatchDevice(t)
	h := d.Handler(protocol.NSControlToggleX)

	var calls []int
	mustRegister(t, h, protocol.Channel{}, func(map[string]any) error {
		calls = append(calls, 0)
		return errors.New("bad fragment")
	})
	mustRegister(t, h, protocol.Channel{Idx: 1}, func(map[string]any) error {
		calls = append(calls, 1)
		panic("parser blew up")
	})
	mustRegister(t, h, protocol.Channel{Idx: 2}, func(map[string]any) error {
		calls = append(calls, 2)
		return nil
	})

	header := &protocol.Header{Namespace: protocol.NSControlToggleX, Method: protocol.MethodGetAck}
	h.dispatch(header, map[string]any{
		"togglex": []any{
			map[string]any{"channel": 0},
			map[string]any{"channel": 1},
			map[string]any{"channel": 2},
		},
	})

	if want := []int{0, 1, 2}; !reflect.DeepEqual(calls, want) {
		t.Errorf("parser calls = %v, want %v", calls, want)
	}
}

func TestRegisterFactory(t *testing.T) {
	d := newDispatchDevice(t)
	h := d.Handler(protocol.NSControlToggleX)

	var made []protocol.Channel
	var got []map[string]any
	h.RegisterFactory(func(c protocol.Channel) Parser {
		made = append(made, c)
		return func(f map[string]any) error {
			got = append(got, f)
			return nil
		}
	})

	header := &protocol.Header{Namespace: protocol.NSControlToggleX, Method: protocol.MethodGetAck}
	payload := map[string]any{
		"togglex": []any{map[string]any{"channel": 7, "onoff": 1}},
	}
	h.dispatch(header, payload)
	h.dispatch(header, payload)

	if want := []protocol.Channel{{Idx: 7}}; !reflect.DeepEqual(made, want) {
		t.Errorf("factory calls = %v, want one for channel 7", made)
	}
	if len(got) != 2 {
		t.Errorf("fragments delivered = %d, want 2", len(got))
	}
	d.mu.Lock()
	_, registered := h.parsers[protocol.Channel{Idx: 7}]
	d.mu.Unlock()
	if !registered {
		t.Error("factory parser not registered for reuse")
	}
}

func TestChannelListPollRequest(t *testing.T) {
	d := newDispatchDevice(t)
	h := d.Handler("Appliance.Control.Presence.Config")
	noop := func(map[string]any) error { return nil }
	mustRegister(t, h, protocol.Channel{}, noop)
	mustRegister(t, h, protocol.Channel{Idx: 1}, noop)

	d.mu.Lock()
	req := h.pollRequestLocked()
	size := h.size
	d.mu.Unlock()

	want := map[string]any{"config": []any{
		map[string]any{"channel": 0},
		map[string]any{"channel": 1},
	}}
	if !reflect.DeepEqual(req.Payload, want) {
		t.Errorf("poll payload = %v, want %v", req.Payload, want)
	}
	if req.Method != protocol.MethodGet {
		t.Errorf("poll method = %q, want GET", req.Method)
	}
	if wantSize := protocol.HeaderSizeEstimate + 2*260; size != wantSize {
		t.Errorf("size = %d, want %d", size, wantSize)
	}

	h.UnregisterParser(protocol.Channel{})
	d.mu.Lock()
	req = h.pollRequestLocked()
	size = h.size
	d.mu.Unlock()
	want = map[string]any{"config": []any{map[string]any{"channel": 1}}}
	if !reflect.DeepEqual(req.Payload, want) {
		t.Errorf("poll payload after unregister = %v, want %v", req.Payload, want)
	}
	if wantSize := protocol.HeaderSizeEstimate + 260; size != wantSize {
		t.Errorf("size after unregister = %d, want %d", size, wantSize)
	}
}

func TestSetPollPayload(t *testing.T) {
	d := newDispatchDevice(t)
	h := d.Handler(protocol.NSControlToggleX)

	override := map[string]any{"togglex": []any{map[string]any{"channel": 3}}}
	h.SetPollPayload(override)
	d.mu.Lock()
	req := h.pollRequestLocked()
	d.mu.Unlock()
	if !reflect.DeepEqual(req.Payload, override) {
		t.Errorf("poll payload = %v, want override", req.Payload)
	}

	h.SetPollPayload(nil)
	d.mu.Lock()
	req = h.pollRequestLocked()
	d.mu.Unlock()
	if want := map[string]any{"togglex": map[string]any{}}; !reflect.DeepEqual(req.Payload, want) {
		t.Errorf("poll payload after reset = %v, want %v", req.Payload, want)
	}
}

func TestDefaultPollingProfile(t *testing.T) {
	d := newDispatchDevice(t)
	// A namespace the grammar has no polling profile for falls back to
	// the diagnostic cadence.
	h := d.Handler(protocol.NSControlToggleX)
	d.mu.Lock()
	period, cloud, size := h.period, h.cloudPeriod, h.size
	strategy := h.strategy
	d.mu.Unlock()
	if period != protocol.PollPeriodDiagnostic || cloud != protocol.PollPeriodCloud {
		t.Errorf("periods = %d/%d, want diagnostic defaults", period, cloud)
	}
	if size != protocol.HeaderSizeEstimate {
		t.Errorf("size = %d, want %d", size, protocol.HeaderSizeEstimate)
	}
	if strategy != protocol.StrategyNone {
		t.Errorf("strategy = %v, want none", strategy)
	}
}
