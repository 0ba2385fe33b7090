package telemetry

import "time"

// Fragment keys that identify the reading rather than carry a value.
var identityKeys = map[string]bool{
	"channel": true,
	"id":      true,
	"date":    true,
	"time":    true,
	"lmTime":  true,
	"config":  true,
}

// ExtractFields turns a payload fragment into point fields. Electricity
// readings arrive in firmware units (milliwatts, decivolts, milliamps)
// and are scaled to SI on the way out; consumption readings carry
// watt-hours. Other namespaces contribute their numeric values as
// gauges. The returned timestamp is the fragment's own epoch when it
// carries one, zero otherwise.
func ExtractFields(namespace string, fragment map[string]any) (map[string]any, time.Time) {
	var ts time.Time
	if epoch, ok := numeric(fragment["time"]); ok && epoch > 0 {
		ts = time.Unix(int64(epoch), 0).UTC()
	}

	switch namespace {
	case "Appliance.Control.Electricity", "Appliance.Control.ElectricityX":
		return electricityFields(fragment), ts
	case "Appliance.Control.ConsumptionX", "Appliance.Control.ConsumptionH":
		if wh, ok := numeric(fragment["value"]); ok {
			return map[string]any{"energy_wh": wh}, ts
		}
		return nil, ts
	}

	fields := make(map[string]any)
	for key, value := range fragment {
		if identityKeys[key] {
			continue
		}
		if v, ok := numeric(value); ok {
			fields[key] = v
		}
	}
	if len(fields) == 0 {
		return nil, ts
	}
	return fields, ts
}

func electricityFields(fragment map[string]any) map[string]any {
	fields := make(map[string]any)
	if mw, ok := numeric(fragment["power"]); ok {
		fields["power_w"] = mw / 1000
	}
	if dv, ok := numeric(fragment["voltage"]); ok {
		fields["voltage_v"] = dv / 10
	}
	if ma, ok := numeric(fragment["current"]); ok {
		fields["current_a"] = ma / 1000
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
