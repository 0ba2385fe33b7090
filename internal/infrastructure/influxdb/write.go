package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names used by the bridge.
const (
	// MeasurementDeviceState holds per-channel state samples parsed from
	// appliance payloads (power, voltage, temperature, ...).
	MeasurementDeviceState = "device_state"

	// MeasurementBridgeStats holds bridge-level counters (traffic totals,
	// batch statistics, broker routing stats).
	MeasurementBridgeStats = "bridge_stats"
)

// WriteChannelSample writes one per-channel state sample.
//
// This is the primary method for recording appliance telemetry. The write
// is non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - uuid: The appliance identifier (32 hex characters)
//   - channel: The channel or subdevice the sample belongs to
//   - namespace: The protocol namespace the values were parsed from
//   - fields: Numeric field values (power, voltage, current, ...)
//   - ts: Sample timestamp
//
// Example:
//
//	client.WriteChannelSample(uuid, "0", "Appliance.Control.Electricity",
//	    map[string]any{"power": 23.0, "voltage": 229.8}, time.Now())
func (c *Client) WriteChannelSample(uuid, channel, namespace string, fields map[string]any, ts time.Time) {
	if !c.IsConnected() || len(fields) == 0 {
		return
	}

	point := write.NewPoint(
		MeasurementDeviceState,
		map[string]string{
			"uuid":      uuid,
			"channel":   channel,
			"namespace": namespace,
		},
		fields,
		ts,
	)

	c.writeAPI.WritePoint(point)
}

// WriteBridgeStats writes bridge-level counters.
//
// Used by the health reporter to record traffic totals on its ticker.
func (c *Client) WriteBridgeStats(fields map[string]any) {
	if !c.IsConnected() || len(fields) == 0 {
		return
	}

	point := write.NewPoint(
		MeasurementBridgeStats,
		map[string]string{},
		fields,
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for measurements that don't fit the helper methods.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., a sample translated from
// a device-clock timestamp).
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
