package mqtt

import "fmt"

// Topic prefixes for the bridge's own MQTT surface.
//
// The appliances' protocol topics (/appliance/{uuid}/subscribe and
// /appliance/{uuid}/publish) are owned by the protocol package; everything
// under merossbridge/ is bridge-originated status traffic.
const (
	// TopicPrefix is the base for all bridge topics.
	TopicPrefix = "merossbridge"

	// TopicPrefixDevice is the base for per-device status topics.
	TopicPrefixDevice = "merossbridge/device"
)

// Topics provides builders for the bridge's MQTT topics.
// Using these helpers keeps topic naming consistent across the codebase.
//
//	topics := mqtt.Topics{}
//	statusTopic := topics.DeviceStatus("0123456789abcdef0123456789abcdef")
//	// Returns: "merossbridge/device/0123456789abcdef0123456789abcdef/status"
type Topics struct{}

// BridgeStatus returns the bridge availability topic. The client publishes
// retained online/offline payloads here and registers its LWT on it.
//
// Example: merossbridge/bridge/status
func (Topics) BridgeStatus() string {
	return fmt.Sprintf("%s/bridge/status", TopicPrefix)
}

// DeviceStatus returns the status topic for one appliance, carrying
// retained online/offline state as the bridge sees it.
//
// Example: merossbridge/device/<uuid>/status
func (Topics) DeviceStatus(uuid string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefixDevice, uuid)
}

// DeviceEvent returns the event topic for one appliance, carrying push
// notifications forwarded off the appliance protocol.
//
// Example: merossbridge/device/<uuid>/event
func (Topics) DeviceEvent(uuid string) string {
	return fmt.Sprintf("%s/%s/event", TopicPrefixDevice, uuid)
}
