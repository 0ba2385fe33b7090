package protocol

import "regexp"

// Manufacturer is the vendor string appliances report in discovery payloads.
const Manufacturer = "Meross"

// Envelope methods. Requests use GET, SET or PUSH; replies carry the
// matching ack method or ERROR.
const (
	MethodGet    = "GET"
	MethodGetAck = "GETACK"
	MethodSet    = "SET"
	MethodSetAck = "SETACK"
	MethodPush   = "PUSH"
	MethodError  = "ERROR"
)

// AckMethod returns the reply method that acknowledges a request method.
// PUSH queries are answered with PUSH. Unknown methods return "".
func AckMethod(method string) string {
	switch method {
	case MethodGet:
		return MethodGetAck
	case MethodSet:
		return MethodSetAck
	case MethodPush:
		return MethodPush
	}
	return ""
}

// MQTT topics used by appliances on the local broker. Every device owns a
// pair of topics keyed by its uuid: requests go to the subscribe topic,
// replies and spontaneous pushes appear on the publish topic.
const TopicDiscovery = "/appliance/+/publish"

// RequestTopic returns the topic a device listens on for requests.
func RequestTopic(uuid string) string {
	return "/appliance/" + uuid + "/subscribe"
}

// ResponseTopic returns the topic a device publishes replies on.
func ResponseTopic(uuid string) string {
	return "/appliance/" + uuid + "/publish"
}

var reTopicUUID = regexp.MustCompile(`^/.+/(.+)/.+$`)

// TopicDeviceID extracts the uuid segment from an appliance topic such as
// "/appliance/<uuid>/publish". Returns "" when the topic does not carry
// the expected three segment layout.
func TopicDeviceID(topic string) string {
	m := reTopicUUID.FindStringSubmatch(topic)
	if m == nil {
		return ""
	}
	return m[1]
}

// ValidUUID matches the 32 hex character device uuid format.
var ValidUUID = regexp.MustCompile(`^[a-fA-F0-9]{32}$`)

// ErrorCodeInvalidKey is carried by ERROR replies when the message
// signature does not match the key configured on the device.
const ErrorCodeInvalidKey = 5001

// Online states reported by Appliance.System.Online.
const (
	StatusUnknown   = -1
	StatusNotOnline = 0
	StatusOnline    = 1
	StatusOffline   = 2
	StatusUpgrading = 3
)

// Values for the optional triggerSrc header field. Cloud paired devices
// tag their pushes with the component that caused the state change.
const (
	TriggerSrcClient       = "MerossClient"
	TriggerSrcCloudControl = "CloudControl"
	TriggerSrcDevBoot      = "DevBoot"
	TriggerSrcDevice       = "Device"
)

// HeaderFromDefault is the from field used when the bridge has no reply
// topic of its own, as over http.
const HeaderFromDefault = "MerossClient"

// Payload keys shared across namespace families.
const (
	KeyHeader   = "header"
	KeyPayload  = "payload"
	KeyError    = "error"
	KeyCode     = "code"
	KeyMultiple = "multiple"
	KeyChannel  = "channel"
	KeyID       = "id"
	KeySubID    = "subId"
	KeyData     = "data"

	KeyAll       = "all"
	KeySystem    = "system"
	KeyHardware  = "hardware"
	KeyFirmware  = "firmware"
	KeyAbility   = "ability"
	KeyDigest    = "digest"
	KeyOnline    = "online"
	KeyStatus    = "status"
	KeyTime      = "time"
	KeyTimestamp = "timestamp"
	KeyTimezone  = "timezone"
	KeyTimeRule  = "timeRule"
	KeyClock     = "clock"

	KeyUUID         = "uuid"
	KeyType         = "type"
	KeySubType      = "subType"
	KeyVersion      = "version"
	KeyChipType     = "chipType"
	KeyMacAddress   = "macAddress"
	KeyInnerIP      = "innerIp"
	KeyServer       = "server"
	KeyPort         = "port"
	KeySecondServer = "secondServer"
	KeySecondPort   = "secondPort"
	KeyUserID       = "userId"
	KeyKey          = "key"

	KeyMaxCmdNum = "maxCmdNum"
	KeyTogglex   = "togglex"
	KeySubDevice = "subdevice"
	KeyHub       = "hub"
	KeyCount     = "count"
	KeyValue     = "value"
)

// Namespace names the engine refers to directly. The full grammar table
// lives in the catalog; these constants only exist so call sites do not
// scatter string literals.
const (
	NSSystemAll        = "Appliance.System.All"
	NSSystemAbility    = "Appliance.System.Ability"
	NSSystemClock      = "Appliance.System.Clock"
	NSSystemDebug      = "Appliance.System.Debug"
	NSSystemDNDMode    = "Appliance.System.DNDMode"
	NSSystemFirmware   = "Appliance.System.Firmware"
	NSSystemHardware   = "Appliance.System.Hardware"
	NSSystemOnline     = "Appliance.System.Online"
	NSSystemPosition   = "Appliance.System.Position"
	NSSystemReport     = "Appliance.System.Report"
	NSSystemRuntime    = "Appliance.System.Runtime"
	NSSystemTime       = "Appliance.System.Time"
	NSConfigInfo       = "Appliance.Config.Info"
	NSConfigKey        = "Appliance.Config.Key"
	NSConfigTrace      = "Appliance.Config.Trace"
	NSControlBind      = "Appliance.Control.Bind"
	NSControlMultiple  = "Appliance.Control.Multiple"
	NSControlToggle    = "Appliance.Control.Toggle"
	NSControlToggleX   = "Appliance.Control.ToggleX"
	NSControlUnbind    = "Appliance.Control.Unbind"
	NSDigestHub        = "Appliance.Digest.Hub"
	NSEncryptECDHE     = "Appliance.Encrypt.ECDHE"
	NSEncryptSuite     = "Appliance.Encrypt.Suite"
	NSHubOnline        = "Appliance.Hub.Online"
	NSHubSensorAll     = "Appliance.Hub.Sensor.All"
	NSHubMts100All     = "Appliance.Hub.Mts100.All"
	NSHubSubdeviceList = "Appliance.Hub.SubdeviceList"
	NSHubToggleX       = "Appliance.Hub.ToggleX"
	NSHubBattery       = "Appliance.Hub.Battery"
)

// Default polling cadences in seconds. They seed the per namespace polling
// defaults and can be tuned through device configuration.
const (
	PollPeriodHeartbeat       = 295
	PollPeriodConfig          = 300
	PollPeriodCloud           = 1795
	PollPeriodEnergy          = 55
	PollPeriodEnergyCloud     = 120
	PollPeriodSensorFast      = 0
	PollPeriodSensorFastCloud = 185
	PollPeriodSensorSlow      = 55
	PollPeriodSensorSlowCloud = 300
	PollPeriodDiagnostic      = 300
)

// HeaderSizeEstimate approximates the byte cost of one envelope header when
// budgeting batched requests and sizing expected replies.
const HeaderSizeEstimate = 300
