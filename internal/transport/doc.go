// Package transport carries protocol envelopes between the bridge and the
// appliances over HTTP and MQTT.
//
// Both carriers implement the engine's transport contract: Send transmits
// one request envelope and returns the raw reply body, Usable reports
// whether the carrier can currently take requests and Cloud reports
// whether requests travel through a cloud broker. Replies come back as raw
// bytes because the engine owns response decoding, including repair of
// truncated multiple-response buffers.
//
// # HTTP
//
// HTTP posts envelopes directly to the appliance's embedded web server at
// http://{host}/config. Appliance HTTP stacks stall without reason now and
// then, so connects are retried inside the request with an escalating
// dial timeout. Newer firmwares require AES-CBC encrypted bodies, enabled
// per device with SetEncryption. When no device key is configured the
// client falls back to echoing the appliance's own reply identity, which
// most firmwares accept in place of a valid signature.
//
// # MQTT
//
// Broker multiplexes every appliance conversation over one shared broker
// connection. A single wildcard subscription on /appliance/+/publish feeds
// an inbound queue; a delivery goroutine matches replies to pending
// requests by message id, hands unclaimed traffic to the device bound for
// that uuid and surfaces envelopes from unconfigured devices through the
// discovery callback. Publishes to cloud brokers are rate limited per
// device to stay under the vendor's account limits.
package transport
