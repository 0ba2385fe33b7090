// Package protocol implements the appliance wire protocol spoken by Meross
// devices on the local network.
//
// Devices expose a json rpc style envelope over two transports: an http
// endpoint at /config and a pair of MQTT topics on the local broker. The
// same message format travels over both:
//
//	{
//	  "header": {
//	    "messageId": "<32 hex>",
//	    "namespace": "Appliance.Control.ToggleX",
//	    "method": "GET",
//	    "payloadVersion": 1,
//	    "from": "...",
//	    "timestamp": 1700000000,
//	    "timestampMs": 0,
//	    "sign": "<md5(messageId+key+timestamp)>"
//	  },
//	  "payload": { "togglex": [ { "channel": 0 } ] }
//	}
//
// # Key Responsibilities
//
//   - Envelope codec: build, sign, parse and verify messages
//   - Namespace catalog: the grammar of every known namespace (payload
//     key, channel identity, query shape, verbs, polling profile) plus
//     heuristics that classify namespaces seen for the first time
//   - Batched requests: pack and unpack Appliance.Control.Multiple and
//     repair replies truncated by the device http buffer
//   - Payload encryption for firmware that requires AES wrapped bodies
//
// # Namespace Grammar
//
// Each namespace carries its state under a payload key and addresses
// multiple outputs either by channel index or, on hubs, by subdevice id.
// The catalog knows which:
//
//	catalog := protocol.NewCatalog()
//	ns := catalog.Lookup("Appliance.Control.ToggleX")
//	ns.Key        // "togglex"
//	ns.ChannelKey // "channel"
//
// Unknown namespaces are classified by name heuristics and refined from
// observed traffic via FromMessage.
//
// # Thread Safety
//
// The catalog is safe for concurrent use. Namespace values are immutable
// once published. Message values are plain data and not synchronised.
package protocol
