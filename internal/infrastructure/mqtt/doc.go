// Package mqtt provides MQTT client connectivity for the Meross bridge.
//
// This package manages:
//   - Connection to the appliances' paired broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// Meross appliances keep a persistent MQTT session with whichever broker
// they were paired to (the vendor cloud, or a local broker after
// re-pairing). The bridge shares a single client connection for two jobs:
// the device transport layer, which exchanges request/response envelopes
// on the per-appliance /appliance/{uuid}/... topics, and the health
// reporter, which publishes bridge and device availability under
// merossbridge/.
//
//	Bridge ↔ MQTT Broker ↔ Appliances
//
// # Security Considerations
//
//   - TLS is required when talking to the vendor cloud broker (port 8883)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local brokers on trusted networks
//   - Envelope payloads are signed (MD5) but not encrypted beyond TLS
//
// # Performance Characteristics
//
//   - Connection: <1 second to local broker
//   - Publish latency: <10ms for QoS 1 to local broker
//   - Reconnect: Exponential backoff 1s-60s with jitter
//   - Message throughput: Broker-limited (typically 10K+ msg/sec)
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Watch every appliance's publish topic
//	err = client.Subscribe(protocol.TopicDiscovery, 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	// Send a request envelope to one appliance
//	client.Publish(protocol.RequestTopic(uuid), envelope, 1, false)
package mqtt
