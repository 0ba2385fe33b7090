// Package engine implements the per appliance communication engine: it
// owns the full conversation with one device, from transport selection
// and polling to payload dispatch and state bookkeeping.
//
// # Architecture
//
// Each appliance is driven by a Device. A Device routes requests over
// the transports it was built with (HTTP, MQTT or both), keeps the
// device online state, schedules the polling cycle and funnels every
// inbound envelope through a single handling pipeline:
//
//	transport -> decode -> receive (epochs, clock, sizes) -> handle -> Handler.dispatch -> parsers
//
// A Handler exists per namespace and knows how to poll it and how to
// fan incoming payload fragments out to per channel parser functions.
// Handlers are created lazily the first time a namespace enters the
// message flow, with grammar resolved through the protocol catalog, so
// unknown firmware features degrade gracefully instead of erroring.
//
// # Key Responsibilities
//
//   - Transport routing: requests follow the current transport and fall
//     back to the other one on failure. Switching back to the preferred
//     transport only happens on positive proof the preferred transport
//     works, which keeps the route stable under flaky conditions.
//   - Polling: a scheduler goroutine wakes every polling period and
//     asks each namespace handler's strategy whether and how to poll.
//     Strategies range from unconditional to cloud quota aware.
//   - Request batching: poll requests are packed into
//     Appliance.Control.Multiple containers under a response byte
//     budget that adapts to what the device can actually emit.
//   - Clock alignment: device timestamps are smoothed into a running
//     delta and, on locally bridged devices, the device clock is
//     corrected when it drifts too far.
//
// # Thread Safety
//
// All exported Device and Handler methods are safe for concurrent use.
// Parser callbacks run outside the engine lock and may be invoked from
// the scheduler goroutine or from a transport delivery goroutine, so
// parsers that share state must synchronise it themselves. Parsers
// must not issue device requests synchronously; spawn a goroutine or
// use PollNow instead.
package engine
