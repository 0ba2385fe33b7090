// Package registry owns the set of configured appliances.
//
// It builds one engine.Device per configuration entry, wires the
// transports (per-device HTTP, the shared MQTT broker router), restores
// descriptor snapshots from SQLite so polling budgets and abilities are
// warm before first contact, and persists them back as devices report.
//
// The registry also watches the discovery topic for appliances nobody
// configured: when site discovery is enabled, unknown uuids are
// identified with a single state query under the site key and surfaced
// through the API. Discovered devices are never persisted.
//
// Lifecycle:
//
//	reg, err := registry.New(registry.Options{...})
//	err = reg.Start(ctx)
//	defer reg.Stop()
package registry
