// Package api implements the HTTP REST API and WebSocket server for
// the bridge.
//
// This package provides:
//   - REST endpoints for device inspection, ad-hoc protocol requests,
//     forced polls and trace queries
//   - WebSocket hub broadcasting device lifecycle and push events
//   - JWT bearer authentication with ticket-based WebSocket auth
//   - Middleware stack (request ID, logging, recovery, CORS)
//
// # Architecture
//
// The API server sits on top of the device registry: every read is a
// snapshot of live engine state and every write is proxied to the
// appliance through the engine's transport selection. Lifecycle events
// flow the other way, from registry callbacks into the WebSocket hub.
//
// # Security
//
// POST /auth/login exchanges the configured API secret for a short
// lived HS256 token. WebSocket connections use single-use tickets so
// tokens never appear in URLs.
package api
