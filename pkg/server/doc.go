// Package server exposes the engine over HTTP: the /ws websocket
// endpoint for live synchronization, read-only JSON snapshots under
// /api/, and the metrics and health endpoints.
package server
