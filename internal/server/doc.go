// Package server exposes the session and query layer over HTTP.
//
// # API Endpoints
//
//   - GET/POST /session: list and create sessions
//   - GET /session/status: ids of sessions with a running query
//   - GET/PATCH/DELETE /session/{id}: read, rename or move, delete
//   - GET /session/{id}/message: the message list
//   - POST /session/{id}/prompt: start a query (202, runs in the background)
//   - POST /session/{id}/interrupt: stop the running query
//   - GET /session/{id}/pending: outstanding permission and question requests
//   - POST /permission/{requestId}, POST /question/{requestId}: answer a request
//   - GET /config: effective settings with API keys redacted
//   - GET /event: Server-Sent Events notification stream
//   - GET /ws: websocket carrying notifications and commands
//   - GET /metrics: Prometheus metrics
//
// # Notifications
//
// Both /event and /ws relay the event bus topic. Each notification is a
// JSON envelope:
//
//	{"type": "messages.changed", "properties": {...}}
//
// Passing ?sessionID=... keeps only notifications for that session plus
// the ones that name no session.
//
// # Errors
//
// Failures use a common body:
//
//	{"error": {"code": "INVALID_REQUEST", "message": "...", "details": {"field": "prompt"}}}
//
// Preflight failures return 412 with a hint telling the user how to fix
// their setup.
package server
