// Package provider connects queries to a model backend and exposes every
// backend as the same event stream.
//
// The stream carries the agent CLI's stream-json events: system, user,
// assistant snapshots, stream_event deltas and a terminal result. Tool
// permission requests do not appear on the stream. The backend calls
// Request.CanUseTool instead and blocks until it returns, so a pending
// decision holds up Recv for that query only.
//
// Backends:
//
//   - CLIProvider runs the agent CLI as a child process, one per query.
//   - ChatProvider streams a single turn from a chat completion API through
//     eino (claude, openai or ark models).
//   - Scripted replays a fixed script and is used by tests.
//
// Registry selects the backend from the agent settings.
package provider
