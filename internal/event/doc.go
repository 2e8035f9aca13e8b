/*
Package event provides the notification bus used by the session registry,
permission broker and query orchestrator to reach the UI boundary.

A Bus is constructed explicitly and passed to the components that publish
on it. In-process subscribers receive typed Event values by direct call
(Subscribe, SubscribeAll). Every published event is also encoded as a JSON
Envelope and forwarded to a watermill gochannel topic, which the HTTP layer
consumes through Stream to feed SSE and websocket clients.

# Event Types

Session events:
  - session.created, session.updated, session.deleted

Transcript and query events:
  - messages.changed: full message list of a session (throttled for streaming appends)
  - query.state: a query started or stopped
  - query.complete: structured outcome of a finished query
  - query.error: a query failed

Decision events:
  - permission.required / permission.resolved
  - question.required / question.resolved

Configuration:
  - settings.changed: settings file reloaded
*/
package event
