// Package session holds the in-memory registry of conversation sessions.
//
// The Registry is the single writer of session state. Callers get copies;
// every change goes through a Registry method, which stamps updatedAt,
// marks the session dirty and schedules a messages.changed notification.
//
// # Persistence
//
// Dirty sessions are written by a periodic flush loop (Start) and on
// demand with SaveNow. Writes of one session are serialized. Close stops
// the loop and flushes whatever is still dirty.
//
// # Notifications
//
// Message changes are coalesced per session by a throttler so a fast
// stream produces at most one notification per interval, always carrying
// the latest message list. FlushNotifications delivers a pending one
// immediately, which the query layer uses when a query ends.
//
// # Query state
//
// SetQueryState and ClearQueryState mark a session as loading. A
// QueryState is compared by identity, so a finishing query cannot clear
// the state installed by the query that replaced it.
package session
