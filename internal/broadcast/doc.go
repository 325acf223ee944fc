// Package broadcast implements the live connection registry using the actor pattern.
//
// The Manager owns every connection record and team subscription inside a single goroutine
// fed by a command channel (no mutexes). It fans events out to subscribers, sweeps dead
// connections with heartbeats, and isolates failed deliveries per connection.
// Transports (WebSocket and server-sent events) satisfy the Conn contract with their own
// buffered writers so a slow peer never blocks the loop.
package broadcast
