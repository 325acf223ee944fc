// Package transport is the client side of realtime delivery. A Negotiator
// connects one session over the best tier that works: a WebSocket first, then
// a server-sent event stream, then HTTP polling. It re-asserts the session's
// team subscriptions whenever a tier comes up and starts over from the socket
// when a connected tier drops.
package transport
