// Package inbox is the client-side notification cache: a bounded,
// deduplicating store with an unread count and a staleness-based refetch
// policy, plus the Feed that fills it from live events and REST fetches.
package inbox
