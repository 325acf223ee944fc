// Package domain defines the core types and interfaces of the real-time delivery subsystem.
//
// Concept-oriented files (event.go, notification.go, realtime.go, team.go, ...) hold shared
// types and the contracts the adapters implement. No implementation code beyond validation
// and encoding helpers. Interfaces live here so adapters never import each other.
package domain
