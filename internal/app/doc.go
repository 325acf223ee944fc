// Package app provides the application service layer.
//
// The Materializer turns domain events into durable notification records and live pushes;
// the NotificationService serves a user's own records. Both depend on domain interfaces,
// not concrete adapters.
package app
