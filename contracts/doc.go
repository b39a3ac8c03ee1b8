// Package contracts provides the event types the payment service exchanges
// with the rest of the platform.
//
// Every event embeds BaseEvent, which serializes as:
//
//	{"eventId": "...", "eventType": "PAYMENT_COMPLETED", "correlationId": "...", "timestamp": "2024-05-01T12:00:00Z"}
//
// Field names are camelCase to match the consuming services.
package contracts
