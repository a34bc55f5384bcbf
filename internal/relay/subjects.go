package relay

import "github.com/google/uuid"

// Subject layout of the conversation namespace. The relay publishes on the
// server side and consumes the client side; conversation workers do the
// opposite.
const (
	// InitiateSubject starts a brand-new thread.
	InitiateSubject = "bus.server.initiate"

	serverInputPrefix = "bus.server.input."
	clientPrintPrefix = "bus.client.print."
	clientInputPrefix = "bus.client.input."
)

// ServerInputSubject continues an existing thread.
func ServerInputSubject(threadID uuid.UUID) string {
	return serverInputPrefix + threadID.String()
}

// PrintSubject carries the worker's streamed fragments for a thread.
func PrintSubject(threadID uuid.UUID) string {
	return clientPrintPrefix + threadID.String()
}

// ClientInputSubject carries the worker's final message for a thread.
func ClientInputSubject(threadID uuid.UUID) string {
	return clientInputPrefix + threadID.String()
}
