// Package events holds the event model shared by the projection daemon:
// the immutable [Event] record, the generic [Typed] wrapper handed to
// handlers, [StreamAction] for appending to a stream, and the [Registry]
// that names and decodes event payloads.
//
// Events are created by the log writer when they are appended and are
// never mutated once a sequence number has been assigned.
package events
