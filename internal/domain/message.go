// Package domain holds the persistent entities of the dispatch pipeline:
// deduplicated message contents, per-recipient send requests, and the
// provider/user events recorded against them.
package domain

// Content is the deduplicated subject + HTML body shared by every Request
// created from one API message. It is never mutated after insert.
type Content struct {
	ID      int64
	Subject string
	Body    string
}

// Request is one pending or completed outbound email to a single recipient.
//
// Subject and Body are hydrated from the referenced Content at dispatch
// time; they are not stored on the requests table. Because Go strings are
// immutable, hydrating N requests from one Content shares the backing
// bytes rather than copying the body N times.
type Request struct {
	ID        int64
	TopicID   string
	ContentID int64
	Email     string

	Subject string
	Body    string

	// ScheduledAt carries the client-supplied wall-clock string
	// ("YYYY-MM-DD HH:MM:SS", interpreted as +09:00). The store converts
	// it to UTC on insert; empty means "now".
	ScheduledAt string

	Status Status

	// MessageID is the provider-assigned identifier, set once the
	// provider accepts the submission. Empty means not yet submitted.
	MessageID string

	// Error holds the human-readable diagnostic when Status is Failed.
	Error string
}

// Result is one recorded event about a Request: a provider callback
// (Delivery, Bounce, Complaint, ...) or the literal "Open" for
// tracking-pixel hits. Results are append-only; a request may accrue many.
type Result struct {
	ID        int64
	RequestID int64
	Status    string

	// Raw preserves the full callback payload, when there was one.
	Raw string
}
