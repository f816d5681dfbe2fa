package types

import "time"

// EventKind distinguishes the two raw event streams fed to the aggregator.
type EventKind string

const (
	EventError        EventKind = "error"
	EventConversation EventKind = "conversation"
)

// EventRecord is a raw runtime event reported by the application. Raw
// events are ephemeral: they are consumed immediately into an aggregate
// bucket and never stored individually.
type EventRecord struct {
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id,omitempty"` // Affected user, for distinct-user counting
	Page      string    `json:"page,omitempty"`    // Page or route context
	Browser   string    `json:"browser,omitempty"`

	// Error events.
	Message  string `json:"message,omitempty"`
	StackTop string `json:"stack_top,omitempty"` // Top stack frame, e.g. file:line

	// Conversation events.
	Subject  string `json:"subject,omitempty"`  // Entity the question was about
	Category string `json:"category,omitempty"` // Question category, e.g. pricing, reliability
}

// AggregatedEvent summarizes all raw events sharing a fingerprint within
// one flush window. It is emitted at the scheduled flush, or immediately
// when the distinct-user count crosses the critical threshold.
type AggregatedEvent struct {
	Fingerprint   string    `json:"fingerprint"`
	Kind          EventKind `json:"kind"`
	Count         int       `json:"count"`
	DistinctUsers int       `json:"distinct_users"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
	Critical      bool      `json:"critical"` // True when emitted by the critical-threshold rule

	// Breakdown maps a categorical dimension (browser, page) to value
	// counts, e.g. {"browser": {"chrome": 9, "safari": 3}}.
	Breakdown map[string]map[string]int `json:"breakdown,omitempty"`

	// Sample carries one representative raw message for the notifier.
	Sample string `json:"sample,omitempty"`
}
