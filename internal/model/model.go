// Package model holds the domain types shared across the dispatch pipeline.
package model

import "time"

// Plan is a user's subscription tier.
type Plan string

const (
	PlanUnregistered Plan = "Unregistered"
	PlanStandard     Plan = "Standard"
	PlanPremium      Plan = "Premium"
	PlanDeveloper    Plan = "Developer"
)

// Level maps a plan to its numeric permission level. Unknown plans map
// to the Standard level so a malformed registry entry never grants more
// access than the base tier.
func (p Plan) Level() int {
	switch p {
	case PlanPremium:
		return 1
	case PlanDeveloper:
		return 2
	default:
		return 0
	}
}

// UnregisteredTokens is the placeholder quota reported for senders that
// have no user record.
const UnregisteredTokens int64 = 420

// User is a single entry from the user registry, keyed by email address.
type User struct {
	Email  string `json:"email"`
	Model  string `json:"model"`
	Plan   Plan   `json:"plan"`
	Tokens int64  `json:"tokens"`
	UserID int64  `json:"userId"`
}

// ModelInfo describes a single generative model in the model registry.
type ModelInfo struct {
	// Name is the identifier matched against subjects and sent to the
	// backend.
	Name string `mapstructure:"name"`

	// DisplayName is the human-readable name shown in replies.
	DisplayName string `mapstructure:"display_name"`

	// Active controls whether the model may be dispatched to at all.
	Active bool `mapstructure:"active"`

	// PermLevel is the minimum plan level required to use this model.
	PermLevel int `mapstructure:"perm_level"`
}

// MessageRef identifies one unread message and the conversation thread
// it belongs to.
type MessageRef struct {
	ID       string
	ThreadID string
}

// Attachment holds one attachment of an inbound message, including its
// raw bytes.
type Attachment struct {
	Name     string
	Size     int64
	MIMEType string
	Data     []byte
}

// InboundMessage is a fully fetched unread message. It is immutable
// once returned by the mailbox transport.
type InboundMessage struct {
	ID          string
	ThreadID    string
	Subject     string
	From        string
	To          string
	MessageID   string // RFC 5322 Message-ID, used for reply threading
	Body        string
	Attachments []Attachment
}

// Turn is one user/model exchange. Both halves are sealed blobs and
// stay opaque until they are replayed into the backend.
type Turn struct {
	User  []byte
	Model []byte
}

// Conversation is the stored history of a thread. Turns is ordered by
// insertion, which matches arrival order because at most one turn per
// thread is ever in flight.
type Conversation struct {
	ThreadID string
	UserID   int64
	Turns    []Turn
	ExpireAt time.Time
}

// Answer is a completed model response with its token usage.
type Answer struct {
	Text        string
	TotalTokens int64

	// Model is the model that actually produced the answer, which
	// differs from the requested one after an overload fallback.
	Model string
}
