// Package mailbox is the transport boundary to the message store:
// listing unread messages, fetching full content, sending replies and
// updating labels.
package mailbox

import (
	"context"

	"mailmind/internal/model"
)

// LabelUnread is the pseudo-label for the unread state. The IMAP
// transport maps it onto the \Seen flag (removing LabelUnread sets
// \Seen); every other label is stored as an IMAP keyword.
const LabelUnread = "UNREAD"

// Labels names the four pipeline outcome labels as they appear in the
// mailbox.
type Labels struct {
	Answered     string `mapstructure:"answered"`
	Processing   string `mapstructure:"processing"`
	Broken       string `mapstructure:"broken"`
	Unregistered string `mapstructure:"unregistered"`
}

// DefaultLabels returns the label names used when none are configured.
func DefaultLabels() Labels {
	return Labels{
		Answered:     "AI-Answered",
		Processing:   "AI-Processing",
		Broken:       "AI-Broken",
		Unregistered: "AI-NotRegistered",
	}
}

// Transport is the mailbox collaborator consumed by the dispatcher.
//
// Implementations are not assumed safe for concurrent use of the
// underlying connection; the IMAP implementation serializes every call
// behind one mutex.
type Transport interface {
	// ListUnread returns refs for up to max unread inbox messages.
	ListUnread(ctx context.Context, max int) ([]model.MessageRef, error)

	// GetMessage fetches the full message, including attachment bytes.
	// Individual attachments above MaxAttachmentBytes are skipped.
	GetMessage(ctx context.Context, id string) (*model.InboundMessage, error)

	// Send submits a fully built MIME message to the recipient. Reply
	// threading happens through the message's own In-Reply-To and
	// References headers, not transport state.
	Send(ctx context.Context, to string, raw []byte) error

	// ModifyLabels adds and removes labels on one message.
	ModifyLabels(ctx context.Context, id string, add, remove []string) error
}

// MaxAttachmentBytes is the per-attachment fetch cutoff (~19.9 MB, the
// inline-data limit of the model backend).
const MaxAttachmentBytes = 19_900_000
