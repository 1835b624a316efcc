package model

import "time"

// Label identifiers used when listing, watching and syncing mailboxes.
const (
	LabelInbox  = "INBOX"
	LabelUnread = "UNREAD"
)

// Message formats accepted by the mail provider.
const (
	FormatRaw     = "raw"
	FormatMinimal = "minimal"
	FormatFull    = "full"
)

// ThreadRef is a thread as returned by a provider listing.
type ThreadRef struct {
	// ID is the provider's thread identifier.
	ID string `json:"id"`

	// Snippet is the provider-generated preview text.
	Snippet string `json:"snippet,omitempty"`

	// HistoryID is the mailbox history position of the latest change.
	HistoryID uint64 `json:"historyId,omitempty"`
}

// MessageRef identifies one message inside a thread.
type MessageRef struct {
	ID       string   `json:"id"`
	LabelIDs []string `json:"labelIds,omitempty"`
}

// RawMessage is a single message as fetched from the provider.
// Raw holds the base64url-encoded RFC 822 source when fetched in raw format.
type RawMessage struct {
	ID           string
	ThreadID     string
	Raw          string
	Snippet      string
	InternalDate int64
	LabelIDs     []string
}

// AttachmentData is the decoded payload of a provider-hosted attachment.
type AttachmentData struct {
	Data []byte
	Size int64
}

// AttachmentRef points to an attachment that was uploaded to blob storage.
type AttachmentRef struct {
	Filename string `json:"filename"`
	BlobURL  string `json:"blobUrl"`
}

// ParsedMessage is the normalized form of a message after MIME decoding.
type ParsedMessage struct {
	MessageID string `json:"messageId"`
	ThreadID  string `json:"threadId"`
	Subject   string `json:"subject"`
	From      string `json:"from"`
	To        string `json:"to"`

	// Date is the value of the Date header, zero when missing or unparsable.
	Date time.Time `json:"date"`

	// InternalDate is the provider receive time in epoch milliseconds.
	InternalDate int64 `json:"internalDate"`

	Snippet string   `json:"snippet"`
	Labels  []string `json:"labels"`

	// BodyText is the first text part found in depth-first order.
	BodyText string `json:"body"`

	// BodyIsHTML reports whether BodyText came from a text/html part.
	BodyIsHTML bool `json:"bodyIsHtml"`

	AttachmentRefs []AttachmentRef `json:"attachments,omitempty"`
}

// HasLabel reports whether the message carries the given label.
func (m *ParsedMessage) HasLabel(label string) bool {
	for _, l := range m.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// ParsedThread is a thread whose messages were fetched and parsed.
type ParsedThread struct {
	ThreadID string
	Messages []ParsedMessage
}

// AttachmentPart is an attachment body extracted from a MIME message,
// pending upload to blob storage.
type AttachmentPart struct {
	Filename    string
	ContentType string
	Data        []byte
}
