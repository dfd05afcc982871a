package model

import "time"

// Role values for chat messages. The engine layer only ever sees these
// four; anything else is treated as a user message by the payload builders.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// AttachmentKind identifies what an attachment holds.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentFile  AttachmentKind = "file"
)

// Attachment is a file attached to a message. Contents is an opaque inline
// payload (base64 for images) resolved by the caller before the engine ever
// sees it; the engine performs no I/O on attachments.
type Attachment struct {
	Kind       AttachmentKind
	Format     string // "png", "jpeg", ...
	URL        string
	Contents   string // base64 when Downloaded
	Downloaded bool
}

// Message represents a chat message in a conversation thread.
//
// The engine reads messages but never mutates them; a completed response is
// appended to the thread by the caller as a fresh Message. Transient and
// ToolStatus are UI display state and are not part of any vendor payload.
type Message struct {
	Role       string
	Content    string
	Attachment *Attachment
	Transient  bool   // still being streamed
	ToolStatus string // "Running search..." while a tool call is in flight
	Timestamp  time.Time
}

// NewMessage creates a message with the current timestamp.
func NewMessage(role, content string) Message {
	return Message{Role: role, Content: content, Timestamp: time.Now()}
}

// HasImage reports whether the message carries a usable image attachment.
func (m Message) HasImage() bool {
	return m.Attachment != nil &&
		m.Attachment.Kind == AttachmentImage &&
		(m.Attachment.Contents != "" || m.Attachment.URL != "")
}

// ThreadHasImage reports whether any message in the thread carries an image
// attachment. Used by vision model selection.
func ThreadHasImage(thread []Message) bool {
	for _, msg := range thread {
		if msg.HasImage() {
			return true
		}
	}
	return false
}
