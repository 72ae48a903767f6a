// Package irido builds and reads the mvChat2 message content format.
// Irido is named after iridophores - the reflecting cells in octopus skin
// that create hidden iridescent colors ("hidden beauty").
//
// Structure: { v: 1, text?: string, media?: [], reply?: {}, mentions?: [] }
//
// Mention offsets and lengths are counted in grapheme clusters, so clients
// on every platform agree on where a mention starts.
package irido

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	// Version is the only content version this package reads or writes.
	Version = 1
	// MaxTextLength is the longest text accepted, in graphemes.
	MaxTextLength = 4000
	// MaxMentions caps mentions per message.
	MaxMentions = 50
	// MaxMedia caps attachments per message.
	MaxMedia = 10
	// ReplyPreviewLength is how much of the original text a reply quotes.
	ReplyPreviewLength = 50
)

var (
	ErrInvalidContent = errors.New("invalid irido content")
	ErrEmpty          = errors.New("irido: must have text or media")
	ErrTooLong        = errors.New("irido: text too long")
	ErrMentionRange   = errors.New("irido: mention out of range")
)

// Content is the root message content structure.
type Content struct {
	V        int       `json:"v"`
	Text     string    `json:"text,omitempty"`
	Media    []Media   `json:"media,omitempty"`
	Reply    *Reply    `json:"reply,omitempty"`
	Mentions []Mention `json:"mentions,omitempty"`
}

// Media is an attachment on a received message. This client never uploads.
type Media struct {
	// Type: image, video, audio, file, embed
	Type string `json:"type"`
	Ref  string `json:"ref,omitempty"`
	Name string `json:"name,omitempty"`
	Mime string `json:"mime,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// Reply references an earlier message in the same conversation.
type Reply struct {
	Seq     int    `json:"seq"`
	Preview string `json:"preview,omitempty"`
	From    string `json:"from,omitempty"`
}

// Mention marks a user mention inside Text.
type Mention struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Offset   int    `json:"offset"`
	Length   int    `json:"length"`
}

// Text returns content holding only text.
func Text(text string) *Content {
	return &Content{V: Version, Text: text}
}

// Parse decodes message content as received in a data event. A bare JSON
// string is accepted as plain text.
func Parse(raw []byte) (*Content, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, ErrInvalidContent
	}

	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
		}
		return Text(text), nil
	}

	var c Content
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	if c.V != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidContent, c.V)
	}
	return &c, nil
}

// Raw encodes the content for a send frame.
func (c *Content) Raw() (json.RawMessage, error) {
	return json.Marshal(c)
}

// Validate checks the content before it is sent.
func (c *Content) Validate() error {
	if c == nil || c.V != Version {
		return ErrInvalidContent
	}
	if c.Text == "" && len(c.Media) == 0 {
		return ErrEmpty
	}
	if len(c.Media) > MaxMedia {
		return fmt.Errorf("irido: max %d media attachments", MaxMedia)
	}
	if c.Reply != nil && c.Reply.Seq <= 0 {
		return fmt.Errorf("%w: reply seq %d", ErrInvalidContent, c.Reply.Seq)
	}

	length := GraphemeLength(c.Text)
	if length > MaxTextLength {
		return fmt.Errorf("%w: %d graphemes, max %d", ErrTooLong, length, MaxTextLength)
	}

	if len(c.Mentions) > MaxMentions {
		return fmt.Errorf("irido: max %d mentions", MaxMentions)
	}
	for _, m := range c.Mentions {
		if m.UserID == "" || m.Offset < 0 || m.Length <= 0 || m.Offset+m.Length > length {
			return fmt.Errorf("%w: %q at %d+%d", ErrMentionRange, m.Username, m.Offset, m.Length)
		}
	}
	return nil
}

// MentionText returns the slice of Text a mention covers.
func (c *Content) MentionText(m Mention) string {
	return NewGraphemes(c.Text).Slice(m.Offset, m.Offset+m.Length)
}

// MentionedUsers returns the mentioned user IDs in order.
func (c *Content) MentionedUsers() []string {
	var users []string
	for _, m := range c.Mentions {
		if m.UserID != "" {
			users = append(users, m.UserID)
		}
	}
	return users
}

// PlainText renders the content as a single line. Media is represented as
// [TYPE 'name'].
func (c *Content) PlainText() string {
	var parts []string

	if c.Text != "" {
		parts = append(parts, c.Text)
	}
	for i := range c.Media {
		parts = append(parts, mediaDescription(&c.Media[i]))
	}

	return strings.TrimSpace(strings.Join(parts, " "))
}

// Preview shortens the content to maxLength graphemes for logs and
// terminal output.
func (c *Content) Preview(maxLength int) string {
	if c == nil {
		return ""
	}
	if c.Text == "" && len(c.Media) > 0 {
		return mediaDescription(&c.Media[0])
	}
	return strings.TrimSpace(Truncate(c.Text, maxLength, "…"))
}

var typeNames = map[string]string{
	"image": "IMAGE",
	"video": "VIDEO",
	"audio": "AUDIO",
	"file":  "FILE",
	"embed": "LINK",
}

func mediaDescription(m *Media) string {
	typeName := typeNames[m.Type]
	if typeName == "" {
		typeName = strings.ToUpper(m.Type)
	}

	name := m.Name
	if name == "" {
		name = "attachment"
	}

	return "[" + typeName + " '" + name + "']"
}

// Builder assembles outgoing content. Mention offsets are resolved against
// the final text when Build is called.
type Builder struct {
	text     strings.Builder
	reply    *Reply
	mentions []pendingMention
}

type pendingMention struct {
	userID, username string
	start, end       int // byte range in text
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Text appends plain text.
func (b *Builder) Text(s string) *Builder {
	b.text.WriteString(s)
	return b
}

// Mention appends "@username" and records it as a mention of userID.
func (b *Builder) Mention(userID, username string) *Builder {
	start := b.text.Len()
	b.text.WriteString("@" + username)
	b.mentions = append(b.mentions, pendingMention{
		userID:   userID,
		username: username,
		start:    start,
		end:      b.text.Len(),
	})
	return b
}

// ReplyTo marks the content as a reply to message seq, quoting the start of
// its text.
func (b *Builder) ReplyTo(seq int, from, originalText string) *Builder {
	b.reply = &Reply{
		Seq:     seq,
		Preview: Truncate(originalText, ReplyPreviewLength, "…"),
		From:    from,
	}
	return b
}

// Build returns the validated content.
func (b *Builder) Build() (*Content, error) {
	c := &Content{V: Version, Text: b.text.String(), Reply: b.reply}

	g := NewGraphemes(c.Text)
	for _, pm := range b.mentions {
		offset := g.GraphemeIndex(pm.start)
		end := g.GraphemeIndex(pm.end)
		if g.ByteOffset(end) < pm.end {
			// A following combining mark merged into the tag's last cluster.
			end++
		}
		c.Mentions = append(c.Mentions, Mention{
			UserID:   pm.userID,
			Username: pm.username,
			Offset:   offset,
			Length:   end - offset,
		})
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
