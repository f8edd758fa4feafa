package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Content is one of the tagged payload variants.
type Content interface {
	Variant() string
}

// ChatContent is the chat-scoped variant: a conversation with its contact and
// the last message (or a batch of messages).
type ChatContent struct {
	Kind               string           `json:"_t"`
	ID                 string           `json:"Id"`
	Organization       *OrganizationRef `json:"Organization"`
	Contact            *ContactRef      `json:"Contact"`
	Channel            *ChannelRef      `json:"Channel"`
	Sector             *SectorRef       `json:"Sector"`
	OrganizationMember *MemberRef       `json:"OrganizationMember"`
	LastMessage        *MessageModel    `json:"LastMessage"`
	Messages           []MessageModel   `json:"Messages"`
	Open               *bool            `json:"Open"`
	Waiting            *bool            `json:"Waiting"`
	Private            *bool            `json:"Private"`
	TotalUnread        *int             `json:"TotalUnread"`
	EventAtUTC         *Time            `json:"EventAtUTC"`
	CreatedAtUTC       *Time            `json:"CreatedAtUTC"`
	ClosedAtUTC        *Time            `json:"ClosedAtUTC"`
}

func (ChatContent) Variant() string { return "chat" }

// ContactContent carries a contact without any chat, e.g. contact created.
type ContactContent struct {
	ContactRef
	Organization *OrganizationRef `json:"Organization"`
}

func (ContactContent) Variant() string { return "contact" }

// OrganizationRef identifies the tenant.
type OrganizationRef struct {
	Kind string `json:"_t"`
	ID   string `json:"Id"`
}

// ContactRef is the nested contact sub-object. Pointer fields are optional:
// nil means "not sent", which must never erase stored data.
type ContactRef struct {
	Kind          string  `json:"_t"`
	ID            *string `json:"Id"`
	PhoneNumber   *string `json:"PhoneNumber"`
	Name          *string `json:"Name"`
	Email         *string `json:"Email"`
	IsBlocked     *bool   `json:"IsBlocked"`
	Tags          []Tag   `json:"Tags"`
	LastActiveUTC *Time   `json:"LastActiveUTC"`
}

// ChannelRef identifies the channel a chat runs on.
type ChannelRef struct {
	Kind        string  `json:"_t"`
	ID          string  `json:"Id"`
	ChannelType string  `json:"ChannelType"`
	PhoneNumber *string `json:"PhoneNumber"`
	Name        *string `json:"Name"`
}

// SectorRef identifies the sector (team) a chat is routed to.
type SectorRef struct {
	Kind string  `json:"_t"`
	ID   string  `json:"Id"`
	Name *string `json:"Name"`
}

// MemberRef identifies an organization member (agent).
type MemberRef struct {
	Kind string `json:"_t"`
	ID   string `json:"Id"`
}

// MessageModel is a single message sub-object.
type MessageModel struct {
	Kind         string  `json:"_t"`
	ID           string  `json:"Id"`
	Content      *string `json:"Content"`
	Source       string  `json:"Source"`
	MessageType  string  `json:"MessageType"`
	MessageState *string `json:"MessageState"`
	EventAtUTC   *Time   `json:"EventAtUTC"`
	CreatedAtUTC *Time   `json:"CreatedAtUTC"`
}

// Tag accepts either a bare string or an object with a Name.
type Tag struct {
	ID   string `json:"Id,omitempty"`
	Name string `json:"Name"`
}

func (t *Tag) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		t.Name = name
		return nil
	}
	type plain Tag
	var obj plain
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("webhook: tag: %w", err)
	}
	*t = Tag(obj)
	return nil
}

// TagNames returns the trimmed, non-empty tag names. A nil slice means the
// payload did not carry tags at all.
func (c *ContactRef) TagNames() []string {
	if c == nil || c.Tags == nil {
		return nil
	}
	names := make([]string, 0, len(c.Tags))
	for _, tag := range c.Tags {
		if name := strings.TrimSpace(tag.Name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// AllMessages returns the batch plus LastMessage, without duplicates by id.
func (c *ChatContent) AllMessages() []MessageModel {
	out := make([]MessageModel, 0, len(c.Messages)+1)
	seen := make(map[string]struct{}, len(c.Messages)+1)
	add := func(m MessageModel) {
		if m.ID != "" {
			if _, ok := seen[m.ID]; ok {
				return
			}
			seen[m.ID] = struct{}{}
		}
		out = append(out, m)
	}
	for _, m := range c.Messages {
		add(m)
	}
	if c.LastMessage != nil {
		add(*c.LastMessage)
	}
	return out
}

var (
	chatKinds    = map[string]bool{"chat": true, "basicchatmodel": true, "chatmodel": true}
	contactKinds = map[string]bool{"contact": true, "basiccontactmodel": true, "contactmodel": true}
)

// DecodeContent selects the content variant by its "_t" discriminator and
// falls back to the shape of the document when the tag is unknown.
func DecodeContent(p Payload) (Content, error) {
	if len(p.Content) == 0 || string(p.Content) == "null" {
		return nil, ErrMissingContent
	}
	var sniff struct {
		Kind        string          `json:"_t"`
		Contact     json.RawMessage `json:"Contact"`
		PhoneNumber json.RawMessage `json:"PhoneNumber"`
	}
	if err := json.Unmarshal(p.Content, &sniff); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	kind := strings.ToLower(strings.TrimSpace(sniff.Kind))
	switch {
	case chatKinds[kind], kind == "" && len(sniff.Contact) > 0:
		return decodeChat(p.Content)
	case contactKinds[kind], kind == "" && len(sniff.PhoneNumber) > 0:
		return decodeContact(p.Content)
	case len(sniff.Contact) > 0:
		return decodeChat(p.Content)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownContent, sniff.Kind)
}

func decodeChat(raw json.RawMessage) (*ChatContent, error) {
	var chat ChatContent
	if err := json.Unmarshal(raw, &chat); err != nil {
		return nil, fmt.Errorf("webhook: decode chat: %w", err)
	}
	return &chat, nil
}

func decodeContact(raw json.RawMessage) (*ContactContent, error) {
	var contact ContactContent
	if err := json.Unmarshal(raw, &contact); err != nil {
		return nil, fmt.Errorf("webhook: decode contact: %w", err)
	}
	return &contact, nil
}
