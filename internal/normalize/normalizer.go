// Package normalize maps decoded webhook content onto the canonical chat
// entities, resolving each one by its external id so repeated or partial
// deliveries converge on the same rows.
package normalize

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wolfman30/chatpulse/internal/chat"
	"github.com/wolfman30/chatpulse/internal/webhook"
	"github.com/wolfman30/chatpulse/pkg/logging"
)

// Bundle is everything one payload resolved to.
type Bundle struct {
	Contact      *chat.Contact
	Conversation *chat.Conversation // nil for contact-only payloads
	Messages     []chat.Message
	// Created holds only the messages this call inserted, ordered by event
	// time. These are the ones the response-time tracker must see.
	Created []chat.Message
	// ClosedNow is true when this payload moved the conversation into the
	// closed state.
	ClosedNow bool
	// Markers are the close and reopen markers this call stored.
	Markers []chat.Message
}

// Normalizer resolves webhook content against a chat.Repository.
type Normalizer struct {
	repo   chat.Repository
	logger *logging.Logger
}

func New(repo chat.Repository, logger *logging.Logger) *Normalizer {
	if repo == nil {
		panic("normalize: repository required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Normalizer{repo: repo, logger: logger}
}

// Normalize upserts the contact, conversation and messages carried by content.
// Malformed content yields a *NormalizationError; repository failures are
// returned wrapped and may be retried.
func (n *Normalizer) Normalize(ctx context.Context, content webhook.Content) (*Bundle, error) {
	switch c := content.(type) {
	case *webhook.ChatContent:
		return n.normalizeChat(ctx, c)
	case *webhook.ContactContent:
		return n.normalizeContact(ctx, c)
	case nil:
		return nil, invalid("empty content", nil)
	default:
		return nil, invalid(fmt.Sprintf("unsupported content variant %q", content.Variant()), nil)
	}
}

func (n *Normalizer) normalizeContact(ctx context.Context, c *webhook.ContactContent) (*Bundle, error) {
	if err := c.Validate(); err != nil {
		return nil, invalid("contact content", err)
	}
	contact, err := n.resolveContact(ctx, &c.ContactRef, orgID(c.Organization))
	if err != nil {
		return nil, err
	}
	return &Bundle{Contact: contact}, nil
}

func (n *Normalizer) normalizeChat(ctx context.Context, c *webhook.ChatContent) (*Bundle, error) {
	if err := c.Validate(); err != nil {
		return nil, invalid("chat content", err)
	}
	org := orgID(c.Organization)
	// Everything stored from one payload shares an arrival time so history
	// replay can group it the way tracking saw it.
	received := time.Now().UTC()

	contact, err := n.resolveContact(ctx, c.Contact, org)
	if err != nil {
		return nil, err
	}
	conv, markers, err := n.resolveConversation(ctx, c, contact, org, received)
	if err != nil {
		return nil, err
	}

	bundle := &Bundle{Contact: contact, Conversation: conv, Markers: markers}
	for _, m := range markers {
		if m.MessageType == chat.MessageTypeConversationClosed {
			bundle.ClosedNow = true
		}
	}
	for _, m := range c.AllMessages() {
		msg := chat.Message{
			OrganizationID: org,
			ExternalID:     strings.TrimSpace(m.ID),
			ConversationID: conv.ID,
			ContactID:      contact.ID,
			Source:         chat.SourceFromProvider(m.Source),
			MessageType:    m.MessageType,
			EventAt:        m.EventAt().UTC(),
			CreatedAt:      received,
		}
		msg.Direction = msg.Source.Direction()
		if m.Content != nil {
			msg.Content = *m.Content
		}
		if m.MessageState != nil {
			msg.State = strings.TrimSpace(*m.MessageState)
		}

		created, err := n.repo.InsertMessage(ctx, &msg)
		if err != nil {
			return nil, fmt.Errorf("normalize: message %s: %w", msg.ExternalID, err)
		}
		if !created && msg.State != "" {
			// Redelivery can only move the delivery state forward.
			if err := n.repo.UpdateMessageState(ctx, msg.ExternalID, msg.State); err != nil && !errors.Is(err, chat.ErrNotFound) {
				return nil, fmt.Errorf("normalize: message %s state: %w", msg.ExternalID, err)
			}
		}
		bundle.Messages = append(bundle.Messages, msg)
		if created {
			bundle.Created = append(bundle.Created, msg)
		}
	}
	sort.SliceStable(bundle.Created, func(i, j int) bool {
		return bundle.Created[i].EventAt.Before(bundle.Created[j].EventAt)
	})
	return bundle, nil
}

// resolveContact finds the contact by external id, then by phone, and creates
// it when neither matches. Found contacts are sparse-patched.
func (n *Normalizer) resolveContact(ctx context.Context, ref *webhook.ContactRef, org string) (*chat.Contact, error) {
	if !ref.HasContactAnchor() {
		return nil, invalid("missing contact identifier", nil)
	}
	patch := contactPatch(ref, org)

	var (
		contact *chat.Contact
		err     error
	)
	if patch.ExternalID != nil {
		contact, err = n.repo.FindContactByExternalID(ctx, *patch.ExternalID)
		if err != nil && !errors.Is(err, chat.ErrNotFound) {
			return nil, fmt.Errorf("normalize: find contact: %w", err)
		}
	}
	if contact == nil && patch.PhoneNumber != nil {
		contact, err = n.repo.FindContactByPhone(ctx, *patch.PhoneNumber)
		if err != nil && !errors.Is(err, chat.ErrNotFound) {
			return nil, fmt.Errorf("normalize: find contact by phone: %w", err)
		}
		// A phone match owned by another provider contact is a different person.
		if contact != nil && contact.ExternalID != nil && patch.ExternalID != nil && *contact.ExternalID != *patch.ExternalID {
			contact = nil
		}
	}

	if contact == nil {
		if patch.PhoneNumber == nil {
			return nil, invalid("contact has no phone number", nil)
		}
		contact = &chat.Contact{}
		contact.Apply(patch)
		if err := n.repo.CreateContact(ctx, contact); err != nil {
			return nil, fmt.Errorf("normalize: create contact: %w", err)
		}
		n.logger.Debug("contact created", "contact_id", contact.ID, "organization_id", contact.OrganizationID)
		return contact, nil
	}

	if contact.Apply(patch) {
		if err := n.repo.UpdateContact(ctx, contact); err != nil {
			return nil, fmt.Errorf("normalize: update contact: %w", err)
		}
	}
	return contact, nil
}

// resolveConversation finds or creates the conversation and applies the
// payload to it. A close or reopen is stored as a system marker message
// before the conversation row changes, so a failed update retries into the
// same marker.
func (n *Normalizer) resolveConversation(ctx context.Context, c *webhook.ChatContent, contact *chat.Contact, org string, received time.Time) (*chat.Conversation, []chat.Message, error) {
	externalID := strings.TrimSpace(c.ID)
	patch := conversationPatch(c, org)

	conv, err := n.repo.FindConversationByExternalID(ctx, externalID)
	if err != nil && !errors.Is(err, chat.ErrNotFound) {
		return nil, nil, fmt.Errorf("normalize: find conversation: %w", err)
	}
	if conv == nil {
		id := uuid.New()
		conv = &chat.Conversation{ID: id, ExternalID: externalID, ContactID: contact.ID, Status: chat.StatusOpen}
		closedNow := conv.Apply(patch)
		if err := n.repo.CreateConversation(ctx, conv); err != nil {
			return nil, nil, fmt.Errorf("normalize: create conversation: %w", err)
		}
		if conv.ID != id {
			// Lost a creation race; the stored row is authoritative.
			return n.applyConversation(ctx, c, conv, patch, received)
		}
		var markers []chat.Message
		if closedNow {
			marker, err := n.storeMarker(ctx, conv, chat.MessageTypeConversationClosed, closedMarkerTime(conv, received), received)
			if err != nil {
				return nil, nil, err
			}
			markers = append(markers, marker)
		}
		return conv, markers, nil
	}
	return n.applyConversation(ctx, c, conv, patch, received)
}

func (n *Normalizer) applyConversation(ctx context.Context, c *webhook.ChatContent, conv *chat.Conversation, patch chat.ConversationPatch, received time.Time) (*chat.Conversation, []chat.Message, error) {
	wasClosed := conv.Status == chat.StatusClosed
	closedNow := conv.Apply(patch)
	reopened := wasClosed && conv.Status != chat.StatusClosed

	var markers []chat.Message
	switch {
	case closedNow:
		marker, err := n.storeMarker(ctx, conv, chat.MessageTypeConversationClosed, closedMarkerTime(conv, received), received)
		if err != nil {
			return nil, nil, err
		}
		markers = append(markers, marker)
	case reopened:
		at := received
		if eventAt := c.EventAtUTC.Ptr(); eventAt != nil {
			at = eventAt.UTC()
		}
		marker, err := n.storeMarker(ctx, conv, chat.MessageTypeConversationReopened, at, received)
		if err != nil {
			return nil, nil, err
		}
		markers = append(markers, marker)
	}

	if err := n.repo.UpdateConversation(ctx, conv); err != nil {
		return nil, nil, fmt.Errorf("normalize: update conversation: %w", err)
	}
	return conv, markers, nil
}

func (n *Normalizer) storeMarker(ctx context.Context, conv *chat.Conversation, messageType string, at, received time.Time) (chat.Message, error) {
	marker := chat.Message{
		OrganizationID: conv.OrganizationID,
		ExternalID:     fmt.Sprintf("%s:%s:%d", conv.ExternalID, messageType, at.UnixNano()),
		ConversationID: conv.ID,
		ContactID:      conv.ContactID,
		Source:         chat.SourceSystem,
		Direction:      chat.SourceSystem.Direction(),
		MessageType:    messageType,
		EventAt:        at,
		CreatedAt:      received,
	}
	if _, err := n.repo.InsertMessage(ctx, &marker); err != nil {
		return chat.Message{}, fmt.Errorf("normalize: %s marker: %w", messageType, err)
	}
	n.logger.Debug("conversation lifecycle marker stored", "conversation_id", conv.ID, "type", messageType)
	return marker, nil
}

func closedMarkerTime(conv *chat.Conversation, received time.Time) time.Time {
	if conv.ClosedAt != nil {
		return conv.ClosedAt.UTC()
	}
	return received
}

func contactPatch(ref *webhook.ContactRef, org string) chat.ContactPatch {
	p := chat.ContactPatch{
		Name:         trimmed(ref.Name),
		Email:        trimmed(ref.Email),
		Blocked:      ref.IsBlocked,
		Tags:         ref.TagNames(),
		LastActiveAt: ref.LastActiveUTC.Ptr(),
	}
	if org != "" {
		p.OrganizationID = &org
	}
	p.ExternalID = trimmed(ref.ID)
	if ref.PhoneNumber != nil {
		if phone := chat.NormalizePhone(*ref.PhoneNumber); phone != "" {
			p.PhoneNumber = &phone
		}
	}
	return p
}

func conversationPatch(c *webhook.ChatContent, org string) chat.ConversationPatch {
	p := chat.ConversationPatch{
		IsPrivate:   c.Private,
		TotalUnread: c.TotalUnread,
		OpenedAt:    c.CreatedAtUTC.Ptr(),
	}
	if org != "" {
		p.OrganizationID = &org
	}
	if c.Channel != nil {
		p.Channel = trimmed(&c.Channel.ID)
	}
	if c.Sector != nil {
		p.Sector = trimmed(&c.Sector.ID)
	}
	if c.OrganizationMember != nil {
		p.AssignedMemberID = trimmed(&c.OrganizationMember.ID)
	}
	if status, ok := conversationStatus(c); ok {
		p.Status = &status
	}
	if closedAt := c.ClosedAtUTC.Ptr(); closedAt != nil {
		p.ClosedAt = closedAt
	} else if p.Status != nil && *p.Status == chat.StatusClosed {
		p.ClosedAt = c.EventAtUTC.Ptr()
	}
	return p
}

// conversationStatus derives the status from the payload flags. A closing
// timestamp wins over everything else; Waiting beats Open because a waiting
// chat is also open on the provider side.
func conversationStatus(c *webhook.ChatContent) (chat.ConversationStatus, bool) {
	switch {
	case c.ClosedAtUTC.Ptr() != nil:
		return chat.StatusClosed, true
	case c.Waiting != nil && *c.Waiting:
		return chat.StatusWaiting, true
	case c.Open != nil && *c.Open:
		return chat.StatusOpen, true
	case c.Open != nil && !*c.Open:
		return chat.StatusClosed, true
	}
	return "", false
}

func orgID(ref *webhook.OrganizationRef) string {
	if ref == nil {
		return ""
	}
	return strings.TrimSpace(ref.ID)
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
