package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRepositoryContactUpsert(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	ext := "contact-1"

	first := &Contact{ExternalID: &ext, PhoneNumber: "+1555", Email: "a@example.com"}
	require.NoError(t, repo.CreateContact(ctx, first))

	second := &Contact{ExternalID: &ext, PhoneNumber: "+1555", Name: "Ann"}
	require.NoError(t, repo.CreateContact(ctx, second))

	assert.Equal(t, first.ID, second.ID, "conflicting create must resolve to the stored row")
	assert.Equal(t, "Ann", second.Name)
	assert.Equal(t, "a@example.com", second.Email)

	byPhone, err := repo.FindContactByPhone(ctx, "+1555")
	require.NoError(t, err)
	assert.Equal(t, first.ID, byPhone.ID)

	_, err = repo.FindContactByExternalID(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryRepositoryMessagesIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	convID := uuid.New()
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	created, err := repo.InsertMessage(ctx, &Message{ExternalID: "m2", ConversationID: convID, EventAt: base.Add(time.Minute)})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.InsertMessage(ctx, &Message{ExternalID: "m2", ConversationID: convID, EventAt: base.Add(time.Minute)})
	require.NoError(t, err)
	assert.False(t, created)

	_, err = repo.InsertMessage(ctx, &Message{ExternalID: "m1", ConversationID: convID, EventAt: base})
	require.NoError(t, err)

	require.NoError(t, repo.UpdateMessageState(ctx, "m1", "Read"))
	assert.ErrorIs(t, repo.UpdateMessageState(ctx, "nope", "Read"), ErrNotFound)

	msgs, err := repo.ListMessages(ctx, convID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ExternalID)
	assert.Equal(t, "Read", msgs[0].State)
}

func TestMemoryRepositoryConversationUpsert(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	contactID := uuid.New()

	conv := &Conversation{ExternalID: "chat-1", ContactID: contactID, Status: StatusOpen}
	require.NoError(t, repo.CreateConversation(ctx, conv))

	dup := &Conversation{ExternalID: "chat-1", ContactID: uuid.New(), Status: StatusWaiting}
	require.NoError(t, repo.CreateConversation(ctx, dup))
	assert.Equal(t, conv.ID, dup.ID)
	assert.Equal(t, contactID, dup.ContactID)

	dup.Status = StatusClosed
	require.NoError(t, repo.UpdateConversation(ctx, dup))
	stored, err := repo.FindConversationByExternalID(ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, stored.Status)

	assert.ErrorIs(t, repo.UpdateConversation(ctx, &Conversation{ID: uuid.New()}), ErrNotFound)
}

func TestMemoryRepositoryListOpenConversations(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	for _, c := range []*Conversation{
		{ExternalID: "open-1", ContactID: uuid.New(), Status: StatusOpen},
		{ExternalID: "closed-1", ContactID: uuid.New(), Status: StatusClosed},
		{ExternalID: "waiting-1", ContactID: uuid.New(), Status: StatusWaiting},
	} {
		require.NoError(t, repo.CreateConversation(ctx, c))
	}

	open, err := repo.ListOpenConversations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, open, 2)
	for _, c := range open {
		assert.NotEqual(t, StatusClosed, c.Status)
	}

	limited, err := repo.ListOpenConversations(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
