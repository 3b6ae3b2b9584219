package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"realtime_chat/internal/domain"
	apperrors "realtime_chat/pkg/errors"
)

func newMessage(t *testing.T, key domain.RoomKey, sender, content string, at time.Time) *domain.Message {
	t.Helper()
	return &domain.Message{RoomKey: key, SenderID: sender, Content: content, Kind: domain.MessageKindText, CreatedAt: at}
}

func TestMemoryPersistAssignsServerFields(t *testing.T) {
	store := NewMemoryChatRepository()
	key, err := domain.DirectRoomKey("u1", "u2")
	require.NoError(t, err)

	stored, err := store.Persist(context.Background(), &domain.Message{RoomKey: key, SenderID: "u1", Content: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID)
	assert.False(t, stored.CreatedAt.IsZero())
	assert.Equal(t, domain.MessageStateSent, stored.State)
	assert.NotNil(t, stored.Reactions)
}

func TestMemoryPersistIsIdempotentPerProvisionalID(t *testing.T) {
	store := NewMemoryChatRepository()
	ctx := context.Background()
	key, _ := domain.DirectRoomKey("u1", "u2")

	first, err := store.Persist(ctx, &domain.Message{RoomKey: key, SenderID: "u1", Content: "hi", ProvisionalID: "t1"})
	require.NoError(t, err)
	second, err := store.Persist(ctx, &domain.Message{RoomKey: key, SenderID: "u1", Content: "hi", ProvisionalID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// тот же provisionalId у другого отправителя - другое сообщение
	other, err := store.Persist(ctx, &domain.Message{RoomKey: key, SenderID: "u2", Content: "hi", ProvisionalID: "t1"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	all, err := store.FindSince(ctx, key, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMemoryFindSinceIsStrictAndOrdered(t *testing.T) {
	store := NewMemoryChatRepository()
	ctx := context.Background()
	key, _ := domain.GroupRoomKey("g1")
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	// вставляем не по порядку
	for _, i := range []int{3, 1, 4, 0, 2} {
		_, err := store.Persist(ctx, newMessage(t, key, "u1", fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	got, err := store.FindSince(ctx, key, base.Add(1*time.Second), 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "m2", got[0].Content)
	assert.Equal(t, "m3", got[1].Content)
	assert.Equal(t, "m4", got[2].Content)

	limited, err := store.FindSince(ctx, key, time.Time{}, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "m0", limited[0].Content)

	other, _ := domain.GroupRoomKey("g2")
	empty, err := store.FindSince(ctx, other, time.Time{}, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryMutations(t *testing.T) {
	store := NewMemoryChatRepository()
	ctx := context.Background()
	key, _ := domain.DirectRoomKey("u1", "u2")

	stored, err := store.Persist(ctx, &domain.Message{
		RoomKey: key, SenderID: "u1", Kind: domain.MessageKindImage,
		File: &domain.FileRef{URL: "https://cdn.example.com/a.png"}, Content: "look",
	})
	require.NoError(t, err)

	emoji, err := store.ToggleReaction(ctx, stored.ID, "u2", "👍")
	require.NoError(t, err)
	require.NotNil(t, emoji)
	emoji, err = store.ToggleReaction(ctx, stored.ID, "u2", "👍")
	require.NoError(t, err)
	assert.Nil(t, emoji)

	changed, err := store.UpdateState(ctx, stored.ID, domain.MessageStateSeen)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = store.UpdateState(ctx, stored.ID, domain.MessageStateDelivered)
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, store.Hide(ctx, stored.ID, "u2"))
	tomb, err := store.MarkTombstone(ctx, stored.ID)
	require.NoError(t, err)
	assert.True(t, tomb.Unsent)
	assert.Empty(t, tomb.Content)
	assert.Nil(t, tomb.File)
	assert.Equal(t, []string{"u2"}, tomb.HiddenFor)

	_, err = store.ToggleReaction(ctx, stored.ID, "u2", "👍")
	assert.ErrorIs(t, err, apperrors.ErrMessageUnsent)

	_, err = store.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrMessageNotFound)
	assert.ErrorIs(t, store.Hide(ctx, "missing", "u1"), apperrors.ErrNotFound)
}

func TestMemoryReturnsCopies(t *testing.T) {
	store := NewMemoryChatRepository()
	ctx := context.Background()
	key, _ := domain.DirectRoomKey("u1", "u2")

	stored, err := store.Persist(ctx, &domain.Message{RoomKey: key, SenderID: "u1", Content: "hi"})
	require.NoError(t, err)
	stored.Content = "changed"

	again, err := store.FindByID(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi", again.Content)
}
