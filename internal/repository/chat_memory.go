package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"realtime_chat/internal/domain"
	apperrors "realtime_chat/pkg/errors"
)

// memoryChatRepository - хранилище в памяти процесса (STORAGE_DRIVER=memory и тесты)
type memoryChatRepository struct {
	mu            sync.RWMutex
	byID          map[string]*domain.Message
	byRoom        map[domain.RoomKey][]*domain.Message
	byProvisional map[string]string
}

func NewMemoryChatRepository() MessageStore {
	return &memoryChatRepository{
		byID:          make(map[string]*domain.Message),
		byRoom:        make(map[domain.RoomKey][]*domain.Message),
		byProvisional: make(map[string]string),
	}
}

func provisionalKey(senderID, provisionalID string) string {
	return senderID + "\x00" + provisionalID
}

func (r *memoryChatRepository) Persist(ctx context.Context, message *domain.Message) (*domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if message.ProvisionalID != "" {
		if id, ok := r.byProvisional[provisionalKey(message.SenderID, message.ProvisionalID)]; ok {
			return r.byID[id].Clone(), nil
		}
	}

	prepareForPersist(message)
	stored := message.Clone()
	r.byID[stored.ID] = stored
	if stored.ProvisionalID != "" {
		r.byProvisional[provisionalKey(stored.SenderID, stored.ProvisionalID)] = stored.ID
	}

	// держим комнату отсортированной по createdAt
	list := r.byRoom[stored.RoomKey]
	idx := sort.Search(len(list), func(i int) bool { return list[i].CreatedAt.After(stored.CreatedAt) })
	list = append(list, nil)
	copy(list[idx+1:], list[idx:])
	list[idx] = stored
	r.byRoom[stored.RoomKey] = list

	return stored.Clone(), nil
}

func (r *memoryChatRepository) FindSince(ctx context.Context, roomKey domain.RoomKey, since time.Time, limit int) ([]*domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.byRoom[roomKey]
	start := sort.Search(len(list), func(i int) bool { return list[i].CreatedAt.After(since) })

	out := make([]*domain.Message, 0)
	for _, m := range list[start:] {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, m.Clone())
	}
	return out, nil
}

func (r *memoryChatRepository) FindByID(ctx context.Context, id string) (*domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.byID[id]
	if !ok {
		return nil, apperrors.ErrMessageNotFound
	}
	return m.Clone(), nil
}

func (r *memoryChatRepository) MarkTombstone(ctx context.Context, id string) (*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.byID[id]
	if !ok {
		return nil, apperrors.ErrMessageNotFound
	}
	m.Tombstone()
	return m.Clone(), nil
}

func (r *memoryChatRepository) ToggleReaction(ctx context.Context, id, userID, emoji string) (*string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.byID[id]
	if !ok {
		return nil, apperrors.ErrMessageNotFound
	}
	if m.Unsent {
		return nil, apperrors.ErrMessageUnsent
	}
	return m.ToggleReaction(userID, emoji), nil
}

func (r *memoryChatRepository) UpdateState(ctx context.Context, id string, state domain.MessageState) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.byID[id]
	if !ok {
		return false, apperrors.ErrMessageNotFound
	}
	return m.Advance(state), nil
}

func (r *memoryChatRepository) Hide(ctx context.Context, id, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.byID[id]
	if !ok {
		return apperrors.ErrMessageNotFound
	}
	m.Hide(userID)
	return nil
}
