package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"realtime_chat/internal/domain"
	apperrors "realtime_chat/pkg/errors"
	"realtime_chat/pkg/logger"
)

const (
	// Префиксы ключей Redis
	ChatRoomMessagesKey = "chat:room:%s:messages"
	ChatMessageKey      = "chat:message:%s"
	ChatProvisionalKey  = "chat:provisional:%s:%s"

	// сколько раз повторяем WATCH-транзакцию при конфликте
	redisTxRetries = 5
)

// redisChatRepository хранит сообщение как JSON по id, а порядок в комнате -
// в sorted set со score = createdAt в миллисекундах
type redisChatRepository struct {
	rdb *redis.Client
	ttl time.Duration
	log logger.Logger
}

// NewRedisChatRepository: ttl = 0 значит без срока жизни
func NewRedisChatRepository(rdb *redis.Client, ttl time.Duration, log logger.Logger) MessageStore {
	return &redisChatRepository{rdb: rdb, ttl: ttl, log: log}
}

func (r *redisChatRepository) roomKey(key domain.RoomKey) string {
	return fmt.Sprintf(ChatRoomMessagesKey, key.String())
}

func (r *redisChatRepository) messageKey(id string) string {
	return fmt.Sprintf(ChatMessageKey, id)
}

func (r *redisChatRepository) provisionalKey(senderID, provisionalID string) string {
	return fmt.Sprintf(ChatProvisionalKey, senderID, provisionalID)
}

// storedMessage - Message вместе со списком скрывших (в JSON для клиента он не попадает)
type storedMessage struct {
	*domain.Message
	HiddenFor []string `json:"hiddenFor,omitempty"`
}

func encodeStored(m *domain.Message) ([]byte, error) {
	return json.Marshal(storedMessage{Message: m, HiddenFor: m.HiddenFor})
}

func decodeStored(raw []byte) (*domain.Message, error) {
	stored := storedMessage{Message: &domain.Message{}}
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, err
	}
	stored.Message.HiddenFor = stored.HiddenFor
	if stored.Message.Reactions == nil {
		stored.Message.Reactions = make(map[string]string)
	}
	return stored.Message, nil
}

func (r *redisChatRepository) Persist(ctx context.Context, message *domain.Message) (*domain.Message, error) {
	prepareForPersist(message)

	// provisionalId занимаем через SETNX: повтор после рестарта вернет уже сохраненное сообщение
	if message.ProvisionalID != "" {
		pk := r.provisionalKey(message.SenderID, message.ProvisionalID)
		ok, err := r.rdb.SetNX(ctx, pk, message.ID, r.ttl).Result()
		if err != nil {
			r.log.Error("Failed to reserve provisional id", "error", err)
			return nil, fmt.Errorf("failed to reserve provisional id: %w", err)
		}
		if !ok {
			existingID, err := r.rdb.Get(ctx, pk).Result()
			if err != nil {
				return nil, fmt.Errorf("failed to load provisional id: %w", err)
			}
			existing, err := r.FindByID(ctx, existingID)
			if err == nil {
				return existing, nil
			}
			if !errors.Is(err, apperrors.ErrMessageNotFound) {
				return nil, err
			}
			// предыдущая запись оборвалась между SETNX и SET - пишем заново под старым id
			message.ID = existingID
		}
	}

	payload, err := encodeStored(message)
	if err != nil {
		r.log.Error("Failed to marshal message", "error", err)
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	roomKey := r.roomKey(message.RoomKey)
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.messageKey(message.ID), payload, r.ttl)
		pipe.ZAdd(ctx, roomKey, redis.Z{
			Score:  float64(message.CreatedAt.UnixMilli()),
			Member: message.ID,
		})
		if r.ttl > 0 {
			pipe.Expire(ctx, roomKey, r.ttl)
		}
		return nil
	})
	if err != nil {
		r.log.Error("Failed to save message to Redis", "error", err, "room_key", message.RoomKey.String())
		return nil, fmt.Errorf("failed to save message: %w", err)
	}

	return message, nil
}

func (r *redisChatRepository) FindSince(ctx context.Context, roomKey domain.RoomKey, since time.Time, limit int) ([]*domain.Message, error) {
	// score хранит миллисекунды, поэтому берем с запасом и отсекаем по точному времени ниже
	count := int64(-1)
	if limit > 0 {
		count = int64(limit) + 32
	}

	ids, err := r.rdb.ZRangeByScore(ctx, r.roomKey(roomKey), &redis.ZRangeBy{
		Min:   strconv.FormatInt(since.UnixMilli(), 10),
		Max:   "+inf",
		Count: count,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return []*domain.Message{}, nil
		}
		r.log.Error("Failed to get messages after time", "error", err, "room_key", roomKey.String())
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	if len(ids) == 0 {
		return []*domain.Message{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.messageKey(id)
	}
	raws, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		r.log.Error("Failed to load messages", "error", err, "room_key", roomKey.String())
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}

	messages := make([]*domain.Message, 0, len(raws))
	for _, raw := range raws {
		s, ok := raw.(string)
		if !ok {
			continue // истек TTL у тела сообщения
		}
		message, err := decodeStored([]byte(s))
		if err != nil {
			r.log.Warn("Failed to unmarshal message", "error", err)
			continue
		}
		if !message.CreatedAt.After(since) {
			continue
		}
		messages = append(messages, message)
		if limit > 0 && len(messages) >= limit {
			break
		}
	}
	return messages, nil
}

func (r *redisChatRepository) FindByID(ctx context.Context, id string) (*domain.Message, error) {
	raw, err := r.rdb.Get(ctx, r.messageKey(id)).Bytes()
	if err == redis.Nil {
		return nil, apperrors.ErrMessageNotFound
	}
	if err != nil {
		r.log.Error("Failed to get message", "error", err, "message_id", id)
		return nil, err
	}
	return decodeStored(raw)
}

// update выполняет read-modify-write под WATCH, повторяя при конфликте
func (r *redisChatRepository) update(ctx context.Context, id string, fn func(*domain.Message) error) (*domain.Message, error) {
	key := r.messageKey(id)
	var result *domain.Message

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return apperrors.ErrMessageNotFound
		}
		if err != nil {
			return err
		}
		message, err := decodeStored(raw)
		if err != nil {
			return err
		}
		if err := fn(message); err != nil {
			return err
		}
		payload, err := encodeStored(message)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, redis.KeepTTL)
			return nil
		})
		if err == nil {
			result = message
		}
		return err
	}

	for i := 0; i < redisTxRetries; i++ {
		err := r.rdb.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("message %s: too many concurrent updates", id)
}

func (r *redisChatRepository) MarkTombstone(ctx context.Context, id string) (*domain.Message, error) {
	return r.update(ctx, id, func(m *domain.Message) error {
		m.Tombstone()
		return nil
	})
}

func (r *redisChatRepository) ToggleReaction(ctx context.Context, id, userID, emoji string) (*string, error) {
	var current *string
	_, err := r.update(ctx, id, func(m *domain.Message) error {
		if m.Unsent {
			return apperrors.ErrMessageUnsent
		}
		current = m.ToggleReaction(userID, emoji)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return current, nil
}

func (r *redisChatRepository) UpdateState(ctx context.Context, id string, state domain.MessageState) (bool, error) {
	changed := false
	_, err := r.update(ctx, id, func(m *domain.Message) error {
		changed = m.Advance(state)
		return nil
	})
	return changed, err
}

func (r *redisChatRepository) Hide(ctx context.Context, id, userID string) error {
	_, err := r.update(ctx, id, func(m *domain.Message) error {
		m.Hide(userID)
		return nil
	})
	return err
}
