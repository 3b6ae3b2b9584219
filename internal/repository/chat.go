package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"realtime_chat/internal/domain"
	apperrors "realtime_chat/pkg/errors"
	"realtime_chat/pkg/logger"
)

// MessageStore - долговременное хранилище сообщений. Все in-memory структуры
// шлюза строятся заново по нему после рестарта.
type MessageStore interface {
	// Persist сохраняет сообщение. Если у отправителя уже есть сообщение с тем же
	// provisionalId, возвращается сохраненное ранее (его ID отличается от переданного).
	Persist(ctx context.Context, message *domain.Message) (*domain.Message, error)
	// FindSince - сообщения комнаты строго после since, по возрастанию createdAt
	FindSince(ctx context.Context, roomKey domain.RoomKey, since time.Time, limit int) ([]*domain.Message, error)
	FindByID(ctx context.Context, id string) (*domain.Message, error)
	MarkTombstone(ctx context.Context, id string) (*domain.Message, error)
	ToggleReaction(ctx context.Context, id, userID, emoji string) (*string, error)
	// UpdateState только продвигает статус вперед и не трогает удаленные сообщения
	UpdateState(ctx context.Context, id string, state domain.MessageState) (bool, error)
	Hide(ctx context.Context, id, userID string) error
}

// prepareForPersist заполняет серверные поля перед записью
func prepareForPersist(message *domain.Message) {
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	if message.State == "" {
		message.State = domain.MessageStateSent
	}
	if message.Reactions == nil {
		message.Reactions = make(map[string]string)
	}
}

// sqlLimit: limit <= 0 значит без ограничения, как у остальных драйверов (LIMIT NULL)
func sqlLimit(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

const messageColumns = `id, provisional_id, room_key, sender_id, content, kind, file, reply_to_id,
		reactions, state, unsent, hidden_for, created_at`

type chatRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewChatRepository(db *pgxpool.Pool, log logger.Logger) MessageStore {
	return &chatRepository{db: db, log: log}
}

func scanMessage(row pgx.Row) (*domain.Message, error) {
	var (
		message   domain.Message
		roomKey   string
		fileRaw   []byte
		reactions []byte
		state     string
		kind      string
	)
	err := row.Scan(
		&message.ID, &message.ProvisionalID, &roomKey, &message.SenderID, &message.Content, &kind,
		&fileRaw, &message.ReplyToID, &reactions, &state, &message.Unsent, &message.HiddenFor, &message.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	key, err := domain.ParseRoomKey(roomKey)
	if err != nil {
		return nil, fmt.Errorf("stored room key %q: %w", roomKey, err)
	}
	message.RoomKey = key
	message.Kind = domain.MessageKind(kind)
	message.State = domain.MessageState(state)

	if len(fileRaw) > 0 {
		var file domain.FileRef
		if err := json.Unmarshal(fileRaw, &file); err != nil {
			return nil, fmt.Errorf("decode file ref: %w", err)
		}
		message.File = &file
	}
	message.Reactions = make(map[string]string)
	if len(reactions) > 0 {
		if err := json.Unmarshal(reactions, &message.Reactions); err != nil {
			return nil, fmt.Errorf("decode reactions: %w", err)
		}
	}
	return &message, nil
}

func (r *chatRepository) Persist(ctx context.Context, message *domain.Message) (*domain.Message, error) {
	prepareForPersist(message)

	var fileRaw []byte
	if message.File != nil {
		raw, err := json.Marshal(message.File)
		if err != nil {
			return nil, fmt.Errorf("encode file ref: %w", err)
		}
		fileRaw = raw
	}
	reactions, err := json.Marshal(message.Reactions)
	if err != nil {
		return nil, fmt.Errorf("encode reactions: %w", err)
	}
	hiddenFor := message.HiddenFor
	if hiddenFor == nil {
		hiddenFor = []string{}
	}

	query := `
		INSERT INTO chat_messages (id, provisional_id, room_key, sender_id, content, kind, file, reply_to_id,
		                           reactions, state, unsent, hidden_for, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (sender_id, provisional_id) WHERE provisional_id <> '' DO NOTHING
		RETURNING ` + messageColumns

	stored, err := scanMessage(r.db.QueryRow(ctx, query,
		message.ID, message.ProvisionalID, message.RoomKey.String(), message.SenderID, message.Content,
		string(message.Kind), fileRaw, message.ReplyToID, reactions, string(message.State), message.Unsent,
		hiddenFor, message.CreatedAt,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		// конфликт по provisional_id: сообщение уже было сохранено
		existing, findErr := scanMessage(r.db.QueryRow(ctx,
			`SELECT `+messageColumns+` FROM chat_messages WHERE sender_id = $1 AND provisional_id = $2`,
			message.SenderID, message.ProvisionalID,
		))
		if findErr != nil {
			r.log.Error("Failed to load existing message", "error", findErr, "provisional_id", message.ProvisionalID)
			return nil, findErr
		}
		return existing, nil
	}
	if err != nil {
		r.log.Error("Failed to persist message", "error", err, "room_key", message.RoomKey.String())
		return nil, err
	}
	return stored, nil
}

func (r *chatRepository) FindSince(ctx context.Context, roomKey domain.RoomKey, since time.Time, limit int) ([]*domain.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM chat_messages
		WHERE room_key = $1 AND created_at > $2
		ORDER BY created_at ASC, id ASC
		LIMIT $3
	`

	rows, err := r.db.Query(ctx, query, roomKey.String(), since, sqlLimit(limit))
	if err != nil {
		r.log.Error("Failed to query messages", "error", err, "room_key", roomKey.String())
		return nil, err
	}
	defer rows.Close()

	messages := make([]*domain.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			r.log.Error("Failed to scan message", "error", err)
			return nil, err
		}
		messages = append(messages, message)
	}
	return messages, rows.Err()
}

func (r *chatRepository) FindByID(ctx context.Context, id string) (*domain.Message, error) {
	message, err := scanMessage(r.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM chat_messages WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrMessageNotFound
	}
	if err != nil {
		r.log.Error("Failed to get message", "error", err, "message_id", id)
		return nil, err
	}
	return message, nil
}

func (r *chatRepository) MarkTombstone(ctx context.Context, id string) (*domain.Message, error) {
	query := `
		UPDATE chat_messages
		SET unsent = TRUE, state = 'unsent', content = '', file = NULL
		WHERE id = $1
		RETURNING ` + messageColumns

	message, err := scanMessage(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrMessageNotFound
	}
	if err != nil {
		r.log.Error("Failed to tombstone message", "error", err, "message_id", id)
		return nil, err
	}
	return message, nil
}

func (r *chatRepository) ToggleReaction(ctx context.Context, id, userID, emoji string) (*string, error) {
	// переключение одним UPDATE, чтобы параллельные реакции не затирали друг друга
	query := `
		UPDATE chat_messages
		SET reactions = CASE
			WHEN reactions->>($2::text) = $3::text THEN reactions - ($2::text)
			ELSE jsonb_set(reactions, ARRAY[$2::text], to_jsonb($3::text), TRUE)
		END
		WHERE id = $1 AND NOT unsent
		RETURNING reactions->>($2::text)
	`

	var current *string
	err := r.db.QueryRow(ctx, query, id, userID, emoji).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.explainMissing(ctx, id)
	}
	if err != nil {
		r.log.Error("Failed to toggle reaction", "error", err, "message_id", id)
		return nil, err
	}
	return current, nil
}

func (r *chatRepository) UpdateState(ctx context.Context, id string, state domain.MessageState) (bool, error) {
	query := `
		UPDATE chat_messages
		SET state = $2
		WHERE id = $1 AND NOT unsent
		  AND (CASE state WHEN 'sent' THEN 0 WHEN 'delivered' THEN 1 WHEN 'seen' THEN 2 ELSE 3 END) < $3
	`

	tag, err := r.db.Exec(ctx, query, id, string(state), state.Rank())
	if err != nil {
		r.log.Error("Failed to update message state", "error", err, "message_id", id)
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *chatRepository) Hide(ctx context.Context, id, userID string) error {
	query := `
		UPDATE chat_messages
		SET hidden_for = array_append(hidden_for, $2::text)
		WHERE id = $1 AND NOT ($2::text = ANY(hidden_for))
	`

	tag, err := r.db.Exec(ctx, query, id, userID)
	if err != nil {
		r.log.Error("Failed to hide message", "error", err, "message_id", id)
		return err
	}
	if tag.RowsAffected() == 0 {
		// либо уже скрыто (ок), либо сообщения нет
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM chat_messages WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return apperrors.ErrMessageNotFound
		}
	}
	return nil
}

func (r *chatRepository) explainMissing(ctx context.Context, id string) error {
	var unsent bool
	err := r.db.QueryRow(ctx, `SELECT unsent FROM chat_messages WHERE id = $1`, id).Scan(&unsent)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.ErrMessageNotFound
	}
	if err != nil {
		return err
	}
	if unsent {
		return apperrors.ErrMessageUnsent
	}
	return apperrors.ErrMessageNotFound
}
