package domain

import (
	"strings"
	"time"

	apperrors "realtime_chat/pkg/errors"
)

type MessageKind string

const (
	MessageKindText   MessageKind = "text"
	MessageKindImage  MessageKind = "image"
	MessageKindVideo  MessageKind = "video"
	MessageKindAudio  MessageKind = "audio"
	MessageKindFile   MessageKind = "file"
	MessageKindSystem MessageKind = "system"
)

func (k MessageKind) Valid() bool {
	switch k {
	case MessageKindText, MessageKindImage, MessageKindVideo, MessageKindAudio, MessageKindFile, MessageKindSystem:
		return true
	}
	return false
}

// HasAttachment - виды сообщений, для которых обязателен FileRef
func (k MessageKind) HasAttachment() bool {
	switch k {
	case MessageKindImage, MessageKindVideo, MessageKindAudio, MessageKindFile:
		return true
	}
	return false
}

type MessageState string

const (
	MessageStateSent      MessageState = "sent"
	MessageStateDelivered MessageState = "delivered"
	MessageStateSeen      MessageState = "seen"
	MessageStateUnsent    MessageState = "unsent"
	MessageStateFailed    MessageState = "failed"
)

// Rank задает порядок переходов sent -> delivered -> seen. Статус назад не откатывается.
func (s MessageState) Rank() int {
	switch s {
	case MessageStateSent:
		return 0
	case MessageStateDelivered:
		return 1
	case MessageStateSeen:
		return 2
	default:
		return 3
	}
}

// FileRef - ссылка на уже загруженный файл. Загрузкой занимается внешний сервис.
type FileRef struct {
	URL       string `json:"url" validate:"required,url"`
	Name      string `json:"name,omitempty"`
	Size      int64  `json:"size,omitempty" validate:"gte=0"`
	Thumbnail string `json:"thumbnail,omitempty"`
	ID        string `json:"id,omitempty"`
}

type Message struct {
	ID            string            `json:"id"`
	ProvisionalID string            `json:"provisionalId,omitempty"`
	RoomKey       RoomKey           `json:"roomKey"`
	SenderID      string            `json:"senderId"`
	Content       string            `json:"content"`
	Kind          MessageKind       `json:"kind"`
	File          *FileRef          `json:"file,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	ReplyToID     string            `json:"replyToId,omitempty"`
	Reactions     map[string]string `json:"reactions"`
	State         MessageState      `json:"state"`
	Unsent        bool              `json:"unsent"`
	HiddenFor     []string          `json:"-"`
}

// Validate проверяет сообщение от клиента до записи в хранилище
func (m *Message) Validate() error {
	if m.RoomKey.IsZero() {
		return apperrors.ErrInvalidRoomKey
	}
	if m.SenderID == "" {
		return apperrors.Validation("sender is empty")
	}
	if m.Kind == "" {
		m.Kind = MessageKindText
	}
	if !m.Kind.Valid() {
		return apperrors.Validation("unknown message kind %q", m.Kind)
	}
	if m.Kind == MessageKindSystem {
		return apperrors.Validation("clients cannot send system messages")
	}
	if m.Kind.HasAttachment() && (m.File == nil || m.File.URL == "") {
		return apperrors.Validation("%s message requires a file", m.Kind)
	}
	if strings.TrimSpace(m.Content) == "" && m.File == nil {
		return apperrors.ErrEmptyMessage
	}
	return nil
}

// ToggleReaction: тот же emoji снимает реакцию, другой заменяет. Возвращает итоговый emoji или nil.
func (m *Message) ToggleReaction(userID, emoji string) *string {
	if m.Reactions == nil {
		m.Reactions = make(map[string]string)
	}
	if current, ok := m.Reactions[userID]; ok && current == emoji {
		delete(m.Reactions, userID)
		return nil
	}
	m.Reactions[userID] = emoji
	return &emoji
}

// Tombstone очищает содержимое, но оставляет запись
func (m *Message) Tombstone() {
	m.Unsent = true
	m.State = MessageStateUnsent
	m.Content = ""
	m.File = nil
}

// Advance переводит статус вперед. false, если переход ничего не меняет.
func (m *Message) Advance(state MessageState) bool {
	if m.Unsent || state.Rank() <= m.State.Rank() {
		return false
	}
	m.State = state
	return true
}

func (m *Message) HiddenForUser(userID string) bool {
	for _, id := range m.HiddenFor {
		if id == userID {
			return true
		}
	}
	return false
}

// Hide добавляет пользователя в список скрывших. Повторный вызов ничего не меняет.
func (m *Message) Hide(userID string) {
	if m.HiddenForUser(userID) {
		return
	}
	m.HiddenFor = append(m.HiddenFor, userID)
}

// Clone нужен хранилищу в памяти, чтобы наружу не уходили общие map и slice
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if m.File != nil {
		f := *m.File
		cp.File = &f
	}
	cp.Reactions = make(map[string]string, len(m.Reactions))
	for k, v := range m.Reactions {
		cp.Reactions[k] = v
	}
	cp.HiddenFor = append([]string(nil), m.HiddenFor...)
	return &cp
}
