package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"realtime_chat/internal/domain"
	apperrors "realtime_chat/pkg/errors"
	"realtime_chat/pkg/logger"
)

const MongoMessagesCollection = "chat_messages"

type mongoFile struct {
	URL       string `bson:"url"`
	Name      string `bson:"name,omitempty"`
	Size      int64  `bson:"size,omitempty"`
	Thumbnail string `bson:"thumbnail,omitempty"`
	ID        string `bson:"id,omitempty"`
}

type mongoMessage struct {
	ID            string            `bson:"_id"`
	ProvisionalID string            `bson:"provisional_id,omitempty"`
	RoomKey       string            `bson:"room_key"`
	SenderID      string            `bson:"sender_id"`
	Content       string            `bson:"content"`
	Kind          string            `bson:"kind"`
	File          *mongoFile        `bson:"file,omitempty"`
	ReplyToID     string            `bson:"reply_to_id,omitempty"`
	Reactions     map[string]string `bson:"reactions"`
	State         string            `bson:"state"`
	Unsent        bool              `bson:"unsent"`
	HiddenFor     []string          `bson:"hidden_for"`
	CreatedAt     time.Time         `bson:"created_at"`
}

func toMongo(m *domain.Message) *mongoMessage {
	doc := &mongoMessage{
		ID:            m.ID,
		ProvisionalID: m.ProvisionalID,
		RoomKey:       m.RoomKey.String(),
		SenderID:      m.SenderID,
		Content:       m.Content,
		Kind:          string(m.Kind),
		ReplyToID:     m.ReplyToID,
		Reactions:     m.Reactions,
		State:         string(m.State),
		Unsent:        m.Unsent,
		HiddenFor:     m.HiddenFor,
		CreatedAt:     m.CreatedAt,
	}
	if doc.HiddenFor == nil {
		doc.HiddenFor = []string{}
	}
	if m.File != nil {
		doc.File = &mongoFile{URL: m.File.URL, Name: m.File.Name, Size: m.File.Size, Thumbnail: m.File.Thumbnail, ID: m.File.ID}
	}
	return doc
}

func (d *mongoMessage) toDomain() (*domain.Message, error) {
	key, err := domain.ParseRoomKey(d.RoomKey)
	if err != nil {
		return nil, fmt.Errorf("stored room key %q: %w", d.RoomKey, err)
	}
	m := &domain.Message{
		ID:            d.ID,
		ProvisionalID: d.ProvisionalID,
		RoomKey:       key,
		SenderID:      d.SenderID,
		Content:       d.Content,
		Kind:          domain.MessageKind(d.Kind),
		ReplyToID:     d.ReplyToID,
		Reactions:     d.Reactions,
		State:         domain.MessageState(d.State),
		Unsent:        d.Unsent,
		HiddenFor:     d.HiddenFor,
		CreatedAt:     d.CreatedAt.UTC(),
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string]string)
	}
	if d.File != nil {
		m.File = &domain.FileRef{URL: d.File.URL, Name: d.File.Name, Size: d.File.Size, Thumbnail: d.File.Thumbnail, ID: d.File.ID}
	}
	return m, nil
}

type mongoChatRepository struct {
	coll *mongo.Collection
	log  logger.Logger
}

func NewMongoChatRepository(db *mongo.Database, log logger.Logger) MessageStore {
	return &mongoChatRepository{coll: db.Collection(MongoMessagesCollection), log: log}
}

// EnsureMongoIndexes создает индексы для выборки по комнате и уникальности provisional_id
func EnsureMongoIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection(MongoMessagesCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "room_key", Value: 1}, {Key: "created_at", Value: 1}}},
		{
			Keys: bson.D{{Key: "sender_id", Value: 1}, {Key: "provisional_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.M{
				"provisional_id": bson.M{"$type": "string", "$gt": ""},
			}),
		},
	})
	return err
}

// reactionField - путь к реакции пользователя. Точка и $ в id сломали бы путь в документе.
func reactionField(userID string) (string, error) {
	if strings.ContainsAny(userID, ".$") {
		return "", apperrors.Validation("user id %q cannot be used as reaction key", userID)
	}
	return "reactions." + userID, nil
}

func (r *mongoChatRepository) Persist(ctx context.Context, message *domain.Message) (*domain.Message, error) {
	prepareForPersist(message)

	_, err := r.coll.InsertOne(ctx, toMongo(message))
	if mongo.IsDuplicateKeyError(err) && message.ProvisionalID != "" {
		var existing mongoMessage
		findErr := r.coll.FindOne(ctx, bson.M{
			"sender_id":      message.SenderID,
			"provisional_id": message.ProvisionalID,
		}).Decode(&existing)
		if findErr != nil {
			r.log.Error("Failed to load existing message", "error", findErr, "provisional_id", message.ProvisionalID)
			return nil, findErr
		}
		return existing.toDomain()
	}
	if err != nil {
		r.log.Error("Failed to persist message", "error", err, "room_key", message.RoomKey.String())
		return nil, err
	}
	return message, nil
}

func (r *mongoChatRepository) FindSince(ctx context.Context, roomKey domain.RoomKey, since time.Time, limit int) ([]*domain.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := r.coll.Find(ctx, bson.M{
		"room_key":   roomKey.String(),
		"created_at": bson.M{"$gt": since},
	}, opts)
	if err != nil {
		r.log.Error("Failed to query messages", "error", err, "room_key", roomKey.String())
		return nil, err
	}
	defer cursor.Close(ctx)

	messages := make([]*domain.Message, 0)
	for cursor.Next(ctx) {
		var doc mongoMessage
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		m, err := doc.toDomain()
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, cursor.Err()
}

func (r *mongoChatRepository) FindByID(ctx context.Context, id string) (*domain.Message, error) {
	var doc mongoMessage
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperrors.ErrMessageNotFound
	}
	if err != nil {
		r.log.Error("Failed to get message", "error", err, "message_id", id)
		return nil, err
	}
	return doc.toDomain()
}

func (r *mongoChatRepository) MarkTombstone(ctx context.Context, id string) (*domain.Message, error) {
	var doc mongoMessage
	err := r.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{
			"$set":   bson.M{"unsent": true, "state": string(domain.MessageStateUnsent), "content": ""},
			"$unset": bson.M{"file": ""},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperrors.ErrMessageNotFound
	}
	if err != nil {
		r.log.Error("Failed to tombstone message", "error", err, "message_id", id)
		return nil, err
	}
	return doc.toDomain()
}

func (r *mongoChatRepository) ToggleReaction(ctx context.Context, id, userID, emoji string) (*string, error) {
	field, err := reactionField(userID)
	if err != nil {
		return nil, err
	}

	// сначала пробуем снять ту же реакцию, иначе ставим новую
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id, "unsent": false, field: emoji},
		bson.M{"$unset": bson.M{field: ""}},
	)
	if err != nil {
		r.log.Error("Failed to toggle reaction", "error", err, "message_id", id)
		return nil, err
	}
	if res.MatchedCount > 0 {
		return nil, nil
	}

	res, err = r.coll.UpdateOne(ctx,
		bson.M{"_id": id, "unsent": false},
		bson.M{"$set": bson.M{field: emoji}},
	)
	if err != nil {
		r.log.Error("Failed to toggle reaction", "error", err, "message_id", id)
		return nil, err
	}
	if res.MatchedCount == 0 {
		return nil, r.explainMissing(ctx, id)
	}
	return &emoji, nil
}

func (r *mongoChatRepository) UpdateState(ctx context.Context, id string, state domain.MessageState) (bool, error) {
	lower := make([]string, 0, 2)
	for _, s := range []domain.MessageState{domain.MessageStateSent, domain.MessageStateDelivered, domain.MessageStateSeen} {
		if s.Rank() < state.Rank() {
			lower = append(lower, string(s))
		}
	}

	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id, "unsent": false, "state": bson.M{"$in": lower}},
		bson.M{"$set": bson.M{"state": string(state)}},
	)
	if err != nil {
		r.log.Error("Failed to update message state", "error", err, "message_id", id)
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

func (r *mongoChatRepository) Hide(ctx context.Context, id, userID string) error {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$addToSet": bson.M{"hidden_for": userID}},
	)
	if err != nil {
		r.log.Error("Failed to hide message", "error", err, "message_id", id)
		return err
	}
	if res.MatchedCount == 0 {
		return apperrors.ErrMessageNotFound
	}
	return nil
}

func (r *mongoChatRepository) explainMissing(ctx context.Context, id string) error {
	var doc struct {
		Unsent bool `bson:"unsent"`
	}
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return apperrors.ErrMessageNotFound
	}
	if err != nil {
		return err
	}
	if doc.Unsent {
		return apperrors.ErrMessageUnsent
	}
	return apperrors.ErrMessageNotFound
}
