package repository

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"realtime_chat/internal/domain"
	"realtime_chat/pkg/logger"
)

type AuditRepository interface {
	CreateLog(ctx context.Context, entry *domain.AuditEntry) error
	// ListByRoom - последние записи комнаты, новые первыми
	ListByRoom(ctx context.Context, roomKey string, limit int) ([]*domain.AuditEntry, error)
}

type auditRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewAuditRepository(db *pgxpool.Pool, log logger.Logger) AuditRepository {
	return &auditRepository{db: db, log: log}
}

func (r *auditRepository) CreateLog(ctx context.Context, entry *domain.AuditEntry) error {
	query := `
		INSERT INTO chat_audit_log (event_time, actor_id, actor_role, room_key, event_type, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`

	err := r.db.QueryRow(ctx, query,
		entry.EventTime, entry.ActorID, entry.ActorRole,
		entry.RoomKey, entry.EventType, entry.Payload,
	).Scan(&entry.ID)
	if err != nil {
		r.log.Error("Failed to create audit log", "error", err, "event_type", entry.EventType)
		return err
	}
	return nil
}

func (r *auditRepository) ListByRoom(ctx context.Context, roomKey string, limit int) ([]*domain.AuditEntry, error) {
	query := `
		SELECT id, event_time, actor_id, actor_role, room_key, event_type, payload
		FROM chat_audit_log
		WHERE room_key = $1
		ORDER BY event_time DESC, id DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, roomKey, sqlLimit(limit))
	if err != nil {
		r.log.Error("Failed to query audit log", "error", err, "room_key", roomKey)
		return nil, err
	}
	defer rows.Close()

	entries := make([]*domain.AuditEntry, 0)
	for rows.Next() {
		var entry domain.AuditEntry
		if err := rows.Scan(&entry.ID, &entry.EventTime, &entry.ActorID, &entry.ActorRole,
			&entry.RoomKey, &entry.EventType, &entry.Payload); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

const memoryAuditCapacity = 1000

// memoryAuditRepository держит только последние записи, старые вытесняются
type memoryAuditRepository struct {
	mu      sync.Mutex
	entries []*domain.AuditEntry
	nextID  int64
}

func NewMemoryAuditRepository() AuditRepository {
	return &memoryAuditRepository{}
}

func (r *memoryAuditRepository) CreateLog(ctx context.Context, entry *domain.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	entry.ID = r.nextID
	stored := *entry
	r.entries = append(r.entries, &stored)
	if len(r.entries) > memoryAuditCapacity {
		r.entries = r.entries[len(r.entries)-memoryAuditCapacity:]
	}
	return nil
}

func (r *memoryAuditRepository) ListByRoom(ctx context.Context, roomKey string, limit int) ([]*domain.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*domain.AuditEntry, 0)
	for i := len(r.entries) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if r.entries[i].RoomKey == roomKey {
			entry := *r.entries[i]
			out = append(out, &entry)
		}
	}
	return out, nil
}
