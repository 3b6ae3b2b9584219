package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"realtime_chat/internal/domain"
	apperrors "realtime_chat/pkg/errors"
	"realtime_chat/pkg/logger"
)

const (
	GroupRoleMember  = "member"
	GroupRoleCoAdmin = "co_admin"
)

// GroupDirectory - источник правды о членстве в группах. Группами управляет внешний сервис.
type GroupDirectory interface {
	MembersOf(ctx context.Context, groupID string) ([]string, error)
	Snapshot(ctx context.Context, groupID string) (*domain.GroupMembership, error)
	GroupsOf(ctx context.Context, userID string) ([]string, error)
}

// MembershipWriter реализуют каталоги, которые ведут членство сами (in-memory режим).
// Postgres-каталог только читает: таблицы заполняет сервис групп.
type MembershipWriter interface {
	ApplyMembership(ctx context.Context, event domain.MembershipEvent) error
}

type groupRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewGroupRepository(db *pgxpool.Pool, log logger.Logger) GroupDirectory {
	return &groupRepository{db: db, log: log}
}

func (r *groupRepository) MembersOf(ctx context.Context, groupID string) ([]string, error) {
	snapshot, err := r.Snapshot(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return snapshot.MemberIDs, nil
}

func (r *groupRepository) Snapshot(ctx context.Context, groupID string) (*domain.GroupMembership, error) {
	snapshot := &domain.GroupMembership{GroupID: groupID}
	err := r.db.QueryRow(ctx,
		`SELECT admin_id FROM chat_groups WHERE id = $1 AND dissolved_at IS NULL`, groupID,
	).Scan(&snapshot.AdminID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrGroupNotFound
	}
	if err != nil {
		r.log.Error("Failed to get group", "error", err, "group_id", groupID)
		return nil, err
	}

	rows, err := r.db.Query(ctx,
		`SELECT user_id, role FROM chat_group_members WHERE group_id = $1 ORDER BY joined_at`, groupID)
	if err != nil {
		r.log.Error("Failed to get group members", "error", err, "group_id", groupID)
		return nil, err
	}
	defer rows.Close()

	snapshot.MemberIDs = make([]string, 0)
	for rows.Next() {
		var userID, role string
		if err := rows.Scan(&userID, &role); err != nil {
			r.log.Error("Failed to scan group member", "error", err)
			return nil, err
		}
		snapshot.MemberIDs = append(snapshot.MemberIDs, userID)
		if role == GroupRoleCoAdmin {
			snapshot.CoAdminIDs = append(snapshot.CoAdminIDs, userID)
		}
	}
	return snapshot, rows.Err()
}

func (r *groupRepository) GroupsOf(ctx context.Context, userID string) ([]string, error) {
	query := `
		SELECT g.id
		FROM chat_groups g
		WHERE g.dissolved_at IS NULL
		  AND (g.admin_id = $1 OR EXISTS (
		      SELECT 1 FROM chat_group_members m WHERE m.group_id = g.id AND m.user_id = $1))
		ORDER BY g.id
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		r.log.Error("Failed to get user groups", "error", err, "user_id", userID)
		return nil, err
	}
	defer rows.Close()

	groups := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		groups = append(groups, id)
	}
	return groups, rows.Err()
}
