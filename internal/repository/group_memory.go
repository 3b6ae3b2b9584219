package repository

import (
	"context"
	"sort"
	"sync"

	"realtime_chat/internal/domain"
	apperrors "realtime_chat/pkg/errors"
)

// MemoryGroupDirectory хранит членство в памяти и сам применяет события членства
type MemoryGroupDirectory struct {
	mu     sync.RWMutex
	groups map[string]*domain.GroupMembership
}

func NewMemoryGroupDirectory() *MemoryGroupDirectory {
	return &MemoryGroupDirectory{groups: make(map[string]*domain.GroupMembership)}
}

// Put заменяет группу целиком
func (d *MemoryGroupDirectory) Put(group domain.GroupMembership) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := copyMembership(&group)
	d.groups[group.GroupID] = cp
}

func copyMembership(g *domain.GroupMembership) *domain.GroupMembership {
	return &domain.GroupMembership{
		GroupID:    g.GroupID,
		MemberIDs:  append([]string(nil), g.MemberIDs...),
		AdminID:    g.AdminID,
		CoAdminIDs: append([]string(nil), g.CoAdminIDs...),
	}
}

func (d *MemoryGroupDirectory) MembersOf(ctx context.Context, groupID string) ([]string, error) {
	snapshot, err := d.Snapshot(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return snapshot.MemberIDs, nil
}

func (d *MemoryGroupDirectory) Snapshot(ctx context.Context, groupID string) (*domain.GroupMembership, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	g, ok := d.groups[groupID]
	if !ok {
		return nil, apperrors.ErrGroupNotFound
	}
	return copyMembership(g), nil
}

func (d *MemoryGroupDirectory) GroupsOf(ctx context.Context, userID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, 0)
	for id, g := range d.groups {
		if g.IsMember(userID) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (d *MemoryGroupDirectory) ApplyMembership(ctx context.Context, event domain.MembershipEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	g, ok := d.groups[event.GroupID]
	if !ok {
		if event.Type != domain.MembershipMemberAdded {
			return nil
		}
		g = &domain.GroupMembership{GroupID: event.GroupID, AdminID: event.ActorID}
		d.groups[event.GroupID] = g
	}

	switch event.Type {
	case domain.MembershipMemberAdded:
		if !containsString(g.MemberIDs, event.UserID) {
			g.MemberIDs = append(g.MemberIDs, event.UserID)
		}
	case domain.MembershipMemberRemoved:
		g.MemberIDs = removeString(g.MemberIDs, event.UserID)
		g.CoAdminIDs = removeString(g.CoAdminIDs, event.UserID)
	case domain.MembershipCoAdminAdded:
		if !containsString(g.CoAdminIDs, event.UserID) {
			g.CoAdminIDs = append(g.CoAdminIDs, event.UserID)
		}
	case domain.MembershipCoAdminRemoved:
		g.CoAdminIDs = removeString(g.CoAdminIDs, event.UserID)
	case domain.MembershipGroupDissolved:
		delete(d.groups, event.GroupID)
	}
	return nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
