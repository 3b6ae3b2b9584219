package hub

import (
	"sync"

	"realtime_chat/internal/domain"
)

type room struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// Registry хранит подписки сессий на комнаты. Порядок блокировок: r.mu, затем room.mu.
// Рассылка в одну комнату идет под room.mu, поэтому каждый подписчик получает
// события комнаты в порядке вызовов Broadcast.
type Registry struct {
	mu        sync.RWMutex
	rooms     map[domain.RoomKey]*room
	bySession map[string]map[domain.RoomKey]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:     make(map[domain.RoomKey]*room),
		bySession: make(map[string]map[domain.RoomKey]struct{}),
	}
}

// Join идемпотентен. Возвращает false, если сессия уже была в комнате.
// Права на вход проверяет вызывающий код.
func (r *Registry) Join(s *Session, key domain.RoomKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	// сессия закрывается до LeaveAll, поэтому проверка под r.mu не оставит висящих подписок
	if s.Closed() {
		return false
	}

	rm, ok := r.rooms[key]
	if !ok {
		rm = &room{sessions: make(map[string]*Session)}
		r.rooms[key] = rm
	}

	rm.mu.Lock()
	_, already := rm.sessions[s.ID]
	rm.sessions[s.ID] = s
	rm.mu.Unlock()

	subs, ok := r.bySession[s.ID]
	if !ok {
		subs = make(map[domain.RoomKey]struct{})
		r.bySession[s.ID] = subs
	}
	subs[key] = struct{}{}

	return !already
}

// JoinAll подписывает набор сессий (обычно все сессии пользователя)
func (r *Registry) JoinAll(sessions []*Session, key domain.RoomKey) int {
	joined := 0
	for _, s := range sessions {
		if r.Join(s, key) {
			joined++
		}
	}
	return joined
}

// Leave идемпотентен и удаляет только подписку
func (r *Registry) Leave(sessionID string, key domain.RoomKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(sessionID, key)
}

func (r *Registry) leaveLocked(sessionID string, key domain.RoomKey) bool {
	rm, ok := r.rooms[key]
	if !ok {
		return false
	}

	rm.mu.Lock()
	_, was := rm.sessions[sessionID]
	delete(rm.sessions, sessionID)
	empty := len(rm.sessions) == 0
	rm.mu.Unlock()

	// пустую запись убираем из карты, сама комната как понятие остается
	if empty {
		delete(r.rooms, key)
	}

	if subs, ok := r.bySession[sessionID]; ok {
		delete(subs, key)
		if len(subs) == 0 {
			delete(r.bySession, sessionID)
		}
	}
	return was
}

// LeaveAll атомарно снимает все подписки сессии (при отключении)
func (r *Registry) LeaveAll(sessionID string) []domain.RoomKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.bySession[sessionID]
	keys := make([]domain.RoomKey, 0, len(subs))
	for key := range subs {
		keys = append(keys, key)
	}
	for _, key := range keys {
		r.leaveLocked(sessionID, key)
	}
	delete(r.bySession, sessionID)
	return keys
}

// RemoveUser отписывает все сессии пользователя от комнаты
func (r *Registry) RemoveUser(userID string, key domain.RoomKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[key]
	if !ok {
		return 0
	}

	rm.mu.Lock()
	var ids []string
	for id, s := range rm.sessions {
		if s.UserID == userID {
			ids = append(ids, id)
		}
	}
	rm.mu.Unlock()

	for _, id := range ids {
		r.leaveLocked(id, key)
	}
	return len(ids)
}

// DropRoom снимает все подписки комнаты (роспуск группы)
func (r *Registry) DropRoom(key domain.RoomKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[key]
	if !ok {
		return 0
	}

	rm.mu.Lock()
	count := len(rm.sessions)
	for id := range rm.sessions {
		if subs, ok := r.bySession[id]; ok {
			delete(subs, key)
			if len(subs) == 0 {
				delete(r.bySession, id)
			}
		}
	}
	rm.sessions = make(map[string]*Session)
	rm.mu.Unlock()

	delete(r.rooms, key)
	return count
}

// Broadcast рассылает событие всем подписчикам кроме excludeSessionID.
// Пустая комната - не ошибка. Возвращает число сессий, которым ушел кадр.
func (r *Registry) Broadcast(key domain.RoomKey, ev domain.OutboundEvent, excludeSessionID string) int {
	frame, err := Encode(ev)
	if err != nil {
		return 0
	}
	return r.BroadcastFrame(key, frame, excludeSessionID)
}

func (r *Registry) BroadcastFrame(key domain.RoomKey, frame []byte, excludeSessionID string) int {
	r.mu.RLock()
	rm, ok := r.rooms[key]
	r.mu.RUnlock()
	if !ok {
		return 0
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	delivered := 0
	for id, s := range rm.sessions {
		if id == excludeSessionID {
			continue
		}
		if s.Send(frame) {
			delivered++
		}
	}
	return delivered
}

func (r *Registry) SessionsOf(key domain.RoomKey) []*Session {
	r.mu.RLock()
	rm, ok := r.rooms[key]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]*Session, 0, len(rm.sessions))
	for _, s := range rm.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) RoomsOf(sessionID string) []domain.RoomKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.bySession[sessionID]
	out := make([]domain.RoomKey, 0, len(subs))
	for key := range subs {
		out = append(out, key)
	}
	return out
}

func (r *Registry) IsSubscribed(sessionID string, key domain.RoomKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.bySession[sessionID][key]
	return ok
}

// RoomCount - число комнат, в которых есть хотя бы одна сессия
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
