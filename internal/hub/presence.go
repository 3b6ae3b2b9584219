package hub

import (
	"sort"
	"sync"

	"realtime_chat/internal/domain"
)

// Presence считает живые сессии каждого пользователя.
// Пользователь онлайн, пока у него есть хотя бы одна сессия.
type Presence struct {
	mu    sync.RWMutex
	users map[string]map[string]*Session
}

func NewPresence() *Presence {
	return &Presence{users: make(map[string]map[string]*Session)}
}

// Register добавляет сессию. На первой сессии пользователя остальным уходит userOnline,
// новой сессии всегда уходит полный снимок онлайна.
func (p *Presence) Register(s *Session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	sessions, ok := p.users[s.UserID]
	if !ok {
		sessions = make(map[string]*Session)
		p.users[s.UserID] = sessions
	}
	first := len(sessions) == 0
	sessions[s.ID] = s

	if first {
		p.broadcastLocked(domain.NewEvent(domain.EventUserOnline, domain.UserPresenceData{UserID: s.UserID}), s.UserID)
	}

	s.SendEvent(domain.NewEvent(domain.EventOnlineUsersSnapshot, domain.OnlineUsersData{UserIDs: p.onlineLocked()}))
	return first
}

// Unregister убирает сессию. userOffline уходит только когда сессий у пользователя не осталось.
func (p *Presence) Unregister(s *Session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	sessions, ok := p.users[s.UserID]
	if !ok {
		return false
	}
	if _, ok := sessions[s.ID]; !ok {
		return false
	}
	delete(sessions, s.ID)
	if len(sessions) > 0 {
		return false
	}

	delete(p.users, s.UserID)
	p.broadcastLocked(domain.NewEvent(domain.EventUserOffline, domain.UserPresenceData{UserID: s.UserID}), s.UserID)
	return true
}

func (p *Presence) broadcastLocked(ev domain.OutboundEvent, skipUserID string) {
	frame, err := Encode(ev)
	if err != nil {
		return
	}
	for userID, sessions := range p.users {
		if userID == skipUserID {
			continue
		}
		for _, s := range sessions {
			s.Send(frame)
		}
	}
}

func (p *Presence) onlineLocked() []string {
	out := make([]string, 0, len(p.users))
	for userID := range p.users {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}

func (p *Presence) Online() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.onlineLocked()
}

func (p *Presence) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.users[userID]) > 0
}

func (p *Presence) SessionsOfUser(userID string) []*Session {
	p.mu.RLock()
	defer p.mu.RUnlock()

	sessions := p.users[userID]
	out := make([]*Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s)
	}
	return out
}

// SendToUser доставляет событие во все сессии пользователя
func (p *Presence) SendToUser(userID string, ev domain.OutboundEvent) int {
	frame, err := Encode(ev)
	if err != nil {
		return 0
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	sent := 0
	for _, s := range p.users[userID] {
		if s.Send(frame) {
			sent++
		}
	}
	return sent
}

func (p *Presence) SessionCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, sessions := range p.users {
		n += len(sessions)
	}
	return n
}

// CloseAll закрывает все сессии при остановке сервера
func (p *Presence) CloseAll() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, sessions := range p.users {
		for _, s := range sessions {
			s.Close()
		}
	}
}
