package hub

import (
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"realtime_chat/internal/domain"
)

const DefaultOutboxSize = 256

// Session - одно живое соединение. UserID не меняется за время жизни сессии.
// Исходящие кадры копятся в ограниченной очереди, которую разбирает writer соединения.
type Session struct {
	ID          string
	UserID      string
	ConnectedAt time.Time

	outbox    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	limiter   *rate.Limiter
}

type SessionOption func(*Session)

func WithOutboxSize(size int) SessionOption {
	return func(s *Session) {
		if size > 0 {
			s.outbox = make(chan []byte, size)
		}
	}
}

// WithRateLimit ограничивает число входящих событий в секунду для одной сессии
func WithRateLimit(perSecond float64, burst int) SessionOption {
	return func(s *Session) {
		if perSecond > 0 {
			if burst <= 0 {
				burst = 1
			}
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

func NewSession(id, userID string, opts ...SessionOption) *Session {
	s := &Session{
		ID:          id,
		UserID:      userID,
		ConnectedAt: time.Now(),
		outbox:      make(chan []byte, DefaultOutboxSize),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send кладет кадр в очередь не блокируясь. Переполненная очередь значит, что клиент
// не успевает читать: такую сессию закрываем, а не тормозим рассылку всей комнате.
func (s *Session) Send(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.outbox <- frame:
		return true
	default:
		s.Close()
		return false
	}
}

func (s *Session) SendEvent(ev domain.OutboundEvent) bool {
	frame, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	return s.Send(frame)
}

// Outbox читает только writer соединения
func (s *Session) Outbox() <-chan []byte { return s.outbox }

func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Allow - входящий троттлинг. Без лимитера разрешено все.
func (s *Session) Allow() bool {
	if s.limiter == nil {
		return true
	}
	return s.limiter.Allow()
}

// Encode сериализует событие один раз для рассылки многим сессиям
func Encode(ev domain.OutboundEvent) ([]byte, error) {
	return json.Marshal(ev)
}
