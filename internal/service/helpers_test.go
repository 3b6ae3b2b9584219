package service

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"realtime_chat/internal/config"
	"realtime_chat/internal/dedup"
	"realtime_chat/internal/domain"
	"realtime_chat/internal/hub"
	"realtime_chat/internal/repository"
	"realtime_chat/pkg/logger"
)

const testSecret = "test-secret"

// countingStore считает записи и умеет падать по команде
type countingStore struct {
	repository.MessageStore
	persists atomic.Int32

	mu          sync.Mutex
	failErr     error
	commitThenE error
}

func (s *countingStore) failWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// failAfterCommit: следующая запись дойдет до хранилища, но вызов вернет err
func (s *countingStore) failAfterCommit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitThenE = err
}

func (s *countingStore) Persist(ctx context.Context, message *domain.Message) (*domain.Message, error) {
	s.mu.Lock()
	err := s.failErr
	lateErr := s.commitThenE
	s.commitThenE = nil
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.persists.Add(1)
	stored, err := s.MessageStore.Persist(ctx, message)
	if err == nil && lateErr != nil {
		return nil, lateErr
	}
	return stored, err
}

type fixture struct {
	store    *countingStore
	groups   *repository.MemoryGroupDirectory
	registry *hub.Registry
	presence *hub.Presence
	ledger   *dedup.Ledger
	audit    repository.AuditRepository
	services *Services
	cfg      *config.Config
}

func testConfig() *config.Config {
	return &config.Config{
		JWT: config.JWTConfig{AccessSecret: testSecret},
		Gateway: config.GatewayConfig{
			DedupCapacity:  dedup.DefaultCapacity,
			PersistTimeout: time.Second,
			ReplayLookback: 10 * time.Minute,
			ReplayLimit:    500,
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, repository.NewMemoryChatRepository(), repository.NewMemoryGroupDirectory())
}

// newFixtureWithStore собирает сервисы вокруг готового хранилища, как после рестарта процесса
func newFixtureWithStore(t *testing.T, store repository.MessageStore, groups *repository.MemoryGroupDirectory) *fixture {
	t.Helper()

	cfg := testConfig()
	ledger, err := dedup.NewLedger(cfg.Gateway.DedupCapacity)
	require.NoError(t, err)

	f := &fixture{
		store:    &countingStore{MessageStore: store},
		groups:   groups,
		registry: hub.NewRegistry(),
		presence: hub.NewPresence(),
		ledger:   ledger,
		audit:    repository.NewMemoryAuditRepository(),
		cfg:      cfg,
	}
	repos := &repository.Repositories{
		Messages:  f.store,
		Groups:    groups,
		RateLimit: repository.NewMemoryRateLimitRepository(),
		Audit:     f.audit,
	}
	f.services, err = NewServices(repos, Runtime{
		Registry: f.registry,
		Presence: f.presence,
		Ledger:   f.ledger,
	}, cfg, logger.Nop())
	require.NoError(t, err)
	return f
}

// connect открывает сессию пользователя и вычищает стартовые события
func (f *fixture) connect(t *testing.T, userID string, opts ...hub.SessionOption) *hub.Session {
	t.Helper()
	s := hub.NewSession(uuid.NewString(), userID, opts...)
	f.services.Gateway.Connect(context.Background(), s)
	drain(t, s)
	return s
}

func (f *fixture) handle(t *testing.T, s *hub.Session, event string, data interface{}) {
	t.Helper()
	f.services.Gateway.Handle(context.Background(), s, frame(t, event, data))
}

func frame(t *testing.T, event string, data interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	out, err := json.Marshal(domain.Envelope{Event: event, Data: raw})
	require.NoError(t, err)
	return out
}

func drain(t *testing.T, s *hub.Session) []domain.Envelope {
	t.Helper()
	var out []domain.Envelope
	for {
		select {
		case raw := <-s.Outbox():
			var env domain.Envelope
			require.NoError(t, json.Unmarshal(raw, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

func only(envs []domain.Envelope, event string) []domain.Envelope {
	var out []domain.Envelope
	for _, env := range envs {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

func decodeData(t *testing.T, env domain.Envelope, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Data, v))
}

func direct(t *testing.T, a, b string) domain.RoomKey {
	t.Helper()
	key, err := domain.DirectRoomKey(a, b)
	require.NoError(t, err)
	return key
}

func group(t *testing.T, id string) domain.RoomKey {
	t.Helper()
	key, err := domain.GroupRoomKey(id)
	require.NoError(t, err)
	return key
}

// sendText отправляет сообщение через сервис и возвращает результат
func (f *fixture) sendText(t *testing.T, from *hub.Session, key domain.RoomKey, content, pid string) *SendResult {
	t.Helper()
	result, err := f.services.Messages.Send(context.Background(), SendInput{
		SenderID:        from.UserID,
		OriginSessionID: from.ID,
		RoomKey:         key,
		Content:         content,
		ProvisionalID:   pid,
	})
	require.NoError(t, err)
	return result
}
