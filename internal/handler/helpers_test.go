package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"realtime_chat/internal/config"
	"realtime_chat/internal/dedup"
	"realtime_chat/internal/domain"
	"realtime_chat/internal/events"
	"realtime_chat/internal/hub"
	"realtime_chat/internal/middleware"
	"realtime_chat/internal/repository"
	"realtime_chat/internal/service"
	"realtime_chat/pkg/jwt"
	"realtime_chat/pkg/logger"
)

const (
	testSecret        = "test-secret"
	testInternalToken = "internal-secret"
)

type testServer struct {
	server   *httptest.Server
	presence *hub.Presence
	groups   *repository.MemoryGroupDirectory
}

func testConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		JWT:         config.JWTConfig{AccessSecret: testSecret},
		Gateway: config.GatewayConfig{
			DedupCapacity:   dedup.DefaultCapacity,
			PersistTimeout:  time.Second,
			ReplayLookback:  10 * time.Minute,
			ReplayLimit:     500,
			OutboxSize:      64,
			AuthTimeout:     time.Second,
			PingInterval:    time.Second,
			PongWait:        5 * time.Second,
			WriteWait:       time.Second,
			MaxMessageBytes: 64 * 1024,
			EventsPerSecond: 100,
			EventBurst:      100,
		},
		Internal: config.InternalConfig{Token: testInternalToken},
	}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := testConfig()
	log := logger.Nop()

	ledger, err := dedup.NewLedger(cfg.Gateway.DedupCapacity)
	require.NoError(t, err)

	groups := repository.NewMemoryGroupDirectory()
	repos := &repository.Repositories{
		Messages:  repository.NewMemoryChatRepository(),
		Groups:    groups,
		RateLimit: repository.NewMemoryRateLimitRepository(),
	}
	presence := hub.NewPresence()
	services, err := service.NewServices(repos, service.Runtime{
		Registry: hub.NewRegistry(),
		Presence: presence,
		Ledger:   ledger,
	}, cfg, log)
	require.NoError(t, err)

	consumer := events.NewMembershipConsumer(services.Groups, log)
	handlers := NewHandlers(services, presence, consumer, nil, cfg, log)
	router := NewRouter(
		handlers,
		middleware.NewAuthMiddleware(services.Identity, log),
		middleware.NewRateLimitMiddleware(services.RateLimit, 1000, time.Minute, log),
		nil, cfg, log,
	)

	ts := &testServer{
		server:   httptest.NewServer(router),
		presence: presence,
		groups:   groups,
	}
	t.Cleanup(ts.server.Close)
	return ts
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := jwt.GenerateAccessToken(userID, testSecret, "", time.Hour)
	require.NoError(t, err)
	return tok
}

func directKey(t *testing.T, a, b string) domain.RoomKey {
	t.Helper()
	key, err := domain.DirectRoomKey(a, b)
	require.NoError(t, err)
	return key
}

// do выполняет запрос от имени пользователя. Пустой userID - без заголовка Authorization.
func (ts *testServer) do(t *testing.T, method, path, userID string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, ts.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (ts *testServer) wsURL(query string) string {
	u := "ws" + strings.TrimPrefix(ts.server.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

func (ts *testServer) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(ts.wsURL("token="+token(t, userID)), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	readUntil(t, conn, domain.EventAuthenticated)
	// снимок онлайна приходит после регистрации в presence
	readUntil(t, conn, domain.EventOnlineUsersSnapshot)
	return conn
}

func writeEvent(t *testing.T, conn *websocket.Conn, event string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(domain.Envelope{Event: event, Data: raw}))
}

// readUntil пропускает кадры, пока не придет нужное событие
func readUntil(t *testing.T, conn *websocket.Conn, event string) domain.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var env domain.Envelope
		require.NoError(t, conn.ReadJSON(&env), "waiting for %s", event)
		if env.Event == event {
			return env
		}
	}
}

func decode(t *testing.T, raw json.RawMessage, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(raw, v))
}

func (ts *testServer) doInternal(t *testing.T, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, ts.server.URL+"/internal/groups/events", bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderInternalToken, testInternalToken)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}
