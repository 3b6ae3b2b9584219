package hub

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"realtime_chat/internal/domain"
)

// drain вычитывает все накопленные кадры сессии без блокировки
func drain(t *testing.T, s *Session) []domain.Envelope {
	t.Helper()
	var out []domain.Envelope
	for {
		select {
		case frame := <-s.Outbox():
			var env domain.Envelope
			require.NoError(t, json.Unmarshal(frame, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

func eventNames(envs []domain.Envelope) []string {
	names := make([]string, 0, len(envs))
	for _, e := range envs {
		names = append(names, e.Event)
	}
	return names
}

func mustDirect(t *testing.T, a, b string) domain.RoomKey {
	t.Helper()
	key, err := domain.DirectRoomKey(a, b)
	require.NoError(t, err)
	return key
}
