package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"realtime_chat/internal/domain"
	apperrors "realtime_chat/pkg/errors"
)

func TestSendRetriesPersistAndBroadcastOnce(t *testing.T) {
	f := newFixture(t)
	u1 := f.connect(t, "u1")
	u2 := f.connect(t, "u2")
	key := direct(t, "u1", "u2")

	payload := domain.SendPayload{RoomKey: key.String(), Content: "hello", ProvisionalID: "temp-1"}
	for i := 0; i < 5; i++ {
		f.handle(t, u1, domain.EventSend, payload)
	}

	assert.Equal(t, int32(1), f.store.persists.Load())

	acks := only(drain(t, u1), domain.EventMessageAck)
	require.Len(t, acks, 1)
	var ack domain.MessageAckData
	decodeData(t, acks[0], &ack)
	assert.Equal(t, "temp-1", ack.ProvisionalID)
	assert.NotEmpty(t, ack.ID)
	assert.Equal(t, domain.MessageStateDelivered, ack.Status)

	received := only(drain(t, u2), domain.EventMessageReceived)
	require.Len(t, received, 1)
	var msg domain.Message
	decodeData(t, received[0], &msg)
	assert.Equal(t, ack.ID, msg.ID)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, key, msg.RoomKey)
}

func TestConcurrentRetriesHaveSingleWinner(t *testing.T) {
	f := newFixture(t)
	u1 := f.connect(t, "u1")
	key := direct(t, "u1", "u2")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.services.Messages.Send(context.Background(), SendInput{
				SenderID: "u1", OriginSessionID: u1.ID, RoomKey: key, Content: "hi", ProvisionalID: "same",
			})
			if err != nil || result.Duplicate {
				return
			}
			mu.Lock()
			winners++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, int32(1), f.store.persists.Load())
}

func TestSameProvisionalIDFromDifferentSendersIsNotDuplicate(t *testing.T) {
	f := newFixture(t)
	u1 := f.connect(t, "u1")
	u2 := f.connect(t, "u2")
	key := direct(t, "u1", "u2")

	first := f.sendText(t, u1, key, "a", "temp-1")
	second := f.sendText(t, u2, key, "b", "temp-1")

	assert.False(t, first.Duplicate)
	assert.False(t, second.Duplicate)
	assert.NotEqual(t, first.Message.ID, second.Message.ID)
}

func TestDeliveredOnlyWhenPeerOnline(t *testing.T) {
	f := newFixture(t)
	u1 := f.connect(t, "u1")
	key := direct(t, "u1", "u2")

	offline := f.sendText(t, u1, key, "are you there?", "p1")
	assert.Equal(t, domain.MessageStateSent, offline.Status)

	// вторая сессия того же отправителя не делает сообщение доставленным
	f.connect(t, "u1")
	stillSent := f.sendText(t, u1, key, "anyone?", "p2")
	assert.Equal(t, domain.MessageStateSent, stillSent.Status)

	f.connect(t, "u2")
	online := f.sendText(t, u1, key, "hi", "p3")
	assert.Equal(t, domain.MessageStateDelivered, online.Status)

	stored, err := f.store.FindByID(context.Background(), online.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStateDelivered, stored.State)
}

func TestSenderOtherSessionsReceiveOwnMessage(t *testing.T) {
	f := newFixture(t)
	phone := f.connect(t, "u1")
	laptop := f.connect(t, "u1")
	key := direct(t, "u1", "u2")

	f.handle(t, phone, domain.EventSend, domain.SendPayload{RoomKey: key.String(), Content: "sync", ProvisionalID: "p1"})

	assert.Empty(t, only(drain(t, phone), domain.EventMessageReceived))
	assert.Len(t, only(drain(t, laptop), domain.EventMessageReceived), 1)
}

func TestPersistFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	u1 := f.connect(t, "u1")
	u2 := f.connect(t, "u2")
	key := direct(t, "u1", "u2")
	payload := domain.SendPayload{RoomKey: key.String(), Content: "hello", ProvisionalID: "temp-9"}

	f.store.failWith(errors.New("connection refused"))
	f.handle(t, u1, domain.EventSend, payload)

	errs := only(drain(t, u1), domain.EventMessageError)
	require.Len(t, errs, 1)
	var data domain.MessageErrorData
	decodeData(t, errs[0], &data)
	assert.Equal(t, apperrors.CodePersistence, data.Code)
	assert.True(t, data.Retryable)
	assert.Equal(t, "temp-9", data.ProvisionalID)
	assert.Equal(t, domain.EventSend, data.Event)
	assert.Empty(t, drain(t, u2))

	// повтор после восстановления хранилища не считается дублем
	f.store.failWith(nil)
	f.handle(t, u1, domain.EventSend, payload)
	assert.Len(t, only(drain(t, u1), domain.EventMessageAck), 1)
	assert.Len(t, only(drain(t, u2), domain.EventMessageReceived), 1)
}

func TestStoreRemembersProvisionalIDAcrossRestart(t *testing.T) {
	f := newFixture(t)
	u1 := f.connect(t, "u1")
	key := direct(t, "u1", "u2")
	first := f.sendText(t, u1, key, "hello", "temp-1")

	// новый процесс: пустой журнал, то же хранилище
	restarted := newFixtureWithStore(t, f.store.MessageStore, f.groups)
	u1again := restarted.connect(t, "u1")
	u2 := restarted.connect(t, "u2")

	restarted.handle(t, u1again, domain.EventSend, domain.SendPayload{RoomKey: key.String(), Content: "hello", ProvisionalID: "temp-1"})

	acks := only(drain(t, u1again), domain.EventMessageAck)
	require.Len(t, acks, 1)
	var ack domain.MessageAckData
	decodeData(t, acks[0], &ack)
	assert.Equal(t, first.Message.ID, ack.ID)
	assert.Equal(t, "temp-1", ack.ProvisionalID)

	received := only(drain(t, u2), domain.EventMessageReceived)
	require.Len(t, received, 1)
	var msg domain.Message
	decodeData(t, received[0], &msg)
	assert.Equal(t, first.Message.ID, msg.ID)
	assert.Equal(t, int32(1), restarted.store.persists.Load())

	// дальше повторы отсекает журнал
	restarted.handle(t, u1again, domain.EventSend, domain.SendPayload{RoomKey: key.String(), Content: "hello", ProvisionalID: "temp-1"})
	assert.Empty(t, drain(t, u1again))
	assert.Empty(t, drain(t, u2))
}

func TestRetryAfterLateStoreFailureDeliversOnce(t *testing.T) {
	f := newFixture(t)
	u1 := f.connect(t, "u1")
	u2 := f.connect(t, "u2")
	key := direct(t, "u1", "u2")
	payload := domain.SendPayload{RoomKey: key.String(), Content: "hello", ProvisionalID: "t1"}

	// запись прошла, но ответ хранилища не дождались
	f.store.failAfterCommit(context.DeadlineExceeded)
	f.handle(t, u1, domain.EventSend, payload)

	errs := only(drain(t, u1), domain.EventMessageError)
	require.Len(t, errs, 1)
	var errData domain.MessageErrorData
	decodeData(t, errs[0], &errData)
	assert.True(t, errData.Retryable)
	assert.Empty(t, drain(t, u2))

	f.handle(t, u1, domain.EventSend, payload)

	fromSender := drain(t, u1)
	assert.Empty(t, only(fromSender, domain.EventMessageError))
	acks := only(fromSender, domain.EventMessageAck)
	require.Len(t, acks, 1)
	var ack domain.MessageAckData
	decodeData(t, acks[0], &ack)
	assert.Equal(t, "t1", ack.ProvisionalID)
	assert.Equal(t, domain.MessageStateDelivered, ack.Status)

	received := only(drain(t, u2), domain.EventMessageReceived)
	require.Len(t, received, 1)
	var msg domain.Message
	decodeData(t, received[0], &msg)
	assert.Equal(t, ack.ID, msg.ID)

	stored, err := f.store.FindByID(context.Background(), ack.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStateDelivered, stored.State)

	f.handle(t, u1, domain.EventSend, payload)
	assert.Empty(t, drain(t, u1))
	assert.Empty(t, drain(t, u2))
}

func TestRecoveredSendIsNotDuplicate(t *testing.T) {
	f := newFixture(t)
	u1 := f.connect(t, "u1")
	key := direct(t, "u1", "u2")

	f.store.failAfterCommit(context.DeadlineExceeded)
	_, err := f.services.Messages.Send(context.Background(), SendInput{
		SenderID: "u1", OriginSessionID: u1.ID, RoomKey: key, Content: "hi", ProvisionalID: "p1",
	})
	require.ErrorIs(t, err, apperrors.ErrPersistence)

	result := f.sendText(t, u1, key, "hi", "p1")
	assert.False(t, result.Duplicate)
	assert.True(t, result.Recovered)
	assert.Equal(t, domain.MessageStateSent, result.Status)

	again := f.sendText(t, u1, key, "hi", "p1")
	assert.True(t, again.Duplicate)
	assert.Equal(t, result.Message.ID, again.Message.ID)
}

func TestSendWhileSameProvisionalIDInFlight(t *testing.T) {
	f := newFixture(t)
	u1 := f.connect(t, "u1")
	key := direct(t, "u1", "u2")

	// попытка с тем же provisionalId еще пишет сообщение
	require.True(t, f.ledger.Reserve(ledgerKey("u1", "busy")))

	_, err := f.services.Messages.Send(context.Background(), SendInput{
		SenderID: "u1", RoomKey: key, Content: "hi", ProvisionalID: "busy",
	})
	assert.ErrorIs(t, err, apperrors.ErrSendInFlight)
	assert.True(t, apperrors.Retryable(err))

	// сокет молчит: ack придет от первой попытки
	f.handle(t, u1, domain.EventSend, domain.SendPayload{RoomKey: key.String(), Content: "hi", ProvisionalID: "busy"})
	assert.Empty(t, drain(t, u1))
	assert.Equal(t, int32(0), f.store.persists.Load())
}

func TestSendToForeignDirectRoomIsForbidden(t *testing.T) {
	f := newFixture(t)
	u1 := f.connect(t, "u1")
	u2 := f.connect(t, "u2")
	u3 := f.connect(t, "u3")
	key := direct(t, "u1", "u2")

	f.handle(t, u3, domain.EventSend, domain.SendPayload{RoomKey: key.String(), Content: "sneaky", ProvisionalID: "x"})

	errs := only(drain(t, u3), domain.EventMessageError)
	require.Len(t, errs, 1)
	var data domain.MessageErrorData
	decodeData(t, errs[0], &data)
	assert.Equal(t, apperrors.CodeForbidden, data.Code)
	assert.False(t, data.Retryable)
	assert.Empty(t, drain(t, u1))
	assert.Empty(t, drain(t, u2))
	assert.Equal(t, int32(0), f.store.persists.Load())
}

func TestSendToGroupChecksMembership(t *testing.T) {
	f := newFixture(t)
	f.groups.Put(domain.GroupMembership{GroupID: "g1", MemberIDs: []string{"u1", "u2"}, AdminID: "u1"})
	outsider := f.connect(t, "u9")

	_, err := f.services.Messages.Send(context.Background(), SendInput{
		SenderID: outsider.UserID, RoomKey: group(t, "g1"), Content: "hi",
	})
	assert.ErrorIs(t, err, apperrors.ErrForbidden)

	_, err = f.services.Messages.Send(context.Background(), SendInput{
		SenderID: outsider.UserID, RoomKey: group(t, "missing"), Content: "hi",
	})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t)
	u1 := f.connect(t, "u1")
	key := direct(t, "u1", "u2")

	cases := []struct {
		name    string
		payload domain.SendPayload
	}{
		{"empty content", domain.SendPayload{RoomKey: key.String(), Content: "   "}},
		{"bad room", domain.SendPayload{RoomKey: "u1", Content: "hi"}},
		{"missing room", domain.SendPayload{Content: "hi"}},
		{"image without file", domain.SendPayload{RoomKey: key.String(), Kind: domain.MessageKindImage, Content: "pic"}},
		{"system kind", domain.SendPayload{RoomKey: key.String(), Kind: domain.MessageKindSystem, Content: "x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f.handle(t, u1, domain.EventSend, tc.payload)
			errs := only(drain(t, u1), domain.EventMessageError)
			require.Len(t, errs, 1)
			var data domain.MessageErrorData
			decodeData(t, errs[0], &data)
			assert.Equal(t, apperrors.CodeValidation, data.Code)
		})
	}
	assert.Equal(t, int32(0), f.store.persists.Load())
}

func TestSendWithAttachment(t *testing.T) {
	f := newFixture(t)
	u1 := f.connect(t, "u1")
	u2 := f.connect(t, "u2")
	key := direct(t, "u1", "u2")

	f.handle(t, u1, domain.EventSend, domain.SendPayload{
		RoomKey: key.String(), Kind: domain.MessageKindImage, ProvisionalID: "img-1",
		File: &domain.FileRef{URL: "https://cdn.example.com/cat.png", Name: "cat.png", Size: 2048},
	})

	received := only(drain(t, u2), domain.EventMessageReceived)
	require.Len(t, received, 1)
	var msg domain.Message
	decodeData(t, received[0], &msg)
	require.NotNil(t, msg.File)
	assert.Equal(t, "cat.png", msg.File.Name)
	assert.Equal(t, domain.MessageKindImage, msg.Kind)
}

func TestReactToggleBroadcastsToRoom(t *testing.T) {
	f := newFixture(t)
	u1 := f.connect(t, "u1")
	u2 := f.connect(t, "u2")
	key := direct(t, "u1", "u2")
	sent := f.sendText(t, u1, key, "nice", "p1")
	drain(t, u1)
	drain(t, u2)

	f.handle(t, u2, domain.EventReact, domain.ReactPayload{MessageID: sent.Message.ID, Emoji: "❤️"})
	f.handle(t, u2, domain.EventReact, domain.ReactPayload{MessageID: sent.Message.ID, Emoji: "❤️"})

	for _, s := range []*struct {
		name string
		envs []domain.Envelope
	}{
		{"sender", drain(t, u1)},
		{"reactor", drain(t, u2)},
	} {
		changes := only(s.envs, domain.EventReactionChanged)
		require.Len(t, changes, 2, s.name)

		var set, unset domain.ReactionChangedData
		decodeData(t, changes[0], &set)
		decodeData(t, changes[1], &unset)
		require.NotNil(t, set.Emoji)
		assert.Equal(t, "❤️", *set.Emoji)
		assert.Equal(t, "u2", set.UserID)
		assert.Nil(t, unset.Emoji)
	}

	stored, err := f.store.FindByID(context.Background(), sent.Message.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Reactions)
}

func TestReactRejections(t *testing.T) {
	f := newFixture(t)
	u1 := f.connect(t, "u1")
	key := direct(t, "u1", "u2")
	sent := f.sendText(t, u1, key, "nice", "p1")

	_, err := f.services.Messages.React(context.Background(), "u1", "missing", "👍")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = f.services.Messages.React(context.Background(), "u3", sent.Message.ID, "👍")
	assert.ErrorIs(t, err, apperrors.ErrForbidden)

	_, err = f.services.Messages.React(context.Background(), "u1", sent.Message.ID, "")
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)

	_, err = f.services.Messages.Unsend(context.Background(), "u1", sent.Message.ID)
	require.NoError(t, err)
	_, err = f.services.Messages.React(context.Background(), "u2", sent.Message.ID, "👍")
	assert.ErrorIs(t, err, apperrors.ErrMessageUnsent)
}

func TestMarkReadNotifiesSenderOnly(t *testing.T) {
	f := newFixture(t)
	u1 := f.connect(t, "u1")
	u2 := f.connect(t, "u2")
	key := direct(t, "u1", "u2")
	sent := f.sendText(t, u1, key, "read me", "p1")
	drain(t, u1)
	drain(t, u2)

	f.handle(t, u2, domain.EventMarkRead, domain.MessageRefPayload{MessageID: sent.Message.ID})

	updates := only(drain(t, u1), domain.EventMessageStatusUpdate)
	require.Len(t, updates, 1)
	var data domain.StatusUpdateData
	decodeData(t, updates[0], &data)
	assert.Equal(t, domain.MessageStateSeen, data.Status)
	assert.Equal(t, sent.Message.ID, data.MessageID)
	assert.Empty(t, drain(t, u2))

	// повторное прочтение ничего не рассылает
	f.handle(t, u2, domain.EventMarkRead, domain.MessageRefPayload{MessageID: sent.Message.ID})
	assert.Empty(t, drain(t, u1))

	_, err := f.services.Messages.MarkRead(context.Background(), "u1", sent.Message.ID)
	assert.ErrorIs(t, err, apperrors.ErrOwnMessageRead)
}

func TestUnsendOnlyBySender(t *testing.T) {
	f := newFixture(t)
	u1 := f.connect(t, "u1")
	u2 := f.connect(t, "u2")
	key := direct(t, "u1", "u2")
	sent := f.sendText(t, u1, key, "oops", "p1")
	drain(t, u1)
	drain(t, u2)

	f.handle(t, u2, domain.EventUnsend, domain.MessageRefPayload{MessageID: sent.Message.ID})
	errs := only(drain(t, u2), domain.EventMessageError)
	require.Len(t, errs, 1)
	var errData domain.MessageErrorData
	decodeData(t, errs[0], &errData)
	assert.Equal(t, apperrors.CodeForbidden, errData.Code)
	assert.Equal(t, sent.Message.ID, errData.MessageID)

	f.handle(t, u1, domain.EventUnsend, domain.MessageRefPayload{MessageID: sent.Message.ID})
	for _, s := range [][]domain.Envelope{drain(t, u1), drain(t, u2)} {
		unsent := only(s, domain.EventMessageUnsent)
		require.Len(t, unsent, 1)
		var data domain.MessageUnsentData
		decodeData(t, unsent[0], &data)
		assert.Equal(t, sent.Message.ID, data.MessageID)
		assert.Equal(t, key, data.RoomKey)
	}

	stored, err := f.store.FindByID(context.Background(), sent.Message.ID)
	require.NoError(t, err)
	assert.True(t, stored.Unsent)
	assert.Empty(t, stored.Content)

	// повторный unsend не рассылает событие заново
	_, err = f.services.Messages.Unsend(context.Background(), "u1", sent.Message.ID)
	require.NoError(t, err)
	assert.Empty(t, drain(t, u2))

	entries, err := f.services.Audit.RoomLog(context.Background(), key, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.AuditMessageUnsent, entries[0].EventType)
	assert.Equal(t, "u1", entries[0].ActorID)
	assert.Equal(t, sent.Message.ID, entries[0].Payload["message_id"])
}

func TestTypingExcludesOrigin(t *testing.T) {
	f := newFixture(t)
	u1 := f.connect(t, "u1")
	u2 := f.connect(t, "u2")
	key := direct(t, "u1", "u2")
	f.registry.Join(u1, key)
	f.registry.Join(u2, key)

	f.handle(t, u1, domain.EventTyping, domain.RoomPayload{RoomKey: key.String()})
	f.handle(t, u1, domain.EventStopTyping, domain.RoomPayload{RoomKey: key.String()})

	assert.Empty(t, drain(t, u1))
	envs := drain(t, u2)
	require.Len(t, envs, 2)
	assert.Equal(t, domain.EventUserTyping, envs[0].Event)
	assert.Equal(t, domain.EventUserStoppedTyping, envs[1].Event)
}

func TestTypingReachesPeerInFreshDirectRoom(t *testing.T) {
	f := newFixture(t)
	u1 := f.connect(t, "u1")
	u2 := f.connect(t, "u2")
	key := direct(t, "u1", "u2")

	f.handle(t, u1, domain.EventTyping, domain.RoomPayload{RoomKey: key.String()})

	assert.Empty(t, drain(t, u1))
	envs := only(drain(t, u2), domain.EventUserTyping)
	require.Len(t, envs, 1)
	var data domain.TypingData
	decodeData(t, envs[0], &data)
	assert.Equal(t, "u1", data.UserID)
	assert.Equal(t, key, data.RoomKey)
	assert.True(t, f.registry.IsSubscribed(u2.ID, key))
}

func TestPersistTimeoutIsRetryable(t *testing.T) {
	f := newFixture(t)
	u1 := f.connect(t, "u1")
	key := direct(t, "u1", "u2")

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	_, err := f.services.Messages.Send(ctx, SendInput{SenderID: "u1", OriginSessionID: u1.ID, RoomKey: key, Content: "late", ProvisionalID: "slow"})
	require.Error(t, err)
	assert.True(t, apperrors.Retryable(err))
	assert.False(t, f.ledger.Seen("", ledgerKey("u1", "slow")))
}
