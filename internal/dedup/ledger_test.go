package dedup

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLedger(t *testing.T, capacity int, opts ...Option) *Ledger {
	t.Helper()
	l, err := NewLedger(capacity, opts...)
	require.NoError(t, err)
	return l
}

func TestSeenMatchesEitherIdentifier(t *testing.T) {
	l := newLedger(t, 10)
	l.Record("m1", "t1")

	assert.True(t, l.Seen("m1", ""))
	assert.True(t, l.Seen("", "t1"))
	assert.True(t, l.Seen("m1", "other"))
	assert.True(t, l.Seen("other", "t1"))
	assert.False(t, l.Seen("m2", "t2"))
	assert.False(t, l.Seen("", ""))
}

func TestRecordMergesSecondIdentifier(t *testing.T) {
	l := newLedger(t, 10)
	l.Record("", "t1")
	l.Record("m1", "t1")

	entry, ok := l.Lookup("m1", "")
	require.True(t, ok)
	assert.Equal(t, "t1", entry.ProvisionalID)
	assert.Equal(t, 1, l.Len())
}

func TestFIFOEviction(t *testing.T) {
	l := newLedger(t, 3)
	l.Record("m1", "t1")
	l.Record("m2", "t2")
	l.Record("m3", "t3")

	// обращение к старой записи не продлевает ей жизнь
	assert.True(t, l.Seen("m1", ""))

	l.Record("m4", "t4")
	assert.False(t, l.Seen("m1", "t1"), "oldest entry must be evicted first")
	assert.True(t, l.Seen("m2", ""))
	assert.True(t, l.Seen("", "t4"))
	assert.Equal(t, 3, l.Len())
}

func TestDefaultCapacity(t *testing.T) {
	l := newLedger(t, 0)
	for i := 0; i < DefaultCapacity+1; i++ {
		l.Record(fmt.Sprintf("m%d", i), "")
	}
	assert.Equal(t, DefaultCapacity, l.Len())
	assert.False(t, l.Seen("m0", ""))
	assert.True(t, l.Seen("m1", ""))
}

func TestReserveCommitRelease(t *testing.T) {
	l := newLedger(t, 10)

	require.True(t, l.Reserve("t1"))
	assert.False(t, l.Reserve("t1"), "in-flight send must block a retry")

	l.Release("t1")
	require.True(t, l.Reserve("t1"), "released reservation is free again")

	l.Commit("t1", "m1")
	assert.False(t, l.Reserve("t1"))
	assert.True(t, l.Seen("m1", ""))

	assert.True(t, l.Reserve(""), "sends without provisional id are never reserved")
}

func TestReserveHasSingleWinner(t *testing.T) {
	l := newLedger(t, 10)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Reserve("t1") {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestContentWindow(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	l := newLedger(t, 10, WithContentWindow(2*time.Second), WithClock(func() time.Time { return now }))

	assert.False(t, l.SeenContent("u1", "u1_u2", "hi"))
	assert.True(t, l.SeenContent("u1", "u1_u2", "hi"))
	assert.False(t, l.SeenContent("u2", "u1_u2", "hi"))

	now = now.Add(3 * time.Second)
	assert.False(t, l.SeenContent("u1", "u1_u2", "hi"))

	l.ForgetContent("u1", "u1_u2", "hi")
	assert.False(t, l.SeenContent("u1", "u1_u2", "hi"))
}

func TestContentWindowDisabledByDefault(t *testing.T) {
	l := newLedger(t, 10)
	assert.False(t, l.SeenContent("u1", "u1_u2", "hi"))
	assert.False(t, l.SeenContent("u1", "u1_u2", "hi"))
}
