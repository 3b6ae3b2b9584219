package dedup

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
)

const DefaultCapacity = 1000

// Entry - запись о недавно принятом сообщении
type Entry struct {
	ID            string
	ProvisionalID string
	FirstSeenAt   time.Time
}

// Ledger - ограниченный журнал недавних сообщений для подавления повторов.
// Вытеснение FIFO: simplelru используется только через Add/Contains/Peek,
// которые не меняют порядок, поэтому старейшая вставка уходит первой.
type Ledger struct {
	mu      sync.Mutex
	entries *simplelru.LRU
	byID    map[string]uint64
	byPID   map[string]uint64
	seq     uint64
	pending map[string]struct{}

	contentWindow time.Duration
	content       *simplelru.LRU

	now func() time.Time
}

type Option func(*Ledger)

// WithContentWindow включает эвристику "тот же текст от того же отправителя в ту же комнату".
// Нулевое окно отключает ее.
func WithContentWindow(window time.Duration) Option {
	return func(l *Ledger) { l.contentWindow = window }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func NewLedger(capacity int, opts ...Option) (*Ledger, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	l := &Ledger{
		byID:    make(map[string]uint64),
		byPID:   make(map[string]uint64),
		pending: make(map[string]struct{}),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	entries, err := simplelru.NewLRU(capacity, l.onEvict)
	if err != nil {
		return nil, err
	}
	l.entries = entries

	content, err := simplelru.NewLRU(capacity, nil)
	if err != nil {
		return nil, err
	}
	l.content = content

	return l, nil
}

// onEvict вызывается под l.mu изнутри Add
func (l *Ledger) onEvict(key, value interface{}) {
	entry := value.(*Entry)
	seq := key.(uint64)
	if entry.ID != "" && l.byID[entry.ID] == seq {
		delete(l.byID, entry.ID)
	}
	if entry.ProvisionalID != "" && l.byPID[entry.ProvisionalID] == seq {
		delete(l.byPID, entry.ProvisionalID)
	}
}

// Seen - true, если совпал хотя бы один из идентификаторов
func (l *Ledger) Seen(id, provisionalID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lookup(id, provisionalID) != nil
}

// Lookup возвращает копию записи, если сообщение уже встречалось
func (l *Ledger) Lookup(id, provisionalID string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e := l.lookup(id, provisionalID); e != nil {
		return *e, true
	}
	return Entry{}, false
}

func (l *Ledger) lookup(id, provisionalID string) *Entry {
	if id != "" {
		if seq, ok := l.byID[id]; ok {
			if v, ok := l.entries.Peek(seq); ok {
				return v.(*Entry)
			}
		}
	}
	if provisionalID != "" {
		if seq, ok := l.byPID[provisionalID]; ok {
			if v, ok := l.entries.Peek(seq); ok {
				return v.(*Entry)
			}
		}
	}
	return nil
}

func (l *Ledger) Record(id, provisionalID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record(id, provisionalID)
}

func (l *Ledger) record(id, provisionalID string) {
	if id == "" && provisionalID == "" {
		return
	}

	// Дополняем существующую запись вторым идентификатором, позицию в очереди не трогаем
	if e := l.lookup(id, provisionalID); e != nil {
		seq := l.byID[e.ID]
		if e.ID == "" {
			seq = l.byPID[e.ProvisionalID]
		}
		if e.ID == "" && id != "" {
			e.ID = id
			l.byID[id] = seq
		}
		if e.ProvisionalID == "" && provisionalID != "" {
			e.ProvisionalID = provisionalID
			l.byPID[provisionalID] = seq
		}
		return
	}

	l.seq++
	seq := l.seq
	entry := &Entry{ID: id, ProvisionalID: provisionalID, FirstSeenAt: l.now()}
	if id != "" {
		l.byID[id] = seq
	}
	if provisionalID != "" {
		l.byPID[provisionalID] = seq
	}
	l.entries.Add(seq, entry)
}

// Reserve атомарно занимает provisionalId на время записи в хранилище.
// false означает, что сообщение уже записано или прямо сейчас записывается другим запросом.
func (l *Ledger) Reserve(provisionalID string) bool {
	if provisionalID == "" {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lookup("", provisionalID) != nil {
		return false
	}
	if _, busy := l.pending[provisionalID]; busy {
		return false
	}
	l.pending[provisionalID] = struct{}{}
	return true
}

// Commit снимает резерв и записывает пару идентификаторов
func (l *Ledger) Commit(provisionalID, id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pending, provisionalID)
	l.record(id, provisionalID)
}

// Release снимает резерв без записи, чтобы повтор клиента не был подавлен
func (l *Ledger) Release(provisionalID string) {
	if provisionalID == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pending, provisionalID)
}

// SeenContent - запасная эвристика для отправок без provisionalId.
// Запоминает отпечаток и возвращает true, если такой же был в пределах окна.
func (l *Ledger) SeenContent(senderID, roomKey, content string) bool {
	if l.contentWindow <= 0 || content == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	fingerprint := senderID + "|" + roomKey + "|" + content
	now := l.now()
	if v, ok := l.content.Peek(fingerprint); ok {
		if now.Sub(v.(time.Time)) < l.contentWindow {
			return true
		}
		l.content.Remove(fingerprint)
	}
	l.content.Add(fingerprint, now)
	return false
}

// ForgetContent убирает отпечаток после неудачной записи
func (l *Ledger) ForgetContent(senderID, roomKey, content string) {
	if l.contentWindow <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.content.Remove(senderID + "|" + roomKey + "|" + content)
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries.Len()
}
