package fault

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Entry is one recorded failure.
type Entry struct {
	Time     time.Time
	Kind     Kind
	Op       string
	Err      error
	Terminal bool
}

// Log is a fixed-capacity ring of failures with subscriber callbacks.
// The oldest entry is overwritten once the ring is full.
type Log struct {
	mu       sync.RWMutex
	data     []Entry
	capacity int
	size     int
	head     int // next write position
	tail     int // oldest entry

	counts      map[Kind]uint64
	subscribers map[int]func(Entry)
	nextSubID   int

	logger *zap.Logger
	now    func() time.Time
}

// NewLog creates a log holding at most capacity entries.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = 256
	}
	return &Log{
		data:        make([]Entry, capacity),
		capacity:    capacity,
		counts:      make(map[Kind]uint64),
		subscribers: make(map[int]func(Entry)),
		logger:      zap.L().Named("fault"),
		now:         time.Now,
	}
}

// Record classifies err and appends it. Errors that are not *Error are
// recorded under fallback.
func (l *Log) Record(fallback Kind, err error) Entry {
	if err == nil {
		return Entry{}
	}

	entry := Entry{Kind: fallback, Err: err, Terminal: IsTerminal(err)}
	var fe *Error
	if errors.As(err, &fe) {
		entry.Kind = fe.Kind
		entry.Op = fe.Op
	}

	l.mu.Lock()
	entry.Time = l.now()
	l.data[l.head] = entry
	l.head = (l.head + 1) % l.capacity
	if l.size < l.capacity {
		l.size++
	} else {
		l.tail = (l.tail + 1) % l.capacity
	}
	l.counts[entry.Kind]++

	subs := make([]func(Entry), 0, len(l.subscribers))
	for _, fn := range l.subscribers {
		subs = append(subs, fn)
	}
	l.mu.Unlock()

	fields := []zap.Field{
		zap.String("kind", entry.Kind.String()),
		zap.String("op", entry.Op),
		zap.Error(err),
	}
	switch {
	case entry.Terminal:
		l.logger.Error("terminal failure", fields...)
	case entry.Kind == KindQueueOverflow:
		l.logger.Debug("backpressure event", fields...)
	default:
		l.logger.Warn("recoverable failure", fields...)
	}

	// Call subscribers outside the lock
	for _, fn := range subs {
		fn(entry)
	}
	return entry
}

// Entries returns all retained entries in chronological order.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.size == 0 {
		return nil
	}
	out := make([]Entry, l.size)
	cur := l.tail
	for i := 0; i < l.size; i++ {
		out[i] = l.data[cur]
		cur = (cur + 1) % l.capacity
	}
	return out
}

// Count returns how many failures of kind were ever recorded, including
// entries already overwritten.
func (l *Log) Count(kind Kind) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.counts[kind]
}

// Subscribe registers fn for every future entry and returns a cancel func.
func (l *Log) Subscribe(fn func(Entry)) (cancel func()) {
	l.mu.Lock()
	id := l.nextSubID
	l.nextSubID++
	l.subscribers[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.subscribers, id)
		l.mu.Unlock()
	}
}
