package signaling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/rtcdetect/internal/fault"
)

type fakeTransport struct {
	kind       TransportKind
	connectErr error
	hang       bool
	// when set, the first Send signals blocked and waits for release
	blocked, release chan struct{}

	mu       sync.Mutex
	connects int
	sent     []Message
	incoming chan Message
	once     sync.Once
}

func newFake(kind TransportKind) *fakeTransport {
	return &fakeTransport{kind: kind, incoming: make(chan Message, 16)}
}

func (f *fakeTransport) Kind() TransportKind { return f.kind }

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
	if f.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.connectErr
}

func (f *fakeTransport) Send(_ context.Context, msg Message) error {
	f.mu.Lock()
	first := len(f.sent) == 0
	f.mu.Unlock()
	if first && f.release != nil {
		close(f.blocked)
		<-f.release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Messages() <-chan Message { return f.incoming }

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.incoming) })
	return nil
}

func (f *fakeTransport) sentTypes() []Type {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Type, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m.Type())
	}
	return out
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// factoryOf hands out the given transports in order, then fresh ones of kind.
func factoryOf(kind TransportKind, ts ...*fakeTransport) (TransportFactory, *[]*fakeTransport) {
	var mu sync.Mutex
	made := []*fakeTransport{}
	return func() (Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		var t *fakeTransport
		if len(made) < len(ts) {
			t = ts[len(made)]
		} else {
			t = newFake(kind)
		}
		made = append(made, t)
		return t, nil
	}, &made
}

func testOptions() Options {
	return Options{
		ConnectTimeout: 50 * time.Millisecond,
		MaxReconnects:  2,
		ReconnectMin:   time.Millisecond,
		ReconnectMax:   5 * time.Millisecond,
	}
}

func TestPushTimeoutFallsBackToPullWithSingleJoin(t *testing.T) {
	push := newFake(KindPush)
	push.hang = true
	pull := newFake(KindPull)

	pushF, _ := factoryOf(KindPush, push)
	pullF, _ := factoryOf(KindPull, pull)
	ch := NewChannel(testOptions(), pushF, pullF, nil)
	defer ch.Close()

	start := time.Now()
	require.NoError(t, ch.Connect(context.Background()))

	assert.Equal(t, KindPull, ch.Kind())
	assert.Equal(t, StatusConnected, ch.Status())
	assert.Equal(t, 1, pull.connectCount())
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestPendingMessagesFlushExactlyOnce(t *testing.T) {
	first := newFake(KindPush)
	pushF, made := factoryOf(KindPush, first)
	pullF, _ := factoryOf(KindPull)
	ch := NewChannel(testOptions(), pushF, pullF, nil)
	defer ch.Close()

	assert.False(t, ch.SendOrDefer(Message{Payload: GetRoomUsers{}}))
	assert.False(t, ch.SendOrDefer(Message{Payload: UserJoined{ClientID: "x"}}))
	assert.False(t, ch.Send(Message{Payload: UserLeft{ClientID: "x"}}))
	assert.Equal(t, 2, ch.Pending())

	require.NoError(t, ch.Connect(context.Background()))
	assert.Equal(t, []Type{TypeGetRoomUsers, TypeUserJoined}, first.sentTypes())
	assert.Zero(t, ch.Pending())

	// Kill the transport and let the channel reconnect on a new one
	first.Close()
	require.Eventually(t, func() bool { return len(*made) == 2 && ch.Status() == StatusConnected }, time.Second, 5*time.Millisecond)
	assert.Empty(t, (*made)[1].sentTypes())
	assert.Len(t, first.sentTypes(), 2)
}

func TestSendsDuringFlushQueueBehindDeferred(t *testing.T) {
	push := newFake(KindPush)
	push.blocked = make(chan struct{})
	push.release = make(chan struct{})
	pushF, _ := factoryOf(KindPush, push)
	ch := NewChannel(testOptions(), pushF, nil, nil)
	defer ch.Close()

	ch.SendOrDefer(Message{Payload: GetRoomUsers{}})
	ch.SendOrDefer(Message{Payload: UserJoined{ClientID: "x"}})

	connected := make(chan error, 1)
	go func() { connected <- ch.Connect(context.Background()) }()

	<-push.blocked
	assert.False(t, ch.SendOrDefer(Message{Payload: UserLeft{ClientID: "x"}}))
	assert.False(t, ch.Send(Message{Payload: UserLeft{ClientID: "y"}}))
	close(push.release)

	require.NoError(t, <-connected)
	assert.Equal(t, []Type{TypeGetRoomUsers, TypeUserJoined, TypeUserLeft}, push.sentTypes())
	assert.Zero(t, ch.Pending())
	assert.Equal(t, KindPush, ch.Kind())
}

func TestReadyHooksRunAfterFlush(t *testing.T) {
	push := newFake(KindPush)
	pushF, _ := factoryOf(KindPush, push)
	ch := NewChannel(testOptions(), pushF, nil, nil)
	defer ch.Close()

	ch.SendOrDefer(Message{Payload: GetRoomUsers{}})
	var flushedBeforeReady int
	ch.OnReady(func() { flushedBeforeReady = len(push.sentTypes()) })

	require.NoError(t, ch.Connect(context.Background()))
	assert.Equal(t, 1, flushedBeforeReady)
}

func TestMessagesDeliveredInArrivalOrder(t *testing.T) {
	push := newFake(KindPush)
	pushF, _ := factoryOf(KindPush, push)
	ch := NewChannel(testOptions(), pushF, nil, nil)
	defer ch.Close()

	var mu sync.Mutex
	var got []string
	ch.OnMessage(func(m Message) {
		mu.Lock()
		got = append(got, m.Payload.(UserJoined).ClientID)
		mu.Unlock()
	})
	require.NoError(t, ch.Connect(context.Background()))

	for _, id := range []string{"a", "b", "c"} {
		push.incoming <- Message{Payload: UserJoined{ClientID: id}}
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestExhaustedTransportsAreTerminal(t *testing.T) {
	failing := func() (Transport, error) {
		f := newFake(KindPush)
		f.connectErr = errors.New("connection refused")
		return f, nil
	}
	faults := fault.NewLog(32)
	ch := NewChannel(testOptions(), failing, failing, faults)

	var statuses []Status
	ch.OnStatus(func(s Status) { statuses = append(statuses, s) })

	err := ch.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, fault.IsTerminal(err))
	assert.Equal(t, StatusError, ch.Status())
	assert.Equal(t, []Status{StatusConnecting, StatusError}, statuses)

	entries := faults.Entries()
	require.NotEmpty(t, entries)
	assert.True(t, entries[len(entries)-1].Terminal)
	// one push and one pull attempt per round, three rounds
	assert.Equal(t, uint64(7), faults.Count(fault.KindTransport))
}

func TestCloseStopsDelivery(t *testing.T) {
	push := newFake(KindPush)
	pushF, made := factoryOf(KindPush, push)
	ch := NewChannel(testOptions(), pushF, nil, nil)
	require.NoError(t, ch.Connect(context.Background()))

	require.NoError(t, ch.Close())
	assert.Equal(t, StatusDisconnected, ch.Status())
	assert.Equal(t, KindNone, ch.Kind())
	assert.Len(t, *made, 1)
	assert.False(t, ch.Send(Message{Payload: GetRoomUsers{}}))
}
