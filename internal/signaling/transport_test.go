package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollingTransportJoinPollSendLeave(t *testing.T) {
	var joins, leaves atomic.Int32
	var mu sync.Mutex
	var posted []string
	mailbox := []json.RawMessage{
		json.RawMessage(`{"type":"user_joined","data":{"client_id":"a"}}`),
		json.RawMessage(`{"type":"bogus"}`),
		json.RawMessage(`{"type":"user_joined","data":{"client_id":"b"}}`),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/signaling/lab/join", func(w http.ResponseWriter, r *http.Request) {
		joins.Add(1)
		_ = json.NewEncoder(w).Encode(JoinResponse{Status: "joined", RoomID: "lab", ClientID: "me", Users: []string{"me"}})
	})
	mux.HandleFunc("GET /api/signaling/lab/messages/me", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		out := mailbox
		mailbox = nil
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(PollResponse{Messages: out, Count: len(out)})
	})
	mux.HandleFunc("POST /api/signaling/lab/message", func(w http.ResponseWriter, r *http.Request) {
		var msg Message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		mu.Lock()
		posted = append(posted, r.URL.Query().Get("client_id")+":"+string(msg.Type()))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /api/signaling/lab/leave", func(w http.ResponseWriter, r *http.Request) {
		leaves.Add(1)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tr := NewPollingTransport(srv.URL, "lab", "me", 10*time.Millisecond, 3)
	require.NoError(t, tr.Connect(context.Background()))
	assert.Equal(t, int32(1), joins.Load())

	var got []string
	for len(got) < 2 {
		select {
		case m := <-tr.Messages():
			got = append(got, m.Payload.(UserJoined).ClientID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for polled messages")
		}
	}
	assert.Equal(t, []string{"a", "b"}, got)

	require.NoError(t, tr.Send(context.Background(), Message{Payload: GetRoomUsers{}}))
	mu.Lock()
	assert.Equal(t, []string{"me:get_room_users"}, posted)
	mu.Unlock()

	require.NoError(t, tr.Close())
	assert.Equal(t, int32(1), leaves.Load())
	_, open := <-tr.Messages()
	assert.False(t, open)
}

func TestPollingTransportDiesAfterRepeatedFailures(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/signaling/lab/join", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"joined"}`))
	})
	mux.HandleFunc("GET /api/signaling/lab/messages/me", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tr := NewPollingTransport(srv.URL, "lab", "me", 5*time.Millisecond, 2)
	require.NoError(t, tr.Connect(context.Background()))

	select {
	case _, open := <-tr.Messages():
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("transport did not give up")
	}
}

func TestWebsocketTransportRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var clientID atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/ws/lab", r.URL.Path)
		clientID.Store(r.URL.Query().Get("client_id"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// echo back with the hub's sender stamp
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			msg.SenderID = "hub"
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	tr, err := NewWebsocketTransport(srv.URL, "lab", "me")
	require.NoError(t, err)
	require.NoError(t, tr.Connect(context.Background()))
	assert.Equal(t, "me", clientID.Load())

	require.NoError(t, tr.Send(context.Background(), Message{Payload: UserLeft{ClientID: "z"}}))
	select {
	case m := <-tr.Messages():
		assert.Equal(t, "hub", m.SenderID)
		assert.Equal(t, UserLeft{ClientID: "z"}, m.Payload)
	case <-time.After(time.Second):
		t.Fatal("no echo")
	}

	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Send(context.Background(), Message{Payload: GetRoomUsers{}}), ErrTransportClosed)
}

func TestWebsocketTransportConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	tr, err := NewWebsocketTransport(srv.URL, "lab", "me")
	require.NoError(t, err)
	assert.Error(t, tr.Connect(context.Background()))
	require.NoError(t, tr.Close())
}
