package hub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/rtcdetect/internal/config"
	"github.com/mikeyg42/rtcdetect/internal/detect"
	"github.com/mikeyg42/rtcdetect/internal/metrics"
	"github.com/mikeyg42/rtcdetect/internal/model"
	"github.com/mikeyg42/rtcdetect/internal/signaling"
)

type stubEngine struct {
	mu    sync.Mutex
	dets  []model.Detection
	err   error
	calls int
	last  []byte
}

func (e *stubEngine) Detect(_ context.Context, image []byte) ([]model.Detection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.last = image
	return e.dets, e.err
}

func (e *stubEngine) Close() error { return nil }

func testConfig() config.HubConfig {
	cfg := config.NewDefaultConfig().Hub
	cfg.RateLimit = 1000
	cfg.RateBurst = 1000
	return cfg
}

func drain(t *testing.T, h *Hub, room, client string) []signaling.Message {
	t.Helper()
	raw, err := h.Drain(room, client)
	require.NoError(t, err)
	out := make([]signaling.Message, 0, len(raw))
	for _, r := range raw {
		var msg signaling.Message
		require.NoError(t, json.Unmarshal(r, &msg))
		out = append(out, msg)
	}
	return out
}

func offer(target string) signaling.Message {
	return signaling.Message{
		TargetID: target,
		Payload:  signaling.Offer{Description: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}},
	}
}

func TestJoinBroadcastsAndListsUsers(t *testing.T) {
	h := New(8, nil)
	_, users := h.Join("lab", "a", false)
	assert.Equal(t, []string{"a"}, users)
	_, users = h.Join("lab", "b", false)
	assert.Equal(t, []string{"a", "b"}, users)

	msgs := drain(t, h, "lab", "a")
	require.Len(t, msgs, 1)
	assert.Equal(t, signaling.UserJoined{ClientID: "b"}, msgs[0].Payload)
	assert.Empty(t, drain(t, h, "lab", "b"))
}

func TestTargetedOfferReachesOnlyTarget(t *testing.T) {
	h := New(8, nil)
	for _, id := range []string{"a", "b", "c"} {
		h.Join("lab", id, false)
	}
	for _, id := range []string{"a", "b", "c"} {
		drain(t, h, "lab", id)
	}

	h.Route("lab", "a", offer("b"))

	got := drain(t, h, "lab", "b")
	require.Len(t, got, 1)
	assert.Equal(t, signaling.TypeOffer, got[0].Type())
	assert.Equal(t, "a", got[0].SenderID)
	assert.Empty(t, drain(t, h, "lab", "c"))
	assert.Empty(t, drain(t, h, "lab", "a"))
}

func TestUntargetedMessageBroadcastsAndStampsSender(t *testing.T) {
	h := New(8, nil)
	for _, id := range []string{"a", "b", "c"} {
		h.Join("lab", id, false)
		drain(t, h, "lab", "a")
	}
	drain(t, h, "lab", "b")

	msg := offer("")
	msg.SenderID = "spoofed"
	h.Route("lab", "a", msg)

	for _, id := range []string{"b", "c"} {
		got := drain(t, h, "lab", id)
		require.Len(t, got, 1, id)
		assert.Equal(t, "a", got[0].SenderID)
	}
	assert.Empty(t, drain(t, h, "lab", "a"))
}

func TestMailboxKeepsOrderAndEmptiesOnDrain(t *testing.T) {
	h := New(3, nil)
	h.Join("lab", "a", false)
	h.Join("lab", "b", false)
	drain(t, h, "lab", "a")

	for _, c := range []string{"c1", "c2", "c3", "c4"} {
		h.Route("lab", "b", signaling.Message{TargetID: "a", Payload: signaling.ICECandidate{
			Candidate: webrtc.ICECandidateInit{Candidate: c},
		}})
	}

	got := drain(t, h, "lab", "a")
	require.Len(t, got, 3, "oldest dropped beyond mailbox size")
	for i, want := range []string{"c2", "c3", "c4"} {
		assert.Equal(t, want, got[i].Payload.(signaling.ICECandidate).Candidate.Candidate)
	}
	assert.Empty(t, drain(t, h, "lab", "a"))
}

func TestSlowPushClientLosesOnlyDetectionTraffic(t *testing.T) {
	h := New(8, nil)
	defer h.Close()
	slow, _ := h.Join("lab", "slow", true)
	h.Join("lab", "camera", false)

	frame := signaling.Message{SenderID: "camera", TargetID: "slow", Payload: signaling.DetectionFrame{FrameID: "f"}}
	for len(slow.out) < pushBuffer {
		require.True(t, h.Deliver("lab", frame))
	}
	assert.False(t, h.Deliver("lab", frame))
	h.mu.Lock()
	assert.False(t, slow.closed)
	h.mu.Unlock()

	msg := offer("slow")
	msg.SenderID = "camera"
	assert.False(t, h.Deliver("lab", msg))

	queued := 0
	for range slow.out {
		queued++
	}
	assert.Equal(t, pushBuffer, queued)
}

func TestLeaveBroadcastsAndReclaimsRoom(t *testing.T) {
	h := New(8, nil)
	h.Join("lab", "a", false)
	h.Join("lab", "b", false)
	drain(t, h, "lab", "a")

	assert.True(t, h.Leave("lab", "b"))
	got := drain(t, h, "lab", "a")
	require.Len(t, got, 1)
	assert.Equal(t, signaling.UserLeft{ClientID: "b"}, got[0].Payload)
	assert.False(t, h.Leave("lab", "b"))

	assert.Equal(t, 1, h.Rooms())
	assert.True(t, h.Leave("lab", "a"))
	assert.Zero(t, h.Rooms())
	assert.Nil(t, h.Users("lab"))
}

func TestStaleWebsocketCannotEvictRejoinedClient(t *testing.T) {
	h := New(8, nil)
	old, _ := h.Join("lab", "a", true)
	fresh, _ := h.Join("lab", "a", true)

	_, open := <-old.out
	assert.False(t, open, "replaced member's writer is closed")

	h.leaveMember("lab", old)
	assert.True(t, h.IsMember("lab", "a"))
	h.leaveMember("lab", fresh)
	assert.False(t, h.IsMember("lab", "a"))
}

func TestGetRoomUsersAnswersSender(t *testing.T) {
	h := New(8, nil)
	h.Join("lab", "a", false)
	h.Join("lab", "b", false)
	drain(t, h, "lab", "a")

	h.Route("lab", "b", signaling.Message{Payload: signaling.GetRoomUsers{}})

	got := drain(t, h, "lab", "b")
	require.Len(t, got, 1)
	assert.Equal(t, signaling.RoomUsers{RoomID: "lab", Users: []string{"a", "b"}}, got[0].Payload)
	assert.Empty(t, drain(t, h, "lab", "a"))
}

func TestClientCannotForgeMembershipEvents(t *testing.T) {
	h := New(8, nil)
	h.Join("lab", "a", false)
	h.Join("lab", "b", false)
	drain(t, h, "lab", "a")

	h.Route("lab", "b", signaling.Message{Payload: signaling.UserLeft{ClientID: "a"}})
	assert.Empty(t, drain(t, h, "lab", "a"))
}

func TestUntargetedDetectionFrameAnsweredByHub(t *testing.T) {
	engine := &stubEngine{dets: []model.Detection{{Label: "person", Confidence: 0.9}}}
	h := New(8, detect.NewResponder(engine, 1))
	defer h.Close()
	h.Join("lab", "a", false)
	h.Join("lab", "b", false)
	drain(t, h, "lab", "a")

	h.Route("lab", "b", signaling.Message{Payload: signaling.DetectionFrame{
		FrameID: "f1", FrameData: []byte("jpeg"), CaptureTS: 1_700_000_000,
	}})

	var got []signaling.Message
	require.Eventually(t, func() bool {
		got = append(got, drain(t, h, "lab", "b")...)
		return len(got) > 0
	}, time.Second, 5*time.Millisecond)

	res, ok := got[0].Payload.(signaling.DetectionResult)
	require.True(t, ok, "got %T", got[0].Payload)
	assert.Equal(t, "f1", res.FrameID)
	assert.Equal(t, float64(1_700_000_000), res.CaptureTS)
	assert.Len(t, res.Detections, 1)
	assert.Empty(t, drain(t, h, "lab", "a"), "reply goes to the sender only")
}

func TestDetectionFrameWithoutEngineIsAnError(t *testing.T) {
	h := New(8, nil)
	h.Join("lab", "a", false)
	h.Route("lab", "a", signaling.Message{Payload: signaling.DetectionFrame{FrameID: "f1"}})

	got := drain(t, h, "lab", "a")
	require.Len(t, got, 1)
	assert.Equal(t, signaling.DetectionError{FrameID: "f1", Error: errNoEngine.Error()}, got[0].Payload)
}

func TestTargetedDetectionFrameIsRelayed(t *testing.T) {
	engine := &stubEngine{}
	h := New(8, detect.NewResponder(engine, 1))
	h.Join("lab", "a", false)
	h.Join("lab", "b", false)
	drain(t, h, "lab", "a")

	h.Route("lab", "a", signaling.Message{TargetID: "b", Payload: signaling.DetectionFrame{FrameID: "f1"}})

	got := drain(t, h, "lab", "b")
	require.Len(t, got, 1)
	assert.Equal(t, signaling.TypeDetectionFrame, got[0].Type())
	engine.mu.Lock()
	assert.Zero(t, engine.calls)
	engine.mu.Unlock()
}

func TestRateLimiterRefillsOverTime(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(1, 2)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"), "buckets are per client")

	now = now.Add(500 * time.Millisecond)
	assert.False(t, rl.Allow("10.0.0.1"))
	now = now.Add(500 * time.Millisecond)
	assert.True(t, rl.Allow("10.0.0.1"))

	now = now.Add(time.Hour)
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"), "refill is capped at burst")
}

func TestPullEndpointsAreRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 0.001
	cfg.RateBurst = 1
	srv := httptest.NewServer(NewServer(Options{Config: cfg}).Handler())
	defer srv.Close()

	join := func() int {
		resp, err := http.Post(srv.URL+"/api/signaling/lab/join", "application/json", strings.NewReader(`{"client_id":"a"}`))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusOK, join())
	assert.Equal(t, http.StatusTooManyRequests, join())
}

func TestPushAndPullClientsExchangeMessages(t *testing.T) {
	s := NewServer(Options{Config: testConfig()})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	defer s.Hub().Close()
	ctx := context.Background()

	push, err := signaling.NewWebsocketTransport(srv.URL, "lab", "pusher")
	require.NoError(t, err)
	require.NoError(t, push.Connect(ctx))
	defer push.Close()
	require.Eventually(t, func() bool { return s.Hub().IsMember("lab", "pusher") }, time.Second, 5*time.Millisecond)

	pull := signaling.NewPollingTransport(srv.URL, "lab", "puller", 10*time.Millisecond, 3)
	require.NoError(t, pull.Connect(ctx))

	joined := next(t, push.Messages())
	assert.Equal(t, signaling.UserJoined{ClientID: "puller"}, joined.Payload)

	require.NoError(t, pull.Send(ctx, offer("pusher")))
	got := next(t, push.Messages())
	assert.Equal(t, signaling.TypeOffer, got.Type())
	assert.Equal(t, "puller", got.SenderID)

	require.NoError(t, push.Send(ctx, signaling.Message{
		TargetID: "puller",
		Payload:  signaling.Answer{Description: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}},
	}))
	got = next(t, pull.Messages())
	assert.Equal(t, signaling.TypeAnswer, got.Type())
	assert.Equal(t, "pusher", got.SenderID)

	require.NoError(t, pull.Close())
	left := next(t, push.Messages())
	assert.Equal(t, signaling.UserLeft{ClientID: "puller"}, left.Payload)
}

func TestWebsocketDisconnectLeavesRoom(t *testing.T) {
	s := NewServer(Options{Config: testConfig()})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	push, err := signaling.NewWebsocketTransport(srv.URL, "lab", "pusher")
	require.NoError(t, err)
	require.NoError(t, push.Connect(context.Background()))
	require.Eventually(t, func() bool { return s.Hub().IsMember("lab", "pusher") }, time.Second, 5*time.Millisecond)

	require.NoError(t, push.Close())
	require.Eventually(t, func() bool { return s.Hub().Rooms() == 0 }, time.Second, 5*time.Millisecond)
}

func next(t *testing.T, ch <-chan signaling.Message) signaling.Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "transport closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return signaling.Message{}
	}
}

func TestPollUnknownClientIs404(t *testing.T) {
	srv := httptest.NewServer(NewServer(Options{Config: testConfig()}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/signaling/lab/messages/ghost")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/signaling/lab/message?client_id=ghost", "application/json",
		strings.NewReader(`{"type":"get_room_users"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUsersEndpoint(t *testing.T) {
	s := NewServer(Options{Config: testConfig()})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	s.Hub().Join("lab", "a", false)

	resp, err := http.Get(srv.URL + "/api/signaling/lab/users")
	require.NoError(t, err)
	defer resp.Body.Close()
	var out UsersResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, UsersResponse{RoomID: "lab", Users: []string{"a"}, Count: 1}, out)
}

func postDetect(t *testing.T, url, body string) (*http.Response, DetectResponse) {
	t.Helper()
	resp, err := http.Post(url+"/api/detect", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out DetectResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestDetectEndpointFiltersAndDecodesDataURL(t *testing.T) {
	engine := &stubEngine{dets: []model.Detection{
		{Label: "car", Confidence: 0.3},
		{Label: "person", Confidence: 0.9},
		{Label: "dog", Confidence: 0.7},
	}}
	srv := httptest.NewServer(NewServer(Options{Config: testConfig(), Engine: engine}).Handler())
	defer srv.Close()

	img := base64.StdEncoding.EncodeToString([]byte("jpeg bytes"))
	resp, out := postDetect(t, srv.URL, `{"image_data":"data:image/jpeg;base64,`+img+`","max_detections":1}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, out.Detections, 1)
	assert.Equal(t, "person", out.Detections[0].Label)
	assert.NotEmpty(t, out.FrameID)
	assert.GreaterOrEqual(t, out.InferenceTS, out.RecvTS)
	engine.mu.Lock()
	assert.Equal(t, []byte("jpeg bytes"), engine.last)
	engine.mu.Unlock()

	_, out = postDetect(t, srv.URL, `{"image_data":"`+img+`","confidence_threshold":0.2}`)
	assert.Len(t, out.Detections, 3)

	resp, _ = postDetect(t, srv.URL, `{"image_data":"!!not base64"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDetectEndpointEngineFailure(t *testing.T) {
	srv := httptest.NewServer(NewServer(Options{
		Config: testConfig(),
		Engine: &stubEngine{err: errors.New("model crashed")},
	}).Handler())
	defer srv.Close()

	resp, _ := postDetect(t, srv.URL, `{"image_data":"aGk="}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	noEngine := httptest.NewServer(NewServer(Options{Config: testConfig()}).Handler())
	defer noEngine.Close()
	resp, _ = postDetect(t, noEngine.URL, `{"image_data":"aGk="}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsEndpointsRoundTrip(t *testing.T) {
	srv := httptest.NewServer(NewServer(Options{Config: testConfig()}).Handler())
	defer srv.Close()
	ctx := context.Background()
	pub := metrics.NewHTTPPublisher(srv.URL)

	latest, err := pub.Latest(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	report := metrics.Report{
		Timestamp:        time.Unix(1_700_000_000, 0).UTC(),
		ClientID:         "sender",
		E2ELatencyMedian: 120,
		ProcessedFPS:     14.5,
		FramesProcessed:  30,
	}
	require.NoError(t, pub.Publish(ctx, report))

	latest, err = pub.Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, report, *latest)
}

type failingStore struct{}

func (failingStore) Publish(context.Context, metrics.Report) error   { return errors.New("disk full") }
func (failingStore) Latest(context.Context) (*metrics.Report, error) { return nil, errors.New("disk full") }

func TestMetricsStoreFailureIs500(t *testing.T) {
	srv := httptest.NewServer(NewServer(Options{Config: testConfig(), Store: failingStore{}}).Handler())
	defer srv.Close()

	err := metrics.NewHTTPPublisher(srv.URL).Publish(context.Background(), metrics.Report{})
	assert.ErrorContains(t, err, "500")
}

func TestCORSPreflight(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"http://localhost:3000"}
	srv := httptest.NewServer(NewServer(Options{Config: cfg}).Handler())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/detect", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(NewServer(Options{Config: testConfig()}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "ok", out["status"])
}
