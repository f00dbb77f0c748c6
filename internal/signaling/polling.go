package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	joinPath     = "/api/signaling/{room}/join"
	leavePath    = "/api/signaling/{room}/leave"
	messagesPath = "/api/signaling/{room}/messages/{client}"
	sendPath     = "/api/signaling/{room}/message"
)

// JoinRequest is the body of the join and leave calls.
type JoinRequest struct {
	ClientID string `json:"client_id"`
}

// JoinResponse is the hub's reply to a join.
type JoinResponse struct {
	Status   string   `json:"status"`
	RoomID   string   `json:"room_id"`
	ClientID string   `json:"client_id"`
	Users    []string `json:"users"`
}

// PollResponse carries every message queued for the client since the last poll.
type PollResponse struct {
	Messages []json.RawMessage `json:"messages"`
	Count    int               `json:"count"`
}

// PollingTransport is the pull transport: join once, then poll the
// client's mailbox on a fixed interval.
type PollingTransport struct {
	client      *resty.Client
	room        string
	clientID    string
	interval    time.Duration
	maxFailures int

	incoming chan Message
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	once     sync.Once
	joined   bool
	logger   *zap.Logger
}

// NewPollingTransport creates a pull transport against the hub at serverURL.
func NewPollingTransport(serverURL, room, clientID string, interval time.Duration, maxFailures int) *PollingTransport {
	client := resty.New().
		SetBaseURL(serverURL).
		SetTimeout(5*time.Second).
		SetHeader("Content-Type", "application/json").
		SetPathParams(map[string]string{"room": room, "client": clientID})

	if maxFailures < 1 {
		maxFailures = 1
	}
	return &PollingTransport{
		client:      client,
		room:        room,
		clientID:    clientID,
		interval:    interval,
		maxFailures: maxFailures,
		incoming:    make(chan Message, 64),
		logger:      zap.L().Named("signaling.pull"),
	}
}

func (t *PollingTransport) Kind() TransportKind { return KindPull }

// Connect joins the room and starts polling.
func (t *PollingTransport) Connect(ctx context.Context) error {
	var joined JoinResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(JoinRequest{ClientID: t.clientID}).
		SetResult(&joined).
		Post(joinPath)
	if err != nil {
		return fmt.Errorf("join room %s: %w", t.room, err)
	}
	if resp.IsError() {
		return fmt.Errorf("join room %s: status %d: %s", t.room, resp.StatusCode(), resp.String())
	}
	t.joined = true
	t.logger.Debug("joined room", zap.String("room", t.room), zap.Strings("users", joined.Users))

	pollCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.wg.Add(1)
	go t.pollLoop(pollCtx)
	return nil
}

func (t *PollingTransport) pollLoop(ctx context.Context) {
	defer t.wg.Done()
	defer close(t.incoming)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		msgs, err := t.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			t.logger.Warn("poll failed", zap.Int("consecutive", failures), zap.Error(err))
			if failures >= t.maxFailures {
				return
			}
			continue
		}
		failures = 0

		for _, msg := range msgs {
			select {
			case t.incoming <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (t *PollingTransport) poll(ctx context.Context) ([]Message, error) {
	var out PollResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get(messagesPath)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, raw := range out.Messages {
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.logger.Warn("discarding undecodable message", zap.Error(err))
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (t *PollingTransport) Send(ctx context.Context, msg Message) error {
	if !t.joined {
		return ErrTransportClosed
	}
	resp, err := t.client.R().
		SetContext(ctx).
		SetQueryParam("client_id", t.clientID).
		SetBody(msg).
		Post(sendPath)
	if err != nil {
		return fmt.Errorf("send %s: %w", msg.Type(), err)
	}
	if resp.IsError() {
		return fmt.Errorf("send %s: status %d", msg.Type(), resp.StatusCode())
	}
	return nil
}

func (t *PollingTransport) Messages() <-chan Message { return t.incoming }

// Close stops polling and leaves the room.
func (t *PollingTransport) Close() error {
	var err error
	t.once.Do(func() {
		if !t.joined {
			close(t.incoming)
			return
		}
		t.cancel()
		t.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		resp, lerr := t.client.R().
			SetContext(ctx).
			SetBody(JoinRequest{ClientID: t.clientID}).
			Post(leavePath)
		switch {
		case lerr != nil:
			err = fmt.Errorf("leave room %s: %w", t.room, lerr)
		case resp.IsError():
			err = fmt.Errorf("leave room %s: status %d", t.room, resp.StatusCode())
		}
	})
	return err
}
