package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 20 // detection frames carry base64 JPEG
)

// WebsocketTransport is the push transport.
type WebsocketTransport struct {
	url      string
	dialer   *websocket.Dialer
	conn     *websocket.Conn
	writeMu  sync.Mutex
	incoming chan Message
	done     chan struct{}
	once     sync.Once
	logger   *zap.Logger
}

// NewWebsocketTransport targets /api/ws/{room} on the hub at serverURL.
func NewWebsocketTransport(serverURL, room, clientID string) (*WebsocketTransport, error) {
	wsURL, err := websocketURL(serverURL, room, clientID)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	return &WebsocketTransport{
		url:      wsURL,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: websocket.DefaultDialer.Proxy},
		incoming: make(chan Message, 64),
		done:     make(chan struct{}),
		logger:   zap.L().Named("signaling.push"),
	}, nil
}

func (t *WebsocketTransport) Kind() TransportKind { return KindPush }

func (t *WebsocketTransport) Connect(ctx context.Context) error {
	conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	t.conn = conn

	t.conn.SetReadLimit(maxMessageSize)
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go t.readPump()
	go t.pingLoop()

	t.logger.Debug("connected", zap.String("url", t.url))
	return nil
}

func (t *WebsocketTransport) readPump() {
	defer func() {
		t.conn.Close()
		close(t.incoming)
	}()

	_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.logger.Warn("read failed", zap.Error(err))
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.logger.Warn("discarding undecodable message", zap.Error(err))
			continue
		}

		select {
		case t.incoming <- msg:
		case <-t.done:
			return
		}
	}
}

// pingLoop keeps the read deadline alive on the hub side.
func (t *WebsocketTransport) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-t.done:
			return
		}
	}
}

// Send writes msg synchronously so the caller learns about write failures.
func (t *WebsocketTransport) Send(ctx context.Context, msg Message) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}
	if t.conn == nil {
		return ErrTransportClosed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type(), err)
	}
	return nil
}

func (t *WebsocketTransport) Messages() <-chan Message { return t.incoming }

func (t *WebsocketTransport) Close() error {
	t.once.Do(func() {
		close(t.done)
		if t.conn == nil {
			close(t.incoming)
			return
		}
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = t.conn.Close()
	})
	return nil
}
