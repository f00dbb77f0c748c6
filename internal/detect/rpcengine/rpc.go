// Package rpcengine runs detection on a separate worker process. The worker
// exposes any detect.Engine as a JSON-RPC 2.0 service over a websocket and
// Client is a detect.Engine that calls it.
package rpcengine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	wsstream "github.com/sourcegraph/jsonrpc2/websocket"
	"go.uber.org/zap"

	"github.com/mikeyg42/rtcdetect/internal/detect"
	"github.com/mikeyg42/rtcdetect/internal/model"
)

const (
	MethodDetect = "detect"
	MethodHealth = "health"

	DefaultMaxDetections = 100
)

// DetectRequest is the params object of a detect call. ImageData is base64
// on the wire.
type DetectRequest struct {
	ImageData           []byte  `json:"image_data"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	MaxDetections       int     `json:"max_detections"`
}

type DetectResponse struct {
	Detections  []model.Detection `json:"detections"`
	InferenceMs float64           `json:"inference_ms"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

// Client is a detect.Engine backed by a remote worker.
type Client struct {
	conn      *jsonrpc2.Conn
	threshold float64
	logger    *zap.Logger
}

var _ detect.Engine = (*Client)(nil)

// Dial connects to a worker at a ws:// or wss:// URL.
func Dial(ctx context.Context, url string, threshold float64) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial inference worker: %w", err)
	}
	logger := zap.L().Named("rpcengine")
	// workers never call back into the client
	reject := jsonrpc2.HandlerWithError(func(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "client accepts no calls: " + req.Method}
	})
	conn := jsonrpc2.NewConn(context.Background(), wsstream.NewObjectStream(ws), reject)
	logger.Info("connected to inference worker", zap.String("url", url))
	return &Client{conn: conn, threshold: threshold, logger: logger}, nil
}

func (c *Client) Detect(ctx context.Context, image []byte) ([]model.Detection, error) {
	req := DetectRequest{
		ImageData:           image,
		ConfidenceThreshold: c.threshold,
		MaxDetections:       DefaultMaxDetections,
	}
	var resp DetectResponse
	if err := c.conn.Call(ctx, MethodDetect, req, &resp); err != nil {
		if err == jsonrpc2.ErrClosed {
			return nil, detect.ErrEngineClosed
		}
		return nil, fmt.Errorf("remote detect: %w", err)
	}
	if resp.Detections == nil {
		resp.Detections = []model.Detection{}
	}
	return resp.Detections, nil
}

// Health asks the worker whether it is serving.
func (c *Client) Health(ctx context.Context) error {
	var resp HealthResponse
	if err := c.conn.Call(ctx, MethodHealth, nil, &resp); err != nil {
		return fmt.Errorf("worker health: %w", err)
	}
	if resp.Status != "ok" {
		return fmt.Errorf("worker health: status %q", resp.Status)
	}
	return nil
}

// Done is closed when the worker connection ends.
func (c *Client) Done() <-chan struct{} { return c.conn.DisconnectNotify() }

func (c *Client) Close() error {
	err := c.conn.Close()
	if err == jsonrpc2.ErrClosed {
		return nil
	}
	return err
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 16,
	WriteBufferSize: 1 << 16,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Handler serves engine to every websocket client that connects.
func Handler(engine detect.Engine) http.Handler {
	return &worker{engine: engine, logger: zap.L().Named("rpcengine")}
}

type worker struct {
	engine detect.Engine
	logger *zap.Logger
}

func (w *worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	w.logger.Info("inference client connected", zap.String("remote", r.RemoteAddr))
	conn := jsonrpc2.NewConn(r.Context(), wsstream.NewObjectStream(ws), jsonrpc2.HandlerWithError(w.handle))
	<-conn.DisconnectNotify()
	w.logger.Info("inference client disconnected", zap.String("remote", r.RemoteAddr))
}

func (w *worker) handle(ctx context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
	switch req.Method {
	case MethodHealth:
		return HealthResponse{Status: "ok"}, nil
	case MethodDetect:
		if req.Params == nil {
			return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "missing params"}
		}
		var params DetectRequest
		if err := json.Unmarshal(*req.Params, &params); err != nil {
			return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
		}
		start := time.Now()
		dets, err := w.engine.Detect(ctx, params.ImageData)
		if err != nil {
			w.logger.Warn("detection failed", zap.Error(err))
			return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: err.Error()}
		}
		return DetectResponse{
			Detections:  Filter(dets, params.ConfidenceThreshold, params.MaxDetections),
			InferenceMs: float64(time.Since(start)) / float64(time.Millisecond),
		}, nil
	default:
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "unknown method " + req.Method}
	}
}

// Filter keeps detections at or above threshold, highest confidence first,
// at most limit of them (limit <= 0 means unlimited).
func Filter(dets []model.Detection, threshold float64, limit int) []model.Detection {
	out := make([]model.Detection, 0, len(dets))
	for _, d := range dets {
		if d.Confidence >= threshold {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
