package hub

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mikeyg42/rtcdetect/internal/config"
	"github.com/mikeyg42/rtcdetect/internal/detect"
	"github.com/mikeyg42/rtcdetect/internal/detect/rpcengine"
	"github.com/mikeyg42/rtcdetect/internal/metrics"
	"github.com/mikeyg42/rtcdetect/internal/model"
	"github.com/mikeyg42/rtcdetect/internal/signaling"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 20

	defaultThreshold = 0.5
)

// MetricsStore keeps published benchmark reports.
type MetricsStore interface {
	Publish(ctx context.Context, r metrics.Report) error
	Latest(ctx context.Context) (*metrics.Report, error)
}

// Options configures a Server.
type Options struct {
	Config config.HubConfig
	// Engine answers /api/detect and untargeted detection frames. Optional.
	Engine detect.Engine
	// Store defaults to an in-memory store.
	Store MetricsStore
}

// Server exposes a Hub over HTTP and websocket.
type Server struct {
	hub        *Hub
	engine     detect.Engine
	store      MetricsStore
	limiter    *RateLimiter
	upgrader   websocket.Upgrader
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *zap.Logger
}

// DetectRequest is the body of POST /api/detect. ImageData is base64,
// optionally as a data URL.
type DetectRequest struct {
	ImageData           string   `json:"image_data"`
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty"`
	MaxDetections       int      `json:"max_detections,omitempty"`
}

// DetectResponse answers POST /api/detect.
type DetectResponse struct {
	FrameID     string            `json:"frame_id"`
	CaptureTS   float64           `json:"capture_ts"`
	RecvTS      float64           `json:"recv_ts"`
	InferenceTS float64           `json:"inference_ts"`
	Detections  []model.Detection `json:"detections"`
}

// UsersResponse answers GET /api/signaling/{room}/users.
type UsersResponse struct {
	RoomID string   `json:"room_id"`
	Users  []string `json:"users"`
	Count  int      `json:"count"`
}

// NewServer wires the routes for every hub endpoint.
func NewServer(opts Options) *Server {
	cfg := opts.Config
	var responder *detect.Responder
	if opts.Engine != nil {
		responder = detect.NewResponder(opts.Engine, 4)
	}
	store := opts.Store
	if store == nil {
		store = &memoryStore{}
	}

	s := &Server{
		hub:     New(cfg.MailboxSize, responder),
		engine:  opts.Engine,
		store:   store,
		limiter: NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		mux:     http.NewServeMux(),
		logger:  zap.L().Named("hub.server"),
	}
	origins := allowedOrigins(cfg.AllowedOrigins)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || origins.allows(origin)
		},
	}

	s.mux.HandleFunc("GET /api/ws/{room}", s.handleWebsocket)
	s.mux.HandleFunc("POST /api/signaling/{room}/join", s.limiter.Middleware(s.handleJoin))
	s.mux.HandleFunc("POST /api/signaling/{room}/leave", s.limiter.Middleware(s.handleLeave))
	s.mux.HandleFunc("POST /api/signaling/{room}/message", s.limiter.Middleware(s.handleMessage))
	s.mux.HandleFunc("GET /api/signaling/{room}/messages/{client}", s.limiter.Middleware(s.handlePoll))
	s.mux.HandleFunc("GET /api/signaling/{room}/users", s.handleUsers)
	s.mux.HandleFunc("POST /api/detect", s.limiter.Middleware(s.handleDetect))
	s.mux.HandleFunc("POST /api/metrics", s.handlePublishMetrics)
	s.mux.HandleFunc("GET /api/metrics/latest", s.handleLatestMetrics)
	s.mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "rooms": s.hub.Rooms()})
	})

	readTimeout, writeTimeout := cfg.ReadTimeout, cfg.WriteTimeout
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 15 * time.Second
	}
	s.httpServer = &http.Server{
		Addr:           cfg.ListenAddr,
		Handler:        corsMiddleware(origins, s.mux),
		ReadTimeout:    readTimeout,
		WriteTimeout:   writeTimeout,
		MaxHeaderBytes: 1 << 20,
	}
	return s
}

// Hub returns the routing core.
func (s *Server) Hub() *Hub { return s.hub }

// Handler is the full HTTP handler including CORS.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting signaling hub", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("hub server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and disconnects every client.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down signaling hub")
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

// Serve runs the server until ctx ends, then shuts it down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.limiter.Run(ctx)

	errc := make(chan error, 1)
	go func() { errc <- s.Start() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("hub shutdown: %w", err)
	}
	return <-errc
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room")
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("room", roomID), zap.Error(err))
		return
	}

	m, _ := s.hub.Join(roomID, clientID, true)
	go s.writePump(conn, m)
	s.readPump(conn, roomID, m)
}

func (s *Server) readPump(conn *websocket.Conn, roomID string, m *member) {
	defer func() {
		s.hub.leaveMember(roomID, m)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read failed", zap.String("client", m.id), zap.Error(err))
			}
			return
		}
		var msg signaling.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("discarding undecodable message", zap.String("client", m.id), zap.Error(err))
			continue
		}
		s.hub.Route(roomID, m.id, msg)
	}
}

func (s *Server) writePump(conn *websocket.Conn, m *member) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case data, ok := <-m.out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req signaling.JoinRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}
	roomID := r.PathValue("room")
	_, users := s.hub.Join(roomID, req.ClientID, false)
	writeJSON(w, http.StatusOK, signaling.JoinResponse{
		Status:   "joined",
		RoomID:   roomID,
		ClientID: req.ClientID,
		Users:    users,
	})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	var req signaling.JoinRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.hub.Leave(r.PathValue("room"), req.ClientID) {
		writeError(w, http.StatusNotFound, ErrNotMember.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room")
	clientID := r.URL.Query().Get("client_id")
	if !s.hub.IsMember(roomID, clientID) {
		writeError(w, http.StatusNotFound, ErrNotMember.Error())
		return
	}
	var msg signaling.Message
	if err := decodeBody(w, r, &msg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.hub.Route(roomID, clientID, msg)
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.hub.Drain(r.PathValue("room"), r.PathValue("client"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, signaling.PollResponse{Messages: msgs, Count: len(msgs)})
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room")
	users := s.hub.Users(roomID)
	if users == nil {
		users = []string{}
	}
	writeJSON(w, http.StatusOK, UsersResponse{RoomID: roomID, Users: users, Count: len(users)})
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	recv := time.Now()
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, errNoEngine.Error())
		return
	}
	var req DetectRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	image, err := decodeImageData(req.ImageData)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("image decoding failed: %v", err))
		return
	}
	threshold := defaultThreshold
	if req.ConfidenceThreshold != nil {
		threshold = *req.ConfidenceThreshold
	}
	limit := req.MaxDetections
	if limit <= 0 {
		limit = rpcengine.DefaultMaxDetections
	}

	dets, err := s.engine.Detect(r.Context(), image)
	if err != nil {
		s.logger.Warn("detection failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("detection failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, DetectResponse{
		FrameID:     uuid.NewString(),
		CaptureTS:   model.UnixSeconds(recv),
		RecvTS:      model.UnixSeconds(recv),
		InferenceTS: model.UnixSeconds(time.Now()),
		Detections:  rpcengine.Filter(dets, threshold, limit),
	})
}

func (s *Server) handlePublishMetrics(w http.ResponseWriter, r *http.Request) {
	var report metrics.Report
	if err := decodeBody(w, r, &report); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if report.Timestamp.IsZero() {
		report.Timestamp = time.Now().UTC()
	}
	if err := s.store.Publish(r.Context(), report); err != nil {
		s.logger.Error("failed to store metrics", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store metrics")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "saved", "timestamp": report.Timestamp})
}

func (s *Server) handleLatestMetrics(w http.ResponseWriter, r *http.Request) {
	latest, err := s.store.Latest(r.Context())
	if err != nil {
		s.logger.Error("failed to load metrics", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load metrics")
		return
	}
	if latest == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "No metrics available"})
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

// decodeImageData accepts raw base64 or a data URL.
func decodeImageData(s string) ([]byte, error) {
	if i := strings.IndexByte(s, ','); i >= 0 {
		s = s[i+1:]
	}
	if s == "" {
		return nil, errors.New("image_data is empty")
	}
	return base64.StdEncoding.DecodeString(s)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageSize))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type originSet map[string]bool

// allowedOrigins returns nil, meaning any origin, when none are configured.
func allowedOrigins(origins []string) originSet {
	if len(origins) == 0 {
		return nil
	}
	set := make(originSet, len(origins))
	for _, o := range origins {
		set[o] = true
	}
	return set
}

func (s originSet) allows(origin string) bool {
	return s == nil || s["*"] || s[origin]
}

func corsMiddleware(origins originSet, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && origins.allows(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// memoryStore keeps only the most recent report.
type memoryStore struct {
	mu     sync.Mutex
	latest *metrics.Report
}

func (m *memoryStore) Publish(_ context.Context, r metrics.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest = &r
	return nil
}

func (m *memoryStore) Latest(context.Context) (*metrics.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latest == nil {
		return nil, nil
	}
	r := *m.latest
	return &r, nil
}
