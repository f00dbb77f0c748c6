// Package relay runs an embedded TURN server so peers behind symmetric NATs
// can still reach each other through the hub host.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pion/turn/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mikeyg42/rtcdetect/internal/config"
)

const (
	relayMinPort = 49152
	relayMaxPort = 65535
)

var ErrAlreadyRunning = errors.New("relay already running")

// Stats is a point-in-time view of the relay.
type Stats struct {
	ActiveAllocations int
	Uptime            time.Duration
	State             string
}

// Server wraps a pion TURN server with a single long-term credential.
type Server struct {
	cfg    config.RelayConfig
	logger *zap.Logger

	mu      sync.RWMutex
	server  *turn.Server
	conns   []net.PacketConn
	started time.Time
}

func New(cfg config.RelayConfig) *Server {
	if cfg.Threads < 1 {
		cfg.Threads = 1
	}
	if cfg.PublicIP == "" {
		cfg.PublicIP = "127.0.0.1"
	}
	return &Server{cfg: cfg, logger: zap.L().Named("relay")}
}

// Start binds the UDP listeners and begins serving allocations.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return ErrAlreadyRunning
	}

	publicIP := net.ParseIP(s.cfg.PublicIP)
	if publicIP == nil {
		return fmt.Errorf("invalid relay public ip %q", s.cfg.PublicIP)
	}
	relayGen := &turn.RelayAddressGeneratorPortRange{
		RelayAddress: publicIP,
		Address:      "0.0.0.0",
		MinPort:      relayMinPort,
		MaxPort:      relayMaxPort,
	}
	if err := relayGen.Validate(); err != nil {
		return fmt.Errorf("relay address generator: %w", err)
	}

	threads := s.cfg.Threads
	if !reusePortSupported {
		threads = 1
	}
	lc := &net.ListenConfig{}
	if threads > 1 {
		lc.Control = reusePort
	}

	addr := net.JoinHostPort("0.0.0.0", strconv.Itoa(s.cfg.Port))
	packetConfigs := make([]turn.PacketConnConfig, 0, threads)
	conns := make([]net.PacketConn, 0, threads)
	for i := 0; i < threads; i++ {
		conn, err := lc.ListenPacket(ctx, "udp4", addr)
		if err != nil {
			for _, c := range conns {
				_ = c.Close()
			}
			return fmt.Errorf("listen udp %s: %w", addr, err)
		}
		conns = append(conns, conn)
		packetConfigs = append(packetConfigs, turn.PacketConnConfig{
			PacketConn:            conn,
			RelayAddressGenerator: relayGen,
		})
		s.logger.Info("relay listener bound", zap.Int("thread", i), zap.Stringer("addr", conn.LocalAddr()))
	}

	key := turn.GenerateAuthKey(s.cfg.Username, s.cfg.Realm, s.cfg.Password)
	server, err := turn.NewServer(turn.ServerConfig{
		Realm: s.cfg.Realm,
		AuthHandler: func(username, _ string, src net.Addr) ([]byte, bool) {
			if username != s.cfg.Username {
				s.logger.Debug("rejected relay credentials", zap.String("user", username), zap.Stringer("from", src))
				return nil, false
			}
			return key, true
		},
		PacketConnConfigs: packetConfigs,
	})
	if err != nil {
		for _, c := range conns {
			_ = c.Close()
		}
		return fmt.Errorf("create turn server: %w", err)
	}

	s.server = server
	s.conns = conns
	s.started = time.Now()
	s.logger.Info("relay started",
		zap.String("public_ip", s.cfg.PublicIP), zap.Int("port", s.port()), zap.Int("threads", threads))
	return nil
}

// Port is the bound UDP port, or the configured one before Start.
func (s *Server) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.port()
}

func (s *Server) port() int {
	if len(s.conns) > 0 {
		if udp, ok := s.conns[0].LocalAddr().(*net.UDPAddr); ok {
			return udp.Port
		}
	}
	return s.cfg.Port
}

// ICEServer is the entry peers add to their ICE configuration to use this relay.
func (s *Server) ICEServer() config.ICEServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return config.ICEServerConfig{
		URLs:       []string{fmt.Sprintf("turn:%s?transport=udp", net.JoinHostPort(s.cfg.PublicIP, strconv.Itoa(s.port())))},
		Username:   s.cfg.Username,
		Credential: s.cfg.Password,
	}
}

// Stats reports allocation count and uptime.
func (s *Server) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.server == nil {
		return Stats{State: "stopped"}
	}
	n := s.server.AllocationCount()
	state := "idle"
	if n > 0 {
		state = "active"
	}
	return Stats{ActiveAllocations: n, Uptime: time.Since(s.started), State: state}
}

// Run starts the relay and keeps it up until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Close()
}

// Close stops the server and releases its listeners.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}
	err := s.server.Close()
	for _, c := range s.conns {
		if cerr := c.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	s.server = nil
	s.conns = nil
	s.logger.Info("relay stopped")
	return err
}
