// Package session wires signaling, negotiation, the frame queue, detection
// and metrics into one sending or receiving client.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mikeyg42/rtcdetect/internal/capture"
	"github.com/mikeyg42/rtcdetect/internal/config"
	"github.com/mikeyg42/rtcdetect/internal/detect"
	"github.com/mikeyg42/rtcdetect/internal/fault"
	"github.com/mikeyg42/rtcdetect/internal/framequeue"
	"github.com/mikeyg42/rtcdetect/internal/media"
	"github.com/mikeyg42/rtcdetect/internal/metrics"
	"github.com/mikeyg42/rtcdetect/internal/model"
	"github.com/mikeyg42/rtcdetect/internal/negotiation"
	"github.com/mikeyg42/rtcdetect/internal/signaling"
)

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrStopped        = errors.New("session stopped")
)

// Role decides which half of the pipeline a session runs.
type Role int

const (
	// RoleSender captures frames, offers media and dispatches detections.
	RoleSender Role = iota
	// RoleReceiver answers offers, reads the incoming track and answers
	// detection frames addressed to it.
	RoleReceiver
)

func (r Role) String() string {
	if r == RoleReceiver {
		return "receiver"
	}
	return "sender"
}

// Options configures a Session. Only Config is required.
type Options struct {
	Config   *config.Config
	Role     Role
	ClientID string
	// Source feeds a sender. Nil keeps the session running without a
	// local track.
	Source capture.Source
	// Engine runs local detection on a sender, or answers detection
	// frames on a receiver. The session closes it on Stop.
	Engine detect.Engine
	// NewConn overrides the pion connection factory.
	NewConn negotiation.ConnFactory
	// Push and Pull override the signaling transports.
	Push signaling.TransportFactory
	Pull signaling.TransportFactory
	// Publishers receive periodic reports. When nil and metrics
	// publishing is enabled, reports go to the hub.
	Publishers []metrics.Publisher
	Faults     *fault.Log
}

// Session is one client of a room.
type Session struct {
	cfg        *config.Config
	role       Role
	clientID   string
	source     capture.Source
	engine     detect.Engine
	faults     *fault.Log
	channel    *signaling.Channel
	machine    *negotiation.Machine
	queue      *framequeue.Queue
	dispatcher *detect.Dispatcher
	responder  *detect.Responder
	aggregator *metrics.Aggregator
	publishers []metrics.Publisher
	logger     *zap.Logger

	mu            sync.Mutex
	started       bool
	stopped       bool
	ctx           context.Context
	cancel        context.CancelFunc
	captureCancel context.CancelFunc
	group         *errgroup.Group
	fatal         chan error
	unsubscribe   func()
	onResult      func(*model.DetectionResult)
	readers       []*media.Reader

	stopOnce sync.Once
	stopErr  error
}

// New builds an unstarted session.
func New(opts Options) (*Session, error) {
	if opts.Config == nil {
		return nil, errors.New("session: config is required")
	}
	cfg := opts.Config

	clientID := opts.ClientID
	if clientID == "" {
		clientID = cfg.Signaling.ClientID
	}
	if clientID == "" {
		clientID = uuid.NewString()
	}
	faults := opts.Faults
	if faults == nil {
		faults = fault.NewLog(256)
	}

	s := &Session{
		cfg:      cfg,
		role:     opts.Role,
		clientID: clientID,
		source:   opts.Source,
		engine:   opts.Engine,
		faults:   faults,
		fatal:    make(chan error, 1),
		logger:   zap.L().Named("session").With(zap.String("client", clientID), zap.Stringer("role", opts.Role)),
	}

	push, pull := opts.Push, opts.Pull
	if push == nil {
		push = s.websocketTransport
	}
	if pull == nil {
		pull = s.pollingTransport
	}
	s.channel = signaling.NewChannel(signaling.Options{
		ConnectTimeout: cfg.Signaling.ConnectTimeout,
		MaxReconnects:  cfg.Signaling.MaxReconnects,
		ReconnectMin:   cfg.Signaling.ReconnectMin,
		ReconnectMax:   cfg.Signaling.ReconnectMax,
		PendingLimit:   cfg.Signaling.PendingLimit,
	}, push, pull, faults)

	newConn := opts.NewConn
	if newConn == nil {
		pionCfg := negotiation.PionConfig{
			ICEServers: negotiation.ICEServers(cfg.WebRTC.ICEServers),
			OnTrack:    s.onTrack,
		}
		if p, ok := opts.Source.(interface{ Populate(*webrtc.MediaEngine) }); ok {
			pionCfg.Populate = p.Populate
		}
		var err error
		if newConn, err = negotiation.NewPionFactory(pionCfg); err != nil {
			return nil, err
		}
	}
	s.machine = negotiation.New(newConn, s.channel, faults)

	s.queue = framequeue.New(framequeue.Options{
		MaxSize:    cfg.Queue.MaxSize,
		TargetRate: cfg.Queue.TargetRate,
		MinRate:    cfg.Queue.MinRate,
		MaxRate:    cfg.Queue.MaxRate,
		AutoRate:   cfg.Queue.AutoRate,
		Faults:     faults,
	})
	s.aggregator = metrics.NewAggregator(cfg.Metrics.WindowSize)
	s.aggregator.Observe(s.queue)

	switch opts.Role {
	case RoleSender:
		if detect.ParseMode(cfg.Detection.Mode) == detect.ModeLocal {
			if opts.Engine == nil {
				return nil, errors.New("session: local detection needs an engine")
			}
			s.dispatcher = detect.NewLocal(opts.Engine, faults)
		} else {
			var target func() string
			if cfg.Detection.RemoteTarget != "hub" {
				target = s.machine.PeerID
			}
			s.dispatcher = detect.NewRemote(s.channel, target, cfg.Detection.Timeout, faults)
		}
	case RoleReceiver:
		if opts.Engine != nil {
			s.responder = detect.NewResponder(opts.Engine, 2)
		}
	default:
		return nil, fmt.Errorf("session: unknown role %d", opts.Role)
	}

	s.publishers = opts.Publishers
	if s.publishers == nil && cfg.Metrics.Publish {
		s.publishers = []metrics.Publisher{metrics.NewHTTPPublisher(cfg.Signaling.ServerURL)}
	}
	return s, nil
}

func (s *Session) websocketTransport() (signaling.Transport, error) {
	t, err := signaling.NewWebsocketTransport(s.cfg.Signaling.ServerURL, s.cfg.Signaling.Room, s.clientID)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Session) pollingTransport() (signaling.Transport, error) {
	return signaling.NewPollingTransport(s.cfg.Signaling.ServerURL, s.cfg.Signaling.Room, s.clientID,
		s.cfg.Signaling.PollInterval, s.cfg.Signaling.MaxPollFailures), nil
}

// OnResult registers fn to see every completed detection.
func (s *Session) OnResult(fn func(*model.DetectionResult)) {
	s.mu.Lock()
	s.onResult = fn
	s.mu.Unlock()
}

// Start connects signaling and launches the pipeline loops. It returns
// once a transport is up; use Wait to block until the session ends.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	group, gctx := errgroup.WithContext(runCtx)
	s.ctx, s.group = gctx, group
	s.unsubscribe = s.faults.Subscribe(func(e fault.Entry) {
		if !e.Terminal {
			return
		}
		select {
		case s.fatal <- e.Err:
		default:
		}
	})
	s.mu.Unlock()

	s.channel.OnMessage(s.handleMessage)
	s.channel.OnReady(s.machine.OnTransportReady)
	s.channel.OnStatus(func(st signaling.Status) {
		s.logger.Info("signaling status", zap.Stringer("status", st), zap.Stringer("transport", s.channel.Kind()))
	})
	s.machine.OnStateChange(func(st negotiation.State) {
		s.logger.Debug("negotiation state", zap.Stringer("state", st))
	})

	group.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-s.fatal:
			return err
		}
	})
	group.Go(func() error {
		return s.aggregator.Run(gctx, s.cfg.Metrics.ReportInterval, s.clientID, s.publishers...)
	})

	if err := s.channel.Connect(runCtx); err != nil {
		cancel()
		return fmt.Errorf("connect signaling: %w", err)
	}
	s.logger.Info("session started", zap.String("room", s.cfg.Signaling.Room), zap.Stringer("transport", s.channel.Kind()))

	if s.role == RoleSender {
		s.startSender(gctx)
	}
	return nil
}

func (s *Session) startSender(ctx context.Context) {
	var tracks []webrtc.TrackLocal
	if s.source != nil {
		tracks = s.source.Tracks()
	} else {
		s.logger.Warn("no capture source, offering without a local track")
	}
	if err := s.machine.LocalCaptureReady(tracks...); err != nil {
		s.logger.Warn("initial offer failed", zap.Error(err))
	}

	if s.source != nil {
		captureCtx, captureCancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.captureCancel = captureCancel
		s.mu.Unlock()
		s.group.Go(func() error {
			err := s.source.Run(captureCtx, func(f *model.Frame) { s.queue.Enqueue(f) })
			if err != nil && captureCtx.Err() == nil {
				s.faults.Record(fault.KindResourceAcquisition, fault.New(fault.KindResourceAcquisition, "capture", err))
			}
			return nil
		})
	}
	s.group.Go(func() error {
		return s.queue.Run(ctx, s.dispatcher.Process, s.deliver)
	})
}

func (s *Session) handleMessage(msg signaling.Message) {
	s.machine.HandleMessage(msg)
	if s.dispatcher != nil {
		s.dispatcher.HandleMessage(msg)
	}
	if s.responder != nil {
		s.responder.Go(s.ctx, msg, s.channel.Send)
	}
}

func (s *Session) deliver(res *model.DetectionResult) {
	s.aggregator.Record(res)
	s.mu.Lock()
	fn := s.onResult
	s.mu.Unlock()
	if fn != nil {
		fn(res)
	}
}

// onTrack reads incoming video for bandwidth figures and, if configured,
// records it.
func (s *Session) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if track.Kind() != webrtc.RTPCodecTypeVideo {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.group == nil || s.stopped {
		return
	}
	recordPath := ""
	if len(s.readers) == 0 {
		recordPath = s.cfg.Capture.RecordPath
	}
	reader, err := media.NewReader(track.Codec(), media.Options{
		RecordPath: recordPath,
		OnBytes:    s.aggregator.AddBytes,
	})
	if err != nil {
		s.logger.Warn("cannot read incoming track", zap.String("codec", track.Codec().MimeType), zap.Error(err))
		return
	}
	s.readers = append(s.readers, reader)
	ctx := s.ctx
	s.group.Go(func() error {
		if err := reader.Run(ctx, track); err != nil {
			s.logger.Warn("track reader stopped", zap.Error(err))
		}
		return nil
	})
}

// Wait blocks until the session ends and returns the error that ended
// it. Exhausting every signaling transport is the only failure.
func (s *Session) Wait() error {
	s.mu.Lock()
	group := s.group
	s.mu.Unlock()
	if group == nil {
		return nil
	}
	return group.Wait()
}

// Stop tears the session down. Every step runs even when an earlier one
// fails or panics; their errors are combined.
func (s *Session) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()

		var err error
		err = multierr.Append(err, s.step("halt capture", s.haltCapture))
		err = multierr.Append(err, s.step("clear queue", func() error {
			if n := s.queue.Clear(); n > 0 {
				s.logger.Debug("cleared queued frames", zap.Int("count", n))
			}
			return nil
		}))
		err = multierr.Append(err, s.step("cancel detections", func() error {
			if s.dispatcher != nil {
				if n := s.dispatcher.CancelAll(); n > 0 {
					s.logger.Debug("cancelled pending detections", zap.Int("count", n))
				}
			}
			return nil
		}))
		err = multierr.Append(err, s.step("close negotiation", s.machine.Close))
		err = multierr.Append(err, s.step("close signaling", s.channel.Close))
		err = multierr.Append(err, s.step("stop loops", s.stopLoops))
		err = multierr.Append(err, s.step("release engine", func() error {
			if s.engine == nil {
				return nil
			}
			return s.engine.Close()
		}))
		s.stopErr = err
		s.logger.Info("session stopped", zap.Error(err))
	})
	return s.stopErr
}

func (s *Session) step(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("teardown step panicked", zap.String("step", name), zap.Any("panic", r))
			err = fmt.Errorf("%s: panic: %v", name, r)
		}
	}()
	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (s *Session) haltCapture() error {
	s.mu.Lock()
	cancel := s.captureCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if s.source == nil {
		return nil
	}
	return s.source.Close()
}

func (s *Session) stopLoops() error {
	s.mu.Lock()
	cancel, group, unsubscribe := s.cancel, s.group, s.unsubscribe
	s.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel == nil {
		return nil
	}
	cancel()
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Session) ClientID() string        { return s.clientID }
func (s *Session) Role() Role               { return s.role }
func (s *Session) Faults() *fault.Log       { return s.faults }
func (s *Session) PeerID() string           { return s.machine.PeerID() }
func (s *Session) Queue() *framequeue.Queue { return s.queue }

// NegotiationState is the current state of the peer connection handshake.
func (s *Session) NegotiationState() negotiation.State { return s.machine.State() }

// TransportKind reports which signaling transport is active.
func (s *Session) TransportKind() signaling.TransportKind { return s.channel.Kind() }

func (s *Session) SignalingStatus() signaling.Status { return s.channel.Status() }

func (s *Session) Snapshot() metrics.Snapshot { return s.aggregator.Snapshot() }

// Report summarizes the session for publishing.
func (s *Session) Report() metrics.Report { return s.aggregator.Report(s.clientID) }

// TrackStats reports what the receiving side has read so far.
func (s *Session) TrackStats() []media.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]media.Stats, 0, len(s.readers))
	for _, r := range s.readers {
		out = append(out, r.Stats())
	}
	return out
}
