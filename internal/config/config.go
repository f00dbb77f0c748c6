package config

import (
	"time"
)

// Config holds all application configuration
type Config struct {
	Log          LogConfig          `mapstructure:"log"`
	Signaling    SignalingConfig    `mapstructure:"signaling"`
	WebRTC       WebRTCConfig       `mapstructure:"webrtc"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Detection    DetectionConfig    `mapstructure:"detection"`
	Capture      CaptureConfig      `mapstructure:"capture"`
	Hub          HubConfig          `mapstructure:"hub"`
	Relay        RelayConfig        `mapstructure:"relay"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	MetricsStore MetricsStoreConfig `mapstructure:"metrics_store"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=console json"`
	// File enables a rotating log file in addition to stderr.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
}

type SignalingConfig struct {
	// ServerURL is the http(s) base of the signaling hub; the push
	// transport derives its ws(s) URL from it.
	ServerURL       string        `mapstructure:"server_url" validate:"required,url"`
	Room            string        `mapstructure:"room" validate:"required"`
	ClientID        string        `mapstructure:"client_id"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
	PollInterval    time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	MaxPollFailures int           `mapstructure:"max_poll_failures" validate:"gte=1"`
	MaxReconnects   int           `mapstructure:"max_reconnects" validate:"gte=0"`
	ReconnectMin    time.Duration `mapstructure:"reconnect_min" validate:"gt=0"`
	ReconnectMax    time.Duration `mapstructure:"reconnect_max" validate:"gt=0"`
	PendingLimit    int           `mapstructure:"pending_limit" validate:"gte=1"`
}

type ICEServerConfig struct {
	URLs       []string `mapstructure:"urls" validate:"min=1"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type WebRTCConfig struct {
	ICEServers []ICEServerConfig `mapstructure:"ice_servers" validate:"dive"`
	// Codec for the outgoing camera track: vp8 or vp9.
	Codec string `mapstructure:"codec" validate:"oneof=vp8 vp9"`
}

type QueueConfig struct {
	MaxSize    int  `mapstructure:"max_size" validate:"gte=1"`
	TargetRate int  `mapstructure:"target_rate" validate:"gte=1"`
	MinRate    int  `mapstructure:"min_rate" validate:"gte=1"`
	MaxRate    int  `mapstructure:"max_rate" validate:"gte=1"`
	AutoRate   bool `mapstructure:"auto_rate"`
}

type DetectionConfig struct {
	// Mode is where inference runs relative to the receiver.
	Mode   string `mapstructure:"mode" validate:"oneof=local remote"`
	Engine string `mapstructure:"engine" validate:"oneof=mock cvdnn rpc"`
	// Timeout bounds a remote detection round trip.
	Timeout             time.Duration `mapstructure:"timeout" validate:"gt=0"`
	ModelPath           string        `mapstructure:"model_path"`
	ModelConfigPath     string        `mapstructure:"model_config_path"`
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold" validate:"gte=0,lte=1"`
	InputSize           int           `mapstructure:"input_size" validate:"gte=32"`
	WorkerURL           string        `mapstructure:"worker_url"`
	// RemoteTarget addresses remote detection frames to the negotiated
	// peer or to the hub.
	RemoteTarget string `mapstructure:"remote_target" validate:"oneof=peer hub"`
}

type CaptureConfig struct {
	Source      string `mapstructure:"source" validate:"oneof=camera synthetic none"`
	Width       int    `mapstructure:"width" validate:"gt=0"`
	Height      int    `mapstructure:"height" validate:"gt=0"`
	FrameRate   int    `mapstructure:"frame_rate" validate:"gt=0,lte=120"`
	BitRate     int    `mapstructure:"bit_rate" validate:"gt=0"`
	JPEGQuality int    `mapstructure:"jpeg_quality" validate:"gte=1,lte=100"`
	DeviceID    string `mapstructure:"device_id"`
	// RecordPath, when set on a receiver, writes the incoming track to an
	// IVF file.
	RecordPath string `mapstructure:"record_path"`
}

type HubConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr" validate:"required,hostname_port"`
	MailboxSize    int           `mapstructure:"mailbox_size" validate:"gte=1"`
	RateLimit      float64       `mapstructure:"rate_limit" validate:"gt=0"`
	RateBurst      int           `mapstructure:"rate_burst" validate:"gte=1"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
}

type RelayConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	PublicIP string `mapstructure:"public_ip"`
	Port     int    `mapstructure:"port" validate:"gte=1,lte=65535"`
	Realm    string `mapstructure:"realm"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Threads  int    `mapstructure:"threads" validate:"gte=1"`
}

type MetricsConfig struct {
	WindowSize int `mapstructure:"window_size" validate:"gte=1"`
	// ReportInterval is how often a benchmark report is published; 0 disables.
	ReportInterval time.Duration `mapstructure:"report_interval" validate:"gte=0"`
	// Publish posts reports to the hub's /api/metrics endpoint.
	Publish bool `mapstructure:"publish"`
}

type MetricsStoreConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"gte=1,lte=65535"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode" validate:"oneof=disable require verify-ca verify-full"`
	MaxConnections  int           `mapstructure:"max_connections" validate:"gte=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnectRetries  uint64        `mapstructure:"connect_retries"`
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		Signaling: SignalingConfig{
			ServerURL:       "http://localhost:8000",
			Room:            "default",
			ConnectTimeout:  3 * time.Second,
			PollInterval:    time.Second,
			MaxPollFailures: 5,
			MaxReconnects:   5,
			ReconnectMin:    500 * time.Millisecond,
			ReconnectMax:    10 * time.Second,
			PendingLimit:    256,
		},
		WebRTC: WebRTCConfig{
			ICEServers: []ICEServerConfig{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
			Codec: "vp8",
		},
		Queue: QueueConfig{
			MaxSize:    5,
			TargetRate: 15,
			MinRate:    5,
			MaxRate:    30,
			AutoRate:   true,
		},
		Detection: DetectionConfig{
			Mode:                "local",
			Engine:              "mock",
			Timeout:             5 * time.Second,
			ModelPath:           "models/ssd_mobilenet_v1.onnx",
			ConfidenceThreshold: 0.5,
			InputSize:           300,
			RemoteTarget:        "peer",
		},
		Capture: CaptureConfig{
			Source:      "camera",
			Width:       640,
			Height:      480,
			FrameRate:   15,
			BitRate:     500_000,
			JPEGQuality: 80,
		},
		Hub: HubConfig{
			ListenAddr:   "0.0.0.0:8000",
			MailboxSize:  512,
			RateLimit:    20,
			RateBurst:    40,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Relay: RelayConfig{
			Port:    3478,
			Realm:   "rtcdetect",
			Threads: 1,
		},
		Metrics: MetricsConfig{
			WindowSize:     100,
			ReportInterval: 10 * time.Second,
			Publish:        true,
		},
		MetricsStore: MetricsStoreConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "rtcdetect",
			Username:        "rtcdetect",
			SSLMode:         "disable",
			MaxConnections:  5,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectRetries:  5,
		},
	}
}
