package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. RTCDETECT_QUEUE_MAX_SIZE.
const EnvPrefix = "RTCDETECT"

// Load layers defaults, an optional config file and environment overrides,
// then validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, NewDefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it during Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)

	v.SetDefault("signaling.server_url", d.Signaling.ServerURL)
	v.SetDefault("signaling.room", d.Signaling.Room)
	v.SetDefault("signaling.client_id", d.Signaling.ClientID)
	v.SetDefault("signaling.connect_timeout", d.Signaling.ConnectTimeout)
	v.SetDefault("signaling.poll_interval", d.Signaling.PollInterval)
	v.SetDefault("signaling.max_poll_failures", d.Signaling.MaxPollFailures)
	v.SetDefault("signaling.max_reconnects", d.Signaling.MaxReconnects)
	v.SetDefault("signaling.reconnect_min", d.Signaling.ReconnectMin)
	v.SetDefault("signaling.reconnect_max", d.Signaling.ReconnectMax)
	v.SetDefault("signaling.pending_limit", d.Signaling.PendingLimit)

	ice := make([]map[string]interface{}, 0, len(d.WebRTC.ICEServers))
	for _, s := range d.WebRTC.ICEServers {
		ice = append(ice, map[string]interface{}{
			"urls":       s.URLs,
			"username":   s.Username,
			"credential": s.Credential,
		})
	}
	v.SetDefault("webrtc.ice_servers", ice)
	v.SetDefault("webrtc.codec", d.WebRTC.Codec)

	v.SetDefault("queue.max_size", d.Queue.MaxSize)
	v.SetDefault("queue.target_rate", d.Queue.TargetRate)
	v.SetDefault("queue.min_rate", d.Queue.MinRate)
	v.SetDefault("queue.max_rate", d.Queue.MaxRate)
	v.SetDefault("queue.auto_rate", d.Queue.AutoRate)

	v.SetDefault("detection.mode", d.Detection.Mode)
	v.SetDefault("detection.engine", d.Detection.Engine)
	v.SetDefault("detection.timeout", d.Detection.Timeout)
	v.SetDefault("detection.model_path", d.Detection.ModelPath)
	v.SetDefault("detection.model_config_path", d.Detection.ModelConfigPath)
	v.SetDefault("detection.confidence_threshold", d.Detection.ConfidenceThreshold)
	v.SetDefault("detection.input_size", d.Detection.InputSize)
	v.SetDefault("detection.worker_url", d.Detection.WorkerURL)
	v.SetDefault("detection.remote_target", d.Detection.RemoteTarget)

	v.SetDefault("capture.source", d.Capture.Source)
	v.SetDefault("capture.width", d.Capture.Width)
	v.SetDefault("capture.height", d.Capture.Height)
	v.SetDefault("capture.frame_rate", d.Capture.FrameRate)
	v.SetDefault("capture.bit_rate", d.Capture.BitRate)
	v.SetDefault("capture.jpeg_quality", d.Capture.JPEGQuality)
	v.SetDefault("capture.device_id", d.Capture.DeviceID)
	v.SetDefault("capture.record_path", d.Capture.RecordPath)

	v.SetDefault("hub.listen_addr", d.Hub.ListenAddr)
	v.SetDefault("hub.mailbox_size", d.Hub.MailboxSize)
	v.SetDefault("hub.rate_limit", d.Hub.RateLimit)
	v.SetDefault("hub.rate_burst", d.Hub.RateBurst)
	v.SetDefault("hub.allowed_origins", d.Hub.AllowedOrigins)
	v.SetDefault("hub.read_timeout", d.Hub.ReadTimeout)
	v.SetDefault("hub.write_timeout", d.Hub.WriteTimeout)

	v.SetDefault("relay.enabled", d.Relay.Enabled)
	v.SetDefault("relay.public_ip", d.Relay.PublicIP)
	v.SetDefault("relay.port", d.Relay.Port)
	v.SetDefault("relay.realm", d.Relay.Realm)
	v.SetDefault("relay.username", d.Relay.Username)
	v.SetDefault("relay.password", d.Relay.Password)
	v.SetDefault("relay.threads", d.Relay.Threads)

	v.SetDefault("metrics.window_size", d.Metrics.WindowSize)
	v.SetDefault("metrics.report_interval", d.Metrics.ReportInterval)
	v.SetDefault("metrics.publish", d.Metrics.Publish)

	v.SetDefault("metrics_store.enabled", d.MetricsStore.Enabled)
	v.SetDefault("metrics_store.host", d.MetricsStore.Host)
	v.SetDefault("metrics_store.port", d.MetricsStore.Port)
	v.SetDefault("metrics_store.database", d.MetricsStore.Database)
	v.SetDefault("metrics_store.username", d.MetricsStore.Username)
	v.SetDefault("metrics_store.password", d.MetricsStore.Password)
	v.SetDefault("metrics_store.ssl_mode", d.MetricsStore.SSLMode)
	v.SetDefault("metrics_store.max_connections", d.MetricsStore.MaxConnections)
	v.SetDefault("metrics_store.max_idle_conns", d.MetricsStore.MaxIdleConns)
	v.SetDefault("metrics_store.conn_max_lifetime", d.MetricsStore.ConnMaxLifetime)
	v.SetDefault("metrics_store.connect_retries", d.MetricsStore.ConnectRetries)
}
