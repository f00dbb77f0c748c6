package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validator collects section errors so every problem is reported at once.
type Validator struct{ errors []string }

func (v *Validator) AddError(format string, args ...interface{}) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}
func (v *Validator) HasErrors() bool  { return len(v.errors) > 0 }
func (v *Validator) Errors() []string { return v.errors }

var structValidator = validator.New()

// ValidateConfig runs the tag rules and then the cross-field section checks.
func ValidateConfig(cfg *Config) error {
	v := &Validator{}

	if err := structValidator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				v.AddError("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
			}
		} else {
			v.AddError("%v", err)
		}
	}

	validateSignalingConfig(v, &cfg.Signaling)
	validateQueueConfig(v, &cfg.Queue)
	validateDetectionConfig(v, &cfg.Detection)
	validateRelayConfig(v, &cfg.Relay)
	validateMetricsStoreConfig(v, &cfg.MetricsStore)

	if v.HasErrors() {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(v.Errors(), "\n"))
	}
	return nil
}

func validateSignalingConfig(v *Validator, cfg *SignalingConfig) {
	if cfg.ServerURL != "" {
		u, err := url.Parse(cfg.ServerURL)
		if err == nil && u.Scheme != "http" && u.Scheme != "https" {
			v.AddError("signaling server_url must be http or https, got %q", u.Scheme)
		}
	}
	if cfg.ReconnectMin > cfg.ReconnectMax {
		v.AddError("signaling reconnect_min (%s) exceeds reconnect_max (%s)", cfg.ReconnectMin, cfg.ReconnectMax)
	}
}

func validateQueueConfig(v *Validator, cfg *QueueConfig) {
	if cfg.MinRate > cfg.MaxRate {
		v.AddError("queue min_rate %d exceeds max_rate %d", cfg.MinRate, cfg.MaxRate)
		return
	}
	if cfg.TargetRate < cfg.MinRate || cfg.TargetRate > cfg.MaxRate {
		v.AddError("queue target_rate %d outside [%d, %d]", cfg.TargetRate, cfg.MinRate, cfg.MaxRate)
	}
}

func validateDetectionConfig(v *Validator, cfg *DetectionConfig) {
	switch cfg.Engine {
	case "cvdnn":
		if strings.TrimSpace(cfg.ModelPath) == "" {
			v.AddError("detection engine cvdnn requires model_path")
		}
	case "rpc":
		if cfg.WorkerURL == "" {
			v.AddError("detection engine rpc requires worker_url")
		} else if u, err := url.Parse(cfg.WorkerURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			v.AddError("detection worker_url must be ws or wss: %s", cfg.WorkerURL)
		}
	}
}

func validateRelayConfig(v *Validator, cfg *RelayConfig) {
	if !cfg.Enabled {
		return
	}
	if cfg.PublicIP == "" || net.ParseIP(cfg.PublicIP) == nil {
		v.AddError("relay public_ip must be a valid IP when the relay is enabled")
	}
	if len(cfg.Username) < 3 {
		v.AddError("relay username must be at least 3 characters")
	}
	if len(cfg.Password) < 8 {
		v.AddError("relay password must be at least 8 characters")
	}
}

func validateMetricsStoreConfig(v *Validator, cfg *MetricsStoreConfig) {
	if !cfg.Enabled {
		return
	}
	if cfg.Host == "" || cfg.Database == "" || cfg.Username == "" {
		v.AddError("metrics_store host, database and username are required when enabled")
	}
	if cfg.MaxIdleConns > cfg.MaxConnections {
		v.AddError("metrics_store max_idle_conns %d exceeds max_connections %d", cfg.MaxIdleConns, cfg.MaxConnections)
	}
}

// DatabaseDSN returns the PostgreSQL connection string for the metrics store.
func DatabaseDSN(cfg *MetricsStoreConfig) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.Username, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		Path:     "/" + cfg.Database,
		RawQuery: "sslmode=" + cfg.SSLMode,
	}
	return u.String()
}
