// Package conf loads and validates the application configuration.
package conf

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// MainSettings holds application-wide settings
type MainSettings struct {
	Name string // instance name, used as the MQTT client id prefix
	Log  LogSettings
}

// LogSettings holds file logging settings
type LogSettings struct {
	Enabled bool
	Path    string
}

// DatastoreSettings selects and configures the backing database
type DatastoreSettings struct {
	Path string // sqlite database file path
}

// IngestSettings controls the ingestion endpoint behavior
type IngestSettings struct {
	SaveRetries  int           // bounded retry count for transient storage failures
	MaxAudioSize int64         // maximum accepted audio blob size in bytes
	CacheTTL     time.Duration // recorder credential cache TTL
}

// BrokerTarget is one external MQTT broker to publish transmissions to
type BrokerTarget struct {
	Enabled  bool
	Broker   string // e.g. tcp://host:1883
	Username string
	Password string
	Retain   bool
	Systems  []uint // system ids to publish; empty means all systems
	Agencies bool   // also publish per-agency topics
}

// RealtimeSettings controls the websocket hub
type RealtimeSettings struct {
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// ForwardSettings controls federation forwarding behavior
type ForwardSettings struct {
	Timeout    time.Duration // per-request timeout for peer calls
	MaxRetries int
}

// AlertSettings controls the alert engine
type AlertSettings struct {
	ExternalTimeout time.Duration // timeout for external notification delivery
}

// PruneSettings controls the retention pruner
type PruneSettings struct {
	Interval     time.Duration // how often the sweep runs under serve
	MaxDeletions int           // per-sweep deletion cap
}

// WebSettings controls the HTTP listener
type WebSettings struct {
	Address string
}

// Settings is the root configuration structure
type Settings struct {
	Debug     bool
	Main      MainSettings
	Web       WebSettings
	Datastore DatastoreSettings
	Ingest    IngestSettings
	Brokers   []BrokerTarget
	Realtime  RealtimeSettings
	Forward   ForwardSettings
	Alert     AlertSettings
	Prune     PruneSettings
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads the configuration file and environment variables into Settings.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settings := &Settings{}

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// Setting returns the current settings instance, or nil before Load.
func Setting() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// SetTestSettings installs a settings instance directly, for tests.
func SetTestSettings(s *Settings) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()
	settingsInstance = s
}

// initViper initializes viper with default values and reads the configuration file.
func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.config/trunkfeed")
	viper.AddConfigPath("/etc/trunkfeed")

	setDefaultConfig()

	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			// No config file, defaults apply
			return nil
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return nil
}

// ValidateSettings checks loaded settings for values the pipeline cannot run with.
func ValidateSettings(s *Settings) error {
	if s.Datastore.Path == "" {
		return fmt.Errorf("datastore.path must not be empty")
	}
	if s.Ingest.SaveRetries < 0 {
		return fmt.Errorf("ingest.saveretries must not be negative")
	}
	if s.Prune.Interval < time.Minute {
		return fmt.Errorf("prune.interval must be at least one minute")
	}
	for i := range s.Brokers {
		if s.Brokers[i].Enabled && s.Brokers[i].Broker == "" {
			return fmt.Errorf("brokers[%d].broker must not be empty when enabled", i)
		}
	}
	return nil
}
