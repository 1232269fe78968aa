package config

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var (
	configMutex   sync.RWMutex
	currentConfig *AppConfig
	validate      = validator.New()
)

type ServerConfig struct {
	Address string `mapstructure:"address" validate:"required"`
}

type SessionConfig struct {
	ID string `mapstructure:"id" validate:"required"`
}

const (
	DefaultOSRMURL   = "https://router.project-osrm.org"
	DefaultMapboxURL = "https://api.mapbox.com"
)

// DirectionsConfig points at an OSRM compatible routing service. Setting
// AccessToken switches to the Mapbox Directions API layout. An empty BaseURL
// resolves to the public host for whichever layout is in use.
type DirectionsConfig struct {
	BaseURL        string `mapstructure:"base_url" validate:"required,url"`
	Profile        string `mapstructure:"profile" validate:"required"`
	AccessToken    string `mapstructure:"access_token"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" validate:"gt=0"`
}

type TrackingConfig struct {
	ArrivalThresholdMeters float64 `mapstructure:"arrival_threshold_meters" validate:"gt=0"`
	Mode                   string  `mapstructure:"mode" validate:"oneof=tracking navigation"`
	ClearOnArrival         bool    `mapstructure:"clear_on_arrival"`
	Destination            string  `mapstructure:"destination"` // "lat,lon"
}

type PositionConfig struct {
	Source     string `mapstructure:"source" validate:"oneof=http gpx"`
	GPXFile    string `mapstructure:"gpx_file" validate:"required_if=Source gpx"`
	IntervalMs int    `mapstructure:"interval_ms" validate:"gt=0"`
}

type NavigationConfig struct {
	Simulate         bool   `mapstructure:"simulate"`
	IntervalMs       int    `mapstructure:"interval_ms" validate:"gt=0"`
	FeedTracker      bool   `mapstructure:"feed_tracker"`
	TelemetryAddress string `mapstructure:"telemetry_address" validate:"omitempty,hostname_port"`
	Imei             string `mapstructure:"imei" validate:"required_with=TelemetryAddress"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type PostgresConfig struct {
	URL string `mapstructure:"url"`
}

type StateConfig struct {
	Dir string `mapstructure:"dir" validate:"required"`
}

// AppConfig holds entire config
type AppConfig struct {
	Server     ServerConfig     `mapstructure:"server"`
	Session    SessionConfig    `mapstructure:"session"`
	Directions DirectionsConfig `mapstructure:"directions"`
	Tracking   TrackingConfig   `mapstructure:"tracking"`
	Position   PositionConfig   `mapstructure:"position"`
	Navigation NavigationConfig `mapstructure:"navigation"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	State      StateConfig      `mapstructure:"state"`
}

func (d DirectionsConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

func (p PositionConfig) Interval() time.Duration {
	return time.Duration(p.IntervalMs) * time.Millisecond
}

func (n NavigationConfig) Interval() time.Duration {
	return time.Duration(n.IntervalMs) * time.Millisecond
}

func setDefaults() {
	viper.SetDefault("server.address", ":8080")
	viper.SetDefault("session.id", "default")
	viper.SetDefault("directions.base_url", "")
	viper.SetDefault("directions.profile", "driving")
	viper.SetDefault("directions.access_token", "")
	viper.SetDefault("directions.timeout_seconds", 10)
	viper.SetDefault("tracking.arrival_threshold_meters", 100.0)
	viper.SetDefault("tracking.mode", "navigation")
	viper.SetDefault("tracking.clear_on_arrival", false)
	viper.SetDefault("tracking.destination", "")
	viper.SetDefault("position.source", "http")
	viper.SetDefault("position.gpx_file", "")
	viper.SetDefault("position.interval_ms", 1000)
	viper.SetDefault("navigation.simulate", true)
	viper.SetDefault("navigation.interval_ms", 1000)
	viper.SetDefault("navigation.feed_tracker", false)
	viper.SetDefault("navigation.telemetry_address", "")
	viper.SetDefault("navigation.imei", "")
	viper.SetDefault("redis.addr", "")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("postgres.url", "")
	viper.SetDefault("state.dir", "./state")
}

// LoadConfig initializes and loads the configuration
func LoadConfig(path string) (*AppConfig, error) {
	setDefaults()
	viper.SetConfigFile(path)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Explicitly set the config type if not using file extension
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg, err := decode()
	if err != nil {
		return nil, err
	}

	configMutex.Lock()
	currentConfig = cfg
	configMutex.Unlock()

	return cfg, nil
}

// Watch reloads the configuration whenever the file changes. Changes that
// fail validation are ignored and the previous configuration stays current.
func Watch() {
	viper.OnConfigChange(func(e fsnotify.Event) {
		newCfg, err := decode()
		if err != nil {
			log.Printf("Ignoring config change from %s: %v", e.Name, err)
			return
		}
		configMutex.Lock()
		currentConfig = newCfg
		configMutex.Unlock()
	})
	viper.WatchConfig()
}

func decode() (*AppConfig, error) {
	var cfg AppConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if cfg.Directions.BaseURL == "" {
		cfg.Directions.BaseURL = DefaultOSRMURL
		if cfg.Directions.AccessToken != "" {
			cfg.Directions.BaseURL = DefaultMapboxURL
		}
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// GetCurrentConfig returns the current configuration in a thread-safe way
func GetCurrentConfig() *AppConfig {
	configMutex.RLock()
	defer configMutex.RUnlock()
	return currentConfig
}
