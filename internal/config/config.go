package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	GeoDB    GeoDBConfig    `mapstructure:"geodb"`
	PublicIP PublicIPConfig `mapstructure:"publicip"`
	Emulator EmulatorConfig `mapstructure:"emulator"`
	Settings SettingsConfig `mapstructure:"settings"`
	Tiles    TilesConfig    `mapstructure:"tiles"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

type ServerConfig struct {
	Host    string `mapstructure:"host"`
	Port    string `mapstructure:"port"`
	AuthKey string `mapstructure:"auth_key"` // Bearer token, empty = no auth
}

// StoreConfig selects the durable cache for downloaded geo databases.
type StoreConfig struct {
	Type          string        `mapstructure:"type"` // sqlite | mysql
	DSN           string        `mapstructure:"dsn"`
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type GeoDBConfig struct {
	MirrorURL       string        `mapstructure:"mirror_url"`
	Variant         string        `mapstructure:"variant"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
	// DetectHosting also loads the ASN edition to flag cloud and VPN addresses.
	DetectHosting bool `mapstructure:"detect_hosting"`
}

type PublicIPConfig struct {
	IPv4EchoURL string        `mapstructure:"ipv4_echo_url"`
	IPv6EchoURL string        `mapstructure:"ipv6_echo_url"`
	STUNServer  string        `mapstructure:"stun_server"`
	Timeout     time.Duration `mapstructure:"timeout"`
	// Strategies orders the discovery chain; unknown names are ignored.
	Strategies []string `mapstructure:"strategies"`
	RateLimit  int      `mapstructure:"rate_limit"` // runs per strategy per minute, 0 = unlimited
}

type EmulatorConfig struct {
	TickPeriod         time.Duration `mapstructure:"tick_period"`
	AcquisitionLatency time.Duration `mapstructure:"acquisition_latency"`
	HardwareTimeout    time.Duration `mapstructure:"hardware_timeout"`
}

// SettingsConfig points at the persisted host configuration file.
type SettingsConfig struct {
	Path string `mapstructure:"path"`
}

type TilesConfig struct {
	Servers []string      `mapstructure:"servers"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LoggerConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"` // console | json
	AddSource   bool   `mapstructure:"add_source"`
	LogFile     string `mapstructure:"log_file"`
	MaxSize     int    `mapstructure:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAge      int    `mapstructure:"max_age"`
	Compress    bool   `mapstructure:"compress"`
}

// SetDefaults registers every key so the binary runs without a config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.auth_key", "")

	v.SetDefault("store.type", "sqlite")
	v.SetDefault("store.dsn", "data/geolite.db")
	v.SetDefault("store.ttl", 24*time.Hour)
	v.SetDefault("store.sweep_interval", time.Hour)

	v.SetDefault("geodb.mirror_url", "https://raw.githubusercontent.com/GitSquared/node-geolite2-redist/refs/heads/master/redist/")
	v.SetDefault("geodb.variant", "City")
	v.SetDefault("geodb.download_timeout", 15*time.Second)
	v.SetDefault("geodb.detect_hosting", true)

	v.SetDefault("publicip.ipv4_echo_url", "https://api4.ipify.org")
	v.SetDefault("publicip.ipv6_echo_url", "https://api6.ipify.org")
	v.SetDefault("publicip.stun_server", "stun.l.google.com:19302")
	v.SetDefault("publicip.timeout", 2*time.Second)
	v.SetDefault("publicip.strategies", []string{"http-echo", "stun"})
	v.SetDefault("publicip.rate_limit", 30)

	v.SetDefault("emulator.tick_period", time.Second)
	v.SetDefault("emulator.acquisition_latency", 100*time.Millisecond)
	v.SetDefault("emulator.hardware_timeout", 10*time.Second)

	v.SetDefault("settings.path", "data/settings.json")

	v.SetDefault("tiles.servers", []string{
		"https://protomaps.typeling1578.dev/pmtiles/download.php",
		"https://archive.org/download/protomaps-basemap-full-planet-file/20260104.pmtiles",
	})
	v.SetDefault("tiles.timeout", 2*time.Second)

	v.SetDefault("logger.service_name", "fakegeo")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 28)
}

// BindEnv wires FAKEGEO_* environment variables, e.g. FAKEGEO_STORE_TYPE.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix("FAKEGEO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Short names accepted for container deployments.
	_ = v.BindEnv("server.auth_key", "FAKEGEO_SERVER_AUTH_KEY", "AUTH_KEY")
	_ = v.BindEnv("server.port", "FAKEGEO_SERVER_PORT", "PORT")
}

// Load builds a Config from an already prepared viper instance.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the components cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Type {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("invalid store.type %q: want sqlite or mysql", c.Store.Type)
	}
	if c.Store.TTL <= 0 {
		return fmt.Errorf("store.ttl must be positive")
	}
	if c.Emulator.TickPeriod <= 0 {
		return fmt.Errorf("emulator.tick_period must be positive")
	}
	if c.GeoDB.MirrorURL == "" {
		return fmt.Errorf("geodb.mirror_url is required")
	}
	if c.PublicIP.Timeout <= 0 {
		return fmt.Errorf("publicip.timeout must be positive")
	}
	if c.PublicIP.RateLimit < 0 {
		return fmt.Errorf("publicip.rate_limit must not be negative")
	}
	return nil
}
