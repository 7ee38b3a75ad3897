package config

import (
	"fmt"
	"time"
)

// Config represents the global configuration
type Config struct {
	Hub       HubConfig       `mapstructure:"hub"`
	Server    ServerConfig    `mapstructure:"server"`
	Relay     RelayConfig     `mapstructure:"relay"`
	EventLog  EventLogConfig  `mapstructure:"eventlog"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Lock      LockConfig      `mapstructure:"lock"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Security  SecurityConfig  `mapstructure:"security"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// HubConfig identifies the store this hub serves
type HubConfig struct {
	TenantID string `mapstructure:"tenant_id"`
	StoreID  string `mapstructure:"store_id"`
}

// ServerConfig represents the hub HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"` // debug, release, test
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// RelayConfig represents the hub relay (device session) listener
type RelayConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
}

// EventLogConfig selects the hub event log backend
type EventLogConfig struct {
	Driver string `mapstructure:"driver"` // memory, mysql
}

// DatabaseConfig represents database configuration, used when
// eventlog.driver is mysql
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	Charset         string        `mapstructure:"charset"`
	ParseTime       bool          `mapstructure:"parse_time"`
	Loc             string        `mapstructure:"loc"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// RedisConfig represents Redis configuration, used when lock.driver is redis
type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LockConfig represents the order lock table configuration
type LockConfig struct {
	Driver        string        `mapstructure:"driver"` // memory, redis
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// SyncConfig represents the device sync engine configuration
type SyncConfig struct {
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	DedupTTL       time.Duration `mapstructure:"dedup_ttl"`
}

// DiscoveryConfig represents LAN hub discovery configuration
type DiscoveryConfig struct {
	Ports           []int         `mapstructure:"ports"`
	ExtraHosts      []string      `mapstructure:"extra_hosts"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout"`
	MaxCandidates   int           `mapstructure:"max_candidates"`
	Workers         int           `mapstructure:"workers"`
	ProbesPerSecond float64       `mapstructure:"probes_per_second"`
}

// StorageConfig represents the device-local durable store
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// SecurityConfig represents session-token security configuration
type SecurityConfig struct {
	AuthEnabled bool `mapstructure:"auth_enabled"`
	JWT         struct {
		Secret string        `mapstructure:"secret"`
		Expire time.Duration `mapstructure:"expire"`
		Issuer string        `mapstructure:"issuer"`
	} `mapstructure:"jwt"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig represents metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// TracingConfig represents tracing configuration
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

// GetAddr returns the HTTP server address
func (s *ServerConfig) GetAddr() string {
	if s.Host == "" {
		s.Host = "0.0.0.0"
	}
	if s.Port == 0 {
		s.Port = 8080
	}
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GetAddr returns the relay listener address
func (r *RelayConfig) GetAddr() string {
	if r.Host == "" {
		r.Host = "0.0.0.0"
	}
	if r.Port == 0 {
		r.Port = 7070
	}
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// GetDSN returns the database DSN
func (d *DatabaseConfig) GetDSN() string {
	if d.Charset == "" {
		d.Charset = "utf8mb4"
	}
	if d.Loc == "" {
		d.Loc = "Local"
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=%t&loc=%s",
		d.Username, d.Password, d.Host, d.Port, d.DBName, d.Charset, d.ParseTime, d.Loc)
}

// GetAddr returns the Redis address
func (r *RedisConfig) GetAddr() string {
	if r.Host == "" {
		r.Host = "localhost"
	}
	if r.Port == 0 {
		r.Port = 6379
	}
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Relay.Port <= 0 || c.Relay.Port > 65535 {
		return fmt.Errorf("invalid relay port: %d", c.Relay.Port)
	}

	switch c.EventLog.Driver {
	case "memory":
	case "mysql":
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required for the mysql event log")
		}
		if c.Database.Username == "" {
			return fmt.Errorf("database username is required for the mysql event log")
		}
		if c.Database.DBName == "" {
			return fmt.Errorf("database name is required for the mysql event log")
		}
	default:
		return fmt.Errorf("unknown eventlog driver: %s", c.EventLog.Driver)
	}

	switch c.Lock.Driver {
	case "memory":
	case "redis":
		if c.Redis.Host == "" {
			return fmt.Errorf("redis host is required for the redis lock store")
		}
	default:
		return fmt.Errorf("unknown lock driver: %s", c.Lock.Driver)
	}

	if c.Lock.SweepInterval >= c.Lock.TTL {
		return fmt.Errorf("lock sweep interval %s must be below the TTL %s",
			c.Lock.SweepInterval, c.Lock.TTL)
	}

	if c.Security.AuthEnabled && c.Security.JWT.Secret == "" {
		return fmt.Errorf("JWT secret is required when auth is enabled")
	}

	return nil
}

// SetDefaults sets default values for configuration
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Mode == "" {
		c.Server.Mode = "release"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}

	if c.Relay.Host == "" {
		c.Relay.Host = "0.0.0.0"
	}
	if c.Relay.Port == 0 {
		c.Relay.Port = 7070
	}
	if c.Relay.HandshakeTimeout == 0 {
		c.Relay.HandshakeTimeout = 10 * time.Second
	}

	if c.EventLog.Driver == "" {
		c.EventLog.Driver = "memory"
	}

	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.Charset == "" {
		c.Database.Charset = "utf8mb4"
	}
	if c.Database.Loc == "" {
		c.Database.Loc = "Local"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 50
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 10
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = time.Hour
	}
	if c.Database.LogLevel == "" {
		c.Database.LogLevel = "warn"
	}

	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 50
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 5
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}

	if c.Lock.Driver == "" {
		c.Lock.Driver = "memory"
	}
	if c.Lock.TTL == 0 {
		c.Lock.TTL = 5 * time.Minute
	}
	if c.Lock.SweepInterval == 0 {
		c.Lock.SweepInterval = 30 * time.Second
	}

	if c.Sync.BackoffBase == 0 {
		c.Sync.BackoffBase = time.Second
	}
	if c.Sync.BackoffMax == 0 {
		c.Sync.BackoffMax = 30 * time.Second
	}
	if c.Sync.RequestTimeout == 0 {
		c.Sync.RequestTimeout = 10 * time.Second
	}
	if c.Sync.DedupTTL == 0 {
		c.Sync.DedupTTL = 10 * time.Minute
	}

	if len(c.Discovery.Ports) == 0 {
		c.Discovery.Ports = []int{8080, 8081, 8090}
	}
	if c.Discovery.ProbeTimeout == 0 {
		c.Discovery.ProbeTimeout = 2 * time.Second
	}
	if c.Discovery.MaxCandidates == 0 {
		c.Discovery.MaxCandidates = 64
	}
	if c.Discovery.Workers == 0 {
		c.Discovery.Workers = 8
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "data/device.db"
	}

	if c.Security.JWT.Expire == 0 {
		c.Security.JWT.Expire = 12 * time.Hour
	}
	if c.Security.JWT.Issuer == "" {
		c.Security.JWT.Issuer = "pos-sync-hub"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "pos-sync-hub"
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = 0.1
	}
}
