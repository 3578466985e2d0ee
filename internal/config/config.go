// Package config 网关与会话客户端的统一配置：默认值、liveavatar.yaml、LIVEAVATAR_ 环境变量与命令行参数
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"LiveAvatarGateway/internal/database"
	"LiveAvatarGateway/internal/events"
	"LiveAvatarGateway/internal/gatewayclient"
	"LiveAvatarGateway/internal/httpserver"
	"LiveAvatarGateway/internal/liveavatar"
	"LiveAvatarGateway/internal/logger"
	"LiveAvatarGateway/internal/retry"
	"LiveAvatarGateway/internal/session"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "LIVEAVATAR"

// SessionConfig 会话客户端（chat命令）配置
type SessionConfig struct {
	GatewayURL        string        `mapstructure:"gateway_url" yaml:"gateway_url"`
	AvatarURL         string        `mapstructure:"avatar_url" yaml:"avatar_url"`
	Language          string        `mapstructure:"language" yaml:"language"`
	AvatarID          string        `mapstructure:"avatar_id" yaml:"avatar_id"`
	VoiceID           string        `mapstructure:"voice_id" yaml:"voice_id"`
	ContextID         string        `mapstructure:"context_id" yaml:"context_id"`
	SinkID            string        `mapstructure:"sink_id" yaml:"sink_id"`
	ResponseTimeout   time.Duration `mapstructure:"response_timeout" yaml:"response_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	StopTimeout       time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
	MaxRetries        int           `mapstructure:"max_retries" yaml:"max_retries"`
	InitialDelay      time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	BatchSize         int           `mapstructure:"batch_size" yaml:"batch_size"`
	FlushInterval     time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
}

// ControllerConfig 转换为会话控制器配置
func (s SessionConfig) ControllerConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.Defaults = session.StartOptions{
		Language:  s.Language,
		AvatarID:  s.AvatarID,
		VoiceID:   s.VoiceID,
		ContextID: s.ContextID,
	}
	if s.SinkID != "" {
		cfg.SinkID = s.SinkID
	}
	cfg.Retry = retry.Policy{MaxRetries: s.MaxRetries, InitialDelay: s.InitialDelay}
	cfg.ResponseTimeout = s.ResponseTimeout
	cfg.HeartbeatInterval = s.HeartbeatInterval
	cfg.StopTimeout = s.StopTimeout
	return cfg
}

// ForwarderConfig 转换为转写上报配置
func (s SessionConfig) ForwarderConfig() gatewayclient.ForwarderConfig {
	cfg := gatewayclient.DefaultForwarderConfig()
	cfg.BatchSize = s.BatchSize
	cfg.FlushInterval = s.FlushInterval
	cfg.Retry = retry.Policy{MaxRetries: s.MaxRetries, InitialDelay: s.InitialDelay}
	return cfg
}

// Config 全部配置
type Config struct {
	Logger     logger.Config     `mapstructure:"logger" yaml:"logger"`
	Server     httpserver.Config `mapstructure:"server" yaml:"server"`
	Storage    database.Config   `mapstructure:"storage" yaml:"storage"`
	LiveAvatar liveavatar.Config `mapstructure:"liveavatar" yaml:"liveavatar"`
	Session    SessionConfig     `mapstructure:"session" yaml:"session"`
	Kafka      events.Config     `mapstructure:"kafka" yaml:"kafka"`
}

// setDefaults 所有键都需要默认值，AutomaticEnv 才能在 Unmarshal 时生效
func setDefaults(v *viper.Viper) {
	lg := logger.DefaultConfig()
	v.SetDefault("logger.level", lg.Level)
	v.SetDefault("logger.format", lg.Format)
	v.SetDefault("logger.time_format", lg.TimeFormat)

	srv := httpserver.DefaultConfig()
	v.SetDefault("server.addr", srv.Addr)
	v.SetDefault("server.grpc_addr", srv.GRPCAddr)
	v.SetDefault("server.allowed_origins", srv.AllowedOrigins)
	v.SetDefault("server.read_timeout", srv.ReadTimeout)
	v.SetDefault("server.write_timeout", srv.WriteTimeout)
	v.SetDefault("server.idle_timeout", srv.IdleTimeout)

	st := database.DefaultConfig()
	v.SetDefault("storage.driver", st.Driver)
	v.SetDefault("storage.sqlite_path", st.SQLitePath)
	v.SetDefault("storage.postgres.dsn", st.Postgres.DSN)
	v.SetDefault("storage.postgres.host", st.Postgres.Host)
	v.SetDefault("storage.postgres.port", st.Postgres.Port)
	v.SetDefault("storage.postgres.user", st.Postgres.User)
	v.SetDefault("storage.postgres.password", st.Postgres.Password)
	v.SetDefault("storage.postgres.dbname", st.Postgres.DBName)
	v.SetDefault("storage.postgres.sslmode", st.Postgres.SSLMode)
	v.SetDefault("storage.postgres.max_conns", st.Postgres.MaxConns)
	v.SetDefault("storage.postgres.min_conns", st.Postgres.MinConns)

	la := liveavatar.DefaultConfig()
	v.SetDefault("liveavatar.base_url", la.BaseURL)
	v.SetDefault("liveavatar.api_key", "")
	v.SetDefault("liveavatar.timeout", la.Timeout)
	v.SetDefault("liveavatar.mode", la.Mode)
	v.SetDefault("liveavatar.avatar_id", la.DefaultAvatarID)
	v.SetDefault("liveavatar.voice_id", la.DefaultVoiceID)
	v.SetDefault("liveavatar.context_id", la.DefaultContextID)
	v.SetDefault("liveavatar.language", la.DefaultLanguage)

	sc := session.DefaultConfig()
	fw := gatewayclient.DefaultForwarderConfig()
	v.SetDefault("session.gateway_url", "http://localhost:8080")
	v.SetDefault("session.avatar_url", "ws://localhost:8081/ws")
	v.SetDefault("session.language", sc.Defaults.Language)
	v.SetDefault("session.avatar_id", "")
	v.SetDefault("session.voice_id", "")
	v.SetDefault("session.context_id", "")
	v.SetDefault("session.sink_id", sc.SinkID)
	v.SetDefault("session.response_timeout", sc.ResponseTimeout)
	v.SetDefault("session.heartbeat_interval", sc.HeartbeatInterval)
	v.SetDefault("session.stop_timeout", sc.StopTimeout)
	v.SetDefault("session.max_retries", sc.Retry.MaxRetries)
	v.SetDefault("session.initial_delay", sc.Retry.InitialDelay)
	v.SetDefault("session.batch_size", fw.BatchSize)
	v.SetDefault("session.flush_interval", fw.FlushInterval)

	kc := events.DefaultConfig()
	v.SetDefault("kafka.enabled", kc.Enabled)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", kc.Topic)
	v.SetDefault("kafka.principal", kc.Principal)
	v.SetDefault("kafka.write_timeout", kc.WriteTimeout)
}

// newViper 创建带默认值与环境变量绑定的viper实例
func newViper(path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("liveavatar")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// 密钥沿用部署环境中的原有变量名
	_ = v.BindEnv("liveavatar.api_key", "LIVEAVATAR_API_KEY", "LIVEAVATAR_LIVEAVATAR_API_KEY")

	setDefaults(v)
	return v
}

// readFile 读取配置文件；未显式指定路径且找不到文件时只用默认值
func readFile(v *viper.Viper, explicit bool) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && !explicit {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Load 一次性加载配置，path为空时查找 ./liveavatar.yaml
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := readFile(v, path != ""); err != nil {
		return nil, err
	}
	return decode(v)
}

// Validate 检查配置
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case database.DriverNone, database.DriverMemory, database.DriverPostgres, database.DriverSQLite:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == database.DriverSQLite && c.Storage.SQLitePath == "" {
		return errors.New("storage.sqlite_path is required for the sqlite driver")
	}
	if c.Server.Addr == "" {
		return errors.New("server.addr must not be empty")
	}
	if c.Session.ResponseTimeout <= 0 || c.Session.HeartbeatInterval <= 0 {
		return errors.New("session timeouts must be positive")
	}
	if c.Session.MaxRetries < 0 {
		return errors.New("session.max_retries must not be negative")
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return errors.New("kafka.brokers and kafka.topic are required when kafka is enabled")
	}
	return nil
}

// YAML 渲染生效配置，密钥字段不输出
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
