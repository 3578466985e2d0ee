package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"LiveAvatarGateway/internal/logger"
)

// flagKeys 命令行参数名到配置键的映射
var flagKeys = map[string]string{
	"log-level":      "logger.level",
	"log-format":     "logger.format",
	"addr":           "server.addr",
	"grpc-addr":      "server.grpc_addr",
	"storage-driver": "storage.driver",
	"sqlite-path":    "storage.sqlite_path",
	"postgres-dsn":   "storage.postgres.dsn",
	"gateway-url":    "session.gateway_url",
	"avatar-url":     "session.avatar_url",
	"language":       "session.language",
	"kafka-brokers":  "kafka.brokers",
}

// ConfigManager 统一配置管理器
type ConfigManager struct {
	mu           sync.RWMutex
	config       *Config
	v            *viper.Viper
	configPath   string
	flags        *pflag.FlagSet
	watchEnabled bool
	onChange     []func(*Config)
}

// ConfigManagerOption 配置管理器选项
type ConfigManagerOption func(*ConfigManager)

// WithConfigPath 设置配置文件路径
func WithConfigPath(path string) ConfigManagerOption {
	return func(cm *ConfigManager) {
		cm.configPath = path
	}
}

// WithFlags 绑定命令行参数，已设置的参数优先于文件和环境变量
func WithFlags(fs *pflag.FlagSet) ConfigManagerOption {
	return func(cm *ConfigManager) {
		cm.flags = fs
	}
}

// WithWatchEnabled 启用配置文件监控
func WithWatchEnabled(enabled bool) ConfigManagerOption {
	return func(cm *ConfigManager) {
		cm.watchEnabled = enabled
	}
}

// WithOnChange 配置文件变化并重新加载成功后回调
func WithOnChange(fn func(*Config)) ConfigManagerOption {
	return func(cm *ConfigManager) {
		cm.onChange = append(cm.onChange, fn)
	}
}

// NewConfigManager 创建配置管理器
func NewConfigManager(opts ...ConfigManagerOption) *ConfigManager {
	cm := &ConfigManager{}
	for _, opt := range opts {
		opt(cm)
	}
	return cm
}

// Load 加载配置，已加载时直接返回
func (cm *ConfigManager) Load() (*Config, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.config != nil {
		return cm.config, nil
	}

	v := newViper(cm.configPath)
	if cm.flags != nil {
		for name, key := range flagKeys {
			if f := cm.flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}
	if err := readFile(v, cm.configPath != ""); err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	cm.config = cfg
	cm.v = v

	if cm.watchEnabled && v.ConfigFileUsed() != "" {
		cm.watch()
	}
	return cfg, nil
}

// Get 当前配置，未加载时返回nil
func (cm *ConfigManager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// ConfigFileUsed 实际读取的配置文件，未使用文件时为空
func (cm *ConfigManager) ConfigFileUsed() string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if cm.v == nil {
		return ""
	}
	return cm.v.ConfigFileUsed()
}

// Reload 重新读取配置文件；校验失败时保留旧配置
func (cm *ConfigManager) Reload() error {
	cm.mu.Lock()
	if cm.v == nil {
		cm.mu.Unlock()
		return fmt.Errorf("config not loaded")
	}
	if err := readFile(cm.v, true); err != nil {
		cm.mu.Unlock()
		return err
	}
	cfg, err := decode(cm.v)
	if err != nil {
		cm.mu.Unlock()
		return err
	}
	cm.config = cfg
	callbacks := append([]func(*Config){}, cm.onChange...)
	cm.mu.Unlock()

	for _, fn := range callbacks {
		fn(cfg)
	}
	return nil
}

// watch 监控配置文件变化；日志级别即时生效，其余字段由回调决定是否采用
func (cm *ConfigManager) watch() {
	log := logger.WithComponent("config")
	cm.v.OnConfigChange(func(e fsnotify.Event) {
		if err := cm.Reload(); err != nil {
			log.Warn().Err(err).Str("file", e.Name).Msg("config reload failed, keeping previous config")
			return
		}
		cfg := cm.Get()
		lvl := logger.SetLevel(cfg.Logger.Level)
		log.Info().Str("file", e.Name).Str("level", lvl.String()).Msg("config reloaded")
	})
	cm.v.WatchConfig()
}

// Summary 配置摘要
func (cm *ConfigManager) Summary() map[string]interface{} {
	cfg := cm.Get()
	if cfg == nil {
		return map[string]interface{}{"loaded": false}
	}
	return map[string]interface{}{
		"loaded":              true,
		"config_file":         cm.ConfigFileUsed(),
		"storage_driver":      cfg.Storage.Driver,
		"server_addr":         cfg.Server.Addr,
		"upstream_configured": cfg.LiveAvatar.APIKey != "",
		"kafka_enabled":       cfg.Kafka.Enabled,
	}
}
