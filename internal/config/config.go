package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "router"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("exchanges.primary", "bybit")
	v.SetDefault("exchanges.failovers", []string{"okx", "binanceusdm"})

	v.SetDefault("router.max_retry_attempts", 3)
	v.SetDefault("router.retry_delay", "500ms")
	v.SetDefault("router.backoff", "exponential")
	v.SetDefault("router.max_retry_delay", "5s")
	v.SetDefault("router.attempt_timeout", "10s")
	v.SetDefault("router.auto_failover", true)
	v.SetDefault("router.block_on_switch", true)
	v.SetDefault("router.switch_wait_timeout", "5s")
	v.SetDefault("router.allow_unknown_fallback", false)
	v.SetDefault("router.history_limit", 100)
	v.SetDefault("router.shutdown_grace", "10s")

	v.SetDefault("health.check_interval", "30s")
	v.SetDefault("health.probe_timeout", "5s")
	v.SetDefault("health.failure_threshold", 3)
	v.SetDefault("health.recovery_threshold", 1)

	v.SetDefault("database.path", "data/trade_router.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.listen", ":8090")

	v.SetDefault("statecache.addr", "")
	v.SetDefault("statecache.db", 0)
	v.SetDefault("statecache.key_prefix", "router")
	v.SetDefault("statecache.publish_interval", "10s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
