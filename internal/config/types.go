package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Exchanges  ExchangesConfig  `mapstructure:"exchanges"`
	Router     RouterConfig     `mapstructure:"router"`
	Health     HealthConfig     `mapstructure:"health"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	StateCache StateCacheConfig `mapstructure:"statecache"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ExchangesConfig 描述主交易所与备用交易所的编排。
type ExchangesConfig struct {
	Primary   string          `mapstructure:"primary"`
	Failovers []string        `mapstructure:"failovers"`
	Accounts  []AccountConfig `mapstructure:"accounts"`
}

// AccountConfig 描述单个交易所的连接凭证。
type AccountConfig struct {
	Name       string `mapstructure:"name"`
	APIKey     string `mapstructure:"api_key"`
	APISecret  string `mapstructure:"api_secret"`
	APIPass    string `mapstructure:"api_password"`
	UseSandbox bool   `mapstructure:"use_sandbox"`
	Wallet     string `mapstructure:"wallet_address"`
	PrivateKey string `mapstructure:"private_key"`
}

// Names 按优先级返回全部交易所名称，主交易所排在首位。
func (e ExchangesConfig) Names() []string {
	names := make([]string, 0, 1+len(e.Failovers))
	names = append(names, e.Primary)
	names = append(names, e.Failovers...)
	return names
}

// Account 按名称查找账户配置。
func (e ExchangesConfig) Account(name string) (AccountConfig, bool) {
	for _, acct := range e.Accounts {
		if strings.EqualFold(acct.Name, name) {
			return acct, true
		}
	}
	return AccountConfig{}, false
}

// RouterConfig 控制路由与故障切换行为。
type RouterConfig struct {
	MaxRetryAttempts     int           `mapstructure:"max_retry_attempts"`
	RetryDelay           time.Duration `mapstructure:"retry_delay"`
	Backoff              string        `mapstructure:"backoff"`
	MaxRetryDelay        time.Duration `mapstructure:"max_retry_delay"`
	AttemptTimeout       time.Duration `mapstructure:"attempt_timeout"`
	AutoFailover         bool          `mapstructure:"auto_failover"`
	BlockOnSwitch        bool          `mapstructure:"block_on_switch"`
	SwitchWaitTimeout    time.Duration `mapstructure:"switch_wait_timeout"`
	AllowUnknownFallback bool          `mapstructure:"allow_unknown_fallback"`
	HistoryLimit         int           `mapstructure:"history_limit"`
	ShutdownGrace        time.Duration `mapstructure:"shutdown_grace"`
}

// HealthConfig 控制健康检查节奏与阈值。
type HealthConfig struct {
	CheckInterval     time.Duration `mapstructure:"check_interval"`
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`
	FailureThreshold  int           `mapstructure:"failure_threshold"`
	RecoveryThreshold int           `mapstructure:"recovery_threshold"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// MonitorConfig 控制状态接口的 HTTP 服务。
type MonitorConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// StateCacheConfig 控制向 Redis 发布路由状态快照，addr 为空时关闭。
type StateCacheConfig struct {
	Addr            string        `mapstructure:"addr"`
	Password        string        `mapstructure:"password"`
	DB              int           `mapstructure:"db"`
	KeyPrefix       string        `mapstructure:"key_prefix"`
	PublishInterval time.Duration `mapstructure:"publish_interval"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Exchanges.Primary == "" {
		err = multierr.Append(err, errors.New("exchanges.primary 不能为空"))
	}
	seen := make(map[string]bool, 1+len(c.Exchanges.Failovers))
	for _, name := range c.Exchanges.Names() {
		if name == "" {
			err = multierr.Append(err, errors.New("exchanges.failovers 不能包含空名称"))
			continue
		}
		key := strings.ToLower(name)
		if seen[key] {
			err = multierr.Append(err, fmt.Errorf("交易所 %s 在配置中重复出现", name))
			continue
		}
		seen[key] = true
		acct, ok := c.Exchanges.Account(name)
		if !ok {
			err = multierr.Append(err, fmt.Errorf("exchanges.accounts 缺少 %s 的账户配置", name))
			continue
		}
		if strings.EqualFold(acct.Name, "hyperliquid") && (acct.Wallet == "" || acct.PrivateKey == "") {
			err = multierr.Append(err, errors.New("hyperliquid 账户需要配置 wallet_address 与 private_key"))
		}
	}
	if c.Router.MaxRetryAttempts < 0 {
		err = multierr.Append(err, errors.New("router.max_retry_attempts 不能为负"))
	}
	if c.Router.RetryDelay <= 0 || c.Router.MaxRetryDelay <= 0 {
		err = multierr.Append(err, errors.New("router.retry_delay 必须为正"))
	}
	if c.Router.RetryDelay > c.Router.MaxRetryDelay {
		err = multierr.Append(err, errors.New("router.retry_delay 不能大于 max_retry_delay"))
	}
	switch strings.ToLower(c.Router.Backoff) {
	case "fixed", "exponential":
	default:
		err = multierr.Append(err, fmt.Errorf("router.backoff 仅支持 fixed 或 exponential，当前为 %q", c.Router.Backoff))
	}
	if c.Router.AttemptTimeout <= 0 {
		err = multierr.Append(err, errors.New("router.attempt_timeout 必须大于0"))
	}
	if c.Router.BlockOnSwitch && c.Router.SwitchWaitTimeout <= 0 {
		err = multierr.Append(err, errors.New("router.switch_wait_timeout 必须大于0"))
	}
	if c.Router.HistoryLimit <= 0 {
		err = multierr.Append(err, errors.New("router.history_limit 必须大于0"))
	}
	if c.Router.ShutdownGrace <= 0 {
		err = multierr.Append(err, errors.New("router.shutdown_grace 必须大于0"))
	}
	if c.Health.CheckInterval <= 0 {
		err = multierr.Append(err, errors.New("health.check_interval 必须大于0"))
	}
	if c.Health.ProbeTimeout <= 0 {
		err = multierr.Append(err, errors.New("health.probe_timeout 必须大于0"))
	}
	if c.Health.FailureThreshold < 1 {
		err = multierr.Append(err, errors.New("health.failure_threshold 必须大于等于1"))
	}
	if c.Health.RecoveryThreshold < 1 {
		err = multierr.Append(err, errors.New("health.recovery_threshold 必须大于等于1"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Monitor.Enabled && c.Monitor.Listen == "" {
		err = multierr.Append(err, errors.New("monitor.listen 不能为空"))
	}
	if c.StateCache.Addr != "" && c.StateCache.PublishInterval <= 0 {
		err = multierr.Append(err, errors.New("statecache.publish_interval 必须大于0"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
