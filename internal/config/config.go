package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Broker holds AMQP connection and topology settings.
type Broker struct {
	Host            string
	Port            int
	Username        string
	Password        string
	VHost           string
	Exchange        string
	ManagerQueue    string
	DeveloperQueue  string
	ConnectAttempts int
	RetryBase       time.Duration
	RetryMax        time.Duration
	Heartbeat       time.Duration
	DialTimeout     time.Duration
}

// Config holds shared runtime configuration for the manager and developer
// daemons and the operator CLI.
type Config struct {
	Broker Broker

	StoreDSN string
	HTTPAddr string

	ManagerID   string
	DeveloperID string

	ActiveWindow       time.Duration
	HeartbeatInterval  time.Duration
	IdleAfter          time.Duration
	ReconcileInterval  time.Duration
	StaleAssignmentAge time.Duration
	RequeueDelay       time.Duration
	MonitorInterval    time.Duration
	ActivityLimit      int

	Executor       string
	ExecutorScript string
	HandoffDir     string
	HandoffTimeout time.Duration
}

// fileConfig mirrors Config for TOML decoding; durations are strings in
// time.ParseDuration form ("60s", "1h").
type fileConfig struct {
	Broker struct {
		Host            string `toml:"host"`
		Port            int    `toml:"port"`
		Username        string `toml:"username"`
		Password        string `toml:"password"`
		VHost           string `toml:"vhost"`
		Exchange        string `toml:"exchange"`
		ManagerQueue    string `toml:"manager_queue"`
		DeveloperQueue  string `toml:"developer_queue"`
		ConnectAttempts int    `toml:"connect_attempts"`
		RetryBase       string `toml:"retry_base"`
		RetryMax        string `toml:"retry_max"`
		Heartbeat       string `toml:"heartbeat"`
		DialTimeout     string `toml:"dial_timeout"`
	} `toml:"broker"`
	Store struct {
		DSN string `toml:"dsn"`
	} `toml:"store"`
	HTTP struct {
		Addr string `toml:"addr"`
	} `toml:"http"`
	Agents struct {
		ManagerID   string `toml:"manager_id"`
		DeveloperID string `toml:"developer_id"`
	} `toml:"agents"`
	Lifecycle struct {
		ActiveWindow       string `toml:"active_window"`
		HeartbeatInterval  string `toml:"heartbeat_interval"`
		IdleAfter          string `toml:"idle_after"`
		ReconcileInterval  string `toml:"reconcile_interval"`
		StaleAssignmentAge string `toml:"stale_assignment_age"`
		RequeueDelay       string `toml:"requeue_delay"`
		MonitorInterval    string `toml:"monitor_interval"`
		ActivityLimit      int    `toml:"activity_limit"`
	} `toml:"lifecycle"`
	Executor struct {
		Kind           string `toml:"kind"`
		Script         string `toml:"script"`
		HandoffDir     string `toml:"handoff_dir"`
		HandoffTimeout string `toml:"handoff_timeout"`
	} `toml:"executor"`
}

func defaults() Config {
	return Config{
		Broker: Broker{
			Host:            "localhost",
			Port:            5672,
			Username:        "guest",
			Password:        "guest",
			VHost:           "/",
			Exchange:        "agent-exchange",
			ManagerQueue:    "manager-queue",
			DeveloperQueue:  "developer-queue",
			ConnectAttempts: 5,
			RetryBase:       2 * time.Second,
			RetryMax:        time.Minute,
			Heartbeat:       10 * time.Minute,
			DialTimeout:     30 * time.Second,
		},
		StoreDSN:           "data/agentnet.db",
		HTTPAddr:           ":8080",
		ManagerID:          "manager",
		DeveloperID:        "developer",
		ActiveWindow:       time.Hour,
		HeartbeatInterval:  time.Minute,
		IdleAfter:          15 * time.Minute,
		ReconcileInterval:  time.Minute,
		StaleAssignmentAge: 2 * time.Minute,
		RequeueDelay:       5 * time.Second,
		MonitorInterval:    time.Minute,
		ActivityLimit:      50,
		Executor:           "static",
		HandoffDir:         "work",
	}
}

// Load reads configuration with precedence environment > file > defaults.
// The file path comes from AGENTNET_CONFIG and is optional.
func Load() (Config, error) {
	return LoadFile(os.Getenv("AGENTNET_CONFIG"))
}

// LoadFile reads configuration from the given TOML file, then applies
// environment overrides. An empty path skips the file layer.
func LoadFile(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		var fc fileConfig
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return Config{}, fmt.Errorf("decode config file %s: %w", path, err)
		}
		if err := applyFile(&cfg, fc); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, fc fileConfig) error {
	setString(&cfg.Broker.Host, fc.Broker.Host)
	setInt(&cfg.Broker.Port, fc.Broker.Port)
	setString(&cfg.Broker.Username, fc.Broker.Username)
	setString(&cfg.Broker.Password, fc.Broker.Password)
	setString(&cfg.Broker.VHost, fc.Broker.VHost)
	setString(&cfg.Broker.Exchange, fc.Broker.Exchange)
	setString(&cfg.Broker.ManagerQueue, fc.Broker.ManagerQueue)
	setString(&cfg.Broker.DeveloperQueue, fc.Broker.DeveloperQueue)
	setInt(&cfg.Broker.ConnectAttempts, fc.Broker.ConnectAttempts)
	if err := setDuration(&cfg.Broker.RetryBase, fc.Broker.RetryBase); err != nil {
		return err
	}
	if err := setDuration(&cfg.Broker.RetryMax, fc.Broker.RetryMax); err != nil {
		return err
	}
	if err := setDuration(&cfg.Broker.Heartbeat, fc.Broker.Heartbeat); err != nil {
		return err
	}
	if err := setDuration(&cfg.Broker.DialTimeout, fc.Broker.DialTimeout); err != nil {
		return err
	}
	setString(&cfg.StoreDSN, fc.Store.DSN)
	setString(&cfg.HTTPAddr, fc.HTTP.Addr)
	setString(&cfg.ManagerID, fc.Agents.ManagerID)
	setString(&cfg.DeveloperID, fc.Agents.DeveloperID)
	if err := setDuration(&cfg.ActiveWindow, fc.Lifecycle.ActiveWindow); err != nil {
		return err
	}
	if err := setDuration(&cfg.HeartbeatInterval, fc.Lifecycle.HeartbeatInterval); err != nil {
		return err
	}
	if err := setDuration(&cfg.IdleAfter, fc.Lifecycle.IdleAfter); err != nil {
		return err
	}
	if err := setDuration(&cfg.ReconcileInterval, fc.Lifecycle.ReconcileInterval); err != nil {
		return err
	}
	if err := setDuration(&cfg.StaleAssignmentAge, fc.Lifecycle.StaleAssignmentAge); err != nil {
		return err
	}
	if err := setDuration(&cfg.RequeueDelay, fc.Lifecycle.RequeueDelay); err != nil {
		return err
	}
	if err := setDuration(&cfg.MonitorInterval, fc.Lifecycle.MonitorInterval); err != nil {
		return err
	}
	setInt(&cfg.ActivityLimit, fc.Lifecycle.ActivityLimit)
	setString(&cfg.Executor, fc.Executor.Kind)
	setString(&cfg.ExecutorScript, fc.Executor.Script)
	setString(&cfg.HandoffDir, fc.Executor.HandoffDir)
	if err := setDuration(&cfg.HandoffTimeout, fc.Executor.HandoffTimeout); err != nil {
		return err
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Broker.Host = getEnv("BROKER_HOST", cfg.Broker.Host)
	cfg.Broker.Port = getEnvInt("BROKER_PORT", cfg.Broker.Port)
	cfg.Broker.Username = getEnv("BROKER_USERNAME", cfg.Broker.Username)
	cfg.Broker.Password = getEnv("BROKER_PASSWORD", cfg.Broker.Password)
	cfg.Broker.VHost = getEnv("BROKER_VHOST", cfg.Broker.VHost)
	cfg.Broker.Exchange = getEnv("BROKER_EXCHANGE", cfg.Broker.Exchange)
	cfg.Broker.ManagerQueue = getEnv("MANAGER_QUEUE", cfg.Broker.ManagerQueue)
	cfg.Broker.DeveloperQueue = getEnv("DEVELOPER_QUEUE", cfg.Broker.DeveloperQueue)
	cfg.Broker.ConnectAttempts = getEnvInt("BROKER_CONNECT_ATTEMPTS", cfg.Broker.ConnectAttempts)
	cfg.Broker.RetryBase = getEnvDuration("BROKER_RETRY_BASE", cfg.Broker.RetryBase)
	cfg.Broker.RetryMax = getEnvDuration("BROKER_RETRY_MAX", cfg.Broker.RetryMax)
	cfg.Broker.Heartbeat = getEnvDuration("BROKER_HEARTBEAT", cfg.Broker.Heartbeat)
	cfg.Broker.DialTimeout = getEnvDuration("BROKER_DIAL_TIMEOUT", cfg.Broker.DialTimeout)
	cfg.StoreDSN = getEnv("STORE_DSN", cfg.StoreDSN)
	cfg.HTTPAddr = getEnv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.ManagerID = getEnv("MANAGER_ID", cfg.ManagerID)
	cfg.DeveloperID = getEnv("DEVELOPER_ID", cfg.DeveloperID)
	cfg.ActiveWindow = getEnvDuration("ACTIVE_WINDOW", cfg.ActiveWindow)
	cfg.HeartbeatInterval = getEnvDuration("HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.IdleAfter = getEnvDuration("IDLE_AFTER", cfg.IdleAfter)
	cfg.ReconcileInterval = getEnvDuration("RECONCILE_INTERVAL", cfg.ReconcileInterval)
	cfg.StaleAssignmentAge = getEnvDuration("STALE_ASSIGNMENT_AGE", cfg.StaleAssignmentAge)
	cfg.RequeueDelay = getEnvDuration("REQUEUE_DELAY", cfg.RequeueDelay)
	cfg.MonitorInterval = getEnvDuration("MONITOR_INTERVAL", cfg.MonitorInterval)
	cfg.ActivityLimit = getEnvInt("ACTIVITY_LIMIT", cfg.ActivityLimit)
	cfg.Executor = getEnv("EXECUTOR", cfg.Executor)
	cfg.ExecutorScript = getEnv("EXECUTOR_SCRIPT", cfg.ExecutorScript)
	cfg.HandoffDir = getEnv("HANDOFF_DIR", cfg.HandoffDir)
	cfg.HandoffTimeout = getEnvDuration("HANDOFF_TIMEOUT", cfg.HandoffTimeout)
}

// Validate rejects configurations that cannot work.
func (c Config) Validate() error {
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker port %d out of range", c.Broker.Port)
	}
	if c.Broker.ConnectAttempts < 1 {
		return fmt.Errorf("broker connect attempts %d, need at least 1", c.Broker.ConnectAttempts)
	}
	if c.Broker.ManagerQueue == c.Broker.DeveloperQueue {
		return fmt.Errorf("manager and developer queues must differ, both %q", c.Broker.ManagerQueue)
	}
	if c.ActivityLimit < 1 {
		return fmt.Errorf("activity limit %d, need at least 1", c.ActivityLimit)
	}
	switch c.Executor {
	case "static", "handoff":
	case "script":
		if c.ExecutorScript == "" {
			return fmt.Errorf("executor %q requires EXECUTOR_SCRIPT", c.Executor)
		}
	default:
		return fmt.Errorf("unknown executor %q", c.Executor)
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", v, err)
	}
	*dst = d
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
