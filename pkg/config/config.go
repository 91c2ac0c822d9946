package config

// Package config provides a reusable loader for the aggregator's
// configuration files and environment variables. It is versioned so that
// applications can depend on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/spf13/viper"

	"dap-aggregator/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Role identifies which DAP Aggregator this process plays.
type Role string

const (
	RoleLeader Role = "leader"
	RoleHelper Role = "helper"
)

// Config is the unified configuration for one Aggregator process. Field
// names and nesting mirror the keys enumerated in the DAP core spec (§6.4).
type Config struct {
	Role            Role   `mapstructure:"role" json:"role"`
	DefaultVersion  string `mapstructure:"default_version" json:"default_version"`
	ReportShardKeyHex string `mapstructure:"report_shard_key" json:"report_shard_key"`
	ReportShardCount  uint64 `mapstructure:"report_shard_count" json:"report_shard_count"`

	Global struct {
		ReportStorageEpochDuration     int64 `mapstructure:"report_storage_epoch_duration" json:"report_storage_epoch_duration"`
		ReportStorageMaxFutureTimeSkew int64 `mapstructure:"report_storage_max_future_time_skew" json:"report_storage_max_future_time_skew"`
		AllowTaskprov                  bool  `mapstructure:"allow_taskprov" json:"allow_taskprov"`
	} `mapstructure:"global" json:"global"`

	HelperStateGCAfter           int64 `mapstructure:"helper_state_gc_after" json:"helper_state_gc_after"`
	ProcessedAlarmSafetyInterval int64 `mapstructure:"processed_alarm_safety_interval" json:"processed_alarm_safety_interval"`

	Gateway struct {
		MaxConcurrentRequests int `mapstructure:"max_concurrent_requests" json:"max_concurrent_requests"`
		RequestsPerSecond     int `mapstructure:"requests_per_second" json:"requests_per_second"`
	} `mapstructure:"gateway" json:"gateway"`

	// Storage selects the Aggregate Store backend (spec §4.D, §6.3). A
	// blank BackendURL keeps the single-process in-memory store; setting
	// it switches the process to HTTPStore, dispatching every store
	// operation through the Admission Gateway to a separate storage
	// process instead.
	Storage struct {
		BackendURL string `mapstructure:"backend_url" json:"backend_url"`
	} `mapstructure:"storage" json:"storage"`

	HTTP struct {
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	} `mapstructure:"http" json:"http"`

	Metrics struct {
		ListenAddr  string `mapstructure:"listen_addr" json:"listen_addr"`
		ServerURL   string `mapstructure:"server_url" json:"server_url"`
		BearerToken string `mapstructure:"bearer_token" json:"bearer_token"`
	} `mapstructure:"metrics_push" json:"metrics_push"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/aggregator/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.SetEnvPrefix("DAP")
	viper.AutomaticEnv() // picks up DAP_* overrides from .env

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the DAP_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("DAP_ENV", ""))
}
