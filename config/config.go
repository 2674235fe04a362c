package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"blockforge-node/logger"

	"github.com/spf13/viper"
)

// ConsensusConfig holds the named parameters consumed by a consensus
// capability at init. All of them are required except MaxTarget, which
// overrides the production target curve with an easier one for test
// profiles.
type ConsensusConfig struct {
	Algorithm          string  `mapstructure:"algorithm" json:"algorithm"`
	InitialDifficulty  uint64  `mapstructure:"initial_difficulty" json:"initial_difficulty"`
	TargetBlockTimeMs  uint64  `mapstructure:"target_block_time" json:"target_block_time"`
	AdjustmentInterval uint64  `mapstructure:"difficulty_adjustment_interval" json:"difficulty_adjustment_interval"`
	MaxChangeFactor    float64 `mapstructure:"max_difficulty_change_factor" json:"max_difficulty_change_factor"`
	MinimumDifficulty  uint64  `mapstructure:"minimum_difficulty" json:"minimum_difficulty"`
	MaxTarget          string  `mapstructure:"max_target" json:"max_target,omitempty"` // hex, optional
	Mining             bool    `mapstructure:"mining" json:"mining"`
}

// TargetBlockTime returns the configured block time as a duration.
func (c *ConsensusConfig) TargetBlockTime() time.Duration {
	return time.Duration(c.TargetBlockTimeMs) * time.Millisecond
}

// Config holds all configuration for the node. Tags are used by viper to map
// ENV variables and config file keys.
type Config struct {
	// Node configuration
	DataDir string `mapstructure:"datadir"`
	Port    int    `mapstructure:"port"`    // P2P port
	RPCPort int    `mapstructure:"rpcport"` // RPC port
	RPCAddr string `mapstructure:"rpcaddr"`

	// Network configuration
	MaxPeers  int      `mapstructure:"maxpeers"`
	BootNodes []string `mapstructure:"bootnode"`
	EnableP2P bool     `mapstructure:"enable_p2p"`

	// Chain configuration
	ChainID      uint64 `mapstructure:"chainid"`
	BlockTxLimit int    `mapstructure:"blocktxlimit"` // max transactions per block template

	// Consensus configuration
	Consensus ConsensusConfig `mapstructure:"consensus"`

	// Database configuration
	Cache   int `mapstructure:"cache"`   // Cache size for LevelDB (MB)
	Handles int `mapstructure:"handles"` // Number of open file handles for LevelDB

	// Logging configuration
	LogLevel  string `mapstructure:"log_level"`
	Verbosity int    `mapstructure:"verbosity"`

	// Health check and metrics configuration
	EnableHealth  bool `mapstructure:"enable_health"`
	HealthPort    int  `mapstructure:"health_port"`
	EnableMetrics bool `mapstructure:"enable_metrics"`
}

// defaultConfig holds the unexported default configuration values.
var defaultConfig = Config{
	DataDir:      "./data",
	Port:         30313,
	RPCPort:      8645,
	RPCAddr:      "0.0.0.0",
	MaxPeers:     50,
	BootNodes:    []string{},
	EnableP2P:    true,
	ChainID:      7777,
	BlockTxLimit: 256,
	Consensus: ConsensusConfig{
		Algorithm:          "pow",
		InitialDifficulty:  1000,
		TargetBlockTimeMs:  30000,
		AdjustmentInterval: 10,
		MaxChangeFactor:    4.0,
		MinimumDifficulty:  1,
		MaxTarget:          "",
		Mining:             false,
	},
	Cache:         256,
	Handles:       512,
	LogLevel:      "info",
	Verbosity:     3,
	EnableHealth:  true,
	HealthPort:    9645,
	EnableMetrics: true,
}

// DefaultConfig is an exported copy of the defaults, used when setting up
// CLI flags.
var DefaultConfig = defaultConfig

// LoadConfig loads configuration from file, environment variables, and flags.
func LoadConfig() (*Config, error) {
	currentConfig := DefaultConfig

	if err := viper.Unmarshal(&currentConfig); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config from Viper: %v", err)
	}

	if err := validateAndCreateDirs(&currentConfig); err != nil {
		return nil, fmt.Errorf("config validation and directory creation failed: %v", err)
	}

	return &currentConfig, nil
}

func validateAndCreateDirs(config *Config) error {
	config.DataDir = strings.TrimSpace(config.DataDir)
	if config.DataDir == "" {
		return fmt.Errorf("datadir cannot be empty")
	}
	if err := os.MkdirAll(config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory '%s': %v", config.DataDir, err)
	}
	if err := os.MkdirAll(filepath.Join(config.DataDir, "chaindata"), 0755); err != nil {
		return fmt.Errorf("failed to create chaindata directory in '%s': %v", config.DataDir, err)
	}

	portsInUse := make(map[int]string)
	if config.EnableP2P {
		if config.Port <= 0 || config.Port > 65535 {
			return fmt.Errorf("invalid P2P port: %d. Must be between 1 and 65535", config.Port)
		}
		portsInUse[config.Port] = "P2P"
	}

	if config.RPCPort <= 0 || config.RPCPort > 65535 {
		return fmt.Errorf("invalid RPC port: %d. Must be between 1 and 65535", config.RPCPort)
	}
	if conflictService, exists := portsInUse[config.RPCPort]; exists {
		return fmt.Errorf("RPC port %d conflicts with %s port", config.RPCPort, conflictService)
	}
	portsInUse[config.RPCPort] = "RPC"

	if config.EnableHealth {
		if config.HealthPort <= 0 || config.HealthPort > 65535 {
			return fmt.Errorf("invalid health port: %d. Must be between 1 and 65535", config.HealthPort)
		}
		if conflictService, exists := portsInUse[config.HealthPort]; exists {
			return fmt.Errorf("health port %d conflicts with %s port", config.HealthPort, conflictService)
		}
	}

	if config.MaxPeers <= 0 && config.EnableP2P {
		logger.Warningf("MaxPeers is invalid (%d), using default: %d", config.MaxPeers, DefaultConfig.MaxPeers)
		config.MaxPeers = DefaultConfig.MaxPeers
	}
	if config.BlockTxLimit <= 0 {
		logger.Warningf("BlockTxLimit is invalid (%d), using default: %d", config.BlockTxLimit, DefaultConfig.BlockTxLimit)
		config.BlockTxLimit = DefaultConfig.BlockTxLimit
	}
	if config.Cache <= 0 {
		logger.Warningf("LevelDB cache size is invalid (%d MB), using default: %d MB", config.Cache, DefaultConfig.Cache)
		config.Cache = DefaultConfig.Cache
	}
	if config.Handles <= 0 {
		logger.Warningf("LevelDB handles count is invalid (%d), using default: %d", config.Handles, DefaultConfig.Handles)
		config.Handles = DefaultConfig.Handles
	}

	// Consensus parameter errors are owned by the capability init path, which
	// returns them as typed config errors. Only the obviously-broken case is
	// caught here so the node fails before touching the datadir.
	if strings.TrimSpace(config.Consensus.Algorithm) == "" {
		return fmt.Errorf("consensus algorithm cannot be empty")
	}

	return nil
}

func (c *Config) GetLogLevel() logger.LogLevel {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "trace":
		return logger.DEBUG
	case "info":
		return logger.INFO
	case "warn", "warning":
		return logger.WARNING
	case "error":
		return logger.ERROR
	case "fatal":
		return logger.FATAL
	default:
		switch c.Verbosity {
		case 0, 1:
			return logger.ERROR
		case 2:
			return logger.WARNING
		case 4, 5:
			return logger.DEBUG
		default:
			return logger.INFO
		}
	}
}

func (c *Config) GetDataSubDir(subdir string) string {
	return filepath.Join(c.DataDir, subdir)
}
