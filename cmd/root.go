package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"blockforge-node/config"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "blockforge",
	Short: "BlockForge Blockchain Node",
	Long: `BlockForge is a blockchain node with a pluggable consensus engine,
proof-of-work mining, P2P networking, and an RPC API.`,
}

// Execute runs the root command. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(startNodeCmd)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.blockforge/config.yaml or ./config.yaml)")

	rootCmd.PersistentFlags().String("datadir", config.DefaultConfig.DataDir, "Data directory for blockchain data")
	rootCmd.PersistentFlags().Int("port", config.DefaultConfig.Port, "P2P port")
	rootCmd.PersistentFlags().Int("rpcport", config.DefaultConfig.RPCPort, "JSON-RPC port")
	rootCmd.PersistentFlags().String("rpcaddr", config.DefaultConfig.RPCAddr, "JSON-RPC address (0.0.0.0 to listen on all interfaces)")
	rootCmd.PersistentFlags().Uint64("chainid", config.DefaultConfig.ChainID, "Chain ID for the blockchain network")
	rootCmd.PersistentFlags().String("log_level", config.DefaultConfig.LogLevel, "Logging level (debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().Bool("enable_p2p", config.DefaultConfig.EnableP2P, "Enable P2P networking")
	rootCmd.PersistentFlags().String("consensus.algorithm", config.DefaultConfig.Consensus.Algorithm, "Consensus algorithm")
	rootCmd.PersistentFlags().Uint64("consensus.initial_difficulty", config.DefaultConfig.Consensus.InitialDifficulty, "Initial mining difficulty")
	rootCmd.PersistentFlags().Uint64("consensus.target_block_time", config.DefaultConfig.Consensus.TargetBlockTimeMs, "Target block time in milliseconds")
	rootCmd.PersistentFlags().Uint64("consensus.difficulty_adjustment_interval", config.DefaultConfig.Consensus.AdjustmentInterval, "Blocks between difficulty adjustments")
	rootCmd.PersistentFlags().Bool("consensus.mining", config.DefaultConfig.Consensus.Mining, "Enable block production on this node")

	viper.BindPFlag("datadir", rootCmd.PersistentFlags().Lookup("datadir"))
	viper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("rpcport", rootCmd.PersistentFlags().Lookup("rpcport"))
	viper.BindPFlag("rpcaddr", rootCmd.PersistentFlags().Lookup("rpcaddr"))
	viper.BindPFlag("chainid", rootCmd.PersistentFlags().Lookup("chainid"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log_level"))
	viper.BindPFlag("enable_p2p", rootCmd.PersistentFlags().Lookup("enable_p2p"))
	viper.BindPFlag("consensus.algorithm", rootCmd.PersistentFlags().Lookup("consensus.algorithm"))
	viper.BindPFlag("consensus.initial_difficulty", rootCmd.PersistentFlags().Lookup("consensus.initial_difficulty"))
	viper.BindPFlag("consensus.target_block_time", rootCmd.PersistentFlags().Lookup("consensus.target_block_time"))
	viper.BindPFlag("consensus.difficulty_adjustment_interval", rootCmd.PersistentFlags().Lookup("consensus.difficulty_adjustment_interval"))
	viper.BindPFlag("consensus.mining", rootCmd.PersistentFlags().Lookup("consensus.mining"))
}

// initConfig reads the config file and matching ENV variables, if present.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".blockforge"))
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("BLOCKFORGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	} else {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file '%s': %s\n", viper.ConfigFileUsed(), err)
		}
	}
}
