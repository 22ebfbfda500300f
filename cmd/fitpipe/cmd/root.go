package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/fitpipe/pkg/logging"
)

const version = "0.1.0"

var (
	cfgFile      string
	dataDir      string
	dbFile       string
	outputFormat string
	logLevel     string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:     "fitpipe",
	Short:   "On-device exercise-video analysis pipeline",
	Long:    `fitpipe runs and inspects the adaptive background pipeline that samples exercise videos into frames, analyzes them in tier-sized chunks, and scores every session against the device it ran on.`,
	Version: version,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.fitpipe/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "directory for the database, frame scratch, and logs (empty runs in memory)")
	rootCmd.PersistentFlags().StringVar(&dbFile, "db", "", "database file (default <data-dir>/pipeline.db)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table, json, or yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
}

// initConfig reads in config file and FITPIPE_* environment variables
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}

		// Search config in $HOME/.fitpipe/config.yaml
		viper.AddConfigPath(filepath.Join(home, ".fitpipe"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("FITPIPE")
	viper.AutomaticEnv()
	viper.BindEnv("data_dir")
	viper.BindEnv("db")
	viper.BindEnv("log_level")

	// Config file is optional
	_ = viper.ReadInConfig()

	// Flags win; config and environment fill the gaps
	if dataDir == "" {
		dataDir = viper.GetString("data_dir")
	}
	if dbFile == "" {
		dbFile = viper.GetString("db")
	}
	if lv := viper.GetString("log_level"); lv != "" && !rootCmd.PersistentFlags().Changed("log-level") {
		logLevel = lv
	}
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// IsYAMLOutput returns true if YAML output is requested
func IsYAMLOutput() bool {
	return outputFormat == "yaml"
}

// GetDataDir returns the configured data directory. Empty means run
// everything in memory.
func GetDataDir() string {
	return dataDir
}

// ResolveDBPath returns the database file the inspection commands read
func ResolveDBPath() (string, error) {
	if dbFile != "" {
		return dbFile, nil
	}
	if dataDir != "" {
		return filepath.Join(dataDir, "pipeline.db"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot locate home directory: %w", err)
	}
	return filepath.Join(home, ".fitpipe", "pipeline.db"), nil
}

// newLogger builds a console logger at the configured level
func newLogger() *logging.Logger {
	return logging.NewLogger(logging.ParseLevel(logLevel), false)
}
