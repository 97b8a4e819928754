// Package main provides the entry point for the narrator CLI.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vrwarp/narrator/internal/config"
	"github.com/vrwarp/narrator/internal/logging"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile string
	logLevel   string
	logFile    string

	// cfg is loaded before any command runs.
	cfg config.Config

	// logCloser is replaced once the configured log destination is open.
	logCloser io.Closer = io.NopCloser(nil)

	rootCmd = &cobra.Command{
		Use:   "narrator",
		Short: "Read markdown books aloud",
		Long: paragraph(
			fmt.Sprintf("\nRead markdown books %s, with a lexicon for tricky words and a cache for every sentence.", keyword("aloud")),
		),
		SilenceErrors:    false,
		SilenceUsage:     true,
		TraverseChildren: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd)
		},
	}
)

// loadConfig reads the config file when one was found, falling back to
// NARRATOR_* environment variables, and applies the global flags.
func loadConfig(cmd *cobra.Command) error {
	if cmd.Flags().Changed("config") {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("unable to read config file: %w", err)
		}
	}

	var err error
	if viper.ConfigFileUsed() != "" {
		cfg, err = config.FromViper(viper.GetViper())
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if cmd.Flags().Changed("log-file") {
		cfg.Log.File = logFile
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	closer, err := logging.Setup(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		return err
	}
	logCloser = closer
	return nil
}

func main() {
	err := rootCmd.Execute()
	_ = logCloser.Close()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	tryLoadConfigFromDefaultPlaces()
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", fmt.Sprintf("config file (default %s)", viper.GetViper().ConfigFileUsed()))
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "append logs to this file instead of stderr")

	rootCmd.AddCommand(readCmd, voicesCmd, lexiconCmd, cacheCmd, configCmd)
}

func tryLoadConfigFromDefaultPlaces() {
	dirs, err := config.ConfigDirs()
	if err != nil {
		fmt.Println("Could not find configuration directory.")
		os.Exit(1)
	}

	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, config.AppName)}, dirs...)
	}

	if c := os.Getenv("NARRATOR_CONFIG_HOME"); c != "" {
		dirs = append([]string{c}, dirs...)
	}

	for _, v := range dirs {
		viper.AddConfigPath(v)
	}

	viper.SetConfigName(config.AppName)
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix(config.AppName)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	config.SetDefaults(viper.GetViper())

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}

	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug("Using configuration file", "path", used)
		return
	}

	configFile = filepath.Join(dirs[0], config.AppName+".yml")
	if err := ensureConfigFile(); err != nil {
		log.Error("Could not create default configuration", "error", err)
	}
}
