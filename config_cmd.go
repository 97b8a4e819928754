package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/charmbracelet/x/editor"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vrwarp/narrator/internal/config"
)

var configCmd = &cobra.Command{
	Use:     "config",
	Hidden:  false,
	Short:   "Edit the narrator config file",
	Long:    paragraph(fmt.Sprintf("\n%s the narrator config file. We’ll use EDITOR to determine which editor to use. If the config file doesn't exist, it will be created.", keyword("Edit"))),
	Example: paragraph("narrator config\nnarrator config --config path/to/config.yml"),
	Args:    cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		if err := ensureConfigFile(); err != nil {
			return err
		}

		c, err := editor.Cmd("Narrator", configFile)
		if err != nil {
			return fmt.Errorf("unable to set config file: %w", err)
		}
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		if err := c.Run(); err != nil {
			return fmt.Errorf("unable to run command: %w", err)
		}

		fmt.Println("Wrote config file to:", configFile)
		return nil
	},
}

// ensureConfigFile resolves the config path and writes the commented
// defaults there if nothing exists yet.
func ensureConfigFile() error {
	if configFile == "" {
		configFile = viper.GetViper().ConfigFileUsed()
	}
	if configFile == "" {
		dirs, err := config.ConfigDirs()
		if err != nil {
			return fmt.Errorf("could not find a configuration directory: %w", err)
		}
		if len(dirs) == 0 {
			return errors.New("could not find a configuration directory")
		}
		configFile = filepath.Join(dirs[0], config.AppName+".yml")
	}

	created, err := config.WriteDefault(configFile)
	if err != nil {
		return err
	}
	if created {
		log.Info("Wrote default configuration", "path", configFile)
	}
	return nil
}
