package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tripwire/chainwatch/internal/config"
)

var validateConfigPath string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a configuration file and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.LoadConfig(validateConfigPath)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s: ok\n", validateConfigPath)
		for _, w := range cfg.Watches {
			fmt.Fprintf(out, "  %-20s %-6s %s\n", w.Name, w.Kind, w.Path)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "chainwatch %s\n", version)
	},
}

func init() {
	validateCmd.Flags().StringVarP(&validateConfigPath, "config", "c", "/etc/chainwatch/config.yaml", "path to the YAML configuration file")
}
