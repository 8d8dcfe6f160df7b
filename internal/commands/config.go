package toolchat

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/k0kubun/pp"
	"github.com/spf13/cobra"

	"github.com/mwiater/toolchat/internal/appconfig"
)

var configRaw bool

// configCmd implements the 'config' command, which displays the current configuration settings.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show config settings",
	Long:  `Show config settings after the config file, environment and flags have been merged, followed by the configured providers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()
		if cfg == nil {
			return errNoConfig
		}
		out := cmd.OutOrStdout()

		if configRaw {
			masked := *cfg
			if masked.AnthropicAPIKey != "" {
				masked.AnthropicAPIKey = "********"
			}
			pp.Fprintln(out, masked)
			return nil
		}

		servers, err := loadServers(cfg.ServerConfigPath())
		if err != nil {
			color.New(color.FgYellow).Fprintf(out, "Warning: %v\n\n", err)
		}
		appconfig.ShowConfig(out, cfg.ConfigPath, *cfg, servers)
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(out, "\n%v\n", err)
		}
		return nil
	},
}

func init() {
	configCmd.Flags().BoolVar(&configRaw, "raw", false, "dump the merged configuration struct")
	rootCmd.AddCommand(configCmd)
}
