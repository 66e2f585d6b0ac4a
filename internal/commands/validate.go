package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/grumpyguvner/tempmail/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newConfigValidateCommand() *cobra.Command {
	var showSchema bool
	var outputJSON bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		Long: `Validate the configuration for syntax and schema compliance.

This command checks:
- Configuration file syntax (YAML)
- Required fields are present
- Field values are within valid ranges
- Domains, paths and the cleanup schedule are well formed`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if showSchema {
				fmt.Fprintln(out, config.GetConfigSchema())
				return nil
			}

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("configuration validation failed: %w", err)
			}

			if err := cfg.ValidateSchema(); err != nil {
				return err
			}

			if outputJSON {
				displayCfg := *cfg
				maskSecrets(&displayCfg)
				result := map[string]interface{}{
					"valid":   true,
					"message": "Configuration is valid",
					"config":  displayCfg,
				}
				data, err := json.MarshalIndent(result, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
				return nil
			}

			fmt.Fprintln(out, "✓ Configuration is valid")
			if configFile := viper.ConfigFileUsed(); configFile != "" {
				fmt.Fprintf(out, "  Config file: %s\n", configFile)
			}

			fmt.Fprintln(out, "\nConfiguration summary:")
			fmt.Fprintf(out, "  Port: %d\n", cfg.Port)
			fmt.Fprintf(out, "  Mode: %s\n", cfg.Mode)
			fmt.Fprintf(out, "  Data directory: %s\n", cfg.DataDir)
			fmt.Fprintf(out, "  Domains: %s\n", strings.Join(cfg.Domains, ", "))
			if cfg.SMTPEnabled {
				fmt.Fprintf(out, "  SMTP: port %d as %s\n", cfg.SMTPPort, cfg.SMTPHostname)
			} else {
				fmt.Fprintln(out, "  SMTP: disabled")
			}
			fmt.Fprintf(out, "  Counter store: %s\n", cfg.KVBackend)
			fmt.Fprintf(out, "  Retention: %dh (cleanup %s)\n", cfg.EmailRetentionHours, cfg.CleanupSchedule)
			if cfg.BearerToken != "" {
				fmt.Fprintln(out, "  Bearer token: [configured]")
			}
			fmt.Fprintf(out, "  Rate limiting: %d req/min (burst: %d)\n",
				cfg.RateLimitPerMinute, cfg.RateLimitBurst)

			return nil
		},
	}

	cmd.Flags().BoolVar(&showSchema, "show-schema", false, "Display JSON schema for configuration")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Output validation results as JSON")

	return cmd
}
