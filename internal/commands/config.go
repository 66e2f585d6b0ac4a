package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/grumpyguvner/tempmail/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const hiddenValue = "***hidden***"

func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long:  `View, generate, and validate tempmail configuration.`,
	}

	cmd.AddCommand(newConfigShowCommand())
	cmd.AddCommand(newConfigSetCommand())
	cmd.AddCommand(newConfigGenerateCommand())
	cmd.AddCommand(newConfigValidateCommand())

	return cmd
}

func newConfigShowCommand() *cobra.Command {
	var showSecrets bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			displayCfg := *cfg
			if !showSecrets {
				maskSecrets(&displayCfg)
			}

			data, err := json.MarshalIndent(displayCfg, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal configuration: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}

	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "show sensitive values")

	return cmd
}

func maskSecrets(cfg *config.Config) {
	if cfg.BearerToken != "" {
		cfg.BearerToken = hiddenValue
	}
	if cfg.RedisPassword != "" {
		cfg.RedisPassword = hiddenValue
	}
}

func newConfigSetCommand() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Set a configuration value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := strings.ToLower(args[0]), args[1]

			if _, known := config.Defaults()[key]; !known {
				return fmt.Errorf("unknown configuration key: %s", key)
			}

			if path == "" {
				path = viper.ConfigFileUsed()
			}
			if path == "" {
				path = "./tempmail.yaml"
			}

			cfg, err := config.LoadFromFile(path)
			if err != nil {
				cfg, err = config.Load()
				if err != nil {
					return fmt.Errorf("failed to load configuration: %w", err)
				}
			}

			updated, err := applySetting(cfg, key, value)
			if err != nil {
				return err
			}
			if err := updated.ValidateSchema(); err != nil {
				return err
			}
			if err := updated.Save(path); err != nil {
				return fmt.Errorf("failed to write configuration: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ Configuration updated: %s = %s\n", key, value)
			fmt.Fprintf(out, "  Saved to: %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "file", "", "configuration file to update (default: the loaded file or ./tempmail.yaml)")

	return cmd
}

// applySetting decodes value into the field tagged key using viper's own
// type conversion.
func applySetting(cfg *config.Config, key, value string) (*config.Config, error) {
	v := viper.New()
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var current map[string]interface{}
	if err := json.Unmarshal(data, &current); err != nil {
		return nil, err
	}
	for k, val := range current {
		v.Set(k, val)
	}
	v.Set(key, value)

	updated := &config.Config{}
	if err := v.Unmarshal(updated); err != nil {
		return nil, fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return updated, nil
}

func newConfigGenerateCommand() *cobra.Command {
	var (
		path    string
		domains []string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a new configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := &config.Config{}
			v := viper.New()
			for key, value := range config.Defaults() {
				v.Set(key, value)
			}
			if err := v.Unmarshal(cfg); err != nil {
				return fmt.Errorf("failed to build defaults: %w", err)
			}

			cfg.BearerToken = generateToken()
			if len(domains) > 0 {
				cfg.Domains = domains
			}

			if err := cfg.ValidateSchema(); err != nil {
				return err
			}
			if err := cfg.Save(path); err != nil {
				return fmt.Errorf("failed to save configuration: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ Configuration generated: %s\n", path)
			fmt.Fprintln(out, "\nNext steps:")
			fmt.Fprintln(out, "1. Edit the configuration file with your domains")
			fmt.Fprintln(out, "2. Move it to /etc/tempmail/tempmail.yaml")
			fmt.Fprintln(out, "3. Run: tempmail server")
			return nil
		},
	}

	cmd.Flags().StringVarP(&path, "output", "o", "./tempmail.yaml", "output file")
	cmd.Flags().StringSliceVar(&domains, "domain", nil, "served domain (repeatable)")

	return cmd
}

func generateToken() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}
