package main

import (
	"fmt"
	"os"

	"github.com/grumpyguvner/tempmail/internal/api"
	"github.com/grumpyguvner/tempmail/internal/commands"
	"github.com/grumpyguvner/tempmail/internal/config"
	"github.com/grumpyguvner/tempmail/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	version   = "1.0.0"
	cfgFile   string
	envFile   string
	verbosity int
)

var rootCmd = &cobra.Command{
	Use:   "tempmail",
	Short: "Disposable email service",
	Long: `tempmail hands out throwaway addresses on your domains, receives mail for
them over SMTP or an HTTP hook, and serves the messages and attachments
through a JSON API until they expire.`,
	Version: version,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./tempmail.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment")
	rootCmd.PersistentFlags().IntVarP(&verbosity, "verbose", "v", 0, "verbosity level (0-3)")

	rootCmd.AddCommand(commands.NewServerCommand())
	rootCmd.AddCommand(commands.NewConfigCommand())
	rootCmd.AddCommand(commands.NewStatsCommand())
	rootCmd.AddCommand(commands.NewCleanupCommand())
	rootCmd.AddCommand(commands.NewAddressCommand())
	rootCmd.AddCommand(commands.NewTestCommand())
}

func initConfig() {
	if err := config.LoadEnvFiles(envFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}

	if cfgFile != "" {
		viper.Set("config", cfgFile)
	}

	viper.SetEnvPrefix(config.EnvPrefix)
	viper.AutomaticEnv()

	mode := viper.GetString("log_mode")
	if verbosity > 1 {
		mode = "development"
	}
	logging.InitLogger(mode)

	if verbosity > 0 {
		if cfgFile != "" {
			fmt.Fprintln(os.Stderr, "Using config file:", cfgFile)
		}
	}

	api.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
