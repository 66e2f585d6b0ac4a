package commands

import (
	"fmt"

	"github.com/grumpyguvner/tempmail/internal/config"
	"github.com/grumpyguvner/tempmail/internal/mail"
	"github.com/grumpyguvner/tempmail/internal/validation"
	"github.com/spf13/cobra"
)

func NewAddressCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "address",
		Short: "Work with disposable addresses",
	}

	cmd.AddCommand(newAddressNewCommand())

	return cmd
}

func newAddressNewCommand() *cobra.Command {
	var (
		domain string
		count  int
	)

	cmd := &cobra.Command{
		Use:   "new",
		Short: "Generate random addresses on a served domain",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			validator := validation.NewEmailValidator(cfg.Domains, cfg.MaxMessageBytes, nil)
			if domain != "" && !validator.ServesDomain(domain) {
				return fmt.Errorf("domain %s is not served (served: %v)", domain, cfg.Domains)
			}

			for i := 0; i < count; i++ {
				addr, err := mail.NewAddress(validator.Domains, domain)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), addr)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&domain, "domain", "", "domain to use (default: random served domain)")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of addresses")

	return cmd
}
