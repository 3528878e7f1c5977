package commands

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ggoodman/wa-gateway-go/internal/config"
)

var (
	cfg    config.Config
	logger *slog.Logger

	portOverride int
)

func Execute() error {
	root := newRootCmd()
	return root.Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "wagateway",
		Short:        "Multi-tenant messaging gateway",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load()
			if err != nil {
				return err
			}
			if portOverride != 0 {
				loaded.Port = portOverride
				if err := loaded.Validate(); err != nil {
					return err
				}
			}
			cfg = loaded

			lvl, _ := cfg.Level()
			logger = slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: lvl}))
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}
	root.PersistentFlags().IntVar(&portOverride, "port", 0, "listen port (overrides PORT)")

	root.AddCommand(serveCmd(), tokenCmd())
	return root
}
