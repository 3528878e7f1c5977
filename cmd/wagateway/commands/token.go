package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ggoodman/wa-gateway-go/internal/app"
)

func tokenCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a per-user bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}
			signer, err := app.NewSigner(cfg)
			if err != nil {
				return err
			}
			if signer == nil {
				return errors.New("WA_TOKEN_SIGNING_KEY is not set")
			}
			tok, exp, err := signer.Issue(userID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires: %s\n", exp.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user id the token is bound to")
	return cmd
}
