package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"rollbox/internal/security"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Generate a project secret for signing API requests",
	Long: `Print a random secret suitable for a project's 'secret' setting.

Clients sign mutating API requests with it:
  X-Rollbox-Signature-256: sha256=<hex HMAC-SHA256 of the body>`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := security.GenerateSecret()
		if err != nil {
			return err
		}
		if err := security.ValidateSecret(secret); err != nil {
			return fmt.Errorf("generated secret rejected: %w", err)
		}
		fmt.Println(secret)
		return nil
	},
}
