package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/chainhawk/correlate/cli/pkg/output"
	"github.com/telhawk-systems/chainhawk/correlate/internal/auth"
)

// envJWTSecret is the variable the service reads its signing secret from.
const envJWTSecret = "CORRELATE_AUTH_JWT_SECRET"

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for the correlate API",
	Long: `Sign a token with the service's shared secret. Admin routes (clearing
engine state, reloading patterns) require the admin role.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, _ := cmd.Flags().GetString("secret")
		if secret == "" {
			secret = os.Getenv(envJWTSecret)
		}
		if secret == "" {
			return fmt.Errorf("a signing secret is required (--secret or %s)", envJWTSecret)
		}

		user, _ := cmd.Flags().GetString("user")
		roles, _ := cmd.Flags().GetStringSlice("roles")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		save, _ := cmd.Flags().GetBool("save")

		token, err := auth.NewValidator(secret).Generate(user, roles, ttl)
		if err != nil {
			return fmt.Errorf("failed to sign token: %w", err)
		}

		if save {
			profile, _ := cmd.Flags().GetString("profile")
			if profile == "" {
				profile = cfg.CurrentProfile
			}
			serverURL, _ := cfg.Resolve(profile)
			if err := cfg.SaveProfile(profile, serverURL, token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}
			output.Success("Token saved to profile '%s'", profile)
			return nil
		}

		if jsonOutput(cmd) {
			return output.JSON(map[string]interface{}{
				"token":      token,
				"user":       user,
				"roles":      roles,
				"expires_at": time.Now().Add(ttl).UTC(),
			})
		}
		fmt.Println(token)
		output.Info("Roles: %s, expires in %s", strings.Join(roles, ","), ttl)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().String("secret", "", "signing secret (default: $"+envJWTSecret+")")
	tokenCmd.Flags().String("user", "chainctl", "token subject")
	tokenCmd.Flags().StringSlice("roles", []string{auth.RoleAdmin}, "roles to grant")
	tokenCmd.Flags().Duration("ttl", 12*time.Hour, "token lifetime")
	tokenCmd.Flags().Bool("save", false, "store the token in the current profile instead of printing it")
}
