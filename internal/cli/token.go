package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"ordersync/backend/internal/httpapi"
)

// NewTokenCommand issues a bearer token signed with AUTH_SECRET.
func NewTokenCommand(opts *RootOptions) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:           "token <subject>",
		Short:         "Issue an integrator bearer token",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			if cfg.AuthSecret == "" {
				return wrapExit(ExitCommandError, "AUTH_SECRET is not set", nil)
			}
			if ttl <= 0 {
				ttl = time.Duration(cfg.AccessTokenTTLMinutes) * time.Minute
			}
			auth, err := httpapi.NewAuthManager(cfg.AuthSecret, ttl, nil)
			if err != nil {
				return wrapExit(ExitCommandError, "build auth manager", err)
			}
			resp, err := auth.IssueToken(args[0])
			if err != nil {
				return wrapExit(ExitCommandError, "issue token", err)
			}
			return opts.emit(cmd.OutOrStdout(), resp, func(w io.Writer) {
				fmt.Fprintln(w, resp.AccessToken)
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to ACCESS_TOKEN_TTL_MINUTES)")
	return cmd
}

// NewHashKeyCommand prints the bcrypt hash to store in API_KEYS.
func NewHashKeyCommand(opts *RootOptions) *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:           "hash-key <api-key>",
		Short:         "Hash an API key for the API_KEYS setting",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := httpapi.HashKey(args[0])
			if err != nil {
				return wrapExit(ExitCommandError, "hash key", err)
			}
			entry := hash
			if subject != "" {
				entry = subject + ":" + hash
			}
			return opts.emit(cmd.OutOrStdout(), map[string]string{"entry": entry}, func(w io.Writer) {
				fmt.Fprintln(w, entry)
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "integrator name to prefix the entry with")
	return cmd
}
