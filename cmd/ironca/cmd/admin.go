package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/api"
	"github.com/jmcleod/ironca/orgkey"
	"github.com/jmcleod/ironca/pki"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), Version)
	},
}

var masterKeyCmd = &cobra.Command{
	Use:   "masterkey",
	Short: "Manage the master key that wraps organization keys",
}

var masterKeyGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Print a new random master key",
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := orgkey.GenerateMasterKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), k)
		return nil
	},
}

var (
	newMasterKey     string
	newMasterKeyFile string
)

var masterKeyRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rewrap every organization key under a new master key",
	RunE: func(cmd *cobra.Command, args []string) error {
		newKey, err := orgkey.LoadMasterKey(appFs, newMasterKey, newMasterKeyFile)
		if err != nil {
			return fmt.Errorf("new master key: %w", err)
		}
		return withComponents(cmd, func(ctx context.Context, c *components) error {
			n, err := c.keys.Rotate(ctx, newKey)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rewrapped %d organization keys under master key %s\n", n, c.keys.MasterKeyID())
			return nil
		})
	},
}

var newUser pki.User

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage the user directory",
}

var userAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add or replace a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withComponents(cmd, func(ctx context.Context, c *components) error {
			u, err := c.service.AddUser(ctx, newUser)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %s saved (%s, %s)\n", u.ID, u.Role, u.Organization)
			return nil
		})
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withComponents(cmd, func(ctx context.Context, c *components) error {
			users, err := c.service.Users(ctx)
			if err != nil {
				return err
			}
			for _, u := range users {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", u.ID, u.Role, u.Organization, u.Email)
			}
			return nil
		})
	},
}

var (
	tokenUser string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for a user in the directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if cfg.JWTSecret == "" {
			return errNoJWTSecret
		}
		return withComponents(cmd, func(ctx context.Context, c *components) error {
			u, err := c.service.User(ctx, tokenUser)
			if err != nil {
				return err
			}
			raw, err := api.IssueToken([]byte(cfg.JWTSecret), pki.Principal{
				UserID:       u.ID,
				Role:         u.Role,
				Organization: u.Organization,
			}, tokenTTL)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), raw)
			return nil
		})
	},
}

// withComponents opens the configured storage for a one-shot command.
func withComponents(cmd *cobra.Command, fn func(ctx context.Context, c *components) error) error {
	cfg := loadConfig()
	logger, closeLog, err := newLogger(appFs, io.Discard, cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()

	c, err := openComponents(ctx, appFs, cfg, logger)
	if err != nil {
		return err
	}
	defer c.close()
	if err := fn(ctx, c); err != nil {
		logger.Error("command failed", slog.String("command", cmd.CommandPath()), slog.Any("error", err))
		return err
	}
	return nil
}

func init() {
	rootCmd.AddCommand(versionCmd, masterKeyCmd, userCmd, tokenCmd)

	masterKeyCmd.AddCommand(masterKeyGenerateCmd, masterKeyRotateCmd)
	masterKeyRotateCmd.Flags().StringVar(&newMasterKey, "new-key", "", "Hex-encoded replacement master key")
	masterKeyRotateCmd.Flags().StringVar(&newMasterKeyFile, "new-key-file", "", "File holding the replacement master key")

	userCmd.AddCommand(userAddCmd, userListCmd)
	userAddCmd.Flags().StringVar(&newUser.ID, "id", "", "User id (the token subject)")
	userAddCmd.Flags().StringVar((*string)(&newUser.Role), "role", string(pki.RoleRegularUser), "ADMINISTRATOR, CA_USER or REGULAR_USER")
	userAddCmd.Flags().StringVar(&newUser.Organization, "organization", "", "Organization the user belongs to")
	userAddCmd.Flags().StringVar(&newUser.Email, "email", "", "Contact email")
	userAddCmd.MarkFlagRequired("id")

	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "User id to mint the token for")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 12*time.Hour, "Token lifetime")
	tokenCmd.MarkFlagRequired("user")
}
