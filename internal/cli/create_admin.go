package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shineum/loomio-relay/internal/admin"
)

const rule = "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"

func newCreateAdminCommand(deps Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create-admin EMAIL NAME [PASSWORD]",
		Short: "Create a verified admin user",
		Long: "Create a verified admin user. Without PASSWORD a strong password is generated " +
			"and printed once. With --reset-token the user gets a random password and the " +
			"command prints only a password reset token.",
		Args: cobra.MaximumNArgs(3),
	}
	resetToken := cmd.Flags().Bool("reset-token", false, "issue a password reset token instead of printing a password")
	keyDigest := cmd.Flags().String("key-digest", "sha256", "PBKDF2 digest of the Rails key generator (sha256 or sha1)")
	bcryptCost := cmd.Flags().Int("bcrypt-cost", admin.DefaultBcryptCost, "bcrypt cost for the stored password")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		req := admin.Request{}
		if len(args) > 0 {
			req.Email = args[0]
		}
		if len(args) > 1 {
			req.Name = args[1]
		}
		if len(args) > 2 {
			req.Password = args[2]
		}

		if err := admin.ValidateRequest(&req); err != nil {
			if *resetToken && (errors.Is(err, admin.ErrEmailRequired) || errors.Is(err, admin.ErrNameRequired)) {
				return fail(cmd, true, "Email and name required")
			}
			return fail(cmd, true, "%s", validationMessage(err, req.Email))
		}

		opts := []admin.Option{admin.WithBcryptCost(*bcryptCost)}
		if *resetToken {
			secret := os.Getenv("SECRET_KEY_BASE")
			if secret == "" {
				return fail(cmd, false, "SECRET_KEY_BASE is not set")
			}
			gen, err := admin.NewTokenGenerator(secret, *keyDigest)
			if err != nil {
				return fail(cmd, false, "%v", err)
			}
			opts = append(opts, admin.WithTokenGenerator(gen))
		}

		ctx := cmd.Context()
		store, release, err := deps.OpenUserStore(ctx)
		if err != nil {
			return fail(cmd, false, "%v", err)
		}
		defer release()

		creator := admin.NewCreator(store, opts...)
		slog.Debug("creating admin user", "email", req.Email, "reset_token", *resetToken)

		if *resetToken {
			raw, err := creator.CreateWithResetToken(ctx, req)
			if err != nil {
				return createFailure(cmd, err, req.Email)
			}
			fmt.Fprintln(cmd.OutOrStdout(), raw)
			return nil
		}

		creds, err := creator.CreateAdmin(ctx, req)
		if err != nil {
			return createFailure(cmd, err, req.Email)
		}
		printCredentials(cmd.OutOrStdout(), creds)
		return nil
	}
	return cmd
}

func validationMessage(err error, email string) string {
	switch {
	case errors.Is(err, admin.ErrEmailRequired):
		return "Email is required"
	case errors.Is(err, admin.ErrNameRequired):
		return "Name is required"
	case errors.Is(err, admin.ErrInvalidEmail):
		return fmt.Sprintf("Email %s is not a valid address", email)
	default:
		return err.Error()
	}
}

func createFailure(cmd *cobra.Command, err error, email string) error {
	if errors.Is(err, admin.ErrUserExists) {
		return fail(cmd, false, "User with email %s already exists", email)
	}
	return fail(cmd, false, "Failed to create admin user\n%v", err)
}

func printCredentials(w io.Writer, c *admin.Credentials) {
	lines := []string{
		"",
		rule,
		"✓ Admin user created successfully!",
		rule,
		"",
		"Email:    " + c.Email,
		"Name:     " + c.Name,
		"Password: " + c.Password,
		"",
		rule,
		"⚠  Save this password immediately!",
		"   It will not be shown again.",
		rule,
		"",
	}
	fmt.Fprintln(w, strings.Join(lines, "\n"))
}
