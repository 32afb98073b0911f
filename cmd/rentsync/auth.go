package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	authPassword string
	authUsername string

	stdin = bufio.NewReader(os.Stdin)
)

func init() {
	rootCmd.AddCommand(loginCmd, signupCmd, logoutCmd, passwdCmd, renameCmd)

	for _, cmd := range []*cobra.Command{loginCmd, signupCmd} {
		cmd.Flags().StringVarP(&authPassword, "password", "p", "", "password (read from stdin when empty)")
	}
	signupCmd.Flags().StringVarP(&authUsername, "username", "u", "", "display name (required)")
}

// readSecret returns the flag value, RENTSYNC_PASSWORD, or one line of stdin.
func readSecret(prompt, flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if v := os.Getenv("RENTSYNC_PASSWORD"); v != "" {
		return v, nil
	}
	fmt.Fprint(os.Stderr, prompt)
	line, err := stdin.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read %s: %w", strings.TrimSpace(strings.TrimSuffix(prompt, ":")), err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Sign in and save the session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readSecret("Password: ", authPassword)
		if err != nil {
			return err
		}
		return withSession(func(ctx context.Context, c *client) error {
			if err := outcomeErr("sign in", c.session.SignIn(ctx, args[0], password)); err != nil {
				return err
			}
			if err := c.saveAuth(); err != nil {
				return fmt.Errorf("failed to save session: %w", err)
			}
			id := c.session.Identity()
			fmt.Printf("Signed in as %s (%s)\n", valueOrDefault(id.Username, id.Email), id.ID)
			return nil
		})
	},
}

var signupCmd = &cobra.Command{
	Use:   "signup <email>",
	Short: "Create an account and sign in",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if authUsername == "" {
			return errors.New("--username is required")
		}
		password, err := readSecret("Password: ", authPassword)
		if err != nil {
			return err
		}
		return withSession(func(ctx context.Context, c *client) error {
			if err := outcomeErr("sign up", c.session.SignUp(ctx, args[0], password, password, authUsername)); err != nil {
				return err
			}
			if err := c.saveAuth(); err != nil {
				return fmt.Errorf("failed to save session: %w", err)
			}
			fmt.Printf("Welcome, %s\n", authUsername)
			return nil
		})
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and clear the local items cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, c *client) error {
			out := c.session.SignOut(ctx)
			if err := c.saveAuth(); err != nil {
				return fmt.Errorf("failed to clear session: %w", err)
			}
			if err := outcomeErr("sign out", out); err != nil {
				return err
			}
			fmt.Println("Signed out.")
			return nil
		})
	},
}

var passwdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Change the password of the signed-in user",
	RunE: func(cmd *cobra.Command, args []string) error {
		current, err := readSecret("Current password: ", "")
		if err != nil {
			return err
		}
		next, err := readSecret("New password: ", "")
		if err != nil {
			return err
		}
		confirm, err := readSecret("Repeat new password: ", "")
		if err != nil {
			return err
		}
		return withSession(func(ctx context.Context, c *client) error {
			if _, err := requireSignedIn(c.session); err != nil {
				return err
			}
			if err := outcomeErr("change password", c.session.ChangePassword(ctx, current, next, confirm)); err != nil {
				return err
			}
			fmt.Println("Password changed.")
			return nil
		})
	},
}

var renameCmd = &cobra.Command{
	Use:   "rename <username>",
	Short: "Change the display name of the signed-in user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, c *client) error {
			if _, err := requireSignedIn(c.session); err != nil {
				return err
			}
			if err := outcomeErr("rename", c.session.UpdateUsername(ctx, args[0])); err != nil {
				return err
			}
			fmt.Printf("Username set to %s\n", args[0])
			return nil
		})
	},
}
