package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	capsule "github.com/timecapsule-app/capsule-sdk-go"
)

var registerName string

func init() {
	registerCmd.Flags().StringVar(&registerName, "name", "", "Display name")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login [email]",
	Short: "Sign in and store the session locally",
	Long:  "Sign in with email and password. If an earlier sign-in was interrupted by a lost connection, the email is pre-filled.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, store, err := newClient()
		if err != nil {
			return err
		}
		defer store.Close()
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		email := ""
		if len(args) == 1 {
			email = args[0]
		}
		if op, ok := client.Continuation().PendingAuth(ctx); ok && op.Type == capsule.AuthLogin && email == "" {
			email = op.Credentials["email"]
			fmt.Println("Resuming your interrupted sign-in.")
		}
		if email, err = prompt("Email: ", email); err != nil {
			return err
		}
		password, err := promptPassword("Password: ")
		if err != nil {
			return err
		}

		auth, err := client.Auth.Login(ctx, email, password)
		if err != nil {
			return explainAuthError("Sign-in", err)
		}
		fmt.Printf("Signed in as %s <%s>\n", auth.User.Name, auth.User.Email)
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register [email]",
	Short: "Create an account and sign in",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, store, err := newClient()
		if err != nil {
			return err
		}
		defer store.Close()
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		opts := &capsule.RegisterOptions{Name: registerName}
		if len(args) == 1 {
			opts.Email = args[0]
		}
		if op, ok := client.Continuation().PendingAuth(ctx); ok && op.Type == capsule.AuthRegister {
			opts.Email = valueOrDefault(opts.Email, op.Credentials["email"])
			opts.Name = valueOrDefault(opts.Name, op.Credentials["name"])
			fmt.Println("Resuming your interrupted registration.")
		}
		if opts.Name, err = prompt("Name: ", opts.Name); err != nil {
			return err
		}
		if opts.Email, err = prompt("Email: ", opts.Email); err != nil {
			return err
		}
		if opts.Password, err = promptPassword("Password: "); err != nil {
			return err
		}

		auth, err := client.Auth.Register(ctx, opts)
		if err != nil {
			return explainAuthError("Registration", err)
		}
		fmt.Printf("Welcome, %s! Your account is ready.\n", auth.User.Name)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the local session",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, store, err := newClient()
		if err != nil {
			return err
		}
		defer store.Close()
		defer client.Close()

		if err := client.Auth.Logout(context.Background()); err != nil {
			return fmt.Errorf("failed to clear session: %w", err)
		}
		fmt.Println("Signed out.")
		return nil
	},
}

func explainAuthError(what string, err error) error {
	var netErr *capsule.NetworkError
	if errors.Is(err, capsule.ErrOffline) || errors.As(err, &netErr) {
		return fmt.Errorf("%s failed: %w\nYour details were saved (never your password); run the command again once you are back online", what, err)
	}
	return fmt.Errorf("%s failed: %w", what, err)
}
