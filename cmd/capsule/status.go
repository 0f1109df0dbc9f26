package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity, session and queue status",
	Long:  "Probe the API, report whether the session token is still valid, and list what is waiting in the offline queue.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client, store, err := newClient()
		if err != nil {
			return err
		}
		defer store.Close()
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", client.BaseURL())
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		fmt.Printf("  Storage:     %s\n", valueOrDefault(cfg.Storage.Driver, "file"))
		fmt.Printf("  Locale:      %s\n", valueOrDefault(client.Locale(), "(not set)"))

		fmt.Println()
		fmt.Println("Connectivity:")
		online := client.Connectivity().CheckNetworkStatus(ctx)
		state := client.Connectivity().State()
		if online {
			fmt.Printf("  API:         reachable (%s)\n", state.Quality)
		} else {
			fmt.Println("  API:         unreachable")
		}

		fmt.Println()
		fmt.Println("Session:")
		session := client.Session()
		tokenStatus := "none"
		if _, err := session.Token(ctx); err != nil {
			tokenStatus = fmt.Sprintf("unreadable (%v)", err)
		} else if session.IsAuthenticated(ctx) {
			if expires, ok := session.ExpiresAt(ctx); ok {
				if time.Now().Before(expires) {
					tokenStatus = fmt.Sprintf("valid (expires %s)", expires.Format(time.RFC3339))
				} else {
					tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", expires.Format(time.RFC3339))
				}
			} else {
				tokenStatus = "present (no expiry)"
			}
		}
		fmt.Printf("  Token:       %s\n", tokenStatus)
		if u, err := session.User(ctx); err == nil && u != nil {
			fmt.Printf("  User:        %s <%s>\n", u.Name, u.Email)
			if u.IsAdmin() {
				fmt.Println("  Role:        admin")
			}
		}
		if op, ok := client.Continuation().PendingAuth(ctx); ok {
			fmt.Printf("  Pending:     %s for %s (saved %s, %d retries)\n",
				op.Type, op.Credentials["email"], op.Timestamp.Format(time.RFC3339), op.RetryCount)
		}

		if online && session.IsAuthenticated(ctx) {
			if me, err := client.Auth.Me(ctx); err != nil {
				fmt.Printf("  Live check:  %v\n", err)
			} else {
				fmt.Printf("  Plan:        %s\n", valueOrDefault(me.Plan, "free"))
			}
		}

		fmt.Println()
		fmt.Println("Offline queue:")
		if _, err := client.Queue().Restore(ctx); err != nil {
			return err
		}
		items := client.Queue().Items()
		if len(items) == 0 {
			fmt.Println("  (empty)")
		}
		for _, it := range items {
			fmt.Printf("  %s %s %s (expires %s, retries %d)\n",
				it.ID[:8], it.Method, it.Path, it.ExpiresAt.Format(time.RFC3339), it.RetryCount)
		}
		return nil
	},
}
