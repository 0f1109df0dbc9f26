package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	capsule "github.com/timecapsule-app/capsule-sdk-go"
)

var (
	listPage     int
	listLimit    int
	listPublic   bool
	createTitle  string
	createBody   string
	createOpenAt string
	createPublic bool
	createWait   bool
)

func init() {
	capsulesListCmd.Flags().IntVar(&listPage, "page", 0, "Page number")
	capsulesListCmd.Flags().IntVar(&listLimit, "limit", 0, "Page size")
	capsulesListCmd.Flags().BoolVar(&listPublic, "public", false, "List released public capsules instead of your own")

	capsulesCreateCmd.Flags().StringVar(&createTitle, "title", "", "Capsule title (required)")
	capsulesCreateCmd.Flags().StringVar(&createBody, "message", "", "Message sealed in the capsule")
	capsulesCreateCmd.Flags().StringVar(&createOpenAt, "open-at", "", "Release date, RFC 3339 or YYYY-MM-DD (required)")
	capsulesCreateCmd.Flags().BoolVar(&createPublic, "public", false, "Make the capsule public once released")
	capsulesCreateCmd.Flags().BoolVar(&createWait, "wait", false, "If queued offline, wait until it is delivered")
	capsulesCreateCmd.MarkFlagRequired("title")
	capsulesCreateCmd.MarkFlagRequired("open-at")

	capsulesCmd.AddCommand(capsulesListCmd)
	capsulesCmd.AddCommand(capsulesCreateCmd)
	capsulesCmd.AddCommand(capsulesDeleteCmd)
	rootCmd.AddCommand(capsulesCmd)
}

var capsulesCmd = &cobra.Command{
	Use:   "capsules",
	Short: "List, create and delete time capsules",
}

var capsulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List capsules (served from cache when offline)",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, store, err := newClient()
		if err != nil {
			return err
		}
		defer store.Close()
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		opts := &capsule.ListOptions{Page: listPage, Limit: listLimit}
		var list []capsule.Capsule
		if listPublic {
			list, err = client.Capsules.ListPublic(ctx, opts)
		} else {
			list, err = client.Capsules.List(ctx, opts)
		}
		if err != nil {
			return err
		}
		if !client.Connectivity().IsOnline() {
			fmt.Fprintln(os.Stderr, "Offline: showing cached capsules.")
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tOPENS\tSTATUS\tRATING")
		for _, c := range list {
			status := "sealed"
			if c.Released {
				status = "open"
			}
			if c.IsPublic {
				status += ", public"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.1f (%d)\n",
				c.ID, c.Title, c.ReleaseDate.Format("2006-01-02"), status, c.Rating, c.RatingCount)
		}
		return w.Flush()
	},
}

var capsulesCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Seal a new capsule (queued if offline)",
	RunE: func(cmd *cobra.Command, args []string) error {
		openAt, err := parseDate(createOpenAt)
		if err != nil {
			return err
		}

		client, store, err := newClient()
		if err != nil {
			return err
		}
		defer store.Close()
		defer client.Close()

		ctx := context.Background()
		if err := client.Start(ctx); err != nil {
			return err
		}

		c, err := client.Capsules.Create(ctx, &capsule.CreateCapsuleOptions{
			Title:       createTitle,
			Content:     createBody,
			ReleaseDate: openAt,
			IsPublic:    createPublic,
		})
		var queued *capsule.QueuedError
		if errors.As(err, &queued) {
			fmt.Printf("%s\nQueued as %s.\n", queued.Error(), queued.ID)
			if !createWait {
				return nil
			}
			fmt.Println("Waiting for the connection to return (Ctrl-C to stop; the capsule stays queued)...")
			res := <-queued.Done
			if res.Err != nil {
				return fmt.Errorf("queued capsule was not delivered: %w", res.Err)
			}
			fmt.Println("Queued capsule delivered.")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("Sealed %q (%s), opens %s\n", c.Title, c.ID, c.ReleaseDate.Format("2006-01-02"))
		return nil
	},
}

var capsulesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete one of your capsules",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, store, err := newClient()
		if err != nil {
			return err
		}
		defer store.Close()
		defer client.Close()

		ctx := context.Background()
		if err := client.Start(ctx); err != nil {
			return err
		}
		err = client.Capsules.Delete(ctx, args[0])
		if errors.Is(err, capsule.ErrQueued) {
			fmt.Println("Offline: the deletion will be sent when the connection returns.")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Println("Deleted.")
		return nil
	},
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: use RFC 3339 or YYYY-MM-DD", s)
	}
	return t, nil
}
