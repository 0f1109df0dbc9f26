package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueDrainCmd)
	queueCmd.AddCommand(queueClearCmd)
	rootCmd.AddCommand(queueCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect requests saved while offline",
	Long:  "Only requests marked critical (capsule creation, deletion, subscriptions) survive between runs.",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved requests in replay order",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, store, err := newClient()
		if err != nil {
			return err
		}
		defer store.Close()
		defer client.Close()

		if _, err := client.Queue().Restore(context.Background()); err != nil {
			return err
		}
		items := client.Queue().Items()
		if len(items) == 0 {
			fmt.Println("No saved requests.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tMETHOD\tPATH\tQUEUED\tEXPIRES\tRETRIES")
		for _, it := range items {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n", it.ID, it.Method, it.Path,
				it.EnqueuedAt.Format(time.RFC3339), it.ExpiresAt.Format(time.RFC3339), it.RetryCount)
		}
		return w.Flush()
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay saved requests now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, store, err := newClient()
		if err != nil {
			return err
		}
		defer store.Close()
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		q := client.Queue()
		if _, err := q.Restore(ctx); err != nil {
			return err
		}
		before := q.Len()
		if !client.Connectivity().CheckNetworkStatus(ctx) {
			return fmt.Errorf("the API is unreachable; %d request(s) remain saved", before)
		}
		if err := q.Drain(ctx); err != nil {
			return err
		}
		fmt.Printf("Replayed %d request(s); %d remain.\n", before-q.Len(), q.Len())
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard every saved request",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, store, err := newClient()
		if err != nil {
			return err
		}
		defer store.Close()
		defer client.Close()

		ctx := context.Background()
		if _, err := client.Queue().Restore(ctx); err != nil {
			return err
		}
		n := client.Queue().Len()
		client.Queue().Clear(ctx)
		fmt.Printf("Discarded %d request(s).\n", n)
		return nil
	},
}
