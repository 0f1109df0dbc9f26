package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	capsule "github.com/timecapsule-app/capsule-sdk-go"
)

var watchMetricsAddr string

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream notifications and keep the offline queue flowing",
	Long: "Stay connected: print notifications as they arrive, report connectivity changes, " +
		"and replay queued requests whenever the connection returns.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, store, err := newClient()
		if err != nil {
			return err
		}
		defer store.Close()
		defer client.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if !client.Session().IsAuthenticated(ctx) {
			return fmt.Errorf("not signed in; run 'capsule login' first")
		}

		client.On(capsule.EventOnline, func(string, any) { fmt.Println("● online") })
		client.On(capsule.EventOffline, func(string, any) { fmt.Println("○ offline") })
		client.On(capsule.EventPoorConnection, func(string, any) { fmt.Println("◌ poor connection") })
		client.On(capsule.EventQueueSent, func(_ string, p any) {
			fmt.Printf("↑ queued request delivered %v\n", p.(map[string]any)["path"])
		})
		client.On(capsule.EventQueueDropped, func(_ string, p any) {
			m := p.(map[string]any)
			fmt.Printf("✕ queued request dropped (%v) %v\n", m["reason"], m["id"])
		})
		client.On(capsule.EventNewNotification, func(_ string, p any) {
			n := p.(capsule.Notification)
			fmt.Printf("[%s] %s\n", n.CreatedAt.Local().Format("15:04"), n.Message)
		})

		if err := client.Start(ctx); err != nil {
			return err
		}
		feed := client.Notifications(&capsule.FeedConfig{AutoReconnect: true, MaxReconnectAttempts: -1})

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if err := feed.Connect(gctx); err != nil {
				return fmt.Errorf("notification feed: %w", err)
			}
			<-gctx.Done()
			if err := feed.Disconnect(); err != nil {
				logrus.WithError(err).Debug("notification feed close")
			}
			return nil
		})
		if watchMetricsAddr != "" {
			srv := &http.Server{
				Addr:              watchMetricsAddr,
				Handler:           promhttp.HandlerFor(client.Metrics().Registry(), promhttp.HandlerOpts{}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			g.Go(func() error {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
		}

		fmt.Println("Watching. Press Ctrl-C to stop.")
		return g.Wait()
	},
}
