// Command capsule-mock serves an in-memory Time Capsule API for local development.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/timecapsule-app/capsule-sdk-go/internal/mockapi"
)

func main() {
	addr := flag.String("addr", ":5000", "listen address")
	secret := flag.String("secret", "dev-secret", "HS256 token signing secret")
	seed := flag.Bool("seed", true, "create demo@example.com / admin@example.com (password: password)")
	verbose := flag.Bool("v", false, "log every request")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	srv := mockapi.New(mockapi.WithSecret(*secret), mockapi.WithLogger(log))
	if *seed {
		for _, u := range []struct{ name, email, role string }{
			{"Demo User", "demo@example.com", "user"},
			{"Admin", "admin@example.com", "admin"},
		} {
			if _, err := srv.SeedUser(u.name, u.email, "password", u.role); err != nil {
				log.WithError(err).Fatal("seed user")
			}
		}
	}

	httpSrv := &http.Server{Addr: *addr, Handler: srv, ReadHeaderTimeout: 5 * time.Second}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", *addr).Info("mock capsule API listening")
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("server stopped")
	}
}
