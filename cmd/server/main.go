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

	"behavior-gate/internal/config"
	"behavior-gate/internal/factory"
	"behavior-gate/internal/handler"
	"behavior-gate/internal/util"

	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Initialize factory (which loads config and initializes all clients)
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	if !f.IsHealthy(context.Background()) {
		util.Warn("Starting with unhealthy primary dependencies")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, f); err != nil {
		util.Error("Server stopped with error", util.ErrorField(err))
		f.Close()
		os.Exit(1)
	}
}

// run serves until ctx is cancelled, then drains every listener.
func run(ctx context.Context, f *factory.Factory) error {
	cfg := f.Config()
	router := handler.NewRouter(f.BehaviorHandler(), cfg, util.Get())
	servers := buildServers(f, cfg, router)

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range servers {
		s := s
		g.Go(func() error {
			util.Info("Starting listener",
				util.String("address", s.srv.Addr),
				util.Bool("tls", s.tls),
				util.String("environment", cfg.Environment))

			var err error
			if s.tls {
				err = s.srv.ListenAndServeTLS("", "")
			} else {
				err = s.srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listener %s: %w", s.srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		util.Info("Shutting down listeners")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, s := range servers {
			if err := s.srv.Shutdown(shutdownCtx); err != nil {
				util.Error("Failed to shutdown server gracefully",
					util.String("address", s.srv.Addr),
					util.ErrorField(err))
			}
		}
		return nil
	})

	return g.Wait()
}

type listener struct {
	srv *http.Server
	tls bool
}

// buildServers returns the API listener and, with ACME in production, the
// plain listener that answers HTTP-01 challenges.
func buildServers(f *factory.Factory, cfg *config.Config, router http.Handler) []listener {
	api := &http.Server{
		Addr:              cfg.GetServerAddress(),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	if !cfg.Server.EnableTLS {
		util.Warn("TLS is disabled, serving plain HTTP", util.Int("port", cfg.Server.Port))
		return []listener{{srv: api}}
	}

	tlsManager := f.TLSManager()
	api.Addr = fmt.Sprintf(":%d", cfg.Server.TLSPort)
	api.TLSConfig = tlsManager.GetTLSConfig()
	servers := []listener{{srv: api, tls: true}}

	if acme := tlsManager.GetAutocertManager(); acme != nil && cfg.IsProduction() {
		servers = append(servers, listener{srv: &http.Server{
			Addr:              cfg.GetServerAddress(),
			Handler:           acme.HTTPHandler(nil),
			ReadHeaderTimeout: 5 * time.Second,
		}})
		util.Info("ACME challenge listener enabled", util.String("domain", cfg.Server.Domain))
	}
	return servers
}
