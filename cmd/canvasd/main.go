package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dreamware/pixelcanvas/internal/identity"
	"github.com/dreamware/pixelcanvas/internal/reaper"
	"github.com/dreamware/pixelcanvas/internal/server"
	"github.com/dreamware/pixelcanvas/internal/storage"
	"github.com/dreamware/pixelcanvas/internal/storage/sqlite"
)

const shutdownTimeout = 5 * time.Second

func main() {
	log.SetPrefix("[CANVASD] ")

	cfg, err := parseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, nil); err != nil {
		log.Fatalf("canvasd: %v", err)
	}
	log.Println("canvasd stopped")
}

// run serves the canvas until ctx is cancelled or a component fails. A nil
// listener listens on cfg.Addr.
func run(ctx context.Context, cfg Config, ln net.Listener) error {
	store, err := openStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	secret := []byte(cfg.TokenSecret)
	if len(secret) == 0 {
		log.Println("no token secret configured, identities will not survive a restart")
		if secret, err = identity.RandomSecret(); err != nil {
			return err
		}
	}
	issuer, err := identity.NewIssuer(secret, cfg.TokenTTL)
	if err != nil {
		return err
	}

	r := reaper.New(store, cfg.Retention, cfg.SweepInterval)
	if err := r.Activate(ctx); err != nil {
		return fmt.Errorf("activate reaper: %w", err)
	}

	srv := server.New(store, r, issuer)
	defer srv.Close()

	if ln == nil {
		if ln, err = net.Listen("tcp", cfg.Addr); err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}
	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("canvasd listening on %s", ln.Addr())
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return r.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		// subscribers hold hijacked connections that Shutdown does not track
		srv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(path string) (storage.Store, error) {
	if path == "" {
		log.Println("using in-memory store")
		return storage.NewMemoryStore(), nil
	}
	log.Printf("using sqlite store at %s", path)
	store, err := sqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store, nil
}
