// Command edge-gateway accepts protocol translator connections, tracks the devices they
// register and forwards writes to them.
//
//	edge-gateway -config gateway.toml
package main

import (
	"context"
	"edge-rpc/admin"
	"edge-rpc/config"
	"edge-rpc/discovery"
	"edge-rpc/logging"
	"edge-rpc/server"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the gateway TOML file (defaults apply when empty)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "edge-gateway: %v\n", err)
			os.Exit(2)
		}
	}
	logging.ConfigureRuntime(cfg.LogSettings)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("gateway stopped")
	}
}

func run(cfg config.Config) error {
	var opts []server.Option
	if len(cfg.Etcd.Endpoints) > 0 {
		d, err := discovery.NewEtcdDiscovery(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout)
		if err != nil {
			return err
		}
		defer d.Close()
		opts = append(opts, server.WithDiscovery(d))
	}

	srv, err := server.New(cfg, opts...)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}

	var adm *admin.Admin
	var adminLn net.Listener
	if cfg.Admin.Listen != "" {
		if adminLn, err = net.Listen("tcp", cfg.Admin.Listen); err != nil {
			ln.Close()
			return err
		}
		adm = admin.New(cfg.Name, srv)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return srv.Serve(ln) })
	if adm != nil {
		g.Go(func() error { return adm.Serve(adminLn) })
	}
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		if adm != nil {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := adm.Shutdown(sctx); err != nil {
				log.Warn().Err(err).Msg("admin shutdown")
			}
		}
		return srv.Shutdown(shutdownTimeout)
	})
	return g.Wait()
}
