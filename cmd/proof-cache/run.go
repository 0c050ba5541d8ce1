package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/consensus-shipyard/go-topdown/metrics"
	"github.com/consensus-shipyard/go-topdown/node"
	"github.com/consensus-shipyard/go-topdown/node/config"
	"github.com/consensus-shipyard/go-topdown/proofs/service"
)

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "Run the proof generator until interrupted",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "path to a TOML file with a [ProofService] section",
			EnvVars: []string{"TOPDOWN_PROOFS_CONFIG"},
			Value:   "~/.topdown/config.toml",
		},
		&cli.Uint64Flag{
			Name:  "initial-committed",
			Usage: "last F3 instance committed by the subnet",
		},
		&cli.StringFlag{
			Name:  "listen",
			Usage: "address serving /debug/metrics and /status; empty to disable",
			Value: "127.0.0.1:9771",
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := config.FromFile(cctx.String("config"), config.DefaultProofService())
		if err != nil {
			return xerrors.Errorf("loading config: %w", err)
		}
		// Running the command means the service is wanted.
		cfg.Enabled = true

		ctx, stopSignals := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stopSignals()

		var svc *service.Service
		stop, err := node.New(ctx,
			node.ProofService(cfg, cctx.Uint64("initial-committed")),
			node.Populate(&svc),
		)
		if err != nil {
			return err
		}

		var srv *http.Server
		if addr := cctx.String("listen"); addr != "" {
			if srv, err = serveDebug(addr, svc); err != nil {
				_ = stop(context.Background())
				return err
			}
		}

		<-ctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if srv != nil {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warnw("shutting down debug server", "error", err)
			}
		}
		return stop(shutdownCtx)
	},
}

func serveDebug(addr string, svc *service.Service) (*http.Server, error) {
	exporter, err := metrics.Exporter("topdown")
	if err != nil {
		return nil, err
	}

	m := mux.NewRouter()
	m.Handle("/debug/metrics", exporter)
	m.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := printJSON(w, svc.Status()); err != nil {
			log.Warnw("writing status", "error", err)
		}
	}).Methods(http.MethodGet)

	lst, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.Errorf("listening on %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           m,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(lst); err != nil && err != http.ErrServerClosed {
			log.Errorw("debug server stopped", "error", err)
		}
	}()
	log.Infow("serving debug endpoints", "addr", lst.Addr().String())
	return srv, nil
}

var configCmd = &cli.Command{
	Name:  "config",
	Usage: "Manage the proof service config",
	Subcommands: []*cli.Command{
		configDefaultCmd,
	},
}

var configDefaultCmd = &cli.Command{
	Name:  "default",
	Usage: "Print the default proof service config",
	Action: func(cctx *cli.Context) error {
		cb, err := config.ConfigComment(config.DefaultProofService())
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(cctx.App.Writer, string(cb))
		return err
	},
}
