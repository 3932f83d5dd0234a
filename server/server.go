// Package server wires the coordinator's collaborators together and runs
// them until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/fedmesh/cotrain/config"
	"github.com/fedmesh/cotrain/conslog"
	"github.com/fedmesh/cotrain/history"
	"github.com/fedmesh/cotrain/ledger"
	"github.com/fedmesh/cotrain/logging"
	"github.com/fedmesh/cotrain/mesh"
	"github.com/fedmesh/cotrain/orchestrator"
	"github.com/fedmesh/cotrain/storage"
	"github.com/fedmesh/cotrain/storage/o3"
)

type Server struct {
	cfg  *config.Config
	orch *orchestrator.Orchestrator

	db    *history.Database
	relay *conslog.Relay

	metricsListener net.Listener
}

func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	store, err := o3.New(cfg.StoreEndpoint)
	if err != nil {
		return nil, fmt.Errorf("creating object store client: %w", err)
	}
	uploader := storage.NewUploader(store, cfg.Bucket)

	relayClient, err := ledger.NewRelayClient(cfg.RelayEndpoint, cfg.MirrorEndpoint, cfg.ContractID)
	if err != nil {
		return nil, fmt.Errorf("creating ledger client: %w", err)
	}
	escrow := ledger.NewEscrow(relayClient, ledger.WithSettleDelay(cfg.Round.SettleDelay))

	gateway, err := mesh.NewClient(cfg.GatewayEndpoint)
	if err != nil {
		return nil, fmt.Errorf("creating gateway client: %w", err)
	}

	db, err := history.NewDatabase(cfg.DBDir())
	if err != nil {
		return nil, err
	}

	sub, err := conslog.NewMirrorSubscriber(cfg.MirrorEndpoint, 0)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating log subscriber: %w", err)
	}
	logRelay := conslog.NewRelay(sub, db)

	orch, err := orchestrator.New(*cfg.Round, orchestrator.Deps{
		Uploader:   uploader,
		Escrow:     escrow,
		Ledger:     relayClient,
		Network:    gateway,
		Assembly:   mesh.NewAssemblyPoller(gateway, cfg.AssemblyInterval),
		Dispatcher: mesh.NewDispatcher(gateway),
		Relay:      logRelay,
		History:    db,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	var metricsListener net.Listener
	if cfg.MetricsAddr != "" {
		metricsListener, err = net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("listening on %s: %w", cfg.MetricsAddr, err)
		}
	}

	return &Server{
		cfg:             cfg,
		orch:            orch,
		db:              db,
		relay:           logRelay,
		metricsListener: metricsListener,
	}, nil
}

func (s *Server) Close() error {
	var result error
	if err := s.relay.Stop(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.db.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}

// Orchestrator exposes the round lifecycle driver to callers embedding the
// server.
func (s *Server) Orchestrator() *orchestrator.Orchestrator {
	return s.orch
}

// History exposes the round record store.
func (s *Server) History() *history.Database {
	return s.db
}

// Start re-arms any round interrupted mid-training, then runs the completion
// loop and the metrics endpoint until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	serverGroup, ctx := errgroup.WithContext(ctx)

	logger := logging.FromContext(ctx)

	if err := s.orch.Recover(ctx); err != nil {
		return fmt.Errorf("recovering interrupted round: %w", err)
	}

	logger.Info("starting completion loop")
	serverGroup.Go(func() error {
		err := s.orch.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if s.metricsListener != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		serverGroup.Go(func() error {
			logger.Sugar().Infof("metrics listening on %s", s.metricsListener.Addr())
			err := metricsServer.Serve(s.metricsListener)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		serverGroup.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	return serverGroup.Wait()
}
