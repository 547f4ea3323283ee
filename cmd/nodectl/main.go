package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/edgenode/internal/config"
	"github.com/danmuck/edgenode/internal/logging"
	"github.com/danmuck/edgenode/internal/node"
	"github.com/danmuck/edgenode/internal/observability"
	"github.com/danmuck/edgenode/internal/portal"
	"github.com/danmuck/edgenode/internal/store"
	"github.com/danmuck/edgenode/internal/transport"
	"github.com/danmuck/edgenode/internal/wifi"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to node config (TOML); empty uses defaults and EDGENODE_* env")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.ConfigureRuntime()
		log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load node config")
	}
	logging.ConfigureRuntime(cfg.LogOverride())
	log.Info().Str("path", *configPath).Str("node", cfg.Name).Msg("loaded node config")

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("node stopped")
	}
}

func run(cfg config.NodeConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nv, closeNV, err := openNV(cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeNV(); err != nil {
			log.Warn().Err(err).Msg("nv close failed")
		}
	}()
	st := store.New(nv, cfg.StoreOptions())

	portalSrv := portal.New(cfg.PortalConfig())
	mcfg := cfg.ManagerConfig()
	mcfg.Portal = portalSrv
	mcfg.Render = portal.Render
	mgr := wifi.NewManager(newRadio(cfg), st, mcfg)

	var tcp *transport.TCP
	if cfg.Messaging.TCPHost != "" {
		tcp = transport.NewTCP(cfg.TCPConfig())
	}
	n := node.New(mgr, transport.NewUDP(transport.DefaultUDPConfig()), tcp, cfg.NodeRuntime())
	mgr.SetConnectHandler(func(userCtx any) {
		nd := userCtx.(*node.Node)
		devID, nodeID := nd.Manager().Identity()
		log.Info().
			Str("dev_id", devID).
			Str("node_id", nodeID).
			Str("addr", nd.Manager().LocalAddr().String()).
			Msg("node reachable on home network")
	}, n)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.Run(gctx)
	})
	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.Metrics.Addr, cfg.Name)
		})
	}
	return g.Wait()
}

func openNV(cfg config.StoreConfig) (store.NV, func() error, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		db, err := store.OpenSQLite(cfg.Path, int(cfg.Offset)+store.RecordSize)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("backend", cfg.Backend).Str("path", cfg.Path).Msg("nv opened")
		return db, db.Close, nil
	case config.BackendFile:
		img, err := store.OpenFileImage(cfg.Path, cfg.Offset+int64(store.RecordSize))
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("backend", cfg.Backend).Str("path", cfg.Path).Msg("nv opened")
		return img, img.Close, nil
	default:
		log.Warn().Msg("memory nv selected, configuration will not survive restart")
		return store.NewMemory(int(cfg.Offset) + store.RecordSize), func() error { return nil }, nil
	}
}

func serveMetrics(ctx context.Context, addr, nodeName string) error {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), observability.RequestLogger(log.Logger), observability.RequestMetricsMiddleware(nodeName))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "node": nodeName})
	})

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("metrics server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
