package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	reuseport "github.com/kavu/go_reuseport"
	"github.com/ngds/geopub/catalog"
	"github.com/ngds/geopub/geoserver"
	"github.com/ngds/geopub/ingest"
	"github.com/ngds/geopub/layer"
	"github.com/ngds/geopub/metrics"
	"github.com/ngds/geopub/middleware"
	"github.com/ngds/geopub/proxy"
	"github.com/ngds/geopub/utils"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "geopub",
		Short: "Publishes catalog resources as GeoServer layers",
		Long: `geopub turns CSV and Shapefile resources of a CKAN catalog into GeoServer
layers, records their WMS and WFS endpoints in the catalog and proxies the
capability documents of those endpoints.`,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/geopub/config.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(serveCmd(), checkConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config = zap.NewDevelopmentConfig()
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func checkConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := utils.LoadConfigFile(configFile)
			if err != nil {
				return err
			}
			if cfg.ContentModels != "" {
				if _, err := catalog.LoadContentModels(cfg.ContentModels); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: OK\n", configFile)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the publishing server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := utils.LoadConfigFile(configFile)
			if err != nil {
				return err
			}
			logger := setupLogger(verbose || cfg.Verbose)
			defer logger.Sync()
			return serve(cfg, logger)
		},
	}
}

// newMetricsLogger returns the request metrics sink and a function that
// flushes it.
func newMetricsLogger(cfg *utils.Config, logger *zap.Logger) (metrics.Logger, func()) {
	if cfg.LogDir == "" {
		return metrics.NewZapLogger(logger), func() {}
	}
	fl := metrics.NewFileLogger(cfg.LogDir, cfg.MaxLogSize, cfg.MaxLogFiles, logger, cfg.Verbose)
	return fl, fl.Close
}

func serve(cfg *utils.Config, logger *zap.Logger) error {
	models, err := loadContentModels(cfg.ContentModels)
	if err != nil {
		return err
	}
	if models != nil {
		utils.WatchConfig(logger, models.Reload)
	}

	store, err := ingest.OpenPostGIS(cfg.Datastore, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GeoServer.Timeout)
	if err := store.Ping(ctx); err != nil {
		logger.Warn("datastore not reachable yet", zap.Error(err))
	}
	cancel()

	cat := catalog.NewClient(cfg.Catalog.URL, cfg.Catalog.APIKey, cfg.Catalog.Timeout, logger)
	gs := geoserver.NewClient(geoserver.Options{
		ServiceURL:    cfg.GeoServer.ServiceURL,
		Username:      cfg.GeoServer.Username,
		Password:      cfg.GeoServer.Password,
		DefaultStore:  cfg.GeoServer.DefaultStore,
		NamespaceBase: cfg.GeoServer.NamespaceBase,
		Timeout:       cfg.GeoServer.Timeout,
		Connection:    cfg.Datastore,
	}, logger)
	publisher := layer.NewPublisher(cat, gs, cat, store, layer.Options{SiteURL: cfg.SiteURL}, logger)

	px := proxy.New(proxy.Options{
		SiteURL:      cfg.SiteURL,
		AllowedHosts: cfg.Proxy.AllowedHosts,
		Timeout:      cfg.Proxy.Timeout,
		Cache:        utils.NewOWSCache(cfg.Proxy.Memcache, cfg.Proxy.CacheTTL, logger, cfg.Verbose),
	}, logger)

	metricsLogger, flush := newMetricsLogger(cfg, logger)
	defer flush()

	h := &ogcHandler{
		publisher:  publisher,
		inferrer:   cat,
		models:     models,
		userHeader: cfg.Catalog.UserHeader,
		logger:     logger.Named("ogc"),
	}
	router := newRouter(h, px, metricsLogger, logger)

	var health *healthServer
	if cfg.HealthListen != "" {
		health, err = startHealthServer(cfg.HealthListen, store, logger)
		if err != nil {
			return err
		}
		defer health.Stop()
	}

	lis, err := listen(cfg.Listen, cfg.ReusePort)
	if err != nil {
		return err
	}
	srv := newHTTPServer(cfg, router)

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(lis)
	}()
	logger.Info("geopub is ready", zap.String("listen", cfg.Listen), zap.Bool("reuse_port", cfg.ReusePort))

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
	select {
	case err := <-errc:
		return err
	case sig := <-signals:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	if health != nil {
		health.NotServing()
	}
	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// newHTTPServer bounds reading the request only. A publish runs several
// upstream calls, each limited by its own client timeout, so the response
// write has no server deadline.
func newHTTPServer(cfg *utils.Config, h http.Handler) *http.Server {
	return &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Catalog.Timeout,
	}
}

func loadContentModels(path string) (*catalog.ContentModels, error) {
	if path == "" {
		return nil, nil
	}
	return catalog.LoadContentModels(path)
}

func listen(addr string, reusePort bool) (net.Listener, error) {
	if reusePort {
		return reuseport.Listen("tcp", addr)
	}
	return net.Listen("tcp", addr)
}

func newRouter(h *ogcHandler, px http.Handler, metricsLogger metrics.Logger, logger *zap.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Use(
		middleware.RequestMiddleware(metricsLogger),
		middleware.LogMiddleware(logger),
		middleware.RecoverMiddleware(logger),
	)
	router.HandleFunc("/publish-ogc", h.publish)
	router.HandleFunc("/unpublish-ogc", h.unpublish)
	router.Handle(proxy.Path, px).Methods(http.MethodGet)
	return router
}
