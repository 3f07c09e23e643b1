package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/enrichman/httpgrace"

	"github.com/tessara/pipecache/internal/api/middleware"
	route "github.com/tessara/pipecache/internal/api/route"
	appctx "github.com/tessara/pipecache/internal/app"
	"github.com/tessara/pipecache/internal/config"
	"github.com/tessara/pipecache/internal/logger"
	"github.com/tessara/pipecache/internal/persist"
	"github.com/tessara/pipecache/internal/store"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithComponent("main").Fatalf("configuration error: %v", err)
	}

	// Set log level from configuration
	logLevel, err := logrus.ParseLevel(cfg.Misc.LogLevel)
	if err != nil {
		logger.WithComponent("main").Warnf("invalid log level '%s', using 'info': %v", cfg.Misc.LogLevel, err)
		logLevel = logrus.InfoLevel
	}
	logger.Logger.SetLevel(logLevel)
	logger.WithComponent("main").Infof("pipecache will run on port: %d", cfg.Server.Port)

	stateRepo, err := persist.NewStateRepository(cfg.Data.Dir)
	if err != nil {
		logger.WithComponent("main").Fatalf("cannot init state repository: %v", err)
	}

	entityStore, err := newEntityStore(cfg)
	if err != nil {
		logger.WithComponent("main").Fatalf("cannot init entity store: %v", err)
	}

	app, err := appctx.New(cfg, stateRepo, entityStore)
	if err != nil {
		logger.WithComponent("main").Fatalf("cannot init app: %v", err)
	}
	defer app.Shutdown()

	if err := app.StartWatchers(); err != nil {
		logger.WithComponent("main").Fatalf("cannot start watchers: %v", err)
	}

	gin.SetMode(cfg.Misc.GinMode)
	gin.DefaultWriter = logger.Logger.Writer()
	gin.DefaultErrorWriter = logger.Logger.Writer()

	r := gin.New()
	r.Use(middleware.RequestID())
	r.Use(middleware.HoneybadgerMiddleware(logger.Logger))
	r.Use(gin.Recovery())
	r.Use(middleware.CORSMiddleware(cfg.Misc.AllowedOrigins))
	route.SetupRoutes(r, app)

	srv := createGraceHTTPServer(app.BaseCtx, "pipecache", cfg.Server, r)
	if err := srv.ListenAndServe(fmt.Sprintf(":%d", cfg.Server.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithComponent("main").Fatal(err)
	}
}

// newEntityStore selects the remote store backend from configuration.
func newEntityStore(cfg *config.Config) (store.EntityStore, error) {
	switch cfg.Store.Backend {
	case "postgres":
		return store.NewPostgresStore(context.Background(), cfg.Store.DSN)
	case "memory":
		logger.WithComponent("main").Warn("using in-memory entity store; data will not survive restarts")
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func createGraceHTTPServer(ctx context.Context, name string, serverConfig config.ServerConfig, r *gin.Engine) *httpgrace.Server {
	slogLogger := slog.New(slog.NewTextHandler(logger.Logger.Writer(), nil))

	srv := httpgrace.NewServer(r,
		httpgrace.WithTimeout(serverConfig.ShutDownTimeout),
		httpgrace.WithSignals(syscall.SIGTERM, syscall.SIGINT),
		httpgrace.WithLogger(slogLogger),
		httpgrace.WithBeforeShutdown(func() {
			logger.WithComponent("http").Infof("Shutting down %s server....", name)
		}),
		httpgrace.WithServerOptions(
			httpgrace.WithReadTimeout(serverConfig.ReadTimeout),
			httpgrace.WithWriteTimeout(serverConfig.WriteTimeout),
			httpgrace.WithIdleTimeout(serverConfig.IdleTimeout),
			func(srv *http.Server) {
				srv.BaseContext = func(_ net.Listener) context.Context {
					return ctx
				}
			},
			func(srv *http.Server) {
				srv.ErrorLog = log.New(logger.Logger.Writer(), fmt.Sprintf("[%s] ", name), log.LstdFlags)
			},
		),
	)
	return srv
}
