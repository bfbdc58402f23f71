package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/chatterbox-im/chatterbox/internal/chat"
	"github.com/chatterbox-im/chatterbox/internal/config"
	"github.com/chatterbox-im/chatterbox/internal/groups"
	"github.com/chatterbox-im/chatterbox/internal/identity"
	"github.com/chatterbox-im/chatterbox/internal/images"
	"github.com/chatterbox-im/chatterbox/internal/logging"
	"github.com/chatterbox-im/chatterbox/internal/messages"
	"github.com/chatterbox-im/chatterbox/internal/metrics"
	"github.com/chatterbox-im/chatterbox/internal/presence"
	"github.com/chatterbox-im/chatterbox/internal/session"
	"github.com/chatterbox-im/chatterbox/internal/store/badgerstore"
	"github.com/chatterbox-im/chatterbox/internal/ws"
)

var configPath = flag.String("config", "", "path to config file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	st, err := badgerstore.Open(cfg.DataDir, logger)
	if err != nil {
		logger.Fatal("open store", zap.String("dir", cfg.DataDir), zap.Error(err))
	}
	defer st.Close()

	m := metrics.New(nil)
	table := presence.NewTable()
	router := chat.NewRouter(st, table, logger, m)
	imgs := images.NewValidator(cfg.MaxImageBytes, cfg.TrustedImageDomains)

	deps := session.Deps{
		Store:    st,
		Table:    table,
		Router:   router,
		Identity: identity.NewService(st, router, table, imgs, logger),
		Groups:   groups.NewService(st, router, imgs, logger),
		Messages: messages.NewService(st, table, imgs, cfg.MaxTextLength, logger),
		Metrics:  m,
		Log:      logger,
	}

	r := mux.NewRouter()
	r.Use(loggingMiddleware(logger))

	r.Handle("/metrics", promhttp.Handler())

	r.HandleFunc("/ws", func(w http.ResponseWriter, req *http.Request) {
		ws.ServeWS(w, req, logger, func(client *ws.Client) ws.Handler {
			return session.New(client, deps)
		})
	})

	r.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/" {
			http.NotFound(w, req)
			return
		}
		http.ServeFile(w, req, cfg.StaticDir+"/index.html")
	})

	// Static assets, uncached for CSS and JS so development changes show up
	// immediately.
	r.PathPrefix("/").Handler(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if strings.HasSuffix(req.URL.Path, ".css") || strings.HasSuffix(req.URL.Path, ".js") {
			w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		}
		http.FileServer(http.Dir(cfg.StaticDir)).ServeHTTP(w, req)
	}))

	srv := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      r,
		ReadTimeout:  0, // websockets hold the connection open
		WriteTimeout: 0,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("server listening", zap.String("addr", cfg.ListenAddress))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down", zap.Duration("grace", cfg.ShutdownGracePeriod))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
}

func loggingMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Duration("took", time.Since(start)))
		})
	}
}
