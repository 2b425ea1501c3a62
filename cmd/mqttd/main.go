// Command mqttd runs a standalone MQTT broker: a TCP (optionally TLS)
// listener feeding broker.Accept/Run, with a pluggable session-store
// backend and an optional Prometheus metrics endpoint.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/nimbusmq/broker/broker"
	"github.com/nimbusmq/broker/hook"
	"github.com/nimbusmq/broker/network"
	"github.com/nimbusmq/broker/pkg/logger"
	"github.com/nimbusmq/broker/session"
	"github.com/nimbusmq/broker/topic"
)

func main() {
	addr := flag.String("addr", ":1883", "TCP address to listen on")
	tlsAddr := flag.String("tls-addr", "", "TLS address to listen on (empty disables TLS)")
	certFile := flag.String("tls-cert", "", "TLS certificate file, required with -tls-addr")
	keyFile := flag.String("tls-key", "", "TLS key file, required with -tls-addr")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus metrics address (empty disables the endpoint)")
	sessionBackend := flag.String("session-store", "memory", "session store backend: memory, pebble, redis")
	pebblePath := flag.String("pebble-path", "./data/sessions", "pebble data directory, used when -session-store=pebble")
	redisAddr := flag.String("redis-addr", "127.0.0.1:6379", "redis address, used when -session-store=redis")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	log := logger.NewSlogLogger(parseLevel(*logLevel), os.Stdout)

	sessionStore, err := newSessionStore(*sessionBackend, *pebblePath, *redisAddr)
	if err != nil {
		log.Error("failed to open session store", "backend", *sessionBackend, "error", err)
		os.Exit(1)
	}

	registerer := prometheus.NewRegistry()

	sessions := session.NewManager(session.ManagerConfig{Store: sessionStore})
	defer sessions.Close()

	b := broker.New(broker.Config{
		Router:      topic.NewRouter(),
		Retained:    topic.NewRetainedManager(nil),
		Broadcaster: topic.NewBroadcaster(32),
		Sessions:    sessions,
		Hooks:       hook.NewManager(),
		Registerer:  registerer,
		Logger:      log,
	})
	sessions.SetWillPublisher(b)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return serveTCP(gctx, *addr, b, log) })

	if *tlsAddr != "" {
		g.Go(func() error { return serveTLS(gctx, *tlsAddr, *certFile, *keyFile, b, log) })
	}

	if *metricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, *metricsAddr, registerer, log) })
	}

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		log.Error("broker exited with error", "error", err)
		os.Exit(1)
	}
}

func newSessionStore(backend, pebblePath, redisAddr string) (session.Store, error) {
	switch backend {
	case "memory":
		return session.NewMemoryStore(), nil
	case "pebble":
		return session.NewPebbleStore(session.PebbleStoreConfig{Path: pebblePath})
	case "redis":
		return session.NewRedisStore(session.RedisStoreConfig{Addr: redisAddr})
	default:
		return nil, fmt.Errorf("unknown session store backend %q", backend)
	}
}

func serveTCP(ctx context.Context, addr string, b *broker.Broker, log logger.Logger) error {
	cfg := network.DefaultListenerConfig(addr)
	return serveListener(ctx, cfg, b, log)
}

func serveTLS(ctx context.Context, addr, certFile, keyFile string, b *broker.Broker, log logger.Logger) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("mqttd: load TLS cert: %w", err)
	}
	cfg := network.DefaultListenerConfig(addr)
	cfg.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	return serveListener(ctx, cfg, b, log)
}

func serveListener(ctx context.Context, cfg *network.ListenerConfig, b *broker.Broker, log logger.Logger) error {
	pool, err := network.NewPool(network.DefaultPoolConfig())
	if err != nil {
		return err
	}

	l, err := network.NewListener(cfg, pool)
	if err != nil {
		return err
	}

	l.OnConnection(func(conn *network.Connection) error {
		cc, err := broker.Accept(ctx, conn, b)
		if err != nil {
			log.Warn("connect handshake failed", "error", err)
			return err
		}
		go func() {
			_ = cc.Run(ctx)
		}()
		return nil
	})

	if err := l.Start(); err != nil {
		return fmt.Errorf("mqttd: start listener on %s: %w", cfg.Address, err)
	}
	log.Info("listening", "addr", cfg.Address, "tls", cfg.TLSConfig != nil)

	<-ctx.Done()
	return l.Close()
}

func serveMetrics(ctx context.Context, addr string, registerer *prometheus.Registry, log logger.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registerer, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("metrics listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
