package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/teamscope/workstate/internal/httpapi"
	"github.com/teamscope/workstate/internal/workstate"
)

func main() {
	dotenvErr := godotenv.Load()
	logger := newLogger()
	if dotenvErr != nil && !errors.Is(dotenvErr, os.ErrNotExist) {
		logger.Warn().Err(dotenvErr).Msg(".env load failed")
	}

	addr := flag.String("addr", envOrDefault("WORKSTATE_ADDR", ":8787"), "listen address")
	dsn := flag.String("dsn", envOrDefault("WORKSTATE_SERVER_DSN", ""), "document storage DSN (file path, file://, memory://, postgres://)")
	flag.Parse()

	resolvedDSN := strings.TrimSpace(*dsn)
	if resolvedDSN == "" {
		resolvedDSN = filepath.Join(dataDir(), "remote-data.json")
	}
	backend, err := workstate.BuildStateBackendFromDSN(resolvedDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize document storage")
	}

	store := workstate.NewPersistentStoreWithOptions(workstate.StoreOptions{
		Backend:           backend,
		MaxDocumentBytes:  int64Env("WORKSTATE_MAX_DOCUMENT_BYTES", 0),
		SuppressionWindow: durationEnv("WORKSTATE_SUPPRESSION_WINDOW", 0),
		Logger:            logger.With().Str("component", "store").Logger(),
	})
	defer func() { _ = store.Close() }()

	server := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		MaxBodyBytes:    int64Env("WORKSTATE_MAX_BODY_BYTES", 0),
		RateLimitMax:    intEnv("WORKSTATE_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("WORKSTATE_RATE_LIMIT_WINDOW", time.Minute),
		Logger:          logger.With().Str("component", "httpapi").Logger(),
	})

	// Out-of-band edits to a file-backed document (another process, a manual
	// fix) reach websocket subscribers through the same refresh broadcast as
	// accepted POSTs. The store's suppression window keeps the server's own
	// writes from echoing back through this path.
	if watchPath := stateFilePath(resolvedDSN); watchPath != "" {
		if err := os.MkdirAll(filepath.Dir(watchPath), 0o755); err != nil {
			logger.Warn().Err(err).Str("path", watchPath).Msg("file watch disabled")
		} else if notifier, watchErr := workstate.NewFileWatchNotifier(store, watchPath, workstate.FileWatchNotifierOptions{
			Logger: logger.With().Str("component", "watch").Logger(),
		}); watchErr != nil {
			logger.Warn().Err(watchErr).Str("path", watchPath).Msg("file watch disabled")
		} else {
			defer func() { _ = notifier.Close() }()
			unsubscribe := notifier.Subscribe(server.BroadcastRefresh)
			defer unsubscribe()
		}
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", *addr).Str("backend", backendLabel(resolvedDSN)).Msg("workstate service listening")
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	case <-rootCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
			return
		}
		logger.Info().Msg("workstate service stopped")
	}
}

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.TrimSpace(os.Getenv("WORKSTATE_LOG_LEVEL")))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger().Level(level)
}

func dataDir() string {
	dir := strings.TrimSpace(os.Getenv("WORKSTATE_DATA_DIR"))
	if dir == "" {
		dir = ".workstate"
	}
	return dir
}

// stateFilePath resolves the local file behind a state DSN so the change
// watcher can follow it. Non-file backends resolve to "".
func stateFilePath(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return ""
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return ""
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if scheme == "" {
		return dsn
	}
	if scheme != "file" {
		return ""
	}
	for _, candidate := range []string{parsed.Path, parsed.Opaque, parsed.Host} {
		if path := strings.TrimSpace(candidate); path != "" {
			return path
		}
	}
	return ""
}

func backendLabel(dsn string) string {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil || strings.TrimSpace(parsed.Scheme) == "" {
		return "file"
	}
	return strings.ToLower(parsed.Scheme)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
