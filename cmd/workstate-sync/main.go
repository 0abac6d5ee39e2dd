package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/teamscope/workstate/internal/statesync"
	"github.com/teamscope/workstate/internal/workstate"
)

func main() {
	dotenvErr := godotenv.Load()
	logger := newLogger()
	if dotenvErr != nil && !errors.Is(dotenvErr, os.ErrNotExist) {
		logger.Warn().Err(dotenvErr).Msg(".env load failed")
	}

	remoteURL := flag.String("remote-url", envOrDefault("WORKSTATE_REMOTE_URL", "http://127.0.0.1:8787"), "remote persistence service base URL")
	stateDSN := flag.String("state-dsn", envOrDefault("WORKSTATE_STATE_BACKEND_DSN", ""), "local document DSN (file path, file://, memory://, postgres://)")
	stateFile := flag.String("state-file", strings.TrimSpace(os.Getenv("WORKSTATE_STATE_FILE")), "local document file path")
	interval := flag.Duration("interval", durationEnv("WORKSTATE_SYNC_INTERVAL", 30*time.Second), "sync interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("WORKSTATE_SYNC_INTERVAL_JITTER", 0.2), "sync interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("WORKSTATE_SYNC_TIMEOUT", 15*time.Second), "per-cycle timeout")
	redialDelay := flag.Duration("watch-redial", durationEnv("WORKSTATE_WATCH_REDIAL_DELAY", 5*time.Second), "delay before reconnecting a dropped watch channel")
	once := flag.Bool("once", false, "run one sync cycle and exit")
	watch := flag.Bool("watch", false, "subscribe to the remote change feed and sync on every refresh")
	flag.Parse()

	if *interval <= 0 {
		*interval = 30 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	backend, err := workstate.BuildStateBackendFromDSN(strings.TrimSpace(*stateDSN))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize local document storage")
	}
	store := workstate.NewPersistentStoreWithOptions(workstate.StoreOptions{
		Backend:   backend,
		StateFile: *stateFile,
		Logger:    logger.With().Str("component", "store").Logger(),
	})
	defer func() { _ = store.Close() }()

	coord := workstate.NewCoordinator(store)
	client := statesync.NewClient(statesync.ClientOptions{
		BaseURL:    *remoteURL,
		HTTPClient: &http.Client{Timeout: *timeout},
		UserAgent:  "workstate-sync",
	})
	bridge, err := statesync.NewBridge(client, coord, statesync.BridgeOptions{
		Logger: logger.With().Str("component", "bridge").Logger(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize sync bridge")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		result, err := bridge.SyncOnce(ctx)
		if err != nil {
			// Local writes keep landing while the remote is away; the next
			// cycle reconciles whatever accumulated.
			logger.Warn().Err(err).Msg("sync cycle failed, staying local")
			return
		}
		logger.Info().
			Str("direction", string(result.Direction)).
			Int64("localStamp", result.LocalStamp).
			Int64("remoteStamp", result.RemoteStamp).
			Msg("sync cycle completed")
	}

	run()
	if *once {
		return
	}

	if *watch {
		go watchLoop(rootCtx, bridge, logger, *redialDelay)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			logger.Info().Msg("sync runner stopping")
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		}
	}
}

// watchLoop keeps a websocket subscription alive against the remote change
// feed. The bridge syncs on every refresh frame; this loop only owns the
// redial policy for dropped connections.
func watchLoop(ctx context.Context, bridge *statesync.Bridge, logger zerolog.Logger, redialDelay time.Duration) {
	for {
		err := bridge.WatchRemote(ctx, func(result statesync.SyncResult) {
			logger.Info().
				Str("direction", string(result.Direction)).
				Int64("remoteStamp", result.RemoteStamp).
				Msg("remote change applied")
		})
		if ctx.Err() != nil {
			return
		}
		logger.Warn().Err(err).Dur("redialIn", redialDelay).Msg("watch channel dropped")
		select {
		case <-ctx.Done():
			return
		case <-time.After(redialDelay):
		}
	}
}

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.TrimSpace(os.Getenv("WORKSTATE_LOG_LEVEL")))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger().Level(level)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
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

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
