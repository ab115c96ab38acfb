package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/ethereum/go-ethereum/common"
	redisadapter "github.com/flashbots/bundle-relay-client/adapters/redis"
	"github.com/flashbots/bundle-relay-client/flashbots"
	"github.com/flashbots/go-utils/cli"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

var (
	version = "dev" // is set during build process

	// Default values
	defaultDebug          = os.Getenv("DEBUG") == "1"
	defaultLogProd        = os.Getenv("LOG_PROD") == "1"
	defaultLogService     = os.Getenv("LOG_SERVICE")
	defaultMetricsPort    = cli.GetEnv("METRICS_PORT", "8088")
	defaultEthEndpoint    = cli.GetEnv("ETH_ENDPOINT", "http://127.0.0.1:8545")
	defaultRelayEndpoint  = cli.GetEnv("RELAY_ENDPOINT", flashbots.DefaultRelayURL)
	defaultRelayRateLimit = cli.GetEnv("RELAY_RATE_LIMIT", "0")
	// See `RelaysConfig` in flashbots/broadcaster.go, overrides RELAY_ENDPOINT when set
	defaultRelaysConfig = cli.GetEnv("RELAYS_CONFIG", "")
	// Searcher identity, a random one is generated when empty
	defaultAuthKey = cli.GetEnv("AUTH_SIGNING_KEY", "")
	// Transaction signer, it must hold some ether
	defaultTxKey        = cli.GetEnv("TX_SIGNING_KEY", "")
	defaultTargetBlocks = cli.GetEnv("TARGET_BLOCKS", "1")
	defaultHorizon      = cli.GetEnv("WATCH_HORIZON", "2m")
	defaultPostgresDSN  = cli.GetEnv("POSTGRES_DSN", "")
	defaultRedisURL     = cli.GetEnv("REDIS_ENDPOINT", "")
	defaultChannelName  = cli.GetEnv("REDIS_CHANNEL_NAME", "bundle-outcomes")

	// Flags
	debugPtr          = flag.Bool("debug", defaultDebug, "print debug output")
	logProdPtr        = flag.Bool("log-prod", defaultLogProd, "log in production mode (json)")
	logServicePtr     = flag.String("log-service", defaultLogService, "'service' tag to logs")
	metricsPortPtr    = flag.String("metrics-port", defaultMetricsPort, "port to serve metrics on, empty to disable")
	ethPtr            = flag.String("eth", defaultEthEndpoint, "eth endpoint")
	relayPtr          = flag.String("relay", defaultRelayEndpoint, "relay endpoint")
	relayRateLimitPtr = flag.String("relay-rate-limit", defaultRelayRateLimit, "relay calls per second, 0 for no limit")
	relaysConfigPtr   = flag.String("relays-config", defaultRelaysConfig, "relays config file, overrides -relay")
	authKeyPtr        = flag.String("auth-key", defaultAuthKey, "private key of the searcher identity (hex)")
	txKeyPtr          = flag.String("tx-key", defaultTxKey, "private key signing the bundle transaction (hex)")
	targetBlocksPtr   = flag.String("target-blocks", defaultTargetBlocks, "number of consecutive blocks to target")
	horizonPtr        = flag.String("horizon", defaultHorizon, "how long to watch a bundle after sending it")
	simulatePtr       = flag.Bool("simulate", true, "simulate the bundle before sending it")
	postgresDSNPtr    = flag.String("postgres-dsn", defaultPostgresDSN, "postgres dsn, empty disables the journal")
	redisPtr          = flag.String("redis", defaultRedisURL, "redis url string, empty disables outcome notifications")
	channelPtr        = flag.String("channel", defaultChannelName, "redis pub/sub channel name string")
)

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	if *logProdPtr {
		atom := zap.NewAtomicLevel()
		if *debugPtr {
			atom.SetLevel(zap.DebugLevel)
		}

		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		logger = zap.New(zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.Lock(os.Stdout),
			atom,
		))
	}
	defer func() { _ = logger.Sync() }()
	if *logServicePtr != "" {
		logger = logger.With(zap.String("service", *logServicePtr))
	}

	ctx, ctxCancel := context.WithCancel(context.Background())
	defer ctxCancel()
	go func() {
		notifier := make(chan os.Signal, 1)
		signal.Notify(notifier, os.Interrupt, syscall.SIGTERM)
		<-notifier
		logger.Info("Shutting down...")
		ctxCancel()
	}()

	logger.Info("Starting bundle-sender", zap.String("version", version))

	if *metricsPortPtr != "" {
		startMetricsServer(logger, *metricsPortPtr)
	}

	targetBlocks, err := strconv.ParseUint(*targetBlocksPtr, 10, 64)
	if err != nil || targetBlocks == 0 {
		logger.Fatal("Target blocks must be a positive number", zap.String("value", *targetBlocksPtr))
	}
	horizon, err := time.ParseDuration(*horizonPtr)
	if err != nil {
		logger.Fatal("Failed to parse watch horizon", zap.Error(err))
	}

	provider, err := flashbots.NewEthProvider(ctx, *ethPtr)
	if err != nil {
		logger.Fatal("Failed to connect to eth endpoint", zap.Error(err))
	}
	defer provider.Close()

	if *txKeyPtr == "" {
		logger.Fatal("Transaction signing key is required")
	}
	txSigner, err := flashbots.NewLocalTxSignerFromHex(*txKeyPtr, provider.ChainID())
	if err != nil {
		logger.Fatal("Failed to load transaction signing key", zap.Error(err))
	}

	auth, err := loadAuthenticator(*authKeyPtr)
	if err != nil {
		logger.Fatal("Failed to load searcher identity", zap.Error(err))
	}
	logger.Info("Using searcher identity", zap.Stringer("address", auth))

	relay, err := newRelay(logger, auth)
	if err != nil {
		logger.Fatal("Failed to create relay client", zap.Error(err))
	}

	chain := flashbots.NewSharedChainReader(provider, time.Second)
	mw := flashbots.NewMiddleware(logger, provider, relay, flashbots.DefaultWatcherConfig()).WithWatchChain(chain)

	trackerOpts := flashbots.TrackerOpts{
		Signer:  auth.Address(),
		Horizon: horizon,
	}
	if *postgresDSNPtr != "" {
		dbBackend, err := flashbots.NewDBBackend(*postgresDSNPtr)
		if err != nil {
			logger.Fatal("Failed to create postgres backend", zap.Error(err))
		}
		defer dbBackend.Close()
		trackerOpts.Storage = dbBackend
	}
	if *redisPtr != "" {
		redisOpts, err := redis.ParseURL(*redisPtr)
		if err != nil {
			logger.Fatal("Failed to parse redis url", zap.Error(err))
		}
		redisClient := redis.NewClient(redisOpts)
		defer redisClient.Close()
		trackerOpts.Notifier = flashbots.NewRedisOutcomeNotifier(redisClient, *channelPtr)
		// one day of blocks is enough to see resubmissions of the same bundle
		trackerOpts.Counter = redisadapter.NewSubmissionCounter(redisClient, 7200*12*time.Second, "bundle-sender-submissions")
	}
	tracker := flashbots.NewTracker(logger, mw, trackerOpts)
	defer tracker.Close()

	head, err := mw.BlockNumber(ctx)
	if err != nil {
		logger.Fatal("Failed to get block number", zap.Error(err))
	}
	if _, err := tracker.Resume(ctx, head+1); err != nil {
		logger.Error("Failed to resume journaled bundles", zap.Error(err))
	}

	// a self-transfer of 1 wei to the zero address
	to := common.Address{}
	tx, err := mw.PrepareTransaction(ctx, flashbots.TransactionRequest{To: &to, Value: big.NewInt(1)}, txSigner)
	if err != nil {
		logger.Fatal("Failed to prepare transaction", zap.Error(err))
	}
	bundle := flashbots.NewBundleRequest().PushTransaction(tx).SetBlock(head + 1)

	if *simulatePtr {
		sim, err := mw.SimulateBundle(ctx, bundle, flashbots.StateBlockLatest)
		if err != nil {
			logger.Fatal("Failed to simulate bundle", zap.Error(err))
		}
		logger.Info("Simulated bundle",
			zap.Bool("success", sim.Success()),
			zap.Uint64("gas_used", uint64(sim.TotalGasUsed)),
			zap.String("coinbase_diff", sim.CoinbaseDiff.String()),
		)
		if !sim.Success() {
			logger.Fatal("Bundle reverts in simulation", zap.Any("reverts", sim.RevertReasons()))
		}
	}

	tracked := make([]flashbots.TrackedBundle, 0, targetBlocks)
	for i := uint64(0); i < targetBlocks; i++ {
		t, err := tracker.Submit(ctx, bundle.SetBlock(head+1+i))
		if err != nil {
			logger.Error("Failed to send bundle", zap.Uint64("target_block", head+1+i), zap.Error(err))
			continue
		}
		tracked = append(tracked, t)
	}

	for _, t := range tracked {
		outcome, err := t.Pending.Wait(ctx)
		if err != nil {
			logger.Warn("Stopped waiting for bundle", zap.Error(err))
			return
		}
		switch err := outcome.Err(); {
		case err == nil:
			logger.Info("Bundle was included in target block", zap.Uint64("block", outcome.BlockNumber), zap.String("block_hash", outcome.BlockHash.Hex()))
			return
		case errors.Is(err, flashbots.ErrBundleNotIncluded):
			logger.Info("Bundle was not included in target block", zap.Uint64("block", outcome.BlockNumber))
		default:
			logger.Error("Failed to get bundle inclusion", zap.Error(err))
		}
	}
}

func loadAuthenticator(hexKey string) (*flashbots.Authenticator, error) {
	if hexKey == "" {
		return flashbots.NewRandomAuthenticator()
	}
	return flashbots.NewAuthenticatorFromHex(hexKey)
}

func newRelay(logger *zap.Logger, auth *flashbots.Authenticator) (flashbots.BundleRelay, error) {
	if *relaysConfigPtr != "" {
		return flashbots.LoadRelayConfig(logger, *relaysConfigPtr, auth)
	}
	rateLimit, err := strconv.ParseFloat(*relayRateLimitPtr, 64)
	if err != nil {
		return nil, fmt.Errorf("relay rate limit: %w", err)
	}
	return flashbots.NewRelayClient(logger, flashbots.RelayConfig{
		URL:       *relayPtr,
		Auth:      auth,
		RateLimit: rate.Limit(rateLimit),
	})
}

func startMetricsServer(logger *zap.Logger, port string) {
	metricsMux := http.NewServeMux()
	metricsMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	metricsMux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
	metricsMux.Handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
	metricsMux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
	metricsMux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
	metricsMux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))

	go func() {
		metricsServer := &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%s", port),
			ReadHeaderTimeout: 5 * time.Second,
			Handler:           metricsMux,
		}

		err := metricsServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}()
}
