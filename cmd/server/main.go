package main

import (
	"context"
	"crypto/ecdsa"
	"flag"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/flashbots/escrow-endpoint/adapters/payout"
	"github.com/flashbots/escrow-endpoint/database"
	"github.com/flashbots/escrow-endpoint/ledger"
	"github.com/flashbots/escrow-endpoint/metrics"
	"github.com/flashbots/escrow-endpoint/server"
)

var (
	version = "dev" // is set during build process

	// defaults
	defaultDebug               = os.Getenv("DEBUG") == "1"
	defaultLogJSON             = os.Getenv("LOG_JSON") == "1"
	defaultListenAddress       = "127.0.0.1:9000"
	defaultMetricsAddress      = ""
	defaultRelayUrl            = ""
	defaultNetworkId           = "1"
	defaultDrainSeconds        = 0
	defaultReplayWindowSeconds = 600
	defaultRequestValidity     = 600
	defaultConfirmations       = 2
	defaultPayoutPollSeconds   = 3
	defaultServiceName         = getEnvAsStrOrDefault("SERVICE_NAME", "escrow-endpoint")

	// cli flags
	versionPtr          = flag.Bool("version", false, "just print the program version")
	configFile          = flag.String("config", os.Getenv("CONFIG_FILE"), "YAML config file, path or http(s) URL. Flags set on the command line take precedence")
	listenAddress       = flag.String("listen", getEnvAsStrOrDefault("LISTEN_ADDR", defaultListenAddress), "Listen address")
	metricsAddress      = flag.String("metrics", getEnvAsStrOrDefault("METRICS_ADDR", defaultMetricsAddress), "Listen address for prometheus metrics, empty disables them")
	redisUrl            = flag.String("redis", os.Getenv("REDIS_URL"), "URL for Redis (use 'dev' to use integrated in-memory redis, empty keeps the ledger in process memory)")
	psqlDsn             = flag.String("psql", os.Getenv("POSTGRES_DSN"), "Postgres DSN for the request log and event archive")
	manager             = flag.String("manager", os.Getenv("MANAGER_ADDRESS"), "Address of the manager account")
	payoutKey           = flag.String("payoutKey", os.Getenv("PAYOUT_KEY"), "Key of the custody account paying out withdrawals (use 'dev' to generate one)")
	nodeUrl             = flag.String("nodeUrl", os.Getenv("NODE_URL"), "Ethereum JSON-RPC node used to send payouts, empty keeps withdrawals book-keeping only")
	relayUrl            = flag.String("relayUrl", getEnvAsStrOrDefault("RELAY_URL", defaultRelayUrl), "When set, payouts are sent privately through this relay")
	networkId           = flag.String("networkId", getEnvAsStrOrDefault("NETWORK_ID", defaultNetworkId), "Value answered to net_version")
	drainSeconds        = flag.Int("drainSeconds", getEnvAsIntOrDefault("DRAIN_SECONDS", defaultDrainSeconds), "seconds to wait for the load balancer to drain before shutting down")
	replayWindowSeconds = flag.Int("replayWindowSeconds", getEnvAsIntOrDefault("REPLAY_WINDOW_SECONDS", defaultReplayWindowSeconds), "seconds a signed request is remembered for replay protection, 0 disables it")
	requestValidity     = flag.Int("requestValiditySeconds", getEnvAsIntOrDefault("REQUEST_VALIDITY_SECONDS", defaultRequestValidity), "longest validity in seconds a signed request may claim")
	confirmations       = flag.Int("depositConfirmations", getEnvAsIntOrDefault("DEPOSIT_CONFIRMATIONS", defaultConfirmations), "blocks a deposit transaction needs before it is credited")
	payoutPollSeconds   = flag.Int("payoutPollSeconds", getEnvAsIntOrDefault("PAYOUT_POLL_SECONDS", defaultPayoutPollSeconds), "seconds between receipt checks of a private payout")
	debugPtr            = flag.Bool("debug", defaultDebug, "print debug output")
	logJSONPtr          = flag.Bool("log-json", defaultLogJSON, "log in JSON")
	serviceName         = flag.String("serviceName", defaultServiceName, "name of the service which will be used in the logs")
)

func main() {
	var err error
	ctx := context.Background()

	flag.Parse()
	if *configFile != "" {
		if err = applyConfigFile(ctx, *configFile); err != nil {
			log.Crit("Error with config file", "file", *configFile, "error", err)
		}
	}

	logLevel := log.LevelInfo
	if *debugPtr {
		logLevel = log.LevelDebug
	}
	var handler slog.Handler = log.NewTerminalHandlerWithLevel(os.Stderr, logLevel, true)
	if *logJSONPtr {
		handler = log.JSONHandlerWithLevel(os.Stderr, logLevel)
	}
	log.SetDefault(log.NewLogger(handler))
	logger := log.New("service", *serviceName)

	// Perhaps print only the version
	if *versionPtr {
		logger.Info("escrow-endpoint", "version", version)
		return
	}

	logger.Info("Init escrow-endpoint", "version", version)

	if !common.IsHexAddress(*manager) {
		logger.Crit("A valid manager address is required", "manager", *manager)
	}

	// Setup database
	var db database.Store
	if *psqlDsn == "" {
		db = database.NewMockStore()
	} else {
		pgStore, err := database.NewPostgresStore(*psqlDsn)
		if err != nil {
			logger.Crit("Error connecting to postgres", "error", err)
		}
		if err = pgStore.Migrate(); err != nil {
			logger.Crit("Error migrating postgres", "error", err)
		}
		defer pgStore.Close()
		db = pgStore
	}

	// Setup payouts
	var transferer ledger.Transferer
	var deposits ledger.DepositVerifier
	if *nodeUrl != "" {
		key, err := loadPayoutKey(logger, *payoutKey)
		if err != nil {
			logger.Crit("Error with payout key", "error", err)
		}
		sender, err := payout.NewSender(ctx, payout.Configuration{
			Key:      key,
			NodeUrl:  *nodeUrl,
			RelayUrl:     *relayUrl,
			Logger:       logger,
			PollInterval: time.Duration(*payoutPollSeconds) * time.Second,
		})
		if err != nil {
			logger.Crit("Payout init error", "error", err)
		}
		logger.Info("Payouts enabled", "custody", sender.Address(), "nodeUrl", *nodeUrl, "relayUrl", *relayUrl)
		transferer = sender
		deposits = sender.Deposits(uint64(*confirmations))
	} else {
		logger.Warn("No nodeUrl set, withdrawals are book-keeping only and deposits are refused")
	}

	if *metricsAddress != "" {
		go func() {
			logger.Info("Starting metrics server", "address", *metricsAddress)
			if err := metrics.DefaultServer(*metricsAddress).ListenAndServe(); err != nil {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
	}

	// Start the endpoint
	s, err := server.NewEscrowEndpointServer(ctx, server.Configuration{
		DB:                db,
		Deposits:          deposits,
		ListenAddress:     *listenAddress,
		Logger:            logger,
		Manager:           common.HexToAddress(*manager),
		NetworkId:         *networkId,
		RedisUrl:          *redisUrl,
		ReplayWindow:      time.Duration(*replayWindowSeconds) * time.Second,
		RequestValidity:   time.Duration(*requestValidity) * time.Second,
		Transferer:        transferer,
		Version:           version,
		ShutdownDrainTime: time.Duration(*drainSeconds) * time.Second,
	})
	if err != nil {
		logger.Crit("Server init error", "error", err)
	}
	logger.Info("Starting escrow-endpoint...", "listenAddress", *listenAddress, "manager", *manager)
	if err = s.Start(); err != nil {
		logger.Crit("Server error", "error", err)
	}
}

// applyConfigFile sets every flag found in the config file that was not given on the command line.
func applyConfigFile(ctx context.Context, location string) error {
	cfg, err := server.ReadConfigFile(ctx, location)
	if err != nil {
		return err
	}
	explicit := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})
	for name, value := range cfg.FlagValues() {
		if explicit[name] {
			continue
		}
		if err := flag.Set(name, value); err != nil {
			return err
		}
	}
	return nil
}

func loadPayoutKey(logger log.Logger, keyHex string) (*ecdsa.PrivateKey, error) {
	pkHex := strings.Replace(keyHex, "0x", "", 1)
	if pkHex == "dev" {
		logger.Info("Creating a new dev payout key...")
		return crypto.GenerateKey()
	}
	return crypto.HexToECDSA(pkHex)
}

func getEnvAsStrOrDefault(key string, defaultValue string) string {
	ret := os.Getenv(key)
	if ret == "" {
		ret = defaultValue
	}
	return ret
}

func getEnvAsIntOrDefault(name string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.Atoi(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}
