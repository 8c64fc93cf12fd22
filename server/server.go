package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/log"
	"github.com/flashbots/escrow-endpoint/adapters/flashbots"
	"github.com/flashbots/escrow-endpoint/application"
	"github.com/flashbots/escrow-endpoint/database"
	"github.com/flashbots/escrow-endpoint/ledger"
	"github.com/flashbots/escrow-endpoint/types"
	"github.com/pkg/errors"
)

var Now = time.Now // used to mock time in tests

type EscrowEndpointServer struct {
	server            *http.Server
	drain             atomic.Bool
	db                database.Store
	ledger            *ledger.Ledger
	logger            log.Logger
	replayCache       *application.ResponseCache
	networkId         string
	requestValidity   time.Duration
	startTime         time.Time
	version           string
	listenAddress     string
	shutdownDrainTime time.Duration
}

func NewEscrowEndpointServer(ctx context.Context, cfg Configuration) (*EscrowEndpointServer, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New()
	}
	if cfg.DB == nil {
		cfg.DB = database.NewMockStore()
	}
	if cfg.NetworkId == "" {
		cfg.NetworkId = "1"
	}
	if cfg.RequestValidity == 0 {
		cfg.RequestValidity = DefaultRequestValidity
	}

	state, err := newLedgerState(cfg.Logger, cfg.RedisUrl)
	if err != nil {
		return nil, err
	}

	l, err := ledger.New(ctx, ledger.Config{
		Manager:    cfg.Manager,
		State:      state,
		Transferer: cfg.Transferer,
		Verifier:   cfg.Deposits,
		Sink:       NewEventArchive(cfg.DB),
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	s := &EscrowEndpointServer{
		db:                cfg.DB,
		ledger:            l,
		logger:            cfg.Logger,
		networkId:         cfg.NetworkId,
		requestValidity:   cfg.RequestValidity,
		startTime:         Now(),
		version:           cfg.Version,
		listenAddress:     cfg.ListenAddress,
		shutdownDrainTime: cfg.ShutdownDrainTime,
	}
	if cfg.ReplayWindow > 0 {
		s.replayCache = application.NewResponseCache(cfg.ReplayWindow)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.HandleHttpRequest)
	mux.HandleFunc("/health", s.handleHealthRequest)
	s.server = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           MetricsMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return s, nil
}

func newLedgerState(logger log.Logger, redisUrl string) (ledger.State, error) {
	switch redisUrl {
	case "":
		logger.Info("Keeping ledger state in memory, it is lost on restart")
		return ledger.NewMemState(), nil
	case "dev":
		logger.Info("Using integrated in-memory Redis instance")
		redisServer, err := miniredis.Run()
		if err != nil {
			return nil, err
		}
		redisUrl = redisServer.Addr()
	}

	// Setup redis connection
	logger.Info("Connecting to redis...", "redisUrl", redisUrl)
	state, err := NewRedisState(redisUrl)
	if err != nil {
		return nil, errors.Wrap(err, "Redis init error")
	}
	return state, nil
}

func (s *EscrowEndpointServer) Ledger() *ledger.Ledger {
	return s.ledger
}

// Handler serves the JSON-RPC and health endpoints, wrapped in the metrics middleware.
func (s *EscrowEndpointServer) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until SIGINT/SIGTERM, then drains and shuts down.
func (s *EscrowEndpointServer) Start() error {
	s.logger.Info("Starting escrow endpoint", "version", s.version, "listenAddress", s.listenAddress, "manager", s.ledger.Manager())

	// Start regular tasks
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.SpawnRegularTasks(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	notifier := make(chan os.Signal, 1)
	signal.Notify(notifier, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(notifier)

	select {
	case err := <-errCh:
		return errors.Wrap(err, "failed to start escrow endpoint")
	case sig := <-notifier:
		s.logger.Info("Received signal, shutting down", "signal", sig)
	}
	return s.Shutdown()
}

// Shutdown marks the server as draining, so load balancers stop routing to
// it, waits for the drain time and stops accepting requests.
func (s *EscrowEndpointServer) Shutdown() error {
	s.drain.Store(true)
	if s.shutdownDrainTime > 0 {
		s.logger.Info("Draining", "drainTime", s.shutdownDrainTime)
		time.Sleep(s.shutdownDrainTime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "http server shutdown")
	}
	s.logger.Info("Escrow endpoint stopped")
	return nil
}

func (s *EscrowEndpointServer) HandleHttpRequest(respw http.ResponseWriter, req *http.Request) {
	respw.Header().Set("Access-Control-Allow-Origin", "*")
	respw.Header().Set("Access-Control-Allow-Headers", "Accept,Content-Type,"+flashbots.SignatureHeader)

	if req.Method == http.MethodOptions {
		respw.WriteHeader(http.StatusOK)
		return
	}

	if req.Method != http.MethodPost {
		respw.Header().Set("Allow", "POST, OPTIONS")
		respw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if s.drain.Load() {
		respw.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	request := NewRpcRequestHandler(s.logger, respw, req, s.ledger, s.replayCache, s.networkId, s.requestValidity, NewRequestRecord(s.db))
	request.process()
}

func (s *EscrowEndpointServer) handleHealthRequest(respw http.ResponseWriter, req *http.Request) {
	if s.drain.Load() {
		respw.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	res := types.HealthResponse{
		Now:       Now(),
		StartTime: s.startTime,
		Version:   s.version,
		Manager:   s.ledger.Manager().Hex(),
	}

	jsonResp, err := json.Marshal(res)
	if err != nil {
		s.logger.Error("[healthCheck] json error", "error", err)
		respw.WriteHeader(http.StatusInternalServerError)
		return
	}

	respw.Header().Set("Content-Type", "application/json")
	respw.WriteHeader(http.StatusOK)
	respw.Write(jsonResp)
}

func (s *EscrowEndpointServer) SpawnRegularTasks(ctx context.Context) {
	// Every minute: print some debug info and expire replay cache entries
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			cached := 0
			if s.replayCache != nil {
				cached = s.replayCache.Prune()
			}
			s.logger.Debug("[server] stats", "num-goroutines", runtime.NumGoroutine(), "replay-cache-size", cached)
		}
	}()
}
