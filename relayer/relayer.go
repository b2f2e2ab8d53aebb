// Package relayer runs the relay as a service: the HTTP API, the pending reconciler and the
// wiring of every relay component from config.
package relayer

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-co-op/gocron/v2"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-relay/core/backup"
	"github.com/AvaProtocol/ap-relay/core/chainio/aa"
	"github.com/AvaProtocol/ap-relay/core/config"
	"github.com/AvaProtocol/ap-relay/core/relay"
	"github.com/AvaProtocol/ap-relay/metrics"
	"github.com/AvaProtocol/ap-relay/pkg/eip1559"
	"github.com/AvaProtocol/ap-relay/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-relay/pkg/erc4337/nonce"
	"github.com/AvaProtocol/ap-relay/pkg/erc4337/sponsor"
	"github.com/AvaProtocol/ap-relay/pkg/logger"
	"github.com/AvaProtocol/ap-relay/storage"
	"github.com/AvaProtocol/ap-relay/version"
)

type ServiceStatus string

const (
	initStatus     ServiceStatus = "init"
	runningStatus  ServiceStatus = "running"
	shutdownStatus ServiceStatus = "shutdown"
)

// Relayer is the part of *relay.Relayer the service drives.
type Relayer interface {
	Relay(ctx context.Context, req relay.Request) *relay.Result
	Poll(ctx context.Context, bundlerOpID string, timeout time.Duration) *relay.Outcome
}

type AccountResolver interface {
	Resolve(ctx context.Context, owner common.Address, bookkeeping *common.Address) (*aa.Candidate, error)
}

func RunWithConfig(configPath string) error {
	c, err := config.NewConfig(configPath)
	if err != nil {
		panic(fmt.Errorf("Failed to parse config file: %s\nMake sure it is exist and a valid yaml file %w.", configPath, err))
	}

	svc, err := NewService(c)
	if err != nil {
		panic(fmt.Errorf("Cannot initialize relay service from config: %w", err))
	}

	return svc.Start(context.Background())
}

type Service struct {
	config *config.Config
	logger logger.Logger

	db          storage.Storage
	submissions *SubmissionStore
	relayer     Relayer
	resolver    AccountResolver

	registry *prometheus.Registry
	metrics  metrics.RelayMetrics

	scheduler  gocron.Scheduler
	reconciler *Reconciler
	echo       *echo.Echo

	status  atomic.Value
	closers []func()
}

// NewService connects to the chain, opens storage and builds the relay pipeline from c.
func NewService(c *config.Config) (*Service, error) {
	log := logger.EnsureLogger(c.Logger)
	ctx := context.Background()

	ethClient, err := ethclient.Dial(c.EthRpcUrl)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to %s: %w", c.EthRpcUrl, err)
	}
	chainID, err := ethClient.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot read chain id: %w", err)
	}
	if chainID.Cmp(c.ChainID) != 0 {
		return nil, fmt.Errorf("rpc serves chain %s, config expects %s", chainID, c.ChainID)
	}

	db, err := storage.NewWithPath(c.DbPath)
	if err != nil {
		return nil, fmt.Errorf("cannot open storage at %s: %w", c.DbPath, err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	relayMetrics := metrics.NewRelayMetrics(registry)

	entryPoint := aa.NewEntryPoint(ethClient, c.EntryPoint)

	var counters nonce.CounterStore
	var redisClient *redis.Client
	switch c.NonceStore {
	case config.NonceStoreRedis:
		opts, err := redis.ParseURL(c.RedisUrl)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("cannot reach redis: %w", err)
		}
		counters = nonce.NewRedisCounterStore(redisClient)
	default:
		counters = nonce.NewBadgerCounterStore(db)
	}

	allocator, err := nonce.NewAllocator(entryPoint, counters, c.Nonce, log)
	if err != nil {
		return nil, err
	}

	sponsorClient, err := sponsor.NewClient(c.Sponsor, log)
	if err != nil {
		return nil, err
	}

	bundlerClient, err := bundler.NewBundlerClient(c.BundlerUrl, c.BundlerTimeout)
	if err != nil {
		return nil, err
	}
	if supported, err := bundlerClient.SupportedEntryPoints(ctx); err != nil {
		log.Warn("cannot read bundler entrypoints", "error", err)
	} else if !lo.Contains(supported, c.EntryPoint) {
		return nil, fmt.Errorf("bundler does not support entrypoint %s", c.EntryPoint.Hex())
	}

	fees, err := eip1559.NewController(c.FeePolicy)
	if err != nil {
		return nil, err
	}

	r, err := relay.New(relay.Config{
		EntryPoint:   c.EntryPoint,
		ChainID:      c.ChainID,
		PollInterval: c.PollInterval,
		PollTimeout:  c.PollTimeout,
		EstimateGas:  c.EstimateGas,
	}, relay.Deps{
		Bundler:   bundlerClient,
		Sponsor:   sponsorClient,
		Nonces:    allocator,
		Fees:      fees,
		FeeSource: ethClient,
		Signer:    c.Signer,
		Metrics:   relayMetrics,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}

	cache, err := bigcache.New(ctx, resolverCacheConfig())
	if err != nil {
		return nil, fmt.Errorf("cannot initialize resolver cache: %w", err)
	}
	resolver := aa.NewResolver(ethClient, c.Resolver, cache, log)

	svc := newService(c, db, r, resolver, registry, relayMetrics)
	svc.closers = append(svc.closers, ethClient.Close, bundlerClient.Close, func() { cache.Close() })
	if redisClient != nil {
		svc.closers = append(svc.closers, func() { redisClient.Close() })
	}
	return svc, nil
}

func newService(c *config.Config, db storage.Storage, r Relayer, resolver AccountResolver, registry *prometheus.Registry, m metrics.RelayMetrics) *Service {
	log := logger.EnsureLogger(c.Logger)
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if m == nil {
		m = metrics.NoopMetrics{}
	}

	submissions := NewSubmissionStore(db)
	registry.MustRegister(metrics.NewPendingCollector(submissions, log))

	svc := &Service{
		config:      c,
		logger:      log,
		db:          db,
		submissions: submissions,
		relayer:     r,
		resolver:    resolver,
		registry:    registry,
		metrics:     m,
		reconciler:  NewReconciler(submissions, r, c.PollInterval, 5*c.PollTimeout, log),
	}
	svc.status.Store(initStatus)
	return svc
}

func (s *Service) Status() ServiceStatus {
	return s.status.Load().(ServiceStatus)
}

func (s *Service) Start(ctx context.Context) error {
	s.logger.Infof("Starting relay %s", version.Get())

	s.initSentry()

	s.logger.Infof("Starting pending reconciler")
	if err := s.startReconciler(); err != nil {
		return err
	}

	s.logger.Infof("Starting http server")
	s.startHttpServer(ctx)
	s.status.Store(runningStatus)

	startedAt := time.Now()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigs:
	case <-ctx.Done():
	}
	s.metrics.AddUptime(float64(time.Since(startedAt).Milliseconds()))

	s.logger.Infof("Shutting down...")
	s.Stop()
	return nil
}

func (s *Service) Stop() {
	s.status.Store(shutdownStatus)

	if s.echo != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http server shutdown", "error", err)
		}
	}
	if s.scheduler != nil {
		if err := s.scheduler.Shutdown(); err != nil {
			s.logger.Warn("scheduler shutdown", "error", err)
		}
	}
	for _, c := range s.closers {
		c()
	}
	s.db.Close()
	sentryFlushSafely(2 * time.Second)
}

func (s *Service) startReconciler() error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(s.config.ReconcileInterval),
		gocron.NewTask(func() {
			s.reconciler.Run(context.Background())
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}

	if s.config.BackupDir != "" {
		backups := backup.NewService(s.logger, s.db, s.config.BackupDir)
		_, err = scheduler.NewJob(
			gocron.DurationJob(s.config.BackupInterval),
			gocron.NewTask(func() {
				if _, err := backups.PerformBackup(context.Background()); err != nil {
					s.logger.Errorf("Periodic backup failed: %v", err)
				}
			}),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return err
		}
		s.logger.Infof("Started periodic backup every %v to %s", s.config.BackupInterval, s.config.BackupDir)
	}

	scheduler.Start()
	s.scheduler = scheduler
	return nil
}

func resolverCacheConfig() bigcache.Config {
	return bigcache.Config{
		// number of shards (must be a power of 2)
		Shards: 64,
		// resolutions only change when an account is deployed
		LifeWindow:         30 * time.Minute,
		CleanWindow:        5 * time.Minute,
		MaxEntriesInWindow: 1000 * 10 * 60,
		MaxEntrySize:       500,
		// value in MB
		HardMaxCacheSize: 256,
	}
}
