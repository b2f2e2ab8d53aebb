package testutil

import (
	"context"
	"fmt"
	"os"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/allegro/bigcache/v3"

	"github.com/AvaProtocol/ap-relay/core/chainio/signer"
	"github.com/AvaProtocol/ap-relay/core/config"
	"github.com/AvaProtocol/ap-relay/storage"
)

const (
	// first hardhat/anvil dev account, never holds real funds
	TestOwnerPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	TestJwtSecret       = "test-jwt-secret"
)

func GetTestRPCURL() string {
	v := os.Getenv("RPC_URL")
	if v == "" {
		return "https://sepolia.drpc.org"
	}

	return v
}

// Shortcut to initialize an in-memory storage, panic if we cannot create db
func TestMustDB() storage.Storage {
	db, err := storage.New(&storage.Config{InMemory: true})
	if err != nil {
		panic(err)
	}
	return db
}

func GetLogger() sdklogging.Logger {
	logger, err := sdklogging.NewZapLogger("development")
	if err != nil {
		panic(err)
	}
	return logger
}

func TestSigner() signer.Signer {
	s, err := signer.FromPrivateKeyHex(TestOwnerPrivateKey)
	if err != nil {
		panic(err)
	}
	return s
}

// GetRelayConfig returns a config with short poll timings, suitable for running a service
// against fakes.
func GetRelayConfig() *config.Config {
	return &config.Config{
		Environment:       sdklogging.Development,
		Logger:            GetLogger(),
		EthRpcUrl:         GetTestRPCURL(),
		PollInterval:      5 * time.Millisecond,
		PollTimeout:       50 * time.Millisecond,
		ReconcileInterval: time.Second,
		Signer:            TestSigner(),
		JwtSecret:         []byte(TestJwtSecret),
	}
}

func GetDefaultCache() *bigcache.BigCache {
	config := bigcache.Config{
		// number of shards (must be a power of 2)
		Shards: 1024,

		// time after which entry can be evicted
		LifeWindow: 10 * time.Minute,

		// Interval between removing expired entries (clean up).
		CleanWindow: 5 * time.Minute,

		// rps * lifeWindow, used only in initial memory allocation
		MaxEntriesInWindow: 1000 * 10 * 60,

		// max entry size in bytes, used only in initial memory allocation
		MaxEntrySize: 500,

		// cache will not allocate more memory than this limit, value in MB
		HardMaxCacheSize: 64,
	}
	cache, err := bigcache.New(context.Background(), config)
	if err != nil {
		panic(fmt.Errorf("error get default cache for test"))
	}
	return cache
}
