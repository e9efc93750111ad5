package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/payout-hq/tx-broadcaster/pkg/broadcaster"
	"github.com/payout-hq/tx-broadcaster/pkg/chainregistry"
	"github.com/payout-hq/tx-broadcaster/pkg/config"
	"github.com/payout-hq/tx-broadcaster/pkg/coordstore"
	"github.com/payout-hq/tx-broadcaster/pkg/health"
	"github.com/payout-hq/tx-broadcaster/pkg/logger"
	"github.com/payout-hq/tx-broadcaster/pkg/noncemanager"
	"github.com/payout-hq/tx-broadcaster/pkg/queue"
	"github.com/payout-hq/tx-broadcaster/pkg/statestore"
	"github.com/payout-hq/tx-broadcaster/pkg/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	lg := logger.NewStdLogger(true, logger.ParseLevel(cfg.LogLevel))

	registry, err := chainregistry.NewRegistry(cfg.Chains, lg)
	if err != nil {
		log.Fatalf("Failed to build chain registry: %v", err)
	}
	defer registry.Close()

	store := coordstore.NewRedisStore(cfg.RedisAddr(), cfg.RedisPassword)
	defer store.Close()

	stateStore, err := statestore.Open(cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("Failed to open state store: %v", err)
	}
	defer stateStore.Close()

	sqsClient, err := queue.NewSQSClient(cfg.AWSRegion, cfg.AWSEndpoint)
	if err != nil {
		log.Fatalf("Failed to create SQS client: %v", err)
	}

	consumer := queue.NewConsumer(sqsClient, cfg.SignedTxQueueURL, lg)
	results := queue.NewPublisher(sqsClient, cfg.BroadcastTxQueueURL)
	dlq := queue.NewDLQPublisher(sqsClient, cfg.SignedTxDLQURL)

	clients := broadcaster.NewRegistrySource(registry)
	bc := broadcaster.New(clients, lg)

	nonceManager := noncemanager.NewManager(store, clients, lg,
		noncemanager.WithGapTiming(cfg.GapCheckInterval, cfg.GapTimeout),
		noncemanager.WithLockTimeout(cfg.LockTimeout),
		noncemanager.WithGapSignal(func(signal noncemanager.GapSignal) {
			// Gap recovery is a collaborator's job; the engine only reports
			lg.ErrorWithChain(signal.ChainID, "Gap recovery needed for %s: missing nonces %v",
				signal.Sender, signal.Info.Missing)
		}),
	)

	service := worker.NewService(cfg, consumer, results, dlq, store, stateStore,
		nonceManager, bc, registry, registry.ChainIDs(), lg)

	healthServer := health.NewServer(
		net.JoinHostPort(cfg.Host, cfg.Port),
		registry, store, bc, service.Breakers(), lg)
	go healthServer.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		lg.Notice("Received signal %v, shutting down", sig)
		cancel()
	}()

	service.Start(ctx)
	lg.Notice("Broadcaster stopped")
}
