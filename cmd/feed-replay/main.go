// Command feed-replay publishes the transactions in a CSV file onto the live
// transaction topic.
//
// Usage:
//
//	KAFKA_BROKERS=localhost:9092 go run ./cmd/feed-replay transactions.csv
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/finomaly/finomaly/internal/config"
	"github.com/finomaly/finomaly/internal/csvingest"
	"github.com/finomaly/finomaly/internal/feed"
	"github.com/finomaly/finomaly/internal/logging"
	"github.com/finomaly/finomaly/internal/txn"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: feed-replay <file.csv>")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	if !cfg.StreamEnabled() {
		logger.Error("KAFKA_BROKERS is required")
		os.Exit(1)
	}

	f, err := os.Open(os.Args[1])
	if err != nil {
		logger.Error("failed to open csv", "error", err)
		os.Exit(1)
	}
	records, err := csvingest.ParseReader(f)
	_ = f.Close()
	if err != nil {
		logger.Error("failed to read csv", "error", err)
		os.Exit(1)
	}
	txs := txn.NormalizeAll(records)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pub := feed.NewPublisher(feed.NewWriter(cfg.KafkaBrokers, cfg.KafkaTransactionsTopic), 100)
	defer func() { _ = pub.Close() }()

	sent, err := pub.PublishTransactions(ctx, txs)
	if err != nil {
		logger.Error("publish failed", "sent", sent, "error", err)
		os.Exit(1)
	}
	logger.Info("replay complete",
		"topic", cfg.KafkaTransactionsTopic,
		"transactions", sent,
	)
}
