// sdainbox consumes inbox lifecycle events and triggers ingestion of
// uploaded files.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/neicnordic/sda-orchestrator/go/broker"
	"github.com/neicnordic/sda-orchestrator/go/config"
	"github.com/neicnordic/sda-orchestrator/go/metrics"
	"github.com/neicnordic/sda-orchestrator/go/stages"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		os.Exit(1)
	}
	must(config.InitLog(cfg.Log), "configuring logging")
	metrics.Serve(cfg.Metrics.Port)

	var consumer = broker.New(cfg.Broker, cfg.Queues.Inbox, cfg.Queues.Error)
	var handler = &stages.Inbox{
		Publisher:   consumer,
		IngestQueue: cfg.Queues.Ingest,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	must(consumer.Connect(ctx), "connecting to broker")
	defer consumer.Close()

	log.WithField("queue", cfg.Queues.Inbox).Info("starting inbox consumer")
	must(consumer.Serve(ctx, handler.Handle), "serving inbox queue")
}

func must(err error, msg string) {
	if err != nil {
		log.WithField("err", err).Fatal(msg)
	}
}
