// sdaverified consumes verification completions and assigns accession
// identifiers.
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

	var consumer = broker.New(cfg.Broker, cfg.Queues.Verified, cfg.Queues.Error)
	var handler = &stages.Verified{
		Publisher:      consumer,
		AccessionQueue: cfg.Queues.AccessionIDs,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	must(consumer.Connect(ctx), "connecting to broker")
	defer consumer.Close()

	log.WithField("queue", cfg.Queues.Verified).Info("starting verified consumer")
	must(consumer.Serve(ctx, handler.Handle), "serving verified queue")
}

func must(err error, msg string) {
	if err != nil {
		log.WithField("err", err).Fatal(msg)
	}
}
