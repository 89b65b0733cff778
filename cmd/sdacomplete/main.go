// sdacomplete consumes ingestion completions, acquires the dataset
// identifier (a registered DOI when the DOI and access-registry APIs
// are configured, a deterministic URN otherwise) and announces the
// dataset mapping.
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
	"github.com/neicnordic/sda-orchestrator/go/store"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		os.Exit(1)
	}
	must(config.InitLog(cfg.Log), "configuring logging")
	metrics.Serve(cfg.Metrics.Port)

	template, err := config.LoadTemplate(cfg.ConfigFile)
	must(err, "loading access-registry template")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var consumer = broker.New(cfg.Broker, cfg.Queues.Completed, cfg.Queues.Error)
	var handler = &stages.Completed{
		Publisher:     consumer,
		MappingsQueue: cfg.Queues.Mappings,
		DatasetID:     stages.SelectDatasetIDProvider(cfg.DOI, cfg.REMS, template),
	}

	if cfg.DB.DSN != "" {
		recorder, err := store.New(ctx, cfg.DB.DSN)
		must(err, "opening mapping store")
		defer recorder.Close()
		handler.Recorder = recorder
	}

	must(consumer.Connect(ctx), "connecting to broker")
	defer consumer.Close()

	log.WithField("queue", cfg.Queues.Completed).Info("starting completed consumer")
	must(consumer.Serve(ctx, handler.Handle), "serving completed queue")
}

func must(err error, msg string) {
	if err != nil {
		log.WithField("err", err).Fatal(msg)
	}
}
