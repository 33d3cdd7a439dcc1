package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fluxline/exchange"
	"github.com/fluxline/exchange/adapters/amqpout"
	"github.com/fluxline/exchange/adapters/fileout"
	"github.com/fluxline/exchange/adapters/jlog"
	"github.com/fluxline/exchange/adapters/kafkastream"
	"github.com/fluxline/exchange/adapters/pubsubout"
	"github.com/fluxline/exchange/adapters/sqlstore"
)

func main() {
	configPath := flag.String("config", "", "directory containing worker.yaml")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := LoadSettings(*configPath)
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	shutdownTelemetry, err := initTelemetry(cfg.Observability)
	if err != nil {
		log.Fatalf("initialising telemetry: %v", err)
	}
	defer shutdownTelemetry()

	logger := jlog.New()

	db, err := sql.Open("mysql", cfg.Database.DSN)
	if err != nil {
		log.Fatalf("opening database: %v", err)
	}
	defer db.Close()
	store := sqlstore.New(db)

	queue, err := amqpout.New(cfg.Queue.URL, exchange.OutputConfig{
		Type:                "queue",
		Enabled:             true,
		MaxRetries:          cfg.Queue.MaxRetries,
		RetryBackoffSeconds: cfg.Queue.RetryBackoffSeconds,
		TimeoutSeconds:      cfg.Queue.TimeoutSeconds,
		Queue: exchange.QueueConfig{
			URL:        cfg.Queue.URL,
			Durable:    cfg.Queue.Durable,
			TTLSeconds: cfg.Queue.TTLSeconds,
		},
	}, amqpout.WithDeadLetterQueue(cfg.Queue.DeadLetterQueue))
	if err != nil {
		log.Fatalf("connecting to queue: %v", err)
	}
	defer queue.Close()

	router := exchange.NewRouter(exchange.WithRouterLogger(logger))
	router.RegisterHandler(exchange.HandlerTypeQueue, queue)
	router.RegisterHandler(exchange.HandlerTypeNoop, exchange.NoopHandler{})
	if cfg.Outputs.Bus.Enabled {
		bus, err := pubsubout.New(ctx, exchange.OutputConfig{
			Type:                "bus",
			Enabled:             true,
			MaxRetries:          cfg.Outputs.Bus.MaxRetries,
			RetryBackoffSeconds: cfg.Outputs.Bus.RetryBackoffSeconds,
			TimeoutSeconds:      cfg.Outputs.Bus.TimeoutSeconds,
			Bus: exchange.BusConfig{
				ProjectID:     cfg.Outputs.Bus.ProjectID,
				OrderingKey:   cfg.Outputs.Bus.OrderingKey,
				CreateMissing: cfg.Outputs.Bus.CreateMissing,
			},
		})
		if err != nil {
			log.Fatalf("connecting to bus: %v", err)
		}
		defer bus.Close()
		router.RegisterHandler(exchange.HandlerTypeBus, bus)
	}
	if cfg.Outputs.File.Enabled {
		router.RegisterHandler(exchange.HandlerTypeFile, fileout.New(exchange.FileConfig{
			Directory: cfg.Outputs.File.Directory,
			Format:    cfg.Outputs.File.Format,
		}))
	}

	recorderOpts := []exchange.RecorderOption{
		exchange.WithRecorderStore(store),
	}
	var streamer exchange.EventStreamer
	if len(cfg.Stream.Brokers) > 0 && cfg.Stream.Topic != "" {
		streamer = kafkastream.New(cfg.Stream.Brokers)
		sender, err := streamer.NewSender(ctx, cfg.Stream.Topic)
		if err != nil {
			log.Fatalf("creating transition sender: %v", err)
		}
		defer sender.Close()
		recorderOpts = append(recorderOpts, exchange.WithRecorderStream(sender))
	}
	recorder := exchange.NewRecorder(logger, recorderOpts...)

	relay := &relayProcessor{}
	if cfg.Outputs.File.Enabled {
		relay.outputs = append(relay.outputs, exchange.Output{
			HandlerType: exchange.HandlerTypeFile,
			Destination: "entities.jsonl",
		})
	}

	handler := exchange.NewExecutionHandler(
		relay,
		exchange.WithSessionFactory(store),
		exchange.WithRouter(router),
		exchange.WithRecorder(recorder),
		exchange.WithErrorRecorder(exchange.NewErrorRecorder(logger, exchange.WithErrorStore(store))),
		exchange.WithDeadLetterSink(queue),
		exchange.WithTenantResolver(exchange.StaticTenant(cfg.TenantID)),
		exchange.WithHandlerLogger(logger),
	)

	if cfg.Stream.Project && streamer != nil {
		receiver, err := streamer.NewReceiver(ctx, cfg.Stream.Topic, cfg.Stream.ConsumerGroup)
		if err != nil {
			log.Fatalf("creating transition receiver: %v", err)
		}
		defer receiver.Close()
		go func() {
			err := exchange.NewProjector(store, logger).Run(ctx, receiver)
			if err != nil && ctx.Err() == nil {
				log.Printf("projector stopped: %v", err)
				cancel()
			}
		}()
	}

	if cfg.Retention.Enabled {
		sweeper := exchange.NewSweeper(store, []string{cfg.TenantID},
			exchange.WithSweepSchedule(cfg.Retention.Schedule),
			exchange.WithSweepMaxAge(cfg.Retention.MaxAge),
			exchange.WithSweepLogger(logger),
		)
		err := sweeper.Start(ctx)
		if err != nil {
			log.Fatalf("starting retention sweeper: %v", err)
		}
		defer sweeper.Stop()
	}

	if cfg.Observability.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			err := http.ListenAndServe(cfg.Observability.MetricsAddr, mux)
			if err != nil {
				log.Printf("metrics listener stopped: %v", err)
			}
		}()
	}

	err = queue.Consume(ctx, cfg.Queue.Inbound, func(ctx context.Context, msg *exchange.Message) bool {
		result, err := handler.Execute(ctx, msg)
		if err != nil {
			// Environmental failure, requeue and try again later.
			logger.Error(ctx, err)
			return false
		}
		if !result.Success && result.CanRetry {
			msg.IncrementRetry()
			return false
		}
		return true
	})
	if err != nil && ctx.Err() == nil {
		log.Fatalf("consumer stopped: %v", err)
	}
}
