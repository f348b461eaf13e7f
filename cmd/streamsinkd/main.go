package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"streamsink/internal/backend"
	"streamsink/internal/backend/sqlite"
	"streamsink/internal/config"
	"streamsink/internal/core"
	"streamsink/internal/pipeline"
	"streamsink/internal/sink"
	"streamsink/internal/sink/kafka"
	"streamsink/internal/sink/postgres"
	"streamsink/internal/sink/rabbitmq"
	"streamsink/internal/source"
)

func main() {
	cfgPath := flag.String("config", "streamsink.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := run(ctx, cfg)
	if err != nil {
		log.Fatalf("job %s: %v", cfg.Job.Name, err)
	}
	fmt.Printf("%s %s after %d attempt(s)\n", cfg.Job.Name, res.Status, res.Attempts)
}

func run(ctx context.Context, cfg config.Config) (pipeline.Result, error) {
	sem, err := core.ParseSemantics(cfg.Job.Semantics)
	if err != nil {
		return pipeline.Result{}, err
	}

	var b backend.Backend
	switch cfg.Backend.Kind {
	case "sqlite":
		store, err := sqlite.NewStore(cfg.Backend.Path)
		if err != nil {
			return pipeline.Result{}, err
		}
		b = store
	default:
		b = backend.NewMemory()
	}
	defer b.Close()

	src := source.NewSlice(cfg.Source.Values, cfg.Source.Rounds)
	defer src.Close()

	newWriter := func(subtask int) sink.Writer { return sink.NewTupleWriter(subtask) }
	newCommitter, global, closeSink, err := buildSink(cfg)
	if err != nil {
		return pipeline.Result{}, err
	}
	defer closeSink()

	maxAttempts := cfg.Restart.MaxAttempts
	if cfg.Restart.Strategy == "none" {
		maxAttempts = 1
	}

	job, err := pipeline.NewJob(pipeline.Options{
		Parallelism:            cfg.Job.Parallelism,
		Semantics:              sem,
		CheckpointEveryRecords: cfg.Checkpoint.EveryRecords,
		MaxAttempts:            maxAttempts,
		RestartDelay:           cfg.Restart.Delay,
		CommitRetries:          cfg.Restart.CommitRetries,
		CommitRetryDelay:       cfg.Restart.CommitRetryDelay,
		WithCommitter:          cfg.Sink.WithCommitter,
		WithGlobalCommitter:    cfg.Sink.WithGlobal,
		FailureInjection: pipeline.FailureInjection{
			Enabled:        cfg.Test.SimulateFailure.Enabled,
			NumRecords:     cfg.Test.SimulateFailure.NumRecords,
			NumCheckpoints: cfg.Test.SimulateFailure.NumCheckpoints,
			MaxFailures:    cfg.Test.SimulateFailure.MaxFailures,
		},
	}, src, b, newWriter, newCommitter, global)
	if err != nil {
		return pipeline.Result{}, err
	}

	start := time.Now()
	res, err := job.Run(ctx)
	if err != nil {
		return res, err
	}
	log.Printf("job %s finished in %s", cfg.Job.Name, time.Since(start).Round(time.Millisecond))
	return res, nil
}

func buildSink(cfg config.Config) (func(int) sink.Committer, sink.GlobalCommitter, func(), error) {
	noop := func() {}
	switch cfg.Sink.Kind {
	case "kafka":
		committer, err := kafka.NewCommitter(kafka.Config{
			Brokers:  cfg.Sink.Kafka.Brokers,
			Topic:    cfg.Sink.Kafka.Topic,
			ClientID: cfg.Sink.Kafka.ClientID,
		})
		if err != nil {
			return nil, nil, noop, err
		}
		return func(int) sink.Committer { return committer },
			kafka.NewGlobalCommitter(committer),
			committer.Close, nil
	case "rabbitmq":
		committer, err := rabbitmq.NewCommitter(rabbitmq.Config{
			URL:        cfg.Sink.RabbitMQ.URL,
			Exchange:   cfg.Sink.RabbitMQ.Exchange,
			Queue:      cfg.Sink.RabbitMQ.Queue,
			RoutingKey: cfg.Sink.RabbitMQ.RoutingKey,
		})
		if err != nil {
			return nil, nil, noop, err
		}
		return func(int) sink.Committer { return committer },
			rabbitmq.NewGlobalCommitter(committer),
			func() { _ = committer.Close() }, nil
	case "postgres":
		committer, err := postgres.NewCommitter(postgres.Config{DSN: cfg.Sink.Postgres.DSN})
		if err != nil {
			return nil, nil, noop, err
		}
		return func(int) sink.Committer { return committer },
			postgres.NewGlobalCommitter(committer),
			func() { _ = committer.Close() }, nil
	default:
		queue := sink.NewQueue()
		return func(int) sink.Committer { return sink.NewQueueCommitter(queue) },
			sink.NewQueueGlobalCommitter(queue),
			noop, nil
	}
}
