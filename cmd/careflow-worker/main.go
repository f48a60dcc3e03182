package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	cli "github.com/urfave/cli/v3"

	careflowcmd "github.com/careflow/careflow/pkg/cmd"
	"github.com/careflow/careflow/pkg/audit"
	"github.com/careflow/careflow/pkg/interpreter"
	"github.com/careflow/careflow/pkg/log"
	"github.com/careflow/careflow/pkg/otelhelper"
	"github.com/careflow/careflow/pkg/scheduler"
)

func main() {
	command := &cli.Command{
		Name:                  "careflow-worker",
		Usage:                 "Run the execution worker: sweeps due executions and advances them",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for shared action idempotency state",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, gochannel)",
				Value:   "kafka",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "audit-key",
				Usage:   "32-byte key for audit context diff encryption",
				Sources: cli.EnvVars("AUDIT_ENCRYPTION_KEY"),
			},
			&cli.DurationFlag{
				Name:    "sweep-interval",
				Usage:   "How often to claim due executions",
				Value:   10 * time.Second,
				Sources: cli.EnvVars("SWEEP_INTERVAL"),
			},
			&cli.IntFlag{
				Name:    "worker-pool-size",
				Usage:   "Concurrent executions per sweep",
				Value:   8,
				Sources: cli.EnvVars("WORKER_POOL_SIZE"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: runWorker,
	}

	if err := command.Run(context.Background(), os.Args); err != nil && !errors.Is(err, context.Canceled) {
		panic(err)
	}
}

func runWorker(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))
	logger := log.WithModule("careflow-worker")

	tracer, err := otelhelper.NewTracer(ctx, "careflow-worker")
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}

	persistence, err := careflowcmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return fmt.Errorf("failed to initialize persistence: %w", err)
	}

	defer func() {
		if err := persistence.Close(ctx); err != nil {
			logger.Error("Failed to close persistence", "error", err)
		}
	}()

	eventBus, err := careflowcmd.NewEventBus(command.String("event-bus"), "careflow-worker", logger)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}

	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.Error("Failed to close event bus", "error", err)
		}
	}()

	caps, err := careflowcmd.NewCapabilities(logger, command.String("redis-url"))
	if err != nil {
		return err
	}

	encryptor, err := careflowcmd.NewEncryptor(logger, command.String("audit-key"))
	if err != nil {
		return err
	}

	config := scheduler.DefaultConfig()
	config.SweepInterval = command.Duration("sweep-interval")
	config.WorkerPoolSize = int(command.Int("worker-pool-size"))

	sched := scheduler.NewScheduler(
		logger,
		persistence,
		interpreter.NewInterpreter(logger, caps),
		audit.NewLogger(logger, persistence, encryptor),
		eventBus,
		config,
		scheduler.WithTracer(tracer),
	)

	logger.Info("Careflow worker starting", "sweep_interval", config.SweepInterval)

	return sched.Run(ctx)
}
