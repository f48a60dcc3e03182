package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	cli "github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/careflow/careflow/pkg/audit"
	careflowcmd "github.com/careflow/careflow/pkg/cmd"
	"github.com/careflow/careflow/pkg/dispatch"
	"github.com/careflow/careflow/pkg/interpreter"
	"github.com/careflow/careflow/pkg/log"
	"github.com/careflow/careflow/pkg/scheduler"
)

func main() {
	command := &cli.Command{
		Name:                  "careflow-dispatcher",
		Usage:                 "Route trigger events to flow executions and sweep cron schedules",
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
				Name:    "schedule-interval",
				Usage:   "How often to sweep cron schedules",
				Value:   30 * time.Second,
				Sources: cli.EnvVars("SCHEDULE_INTERVAL"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: runDispatcher,
	}

	if err := command.Run(context.Background(), os.Args); err != nil && !errors.Is(err, context.Canceled) {
		panic(err)
	}
}

func runDispatcher(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))
	logger := log.WithModule("careflow-dispatcher")

	persistence, err := careflowcmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return fmt.Errorf("failed to initialize persistence: %w", err)
	}

	defer func() {
		if err := persistence.Close(ctx); err != nil {
			logger.Error("Failed to close persistence", "error", err)
		}
	}()

	eventBus, err := careflowcmd.NewEventBus(command.String("event-bus"), "careflow-dispatcher", logger)
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

	sched := scheduler.NewScheduler(
		logger,
		persistence,
		interpreter.NewInterpreter(logger, caps),
		audit.NewLogger(logger, persistence, encryptor),
		eventBus,
		scheduler.DefaultConfig(),
	)

	dispatcher := dispatch.NewDispatcher(logger, persistence.Templates(), sched)
	if err := dispatcher.Subscribe(eventBus); err != nil {
		return fmt.Errorf("failed to subscribe dispatcher: %w", err)
	}

	scheduleSource := dispatch.NewScheduleSource(
		logger,
		persistence.Schedules(),
		eventBus,
		command.Duration("schedule-interval"),
	)

	logger.Info("Careflow dispatcher starting")

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return eventBus.Subscribe(ctx)
	})
	group.Go(func() error {
		return scheduleSource.Run(ctx)
	})

	return group.Wait()
}
