package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"

	careflowcmd "github.com/careflow/careflow/pkg/cmd"
	"github.com/careflow/careflow/pkg/capabilities"
	"github.com/careflow/careflow/pkg/interpreter"
	"github.com/careflow/careflow/pkg/log"
	"github.com/careflow/careflow/pkg/store"
)

func main() {
	command := &cli.Command{
		Name:                  "careflow-template",
		Usage:                 "Manage flow templates: validate, publish and deactivate",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Commands: []*cli.Command{
			newValidateCommand(),
			newPublishCommand(),
			newDeactivateCommand(),
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newTemplateStore(ctx context.Context, command *cli.Command) (*store.Store, func(), error) {
	log.Setup(command.String("log-level"))
	logger := log.WithModule("careflow-template")

	persistence, err := careflowcmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize persistence: %w", err)
	}

	cleanup := func() {
		if err := persistence.Close(ctx); err != nil {
			logger.Error("Failed to close persistence", "error", err)
		}
	}

	checker := interpreter.NewInterpreter(logger, capabilities.Capabilities{})

	return store.NewStore(logger, persistence.Templates(), checker), cleanup, nil
}

func loadDefinition(path string) (store.Definition, error) {
	var def store.Definition

	data, err := os.ReadFile(path)
	if err != nil {
		return def, fmt.Errorf("failed to read definition file: %w", err)
	}

	if err := json.Unmarshal(data, &def); err != nil {
		return def, fmt.Errorf("failed to parse definition file: %w", err)
	}

	return def, nil
}

func newValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Validate a template definition file without publishing it",
		ArgsUsage: "<definition.json>",
		Action: func(ctx context.Context, command *cli.Command) error {
			if command.Args().Len() != 1 {
				return fmt.Errorf("expected exactly one definition file argument")
			}

			templateStore, cleanup, err := newTemplateStore(ctx, command)
			if err != nil {
				return err
			}
			defer cleanup()

			def, err := loadDefinition(command.Args().First())
			if err != nil {
				return err
			}

			if err := templateStore.Validate(def); err != nil {
				return err
			}

			fmt.Printf("Template %q is valid\n", def.TemplateKey)

			return nil
		},
	}
}

func newPublishCommand() *cli.Command {
	return &cli.Command{
		Name:      "publish",
		Usage:     "Publish a template definition as the next version of its key",
		ArgsUsage: "<definition.json>",
		Action: func(ctx context.Context, command *cli.Command) error {
			if command.Args().Len() != 1 {
				return fmt.Errorf("expected exactly one definition file argument")
			}

			templateStore, cleanup, err := newTemplateStore(ctx, command)
			if err != nil {
				return err
			}
			defer cleanup()

			def, err := loadDefinition(command.Args().First())
			if err != nil {
				return err
			}

			tmpl, err := templateStore.Publish(ctx, def)
			if err != nil {
				return err
			}

			fmt.Printf("Published %s v%d (%s)\n", tmpl.TemplateKey, tmpl.Version, tmpl.ID)

			return nil
		},
	}
}

func newDeactivateCommand() *cli.Command {
	return &cli.Command{
		Name:      "deactivate",
		Usage:     "Retire a template version; in-flight executions keep running",
		ArgsUsage: "<template-id>",
		Action: func(ctx context.Context, command *cli.Command) error {
			if command.Args().Len() != 1 {
				return fmt.Errorf("expected exactly one template id argument")
			}

			templateStore, cleanup, err := newTemplateStore(ctx, command)
			if err != nil {
				return err
			}
			defer cleanup()

			id := command.Args().First()
			if err := templateStore.Deactivate(ctx, id); err != nil {
				return err
			}

			fmt.Printf("Deactivated template %s\n", id)

			return nil
		},
	}
}
