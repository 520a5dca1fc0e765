package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/target/postcron/config"
	"github.com/target/postcron/internal/bootstrap"
)

type commandFn func(ctx *commandContext, args []string) error

type command struct {
	name        string
	description string
	run         commandFn
}

type commandContext struct {
	Ctx    context.Context
	Logger *slog.Logger
	Config config.AppConfig
	Out    io.Writer
}

func main() {
	if len(os.Args) < 2 {
		if err := printUsage(os.Stdout); err != nil {
			slog.Default().Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when no command is provided
	}

	cmdName := os.Args[1]
	cmd, ok := commands()[cmdName]
	if !ok {
		if err := writef(os.Stderr, "unknown command %q\n\n", cmdName); err != nil {
			slog.Default().Error("print unknown command message failed", "error", err)
		}
		if err := printUsage(os.Stdout); err != nil {
			slog.Default().Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when command is unknown
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		slog.Default().ErrorContext(context.Background(), "load config", "error", err)
		os.Exit(1) //nolint:forbidigo // CLI must signal configuration load failure to shell scripts
	}
	logger := bootstrap.InitLogger(cfg.Observability.Logging)

	cmdCtx := &commandContext{
		Ctx:    context.Background(),
		Logger: logger,
		Config: cfg,
		Out:    os.Stdout,
	}
	if runErr := cmd.run(cmdCtx, os.Args[2:]); runErr != nil {
		logger.ErrorContext(cmdCtx.Ctx, "command failed", "command", cmdName, "error", runErr)
		os.Exit(1) //nolint:forbidigo // CLI must propagate command execution failure to callers
	}
}

func commands() map[string]command {
	return map[string]command{
		"migrate": {
			name:        "migrate",
			description: "Run database migrations",
			run:         runMigrations,
		},
		"dispatch": {
			name:        "dispatch",
			description: "Run one dispatch sweep now and print the report",
			run:         runDispatch,
		},
		"recover": {
			name:        "recover",
			description: "Run the recovery orchestrator once and print the report",
			run:         runRecover,
		},
		"health": {
			name:        "health",
			description: "Print the current delivery health snapshot",
			run:         runHealth,
		},
		"schedule": {
			name:        "schedule",
			description: "Schedule a post (--at is read in DISPLAY_TIMEZONE)",
			run:         runSchedule,
		},
		"retry": {
			name:        "retry",
			description: "Return a failed post to pending with a fresh retry budget",
			run:         runRetry,
		},
	}
}

func printUsage(w io.Writer) error {
	if err := writef(w, "Usage: postcron-admin <command> [flags]\n\n"); err != nil {
		return err
	}
	if err := writef(w, "Available commands:\n"); err != nil {
		return err
	}
	cmds := commands()
	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := writef(w, "  %-12s %s\n", name, cmds[name].description); err != nil {
			return err
		}
	}
	return nil
}

func writef(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}

func writeln(w io.Writer, args ...any) error {
	_, err := fmt.Fprintln(w, args...)
	return err
}
