package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/target/postcron/internal/bootstrap"
	"github.com/target/postcron/internal/domain/model"
	"github.com/target/postcron/internal/service"
	"github.com/target/postcron/internal/timeutil"
)

const (
	defaultMigrationTimeout = 5 * time.Minute
	defaultCommandTimeout   = 5 * time.Minute
)

type migrateOptions struct {
	Timeout time.Duration
}

type dispatchOptions struct {
	Timeout time.Duration
	Wide    bool
	JSON    bool
}

type reportOptions struct {
	Timeout time.Duration
	JSON    bool
}

type scheduleOptions struct {
	Owner      string
	Content    string
	Platform   string
	Type       string
	At         string
	Images     []string
	MaxRetries int
	JSON       bool
}

type retryOptions struct {
	ID   string
	JSON bool
}

// commandContextWithTimeout cancels on SIGINT/SIGTERM or after timeout.
func commandContextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func runMigrations(cmdCtx *commandContext, args []string) error {
	opts, err := parseMigrateFlags(args)
	if err != nil {
		return err
	}

	ctx, cancel := commandContextWithTimeout(cmdCtx.Ctx, opts.Timeout)
	defer cancel()

	db, err := bootstrap.ConnectDB(bootstrap.DatabaseConfig{
		DBConfig: cmdCtx.Config.Postgres,
		Logger:   cmdCtx.Logger,
	})
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			cmdCtx.Logger.Warn("db close failed", "error", closeErr)
		}
	}()

	cmdCtx.Logger.Info("running database migrations")

	if migrateErr := bootstrap.RunMigrations(ctx, db, cmdCtx.Logger); migrateErr != nil {
		return fmt.Errorf("run migrations: %w", migrateErr)
	}

	cmdCtx.Logger.Info("migrations completed successfully")
	return nil
}

func runDispatch(cmdCtx *commandContext, args []string) error {
	opts, err := parseDispatchFlags(args)
	if err != nil {
		return err
	}
	window := time.Duration(0)
	if opts.Wide {
		window = cmdCtx.Config.Recovery.BackupWindow
	}

	ctx, cancel := commandContextWithTimeout(cmdCtx.Ctx, opts.Timeout)
	defer cancel()

	return withServices(ctx, cmdCtx, func(ctx context.Context, services *bootstrap.ServiceContainer) error {
		report, err := services.Dispatcher.Sweep(ctx, service.SweepParams{
			Now:     time.Now(),
			Window:  window,
			Trigger: model.DispatchTriggerManual,
		})
		if err != nil {
			return fmt.Errorf("dispatch: %w", err)
		}
		if opts.JSON {
			return printJSON(cmdCtx.Out, report)
		}
		return printDispatchReport(cmdCtx.Out, report)
	})
}

func runRecover(cmdCtx *commandContext, args []string) error {
	opts, err := parseReportFlags("recover", args)
	if err != nil {
		return err
	}

	ctx, cancel := commandContextWithTimeout(cmdCtx.Ctx, opts.Timeout)
	defer cancel()

	return withServices(ctx, cmdCtx, func(ctx context.Context, services *bootstrap.ServiceContainer) error {
		report, err := services.Recovery.Run(ctx, time.Now())
		if err != nil {
			return fmt.Errorf("recover: %w", err)
		}
		if opts.JSON {
			return printJSON(cmdCtx.Out, report)
		}
		return printRecoveryReport(cmdCtx.Out, report)
	})
}

func runHealth(cmdCtx *commandContext, args []string) error {
	opts, err := parseReportFlags("health", args)
	if err != nil {
		return err
	}

	ctx, cancel := commandContextWithTimeout(cmdCtx.Ctx, opts.Timeout)
	defer cancel()

	return withServices(ctx, cmdCtx, func(ctx context.Context, services *bootstrap.ServiceContainer) error {
		report, err := services.Monitor.Check(ctx, time.Now())
		if err != nil {
			return fmt.Errorf("health check: %w", err)
		}
		if opts.JSON {
			return printJSON(cmdCtx.Out, report)
		}
		return printHealthReport(cmdCtx.Out, report)
	})
}

func runSchedule(cmdCtx *commandContext, args []string) error {
	opts, err := parseScheduleFlags(args)
	if err != nil {
		return err
	}
	loc, err := timeutil.LoadZone(cmdCtx.Config.DisplayTimezone)
	if err != nil {
		return err
	}
	req, err := opts.request(loc)
	if err != nil {
		return err
	}

	ctx, cancel := commandContextWithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	return withServices(ctx, cmdCtx, func(ctx context.Context, services *bootstrap.ServiceContainer) error {
		p, err := services.Posts.Create(ctx, req)
		if err != nil {
			return fmt.Errorf("schedule post: %w", err)
		}
		if opts.JSON {
			return printJSON(cmdCtx.Out, p)
		}
		return printPost(cmdCtx.Out, p, loc)
	})
}

func runRetry(cmdCtx *commandContext, args []string) error {
	opts, err := parseRetryFlags(args)
	if err != nil {
		return err
	}
	loc, err := timeutil.LoadZone(cmdCtx.Config.DisplayTimezone)
	if err != nil {
		return err
	}

	ctx, cancel := commandContextWithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	return withServices(ctx, cmdCtx, func(ctx context.Context, services *bootstrap.ServiceContainer) error {
		p, err := services.Posts.Retry(ctx, opts.ID)
		if err != nil {
			return fmt.Errorf("retry post %s: %w", opts.ID, err)
		}
		if opts.JSON {
			return printJSON(cmdCtx.Out, p)
		}
		return printPost(cmdCtx.Out, p, loc)
	})
}

func parseMigrateFlags(args []string) (migrateOptions, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := migrateOptions{
		Timeout: defaultMigrationTimeout,
	}

	fs.DurationVar(
		&opts.Timeout,
		"timeout",
		defaultMigrationTimeout,
		"Maximum duration to wait for migrations to complete",
	)

	if err := fs.Parse(args); err != nil {
		return migrateOptions{}, err
	}

	if opts.Timeout <= 0 {
		return migrateOptions{}, errors.New("--timeout must be greater than zero")
	}

	return opts, nil
}

func parseDispatchFlags(args []string) (dispatchOptions, error) {
	fs := flag.NewFlagSet("dispatch", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts dispatchOptions
	fs.DurationVar(&opts.Timeout, "timeout", defaultCommandTimeout, "Maximum duration of the sweep")
	fs.BoolVar(&opts.Wide, "wide", false, "Sweep the recovery backup window instead of the dispatch window")
	fs.BoolVar(&opts.JSON, "json", false, "Print the report as JSON")

	if err := fs.Parse(args); err != nil {
		return dispatchOptions{}, err
	}
	if opts.Timeout <= 0 {
		return dispatchOptions{}, errors.New("--timeout must be greater than zero")
	}
	return opts, nil
}

func parseReportFlags(name string, args []string) (reportOptions, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts reportOptions
	fs.DurationVar(&opts.Timeout, "timeout", defaultCommandTimeout, "Maximum duration of the command")
	fs.BoolVar(&opts.JSON, "json", false, "Print the report as JSON")

	if err := fs.Parse(args); err != nil {
		return reportOptions{}, err
	}
	if opts.Timeout <= 0 {
		return reportOptions{}, errors.New("--timeout must be greater than zero")
	}
	return opts, nil
}

func parseScheduleFlags(args []string) (scheduleOptions, error) {
	fs := flag.NewFlagSet("schedule", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		opts   scheduleOptions
		images string
	)
	fs.StringVar(&opts.Owner, "owner", "", "Owner UUID (required)")
	fs.StringVar(&opts.Content, "content", "", "Post text (required)")
	fs.StringVar(&opts.Platform, "platform", string(model.PlatformLinkedIn), "Target platform")
	fs.StringVar(&opts.Type, "type", string(model.PostTypeText), "Post type: text, image, carousel or article")
	fs.StringVar(&opts.At, "at", "", "Publish time, RFC 3339 or local \"2006-01-02 15:04\" (required)")
	fs.StringVar(&images, "images", "", "Comma-separated image URLs")
	fs.IntVar(&opts.MaxRetries, "max-retries", 0, "Retry budget (0 uses the service default)")
	fs.BoolVar(&opts.JSON, "json", false, "Print the created post as JSON")

	if err := fs.Parse(args); err != nil {
		return scheduleOptions{}, err
	}

	switch {
	case strings.TrimSpace(opts.Owner) == "":
		return scheduleOptions{}, errors.New("--owner is required")
	case strings.TrimSpace(opts.Content) == "":
		return scheduleOptions{}, errors.New("--content is required")
	case strings.TrimSpace(opts.At) == "":
		return scheduleOptions{}, errors.New("--at is required")
	case opts.MaxRetries < 0:
		return scheduleOptions{}, errors.New("--max-retries must not be negative")
	}
	for _, img := range strings.Split(images, ",") {
		if img = strings.TrimSpace(img); img != "" {
			opts.Images = append(opts.Images, img)
		}
	}
	return opts, nil
}

// request converts the flags into a create request, reading --at in loc.
func (o scheduleOptions) request(loc *time.Location) (*model.CreatePostRequest, error) {
	at, err := timeutil.ParseLocal(o.At, loc)
	if err != nil {
		return nil, fmt.Errorf("--at: %w", err)
	}
	return &model.CreatePostRequest{
		OwnerID:      strings.TrimSpace(o.Owner),
		Content:      o.Content,
		Images:       o.Images,
		Platform:     model.Platform(strings.ToLower(o.Platform)),
		Type:         model.PostType(strings.ToLower(o.Type)),
		ScheduledFor: at,
		MaxRetries:   o.MaxRetries,
	}, nil
}

func parseRetryFlags(args []string) (retryOptions, error) {
	fs := flag.NewFlagSet("retry", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts retryOptions
	fs.StringVar(&opts.ID, "id", "", "Post ID (required)")
	fs.BoolVar(&opts.JSON, "json", false, "Print the post as JSON")

	if err := fs.Parse(args); err != nil {
		return retryOptions{}, err
	}
	opts.ID = strings.TrimSpace(opts.ID)
	if opts.ID == "" {
		return retryOptions{}, errors.New("--id is required")
	}
	return opts, nil
}
