package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/atomjob/internal/config"
	"github.com/roach88/atomjob/internal/executor"
	"github.com/roach88/atomjob/internal/files"
	"github.com/roach88/atomjob/internal/guard"
	"github.com/roach88/atomjob/internal/lifecycle"
	"github.com/roach88/atomjob/internal/model"
	"github.com/roach88/atomjob/internal/model/gemini"
	"github.com/roach88/atomjob/internal/model/openai"
	"github.com/roach88/atomjob/internal/store"
)

// errNoModel backs read-only commands, which never execute a job.
var errNoModel = errors.New("no model configured for this command")

// app is the wired object graph one command runs against.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	table   store.Table
	guard   *guard.Guard
	manager *lifecycle.Manager
}

// appOptions selects what a command needs.
type appOptions struct {
	// withModel builds the configured provider client. Commands that only
	// read the job table skip it so they work without an API key.
	withModel bool
}

// newApp loads configuration and wires store, guard, executor and manager.
func newApp(ctx context.Context, opts *RootOptions, cmd *cobra.Command, ao appOptions) (*app, *OutputFormatter, error) {
	formatter := newFormatter(opts, cmd)

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, formatter, formatter.FailWith(ErrCodeConfig, ExitCommandError, "failed to load config", err)
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	if opts.LogFormat != "" {
		cfg.Log.Format = opts.LogFormat
	}
	logger, err := newLogger(cmd.ErrOrStderr(), cfg)
	if err != nil {
		return nil, formatter, formatter.FailWith(ErrCodeConfig, ExitCommandError, "invalid log settings", err)
	}
	slog.SetDefault(logger)

	policy, err := loadPolicy(cfg.Policy.Path)
	if err != nil {
		return nil, formatter, formatter.FailWith(ErrCodePolicy, ExitCommandError, "failed to load policy", err)
	}
	g, err := guard.New(policy, guard.WithLogger(logger))
	if err != nil {
		return nil, formatter, formatter.FailWith(ErrCodePolicy, ExitCommandError, "invalid policy", err)
	}

	var m model.Model = model.Func(func(context.Context, model.Request) (model.Response, error) {
		return model.Response{}, errNoModel
	})
	switch {
	case opts.Model != nil:
		m = opts.Model
	case ao.withModel:
		m, err = newModel(ctx, cfg, logger)
		if err != nil {
			return nil, formatter, formatter.FailWith(ErrCodeModel, ExitCommandError, "failed to create model client", err)
		}
	}

	ex, err := executor.New(m, files.New(cfg.Job.MaxDocumentChars, logger),
		executor.WithMaxOutputTokens(cfg.Job.MaxOutputTokens),
		executor.WithFileConcurrency(cfg.Job.FileConcurrency),
		executor.WithLogger(logger))
	if err != nil {
		return nil, formatter, formatter.FailWith(ErrCodeConfig, ExitCommandError, "failed to build executor", err)
	}

	table, err := openTable(ctx, cfg, logger)
	if err != nil {
		return nil, formatter, formatter.FailWith(ErrCodeStore, ExitCommandError, "failed to open job table", err)
	}

	mgr, err := lifecycle.New(table, g, ex,
		lifecycle.WithConfig(cfg.Lifecycle()),
		lifecycle.WithPriceTable(cfg.PriceTable()),
		lifecycle.WithSigningKey(cfg.Proof.SigningKey),
		lifecycle.WithLogger(logger))
	if err != nil {
		table.Close()
		return nil, formatter, formatter.FailWith(ErrCodeConfig, ExitCommandError, "failed to create job manager", err)
	}

	return &app{cfg: cfg, logger: logger, table: table, guard: g, manager: mgr}, formatter, nil
}

// close drains the manager and closes the table.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.manager.Shutdown(ctx); err != nil {
		a.logger.Error("error stopping job manager", "error", err)
	}
	if err := a.table.Close(); err != nil {
		a.logger.Error("error closing job table", "error", err)
	}
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}
}

func newLogger(w io.Writer, cfg *config.Config) (*slog.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	hopts := &slog.HandlerOptions{Level: level}
	switch cfg.Log.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, hopts)), nil
	}
	return nil, fmt.Errorf("log format %q: must be text or json", cfg.Log.Format)
}

func newModel(ctx context.Context, cfg *config.Config, logger *slog.Logger) (model.Model, error) {
	switch cfg.Model.Provider {
	case config.ProviderOpenAI:
		return openai.NewClient(openai.Config{
			APIKey:      cfg.Model.APIKey,
			BaseURL:     cfg.Model.BaseURL,
			Model:       cfg.Model.Name,
			Temperature: cfg.Model.Temperature,
			Timeout:     cfg.Model.Timeout,
		}, logger), nil
	case config.ProviderGemini:
		return gemini.NewClient(ctx, gemini.Config{
			APIKey:      cfg.Model.APIKey,
			Model:       cfg.Model.Name,
			Temperature: cfg.Model.Temperature,
		}, logger)
	}
	return nil, fmt.Errorf("unknown model provider %q", cfg.Model.Provider)
}

func openTable(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Table, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		return store.NewMemory(), nil
	case config.DriverSQLite:
		logger.Debug("opening database", "path", cfg.Store.DSN)
		return store.OpenSQLite(cfg.Store.DSN)
	case config.DriverPostgres:
		return store.OpenPostgres(ctx, store.PostgresConfig{
			DSN:         cfg.Store.DSN,
			MaxConns:    cfg.Store.MaxConns,
			DialTimeout: 10 * time.Second,
		}, logger)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}
