// Package main provides the smartmute command line tool.
//
// Usage:
//
//	smartmute [-token T] [-base-url U] [-config file.yaml] [-s3] <file>
//	smartmute batch [-parallel N] [-retry] [-token T] [-base-url U] [-config file.yaml] [-s3] <dir>
//	smartmute serve [-token T] [-base-url U] [-config file.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/audioshaker/audioshake-smart-mute/internal/batch"
	"github.com/audioshaker/audioshake-smart-mute/internal/bootstrap"
	"github.com/audioshaker/audioshake-smart-mute/internal/config"
	"github.com/audioshaker/audioshake-smart-mute/internal/job"
	"github.com/audioshaker/audioshake-smart-mute/internal/server"
)

const (
	exitOK      = 0
	exitFailure = 1
)

var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run dispatches to a subcommand and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var err error
	switch {
	case len(args) > 0 && args[0] == "batch":
		err = runBatch(ctx, args[1:], stdout, stderr)
	case len(args) > 0 && args[0] == "serve":
		err = runServe(ctx, args[1:], stderr)
	default:
		err = runFile(ctx, args, stdout, stderr)
	}

	switch {
	case err == nil, errors.Is(err, flag.ErrHelp):
		return exitOK
	case errors.Is(err, errUsage):
		return exitFailure
	default:
		_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
		return exitFailure
	}
}

// commonFlags are accepted by every subcommand.
type commonFlags struct {
	token      string
	baseURL    string
	configFile string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.token, "token", "", "AudioShake API token (default $AUDIOSHAKE_API_TOKEN)")
	fs.StringVar(&c.baseURL, "base-url", "", "AudioShake API base URL (default $AUDIOSHAKE_BASE_URL)")
	fs.StringVar(&c.configFile, "config", "", "YAML file with configuration keys")
}

// load reads the configuration and applies flag overrides.
func (c *commonFlags) load(ctx context.Context) (*config.Config, error) {
	cfg, err := config.Load(ctx, c.configFile)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		cfg.Token = c.token
	}
	if c.baseURL != "" {
		cfg.BaseURL = c.baseURL
	}
	return cfg, nil
}

// parse parses args and checks the positional argument count.
func parse(fs *flag.FlagSet, args []string, positional int) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return errUsage
	}
	if fs.NArg() != positional {
		fs.Usage()
		return errUsage
	}
	return nil
}

func runFile(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("smartmute", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var common commonFlags
	common.register(fs)
	pushToS3 := fs.Bool("s3", false, "upload the output to S3 when S3 is configured")
	fs.Usage = func() {
		_, _ = fmt.Fprintln(fs.Output(), "usage: smartmute [flags] <file>\n       smartmute batch [flags] <dir>\n       smartmute serve [flags]")
		fs.PrintDefaults()
	}
	if err := parse(fs, args, 1); err != nil {
		return err
	}

	cfg, err := common.load(ctx)
	if err != nil {
		return err
	}
	logger := cfg.NewLoggerTo(stderr)

	deps, err := bootstrap.NewDependencies(cfg, logger)
	if err != nil {
		return err
	}

	out, err := deps.MuteService.Run(ctx, job.MuteInput{
		InputPath: fs.Arg(0),
		PushToS3:  *pushToS3,
	})
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(stdout, "output written to: %s\n", out.OutputPath)
	if out.OutputURL != "" {
		_, _ = fmt.Fprintf(stdout, "uploaded to: %s\n", out.OutputURL)
	}
	return nil
}

func runBatch(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("smartmute batch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var common commonFlags
	common.register(fs)
	parallel := fs.Int("parallel", 0, "maximum concurrent files (default $MAX_PARALLEL)")
	retry := fs.Bool("retry", false, "retry each failed file once")
	pushToS3 := fs.Bool("s3", false, "upload outputs to S3 when S3 is configured")
	if err := parse(fs, args, 1); err != nil {
		return err
	}

	cfg, err := common.load(ctx)
	if err != nil {
		return err
	}
	if err := cfg.RequireToken(); err != nil {
		return err
	}
	logger := cfg.NewLoggerTo(stderr)

	files, err := batch.Discover(fs.Arg(0))
	if err != nil {
		return err
	}

	// children read the token from the environment rather than argv
	if err := os.Setenv("AUDIOSHAKE_API_TOKEN", cfg.Token); err != nil {
		return fmt.Errorf("export token: %w", err)
	}
	launcher, err := batch.NewSelfLauncher(childArgs(common, *pushToS3), io.Discard, stderr)
	if err != nil {
		return err
	}

	workers := cfg.MaxParallel
	if *parallel > 0 {
		workers = *parallel
	}
	logger.Info("starting batch",
		slog.String("dir", fs.Arg(0)),
		slog.Int("files", len(files)),
		slog.Int("parallel", workers),
		slog.Bool("retry", *retry),
	)

	runner := batch.NewRunner(launcher,
		batch.WithParallel(workers),
		batch.WithRetry(*retry),
		batch.WithLogger(logger),
	)
	results := runner.Run(ctx, files)

	if failed := batch.WriteResults(stdout, results); failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(results))
	}
	return nil
}

// childArgs forwards the flags a single-file child needs.
func childArgs(common commonFlags, pushToS3 bool) []string {
	var args []string
	if common.baseURL != "" {
		args = append(args, "-base-url", common.baseURL)
	}
	if common.configFile != "" {
		args = append(args, "-config", common.configFile)
	}
	if pushToS3 {
		args = append(args, "-s3")
	}
	return args
}

func runServe(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("smartmute serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var common commonFlags
	common.register(fs)
	if err := parse(fs, args, 0); err != nil {
		return err
	}

	cfg, err := common.load(ctx)
	if err != nil {
		return err
	}
	logger := cfg.NewLoggerTo(stderr)
	slog.SetDefault(logger)

	logger.Info("starting smart mute API",
		slog.Int("port", cfg.Port),
		slog.String("log_format", cfg.LogFormat),
		slog.String("log_level", cfg.LogLevel),
		slog.String("base_url", cfg.BaseURL),
		slog.Int("max_parallel", cfg.MaxParallel),
		slog.Bool("s3_enabled", cfg.S3Enabled()),
	)

	deps, err := bootstrap.NewDependencies(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}

	handlers := server.NewHandlers(deps.MuteService, logger, server.WithMaxParallel(cfg.MaxParallel))
	router := server.NewRouter(handlers, logger, server.DefaultConfig())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute, // uploads arrive as base64 bodies
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening",
			slog.String("addr", srv.Addr),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
	}()

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		return err
	}

	// Graceful shutdown with timeout; running jobs get the same budget
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("shutting down server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	if err := handlers.Wait(shutdownCtx); err != nil {
		logger.Warn("jobs still running at shutdown", slog.String("error", err.Error()))
	}

	logger.Info("server stopped gracefully")
	return nil
}
