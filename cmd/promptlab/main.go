package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/promptlab/engine/internal/aggregate"
	"github.com/promptlab/engine/internal/aiclient"
	"github.com/promptlab/engine/internal/analytics"
	"github.com/promptlab/engine/internal/api"
	"github.com/promptlab/engine/internal/config"
	"github.com/promptlab/engine/internal/eval"
	"github.com/promptlab/engine/internal/livetrace"
	"github.com/promptlab/engine/internal/observability"
	"github.com/promptlab/engine/internal/optimizer"
	"github.com/promptlab/engine/internal/stream"
	"github.com/promptlab/engine/internal/trace"
	"github.com/promptlab/engine/internal/version"
)

const defaultConfigPath = "promptlab.yaml"

const eventWriterShutdownTimeout = 5 * time.Second
const otelShutdownTimeout = 5 * time.Second
const serverShutdownTimeout = 5 * time.Second
const serverReadHeaderTimeout = 10 * time.Second
const serverIdleTimeout = 2 * time.Minute

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		return runServe(nil)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Println(version.String())
		return 0
	case "serve":
		return runServe(args[1:])
	case "config":
		return runConfig(args[1:], os.Stdout, os.Stderr)
	case "aggregate":
		return runAggregate(args[1:], os.Stdout, os.Stderr)
	default:
		printUsage(os.Stderr)
		return 2
	}
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(errOut)
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	default:
		printConfigUsage(errOut)
		return 2
	}
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	_, _, err := loadAndValidateConfig(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "config is valid: %s\n", *configPath)
	return 0
}

// runAggregate runs one rollup pass over the stored traces and prints the
// per-pass summaries. The serve loop runs the same passes on a timer; this
// subcommand backfills after downtime or feeds cron-driven setups.
func runAggregate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("aggregate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "aggregate does not accept positional arguments")
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		}
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(errOut, &slog.HandlerOptions{Level: slog.LevelInfo}))
	store, err := newStore(cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize storage: %v\n", err)
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close storage", "error", err)
		}
	}()

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summaries := aggregate.NewService(store, logger).RunAll(ctx, time.Now().UTC())
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(summaries); err != nil {
		fmt.Fprintf(errOut, "failed to encode summaries: %v\n", err)
		return 1
	}

	for _, summary := range summaries {
		if summary.Failed > 0 {
			return 1
		}
	}
	return 0
}

func runServe(args []string) int {
	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	flagSet.SetOutput(os.Stderr)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "config is invalid: %v\n", err)
		}
		return 1
	}

	logger := slog.New(observability.NewTraceLogHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
	))
	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}
	defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)

	store, err := newStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize storage: %v\n", err)
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close storage", "error", err)
		}
	}()

	registry := livetrace.NewRegistry(livetrace.Options{})
	registry.Start(context.Background())
	defer registry.Stop()

	eventWriter := trace.NewEventWriter(store, cfg.Streaming.EventBuffer)
	eventWriter.SetMetrics(&trace.EventWriterMetrics{
		OnDrop: otelRuntime.RecordEventQueueDrop,
	})
	attachEventWriteFailureLogging(logger, eventWriter, otelRuntime)
	eventWriter.Start(context.Background())
	defer shutdownEventWriter(logger, eventWriter, eventWriterShutdownTimeout)

	recorder := trace.NewRecorder(store, registry, eventWriter, logger)

	clients, err := newClientRegistry(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to configure providers: %v\n", err)
		return 1
	}

	evaluators, err := newEvaluatorRegistry(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to configure evaluators: %v\n", err)
		return 1
	}

	orchestrator := stream.NewOrchestrator(recorder, clients, stream.Options{
		Mirror:    observability.NewCompletionMirror(otelRuntime),
		PaceDelay: time.Duration(cfg.Streaming.PaceDelayMS) * time.Millisecond,
	})

	apiHandler := api.NewRouter(api.RouterOptions{
		AppVersion:    version.String(),
		Recorder:      recorder,
		Orchestrator:  orchestrator,
		Analytics:     analytics.NewEngine(store),
		Optimizer:     optimizer.New(store, optimizerConfig(cfg)),
		Evaluators:    evaluators,
		StorageDriver: cfg.Storage.Driver,
		StoragePath:   cfg.Storage.Path,
	})

	serverHandler := otelRuntime.SpanEnrichmentMiddleware(apiHandler)
	serverHandler = otelRuntime.WrapHTTPHandler(serverHandler)

	server := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           serverHandler,
		ReadHeaderTimeout: serverReadHeaderTimeout,
		IdleTimeout:       serverIdleTimeout,
	}

	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", server.Addr,
		"storage_driver", cfg.Storage.Driver,
		"providers", clients.Names(),
		"evaluators", evaluators.IDs(),
		"simulated", cfg.Providers.Simulated.Enabled,
		"aggregation_enabled", cfg.Aggregation.Enabled,
		"config_path", *configPath,
	)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Aggregation.Enabled {
		go runAggregationLoop(ctx, aggregate.NewService(store, logger), time.Duration(cfg.Aggregation.IntervalMinutes)*time.Minute, logger)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown", "error", err)
			return 1
		}
		logger.Info("engine stopped")
		return 0
	case err := <-errCh:
		if err != nil {
			logger.Error("engine failed", "error", err)
			return 1
		}
		return 0
	}
}

type configStage string

const (
	configStageLoad     configStage = "load"
	configStageValidate configStage = "validate"
)

func loadAndValidateConfig(path string) (config.Config, configStage, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, configStageLoad, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, configStageValidate, err
	}
	return cfg, "", nil
}

func newStore(cfg config.Config) (trace.Store, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		return trace.NewSQLiteStore(cfg.Storage.Path)
	case "postgres":
		return trace.NewPostgresStore(cfg.Storage.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage.driver %q", cfg.Storage.Driver)
	}
}

func newClientRegistry(cfg config.Config) (*aiclient.Registry, error) {
	var clients []aiclient.Client
	if strings.TrimSpace(cfg.Providers.OpenAI.APIKey) != "" {
		clients = append(clients, aiclient.NewOpenAIClient(
			cfg.Providers.OpenAI.APIKey,
			cfg.Providers.OpenAI.BaseURL,
			cfg.Providers.OpenAI.Models,
		))
	}
	if cfg.Providers.Simulated.Enabled {
		clients = append(clients, &aiclient.SimulatedClient{})
	}
	if len(clients) == 0 {
		return nil, errors.New("no providers configured: set providers.openai.api_key or enable providers.simulated")
	}
	return aiclient.NewRegistry(clients...), nil
}

func newEvaluatorRegistry(cfg config.Config) (*eval.Registry, error) {
	var judge eval.JudgeCaller
	if strings.TrimSpace(cfg.Evaluation.APIKey) != "" {
		judge = eval.NewOpenAIJudge(cfg.Evaluation.APIKey, cfg.Evaluation.BaseURL, cfg.Evaluation.JudgeModel)
	} else {
		// No judge credentials: score with a deterministic local judge so
		// the evaluation endpoint stays usable in simulated setups.
		judge = localJudge{}
	}
	return eval.NewDefaultRegistry(judge)
}

// localJudge is the judge used when no judge model is configured. It scores
// by response length against a 200-character target, which is enough to
// exercise the evaluation pipeline end to end without network calls.
type localJudge struct{}

func (localJudge) Complete(_ context.Context, _ string, prompt string) (string, error) {
	responseLen := 0
	if idx := strings.Index(prompt, "\n\nResponse:\n"); idx >= 0 {
		responseLen = len(strings.TrimSpace(prompt[idx+len("\n\nResponse:\n"):]))
	}
	score := float64(responseLen) / 200
	if score > 1 {
		score = 1
	}
	payload := map[string]any{
		"score":     score,
		"reasoning": "local judge: length heuristic, configure evaluation.api_key for model-graded scores",
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func optimizerConfig(cfg config.Config) optimizer.Config {
	return optimizer.Config{
		DailyBudgetUSD:       cfg.Optimizer.DailyBudgetUSD,
		HighImpactUSD:        cfg.Optimizer.HighImpactUSD,
		MediumImpactUSD:      cfg.Optimizer.MediumImpactUSD,
		SwitchQualityFloor:   cfg.Optimizer.SwitchQualityFloor,
		SwitchPerformFloor:   cfg.Optimizer.SwitchPerformFloor,
		HeavyUserSpendShare:  cfg.Optimizer.HeavyUserSpendShare,
		HeavyUserSavingsRate: cfg.Optimizer.HeavyUserSavingsRate,
		BatchMinOccurrences:  cfg.Optimizer.BatchMinOccurrences,
		BatchSavingsRate:     cfg.Optimizer.BatchSavingsRate,
		SpikeMultiplier:      cfg.Optimizer.SpikeMultiplier,
		ModelShareAlert:      cfg.Optimizer.ModelShareAlert,
		ConfidenceFloor:      cfg.Optimizer.ConfidenceFloor,
		ConfidenceCeiling:    cfg.Optimizer.ConfidenceCeiling,
	}
}

func runAggregationLoop(ctx context.Context, service *aggregate.Service, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summaries := service.RunAll(ctx, time.Now().UTC())
			failed := 0
			processed := 0
			for _, summary := range summaries {
				failed += summary.Failed
				processed += summary.Processed
			}
			if failed > 0 {
				logger.Error("aggregation pass finished with failures", "passes", len(summaries), "processed", processed, "failed", failed)
				continue
			}
			logger.Debug("aggregation pass finished", "passes", len(summaries), "processed", processed)
		}
	}
}

func attachEventWriteFailureLogging(logger *slog.Logger, writer *trace.EventWriter, otelRuntime *observability.Runtime) {
	writer.SetWriteFailureHandler(func(failure trace.EventWriteFailure) {
		if failure.FailedCount <= 0 {
			return
		}
		otelRuntime.RecordEventWriteFailure(failure.ErrorClass, failure.FailedCount)
		logger.Error(
			"event persistence failed; dropped trace events",
			"batch_size", failure.BatchSize,
			"failed_count", failure.FailedCount,
			"error_class", failure.ErrorClass,
			"error_kind", fmt.Sprintf("%T", failure.Err),
		)
	})
}

func shutdownEventWriter(logger *slog.Logger, writer *trace.EventWriter, timeout time.Duration) {
	if writer == nil {
		return
	}

	start := time.Now()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := writer.Shutdown(shutdownCtx); err != nil {
		logger.Error(
			"failed to flush pending trace events before shutdown",
			"error", err,
			"timeout", timeout.String(),
		)
		return
	}

	logger.Info("flushed pending trace events before shutdown", "duration_ms", time.Since(start).Milliseconds())
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	if !runtime.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runtime.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown opentelemetry providers", "error", err, "timeout", timeout.String())
	}
}

func printUsage(out *os.File) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  promptlab serve [--config path/to/promptlab.yaml]")
	fmt.Fprintln(out, "  promptlab version")
	fmt.Fprintln(out, "  promptlab config validate [--config path/to/promptlab.yaml]")
	fmt.Fprintln(out, "  promptlab aggregate [--config path/to/promptlab.yaml]")
}

func printConfigUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  promptlab config validate [--config path/to/promptlab.yaml]")
}
