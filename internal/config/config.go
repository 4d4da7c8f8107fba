package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Streaming     StreamingConfig     `yaml:"streaming"`
	Aggregation   AggregationConfig   `yaml:"aggregation"`
	Optimizer     OptimizerConfig     `yaml:"optimizer"`
	Evaluation    EvaluationConfig    `yaml:"evaluation"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type ProvidersConfig struct {
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Simulated SimulatedConfig `yaml:"simulated"`
}

type OpenAIConfig struct {
	APIKey  string   `yaml:"api_key"`
	BaseURL string   `yaml:"base_url"`
	Models  []string `yaml:"models"`
}

type SimulatedConfig struct {
	Enabled bool `yaml:"enabled"`
}

type StreamingConfig struct {
	PaceDelayMS int `yaml:"pace_delay_ms"`
	EventBuffer int `yaml:"event_buffer"`
}

type AggregationConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalMinutes int  `yaml:"interval_minutes"`
}

type OptimizerConfig struct {
	DailyBudgetUSD       float64 `yaml:"daily_budget_usd"`
	HighImpactUSD        float64 `yaml:"high_impact_usd"`
	MediumImpactUSD      float64 `yaml:"medium_impact_usd"`
	SwitchQualityFloor   float64 `yaml:"switch_quality_floor"`
	SwitchPerformFloor   float64 `yaml:"switch_perform_floor"`
	HeavyUserSpendShare  float64 `yaml:"heavy_user_spend_share"`
	HeavyUserSavingsRate float64 `yaml:"heavy_user_savings_rate"`
	BatchMinOccurrences  int     `yaml:"batch_min_occurrences"`
	BatchSavingsRate     float64 `yaml:"batch_savings_rate"`
	SpikeMultiplier      float64 `yaml:"spike_multiplier"`
	ModelShareAlert      float64 `yaml:"model_share_alert"`
	ConfidenceFloor      float64 `yaml:"confidence_floor"`
	ConfidenceCeiling    float64 `yaml:"confidence_ceiling"`
}

type EvaluationConfig struct {
	JudgeModel string `yaml:"judge_model"`
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
}

type ObservabilityConfig struct {
	OTel OTelConfig `yaml:"otel"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

const (
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "promptlab"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "./data/promptlab.db",
		},
		Providers: ProvidersConfig{
			Simulated: SimulatedConfig{
				Enabled: true,
			},
		},
		Streaming: StreamingConfig{
			PaceDelayMS: 20,
			EventBuffer: 1024,
		},
		Aggregation: AggregationConfig{
			Enabled:         true,
			IntervalMinutes: 60,
		},
		Optimizer: OptimizerConfig{
			DailyBudgetUSD:       100,
			HighImpactUSD:        500,
			MediumImpactUSD:      200,
			SwitchQualityFloor:   0.90,
			SwitchPerformFloor:   0.80,
			HeavyUserSpendShare:  0.10,
			HeavyUserSavingsRate: 0.20,
			BatchMinOccurrences:  10,
			BatchSavingsRate:     0.15,
			SpikeMultiplier:      2.0,
			ModelShareAlert:      0.50,
			ConfidenceFloor:      0.3,
			ConfidenceCeiling:    0.95,
		},
		Evaluation: EvaluationConfig{
			JudgeModel: "gpt-4o-mini",
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			decoder.KnownFields(true)
			decodeErr := decoder.Decode(&cfg)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
			if decodeErr != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, decodeErr)
			}
			// Reject multi-document configs to keep runtime configuration
			// unambiguous and avoid hidden trailing documents.
			var trailing any
			trailingErr := decoder.Decode(&trailing)
			if trailingErr != nil && !errors.Is(trailingErr, io.EOF) {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, trailingErr)
			}
			if trailing != nil {
				return Config{}, fmt.Errorf("parse yaml %q: multiple yaml documents are not supported", path)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port)
	}

	driver := strings.TrimSpace(cfg.Storage.Driver)
	switch driver {
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be one of sqlite, postgres (got %q)", cfg.Storage.Driver)
	}

	if !cfg.Providers.Simulated.Enabled && strings.TrimSpace(cfg.Providers.OpenAI.APIKey) == "" {
		return errors.New("providers.openai.api_key is required when providers.simulated.enabled=false")
	}
	if err := validateBaseURL("providers.openai.base_url", cfg.Providers.OpenAI.BaseURL); err != nil {
		return err
	}
	if err := validateBaseURL("evaluation.base_url", cfg.Evaluation.BaseURL); err != nil {
		return err
	}

	if cfg.Streaming.PaceDelayMS < 0 {
		return fmt.Errorf("streaming.pace_delay_ms must be >= 0 (got %d)", cfg.Streaming.PaceDelayMS)
	}
	if cfg.Streaming.EventBuffer <= 0 {
		return fmt.Errorf("streaming.event_buffer must be > 0 (got %d)", cfg.Streaming.EventBuffer)
	}
	if cfg.Aggregation.Enabled && cfg.Aggregation.IntervalMinutes <= 0 {
		return fmt.Errorf("aggregation.interval_minutes must be > 0 (got %d)", cfg.Aggregation.IntervalMinutes)
	}

	if err := validateOptimizerConfig(cfg.Optimizer); err != nil {
		return err
	}
	if err := validateOTelConfig(cfg.Observability.OTel); err != nil {
		return err
	}

	return nil
}

func validateBaseURL(name, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	if strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
		return fmt.Errorf("%s must include scheme and host (got %q)", name, raw)
	}
	return nil
}

func validateOptimizerConfig(cfg OptimizerConfig) error {
	if cfg.DailyBudgetUSD <= 0 {
		return fmt.Errorf("optimizer.daily_budget_usd must be > 0 (got %f)", cfg.DailyBudgetUSD)
	}
	if cfg.HighImpactUSD < cfg.MediumImpactUSD {
		return fmt.Errorf("optimizer.high_impact_usd must be >= medium_impact_usd (got %f < %f)", cfg.HighImpactUSD, cfg.MediumImpactUSD)
	}
	for name, share := range map[string]float64{
		"optimizer.switch_quality_floor":    cfg.SwitchQualityFloor,
		"optimizer.switch_perform_floor":    cfg.SwitchPerformFloor,
		"optimizer.heavy_user_spend_share":  cfg.HeavyUserSpendShare,
		"optimizer.heavy_user_savings_rate": cfg.HeavyUserSavingsRate,
		"optimizer.batch_savings_rate":      cfg.BatchSavingsRate,
		"optimizer.model_share_alert":       cfg.ModelShareAlert,
	} {
		if share <= 0 || share > 1 {
			return fmt.Errorf("%s must be in (0, 1] (got %f)", name, share)
		}
	}
	if cfg.BatchMinOccurrences <= 0 {
		return fmt.Errorf("optimizer.batch_min_occurrences must be > 0 (got %d)", cfg.BatchMinOccurrences)
	}
	if cfg.SpikeMultiplier <= 1 {
		return fmt.Errorf("optimizer.spike_multiplier must be > 1 (got %f)", cfg.SpikeMultiplier)
	}
	if cfg.ConfidenceFloor < 0 || cfg.ConfidenceCeiling > 1 || cfg.ConfidenceFloor > cfg.ConfidenceCeiling {
		return fmt.Errorf("optimizer confidence band must satisfy 0 <= floor <= ceiling <= 1 (got %f..%f)", cfg.ConfidenceFloor, cfg.ConfidenceCeiling)
	}
	return nil
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if host := os.Getenv("PROMPTLAB_HOST"); host != "" {
		cfg.Server.Host = host
	}

	if port := os.Getenv("PROMPTLAB_PORT"); port != "" {
		v, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid PROMPTLAB_PORT: %w", err)
		}
		cfg.Server.Port = v
	}

	if storageDriver := os.Getenv("PROMPTLAB_STORAGE_DRIVER"); storageDriver != "" {
		cfg.Storage.Driver = storageDriver
	}
	if storagePath := os.Getenv("PROMPTLAB_STORAGE_PATH"); storagePath != "" {
		cfg.Storage.Path = storagePath
	}
	if storageDSN := os.Getenv("PROMPTLAB_STORAGE_DSN"); storageDSN != "" {
		cfg.Storage.DSN = storageDSN
	}

	if apiKey := os.Getenv("PROMPTLAB_OPENAI_API_KEY"); apiKey != "" {
		cfg.Providers.OpenAI.APIKey = apiKey
	}
	if baseURL := os.Getenv("PROMPTLAB_OPENAI_BASE_URL"); baseURL != "" {
		cfg.Providers.OpenAI.BaseURL = baseURL
	}
	if simulated := os.Getenv("PROMPTLAB_SIMULATED"); simulated != "" {
		v, err := strconv.ParseBool(simulated)
		if err != nil {
			return fmt.Errorf("invalid PROMPTLAB_SIMULATED: %w", err)
		}
		cfg.Providers.Simulated.Enabled = v
	}

	if paceDelay := os.Getenv("PROMPTLAB_PACE_DELAY_MS"); paceDelay != "" {
		v, err := strconv.Atoi(paceDelay)
		if err != nil {
			return fmt.Errorf("invalid PROMPTLAB_PACE_DELAY_MS: %w", err)
		}
		cfg.Streaming.PaceDelayMS = v
	}
	if eventBuffer := os.Getenv("PROMPTLAB_EVENT_BUFFER"); eventBuffer != "" {
		v, err := strconv.Atoi(eventBuffer)
		if err != nil {
			return fmt.Errorf("invalid PROMPTLAB_EVENT_BUFFER: %w", err)
		}
		cfg.Streaming.EventBuffer = v
	}

	if aggEnabled := os.Getenv("PROMPTLAB_AGGREGATION_ENABLED"); aggEnabled != "" {
		v, err := strconv.ParseBool(aggEnabled)
		if err != nil {
			return fmt.Errorf("invalid PROMPTLAB_AGGREGATION_ENABLED: %w", err)
		}
		cfg.Aggregation.Enabled = v
	}
	if aggInterval := os.Getenv("PROMPTLAB_AGGREGATION_INTERVAL_MINUTES"); aggInterval != "" {
		v, err := strconv.Atoi(aggInterval)
		if err != nil {
			return fmt.Errorf("invalid PROMPTLAB_AGGREGATION_INTERVAL_MINUTES: %w", err)
		}
		cfg.Aggregation.IntervalMinutes = v
	}

	if budget := os.Getenv("PROMPTLAB_DAILY_BUDGET_USD"); budget != "" {
		v, err := strconv.ParseFloat(budget, 64)
		if err != nil {
			return fmt.Errorf("invalid PROMPTLAB_DAILY_BUDGET_USD: %w", err)
		}
		cfg.Optimizer.DailyBudgetUSD = v
	}

	if judgeModel := os.Getenv("PROMPTLAB_JUDGE_MODEL"); judgeModel != "" {
		cfg.Evaluation.JudgeModel = judgeModel
	}
	if judgeKey := os.Getenv("PROMPTLAB_JUDGE_API_KEY"); judgeKey != "" {
		cfg.Evaluation.APIKey = judgeKey
	}
	if judgeBaseURL := os.Getenv("PROMPTLAB_JUDGE_BASE_URL"); judgeBaseURL != "" {
		cfg.Evaluation.BaseURL = judgeBaseURL
	}

	return applyOTelEnv(cfg)
}

// applyOTelEnv honors the standard OTEL_* environment variables. Setting any
// of them (other than OTEL_SDK_DISABLED) implicitly enables the exporter.
func applyOTelEnv(cfg *Config) error {
	otelConfigured := false
	otelSDKDisabledSet := false
	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Observability.OTel.Enabled = !v
		otelSDKDisabledSet = true
		otelConfigured = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Observability.OTel.Endpoint = endpoint
		otelConfigured = true
	}
	if insecure := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure != "" {
		v, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Observability.OTel.Insecure = v
		otelConfigured = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.Observability.OTel.ServiceName = serviceName
		otelConfigured = true
	}
	if tracesExporter := strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")); tracesExporter != "" {
		enabled, err := otelExporterEnabled(tracesExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.TracesEnabled = enabled
		otelConfigured = true
	}
	if metricsExporter := strings.TrimSpace(os.Getenv("OTEL_METRICS_EXPORTER")); metricsExporter != "" {
		enabled, err := otelExporterEnabled(metricsExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRICS_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.MetricsEnabled = enabled
		otelConfigured = true
	}
	if samplingRatio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); samplingRatio != "" {
		v, err := strconv.ParseFloat(samplingRatio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.Observability.OTel.SamplingRatio = v
		otelConfigured = true
	}
	if exportTimeout := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT")); exportTimeout != "" {
		v, err := strconv.Atoi(exportTimeout)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_TIMEOUT: %w", err)
		}
		cfg.Observability.OTel.ExportTimeoutMS = v
		otelConfigured = true
	}
	if metricExportInterval := strings.TrimSpace(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); metricExportInterval != "" {
		v, err := strconv.Atoi(metricExportInterval)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRIC_EXPORT_INTERVAL: %w", err)
		}
		cfg.Observability.OTel.MetricExportIntervalMS = v
		otelConfigured = true
	}
	if otelConfigured && !otelSDKDisabledSet {
		cfg.Observability.OTel.Enabled = true
	}

	return nil
}

func otelExporterEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "otlp":
		return true, nil
	case "none":
		return false, nil
	default:
		return false, fmt.Errorf("must be one of otlp, none (got %q)", value)
	}
}
